package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/models"
)

func testOp(id, target string, kind models.OperationKind) *models.OfflineOperation {
	return &models.OfflineOperation{
		ID:             id,
		EntityType:     models.EntityMoodEntry,
		OwnerID:        "user-1",
		TargetRecordID: target,
		Kind:           kind,
		Payload:        models.Row{"mood": 4.0},
		EnqueuedAt:     1000,
	}
}

// TestOperationStore_roundTrip verifies insert order and field persistence.
func TestOperationStore_roundTrip(t *testing.T) {
	ctx := context.Background()
	ops := openTestStore(t).Operations()

	require.NoError(t, ops.InsertOperation(ctx, testOp("b", "m1", models.OperationCreate)))
	require.NoError(t, ops.InsertOperation(ctx, testOp("a", "m1", models.OperationUpdate)))
	require.NoError(t, ops.InsertOperation(ctx, &models.OfflineOperation{
		ID: "c", EntityType: models.EntityMoodEntry, OwnerID: "user-1", TargetRecordID: "m2", Kind: models.OperationDelete,
	}))

	loaded, err := ops.LoadOperations(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{loaded[0].ID, loaded[1].ID, loaded[2].ID}, "insertion order, not id order")
	assert.Equal(t, 4.0, loaded[0].Payload["mood"])
	assert.Equal(t, models.OperationDelete, loaded[2].Kind)
}

// TestOperationStore_updateKeepsPosition verifies updates do not reorder the queue.
func TestOperationStore_updateKeepsPosition(t *testing.T) {
	ctx := context.Background()
	ops := openTestStore(t).Operations()

	first := testOp("1", "m1", models.OperationCreate)
	require.NoError(t, ops.InsertOperation(ctx, first))
	require.NoError(t, ops.InsertOperation(ctx, testOp("2", "m2", models.OperationCreate)))

	first.Attempts = 2
	first.LastError = "[NETWORK_ERROR] timeout"
	first.Payload = models.Row{"mood": 1.0}
	require.NoError(t, ops.UpdateOperation(ctx, first))

	loaded, err := ops.LoadOperations(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "1", loaded[0].ID)
	assert.Equal(t, 2, loaded[0].Attempts)
	assert.Equal(t, "[NETWORK_ERROR] timeout", loaded[0].LastError)
	assert.Equal(t, 1.0, loaded[0].Payload["mood"])

	err = ops.UpdateOperation(ctx, testOp("ghost", "m9", models.OperationCreate))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestOperationStore_deleteAndClear verifies removal paths.
func TestOperationStore_deleteAndClear(t *testing.T) {
	ctx := context.Background()
	ops := openTestStore(t).Operations()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, ops.InsertOperation(ctx, testOp(id, "m"+id, models.OperationCreate)))
	}

	require.NoError(t, ops.DeleteOperation(ctx, "2"))
	loaded, err := ops.LoadOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	require.NoError(t, ops.ClearOperations(ctx))
	loaded, err = ops.LoadOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

// TestOperationStore_duplicateID verifies ids are unique.
func TestOperationStore_duplicateID(t *testing.T) {
	ctx := context.Background()
	ops := openTestStore(t).Operations()
	require.NoError(t, ops.InsertOperation(ctx, testOp("1", "m1", models.OperationCreate)))
	assert.Error(t, ops.InsertOperation(ctx, testOp("1", "m1", models.OperationCreate)))
}

// TestConflicts_lifecycle verifies save, refresh, list and delete.
func TestConflicts_lifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c := &models.ConflictRecord{
		EntityType:     models.EntityCoachMessage,
		EntityID:       "msg-1",
		OwnerID:        "user-1",
		LocalSnapshot:  models.Row{"body": "local"},
		RemoteSnapshot: models.Row{"body": "remote"},
		DetectedAt:     100,
	}
	require.NoError(t, s.SaveConflict(ctx, c))

	refreshed := *c
	refreshed.RemoteSnapshot = models.Row{"body": "remote v2"}
	refreshed.DetectedAt = 200
	require.NoError(t, s.SaveConflict(ctx, &refreshed))

	got, err := s.GetConflict(ctx, models.EntityCoachMessage, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.DetectedAt, "first detection time is kept")
	assert.Equal(t, "remote v2", got.RemoteSnapshot["body"])

	require.NoError(t, s.SaveConflict(ctx, &models.ConflictRecord{
		EntityType: models.EntityCoachMessage, EntityID: "msg-2", OwnerID: "user-2",
		LocalSnapshot: models.Row{}, RemoteSnapshot: models.Row{}, DetectedAt: 50,
	}))

	all, err := s.ListConflicts(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "msg-2", all[0].EntityID)

	mine, err := s.ListConflicts(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	require.NoError(t, s.DeleteConflict(ctx, models.EntityCoachMessage, "msg-1"))
	_, err = s.GetConflict(ctx, models.EntityCoachMessage, "msg-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestEntityStore_scopesToType verifies the adapter forwards its entity type.
func TestEntityStore_scopesToType(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	stores := EntityStores(s, models.DefaultEntitySpecs())

	budget := stores[models.EntityBudgetEntry]
	require.NotNil(t, budget)
	assert.Equal(t, []string{"amount", "account_number"}, budget.SensitiveFields())
	assert.Nil(t, budget.RetentionPolicy())
	assert.NotNil(t, stores[models.EntityMoodEntry].RetentionPolicy())

	require.NoError(t, s.PutRecord(ctx, &models.Record{ID: "b1", EntityType: models.EntityBudgetEntry, OwnerID: "user-1",
		Fields: map[string]interface{}{"amount": 10.0}}))
	require.NoError(t, s.PutRecord(ctx, &models.Record{ID: "p1", EntityType: models.EntityProfile, OwnerID: "user-1",
		Fields: map[string]interface{}{}}))

	snap, err := budget.Snapshot(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "b1", snap[0].ID)
}
