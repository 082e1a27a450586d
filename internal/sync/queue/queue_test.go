package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/bounceback/backend/internal/db"
	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/models"
)

func op(target string, kind models.OperationKind, payload models.Row) *models.OfflineOperation {
	return &models.OfflineOperation{
		EntityType:     models.EntityBouncePlanTask,
		OwnerID:        "user-1",
		TargetRecordID: target,
		Kind:           kind,
		Payload:        payload,
	}
}

func newMemoryQueue(t *testing.T, opts ...Option) *OfflineQueue {
	t.Helper()
	q, err := New(context.Background(), nil, opts...)
	require.NoError(t, err)
	return q
}

func newPersistentQueue(t *testing.T) (*OfflineQueue, *db.OperationStore) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())

	ops := db.NewLocalStore(database.DB).Operations()
	q, err := New(context.Background(), ops)
	require.NoError(t, err)
	return q, ops
}

// TestEnqueue_assignsIDAndTime verifies ULID ids and enqueue timestamps.
func TestEnqueue_assignsIDAndTime(t *testing.T) {
	clock := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	q := newMemoryQueue(t, WithClock(func() time.Time { return clock }))

	a, err := q.Enqueue(context.Background(), op("t1", models.OperationCreate, models.Row{"title": "a"}))
	require.NoError(t, err)
	b, err := q.Enqueue(context.Background(), op("t2", models.OperationCreate, models.Row{"title": "b"}))
	require.NoError(t, err)

	assert.Len(t, a.ID, 26)
	assert.Less(t, a.ID, b.ID, "ULIDs sort in enqueue order")
	assert.Equal(t, clock.UnixMilli(), a.EnqueuedAt)
	assert.Equal(t, 2, q.Size())
}

// TestEnqueue_validation verifies malformed operations are rejected.
func TestEnqueue_validation(t *testing.T) {
	q := newMemoryQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &models.OfflineOperation{Kind: models.OperationCreate})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = q.Enqueue(ctx, op("t1", "upsert", nil))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// TestEnqueue_coalescesAdjacentSameKind verifies payload replacement in place.
func TestEnqueue_coalescesAdjacentSameKind(t *testing.T) {
	q := newMemoryQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, op("t1", models.OperationUpdate, models.Row{"title": "v1"}))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("t2", models.OperationUpdate, models.Row{"title": "other"}))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, op("t1", models.OperationUpdate, models.Row{"title": "v2"}))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same entry is reused")
	require.Equal(t, 2, q.Size())

	items := q.PeekAll()
	assert.Equal(t, "t1", items[0].TargetRecordID, "position is kept")
	assert.Equal(t, "v2", items[0].Payload["title"])
}

// TestEnqueue_preservesNonAdjacentDuplicates verifies update, delete, update stays three entries.
func TestEnqueue_preservesNonAdjacentDuplicates(t *testing.T) {
	q := newMemoryQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("t1", models.OperationUpdate, models.Row{"title": "v1"}))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("t1", models.OperationDelete, nil))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("t1", models.OperationUpdate, models.Row{"title": "v3"}))
	require.NoError(t, err)

	items := q.PeekAll()
	require.Len(t, items, 3)
	assert.Equal(t, []models.OperationKind{models.OperationUpdate, models.OperationDelete, models.OperationUpdate},
		[]models.OperationKind{items[0].Kind, items[1].Kind, items[2].Kind})
}

// TestEnqueue_maxSize verifies the bound, and that coalescing still works when full.
func TestEnqueue_maxSize(t *testing.T) {
	q := newMemoryQueue(t, WithMaxSize(1))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("t1", models.OperationUpdate, models.Row{"title": "v1"}))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, op("t2", models.OperationUpdate, nil))
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueFull))
	assert.ErrorIs(t, err, ErrQueueFull)

	_, err = q.Enqueue(ctx, op("t1", models.OperationUpdate, models.Row{"title": "v2"}))
	assert.NoError(t, err)
}

// TestRecordFailure_keepsEntryInPlace verifies failures update, never duplicate.
func TestRecordFailure_keepsEntryInPlace(t *testing.T) {
	q := newMemoryQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, op("t1", models.OperationCreate, nil))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("t2", models.OperationCreate, nil))
	require.NoError(t, err)

	cause := apperrors.Network("insert bounce_plan_tasks", errors.New("timeout"))
	require.NoError(t, q.RecordFailure(ctx, a.ID, cause))
	require.NoError(t, q.RecordFailure(ctx, a.ID, cause))

	items := q.PeekAll()
	require.Len(t, items, 2)
	assert.Equal(t, a.ID, items[0].ID)
	assert.Equal(t, 2, items[0].Attempts)
	assert.Contains(t, items[0].LastError, "NETWORK_ERROR")

	err = q.RecordFailure(ctx, "missing", cause)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestRemoveAndClear verifies removal paths.
func TestRemoveAndClear(t *testing.T) {
	q := newMemoryQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, op("t1", models.OperationCreate, nil))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("t2", models.OperationCreate, nil))
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, a.ID))
	assert.Equal(t, 1, q.Size())
	assert.False(t, q.HasPendingFor(models.EntityBouncePlanTask, "t1"))
	assert.True(t, q.HasPendingFor(models.EntityBouncePlanTask, "t2"))

	assert.True(t, apperrors.Is(q.Remove(ctx, a.ID), apperrors.ErrNotFound))

	require.NoError(t, q.Clear(ctx))
	assert.False(t, q.HasPending())
}

// TestRemoveIfUnchanged_keepsCoalescedWrite verifies a write coalesced into an
// operation that a pass is applying is not dropped with it.
func TestRemoveIfUnchanged_keepsCoalescedWrite(t *testing.T) {
	q, ops := newPersistentQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("t1", models.OperationUpdate, models.Row{"title": "v1"}))
	require.NoError(t, err)
	inflight := q.PeekOwner("user-1")[0]

	coalesced, err := q.Enqueue(ctx, op("t1", models.OperationUpdate, models.Row{"title": "v2"}))
	require.NoError(t, err)
	assert.Equal(t, inflight.ID, coalesced.ID)
	assert.Equal(t, inflight.Revision+1, coalesced.Revision)

	removed, err := q.RemoveIfUnchanged(ctx, inflight.ID, inflight.Revision)
	require.NoError(t, err)
	assert.False(t, removed, "the newer payload has not been applied")
	require.Equal(t, 1, q.Size())
	assert.Equal(t, "v2", q.PeekAll()[0].Payload["title"])

	persisted, err := ops.LoadOperations(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	current := q.PeekAll()[0]
	removed, err = q.RemoveIfUnchanged(ctx, current.ID, current.Revision)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, q.HasPending())

	_, err = q.RemoveIfUnchanged(ctx, current.ID, current.Revision)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestSnapshot verifies totals, grouping and oldest timestamp.
func TestSnapshot(t *testing.T) {
	clock := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	q := newMemoryQueue(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	assert.Equal(t, models.QueueSnapshot{ByEntityType: map[string]int{}}, q.Snapshot())

	_, err := q.Enqueue(ctx, op("t1", models.OperationCreate, models.Row{"title": "x"}))
	require.NoError(t, err)
	clock = clock.Add(time.Minute)
	mood := op("m1", models.OperationCreate, models.Row{"mood": 2})
	mood.EntityType = models.EntityMoodEntry
	_, err = q.Enqueue(ctx, mood)
	require.NoError(t, err)

	snap := q.Snapshot()
	assert.Equal(t, 2, snap.TotalItems)
	assert.Equal(t, map[string]int{models.EntityBouncePlanTask: 1, models.EntityMoodEntry: 1}, snap.ByEntityType)
	assert.Equal(t, clock.Add(-time.Minute).UnixMilli(), snap.OldestEnqueuedAt)
	assert.Greater(t, snap.ApproximateSizeBytes, int64(0))
}

// TestPeekOwner verifies per-user filtering.
func TestPeekOwner(t *testing.T) {
	q := newMemoryQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, op("t1", models.OperationCreate, nil))
	require.NoError(t, err)
	other := op("t2", models.OperationCreate, nil)
	other.OwnerID = "user-2"
	_, err = q.Enqueue(ctx, other)
	require.NoError(t, err)

	mine := q.PeekOwner("user-1")
	require.Len(t, mine, 1)
	assert.Equal(t, "t1", mine[0].TargetRecordID)
}

// TestPeekAll_returnsCopies verifies callers cannot mutate queue state.
func TestPeekAll_returnsCopies(t *testing.T) {
	q := newMemoryQueue(t)
	_, err := q.Enqueue(context.Background(), op("t1", models.OperationCreate, models.Row{"title": "a"}))
	require.NoError(t, err)

	items := q.PeekAll()
	items[0].Payload["title"] = "tampered"
	items[0].Attempts = 99

	fresh := q.PeekAll()
	assert.Equal(t, "a", fresh[0].Payload["title"])
	assert.Equal(t, 0, fresh[0].Attempts)
}

// TestPersistence_survivesRestart verifies a reopened queue keeps order and attempts.
func TestPersistence_survivesRestart(t *testing.T) {
	ctx := context.Background()
	q, ops := newPersistentQueue(t)

	a, err := q.Enqueue(ctx, op("t1", models.OperationCreate, models.Row{"title": "a"}))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("t2", models.OperationUpdate, models.Row{"title": "b"}))
	require.NoError(t, err)
	require.NoError(t, q.RecordFailure(ctx, a.ID, errors.New("offline")))

	reopened, err := New(ctx, ops)
	require.NoError(t, err)
	items := reopened.PeekAll()
	require.Len(t, items, 2)
	assert.Equal(t, a.ID, items[0].ID)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, "offline", items[0].LastError)

	require.NoError(t, reopened.Clear(ctx))
	empty, err := New(ctx, ops)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Size())
}

type failingPersister struct{ Persister }

func (failingPersister) LoadOperations(context.Context) ([]*models.OfflineOperation, error) {
	return nil, nil
}

func (failingPersister) InsertOperation(context.Context, *models.OfflineOperation) error {
	return errors.New("disk full")
}

// TestEnqueue_persistFailureLeavesQueueUnchanged verifies write-through ordering.
func TestEnqueue_persistFailureLeavesQueueUnchanged(t *testing.T) {
	q, err := New(context.Background(), failingPersister{})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), op("t1", models.OperationCreate, nil))
	assert.Error(t, err)
	assert.Equal(t, 0, q.Size())
}

// TestConcurrentEnqueue verifies the queue is safe for concurrent writers.
func TestConcurrentEnqueue(t *testing.T) {
	q := newMemoryQueue(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			target := string(rune('a' + n%26)) + string(rune('a'+n/26))
			_, err := q.Enqueue(context.Background(), op(target, models.OperationCreate, nil))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, q.Size())
}
