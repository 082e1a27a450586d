package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/models"
)

func taskRow(id, owner, title string) models.Row {
	return models.Row{
		models.ColumnID:        id,
		models.ColumnOwnerID:   owner,
		models.ColumnCreatedAt: int64(1000),
		models.ColumnUpdatedAt: int64(2000),
		models.ColumnDeleted:   false,
		"title":                title,
	}
}

// TestObjectBackend_roundTrip verifies insert, update, select and delete.
func TestObjectBackend_roundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	b := NewObjectBackend(store)

	require.NoError(t, b.Insert(ctx, "bounce_plan_tasks", taskRow("t2", "user-1", "second")))
	require.NoError(t, b.Insert(ctx, "bounce_plan_tasks", taskRow("t1", "user-1", "first")))
	require.NoError(t, b.Insert(ctx, "bounce_plan_tasks", taskRow("t3", "user-2", "other owner")))
	require.NoError(t, b.Update(ctx, "bounce_plan_tasks", taskRow("t1", "user-1", "first v2")))

	rows, err := b.Select(ctx, "bounce_plan_tasks", "user-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "t1", rows[0].String(models.ColumnID))
	assert.Equal(t, "first v2", rows[0]["title"])
	assert.Equal(t, int64(2000), rows[0].Int64(models.ColumnUpdatedAt))

	require.NoError(t, b.Delete(ctx, "bounce_plan_tasks", "user-1", "t1"))
	require.NoError(t, b.Delete(ctx, "bounce_plan_tasks", "user-1", "t1"), "deleting an absent row is not an error")

	rows, err = b.Select(ctx, "bounce_plan_tasks", "user-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "t2", rows[0].String(models.ColumnID))
}

// selectOnly hides ObjectBackend.Get so GetRow falls back to Select.
type selectOnly struct {
	Backend
}

func TestGetRow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	b := NewObjectBackend(store)

	require.NoError(t, b.Insert(ctx, "bounce_plan_tasks", taskRow("t1", "user-1", "first")))
	gone := taskRow("t2", "user-1", "gone")
	gone[models.ColumnDeleted] = true
	require.NoError(t, b.Insert(ctx, "bounce_plan_tasks", gone))

	for name, backend := range map[string]Backend{"direct": b, "select": selectOnly{b}} {
		t.Run(name, func(t *testing.T) {
			row, err := GetRow(ctx, backend, "bounce_plan_tasks", "user-1", "t1")
			require.NoError(t, err)
			require.NotNil(t, row)
			assert.Equal(t, "first", row["title"])

			row, err = GetRow(ctx, backend, "bounce_plan_tasks", "user-1", "t2")
			require.NoError(t, err)
			assert.Nil(t, row, "deleted rows count as absent")

			row, err = GetRow(ctx, backend, "bounce_plan_tasks", "user-1", "missing")
			require.NoError(t, err)
			assert.Nil(t, row)
		})
	}

	store.SetFailure(errors.New("connection refused"))
	_, err := GetRow(ctx, b, "bounce_plan_tasks", "user-1", "t1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
}

// TestObjectBackend_compressedLayout verifies the object key and encoding.
func TestObjectBackend_compressedLayout(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	b := NewObjectBackend(store)
	require.NoError(t, b.Insert(ctx, "mood_logs", taskRow("m1", "user-1", "calm")))

	key := RowKey("mood_logs", "user-1", "m1")
	assert.Equal(t, "tables/mood_logs/user-1/m1.json.sz", key)

	data, err := store.Download(ctx, key)
	require.NoError(t, err)
	raw, err := snappy.Decode(nil, data)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"title":"calm"`)
}

// TestObjectBackend_networkErrors verifies transport failures are retryable.
func TestObjectBackend_networkErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	b := NewObjectBackend(store)
	store.SetFailure(errors.New("connection refused"))

	_, err := b.Select(ctx, "profiles", "user-1")
	assert.True(t, apperrors.IsRetryable(err))

	err = b.Insert(ctx, "profiles", taskRow("p1", "user-1", "x"))
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))

	err = b.Delete(ctx, "profiles", "user-1", "p1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))

	store.SetFailure(nil)
	assert.NoError(t, b.Insert(ctx, "profiles", taskRow("p1", "user-1", "x")))
}

// TestObjectBackend_rejectsUnsafeIdentity verifies ids cannot escape their prefix.
func TestObjectBackend_rejectsUnsafeIdentity(t *testing.T) {
	ctx := context.Background()
	b := NewObjectBackend(NewMemoryStore())

	tests := []struct {
		name string
		row  models.Row
	}{
		{"missing id", models.Row{models.ColumnOwnerID: "user-1"}},
		{"missing owner", models.Row{models.ColumnID: "x"}},
		{"slash in id", models.Row{models.ColumnID: "../x", models.ColumnOwnerID: "user-1"}},
		{"dot owner", models.Row{models.ColumnID: "x", models.ColumnOwnerID: ".."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Insert(ctx, "profiles", tt.row)
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
			assert.False(t, apperrors.IsRetryable(err))
		})
	}
}

// TestObjectBackend_corruptObject verifies undecodable objects fail the select.
func TestObjectBackend_corruptObject(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Upload(ctx, RowKey("profiles", "user-1", "bad"), []byte("not snappy")))

	_, err := NewObjectBackend(store).Select(ctx, "profiles", "user-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncFailed))
}

// TestMemoryStore_isolation verifies stored bytes are copied.
func TestMemoryStore_isolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	data := []byte("abc")
	require.NoError(t, store.Upload(ctx, "k", data))
	data[0] = 'x'

	got, err := store.Download(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	_, err = store.Download(ctx, "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.Equal(t, 1, store.Len())
}
