// Package queue provides the durable offline operation queue.
// Mutations that could not be confirmed remotely wait here, in FIFO order per
// target record, until a sync pass applies them.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
	"github.com/kimhsiao/bounceback/backend/internal/models"
)

// ErrQueueFull is returned by Enqueue when the queue is at its maximum size.
var ErrQueueFull = apperrors.New(apperrors.ErrQueueFull, "offline queue is full")

// Persister stores queued operations durably. db.OperationStore implements it.
type Persister interface {
	LoadOperations(ctx context.Context) ([]*models.OfflineOperation, error)
	InsertOperation(ctx context.Context, op *models.OfflineOperation) error
	UpdateOperation(ctx context.Context, op *models.OfflineOperation) error
	DeleteOperation(ctx context.Context, id string) error
	ClearOperations(ctx context.Context) error
}

// Option configures an OfflineQueue.
type Option func(*OfflineQueue)

// WithMaxSize bounds the number of queued operations. Zero means unbounded.
func WithMaxSize(n int) Option {
	return func(q *OfflineQueue) { q.maxSize = n }
}

// WithClock overrides the enqueue clock.
func WithClock(now func() time.Time) Option {
	return func(q *OfflineQueue) { q.now = now }
}

// OfflineQueue manages pending offline operations.
// Every mutation is written through to the persister before the in-memory
// view changes, so a failed write leaves the queue as it was.
type OfflineQueue struct {
	mu        sync.RWMutex
	items     []*models.OfflineOperation
	persister Persister
	maxSize   int
	now       func() time.Time
}

// New creates a queue and loads any operations persisted by a previous run.
// A nil persister gives an in-memory queue.
func New(ctx context.Context, persister Persister, opts ...Option) (*OfflineQueue, error) {
	q := &OfflineQueue{persister: persister, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	if persister != nil {
		items, err := persister.LoadOperations(ctx)
		if err != nil {
			return nil, fmt.Errorf("load offline queue: %w", err)
		}
		q.items = items
		if len(items) > 0 {
			logging.Info("Restored offline queue", map[string]interface{}{"operations": len(items)})
		}
	}
	return q, nil
}

func validate(op *models.OfflineOperation) error {
	if op.EntityType == "" || op.TargetRecordID == "" || op.OwnerID == "" {
		return apperrors.New(apperrors.ErrInvalid, "operation needs entity type, owner and target")
	}
	if !op.Kind.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
	return nil
}

func clone(op *models.OfflineOperation) *models.OfflineOperation {
	c := *op
	c.Payload = op.Payload.Clone()
	return &c
}

// lastFor returns the newest queued operation on the target, or nil.
func (q *OfflineQueue) lastFor(entityType, target string) *models.OfflineOperation {
	for i := len(q.items) - 1; i >= 0; i-- {
		it := q.items[i]
		if it.EntityType == entityType && it.TargetRecordID == target {
			return it
		}
	}
	return nil
}

// Enqueue appends op. When the newest queued operation on the same target has
// the same kind, its payload is replaced in place instead; the returned
// operation is the one that remains queued.
func (q *OfflineQueue) Enqueue(ctx context.Context, op *models.OfflineOperation) (*models.OfflineOperation, error) {
	if err := validate(op); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if last := q.lastFor(op.EntityType, op.TargetRecordID); last != nil && last.Kind == op.Kind {
		updated := clone(last)
		updated.Payload = op.Payload.Clone()
		updated.Revision++
		if q.persister != nil {
			if err := q.persister.UpdateOperation(ctx, updated); err != nil {
				return nil, err
			}
		}
		*last = *updated
		logging.Debug("Coalesced offline operation", map[string]interface{}{
			"id": last.ID, "entity_type": last.EntityType, "kind": string(last.Kind),
		})
		return clone(last), nil
	}

	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return nil, ErrQueueFull
	}

	item := clone(op)
	if item.ID == "" {
		item.ID = ulid.Make().String()
	}
	if item.EnqueuedAt == 0 {
		item.EnqueuedAt = q.now().UnixMilli()
	}
	if q.persister != nil {
		if err := q.persister.InsertOperation(ctx, item); err != nil {
			return nil, err
		}
	}
	q.items = append(q.items, item)

	logging.Info("Enqueued offline operation", map[string]interface{}{
		"id": item.ID, "entity_type": item.EntityType, "kind": string(item.Kind), "queue_size": len(q.items),
	})
	return clone(item), nil
}

// PeekAll returns copies of all queued operations in order.
func (q *OfflineQueue) PeekAll() []*models.OfflineOperation {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*models.OfflineOperation, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, clone(it))
	}
	return out
}

// PeekOwner returns copies of ownerID's queued operations in order.
func (q *OfflineQueue) PeekOwner(ownerID string) []*models.OfflineOperation {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*models.OfflineOperation
	for _, it := range q.items {
		if it.OwnerID == ownerID {
			out = append(out, clone(it))
		}
	}
	return out
}

// Get returns a copy of one queued operation.
func (q *OfflineQueue) Get(id string) (*models.OfflineOperation, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, it := range q.items {
		if it.ID == id {
			return clone(it), nil
		}
	}
	return nil, apperrors.New(apperrors.ErrNotFound, "offline operation "+id+" not found")
}

// Remove deletes one operation.
func (q *OfflineQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return apperrors.New(apperrors.ErrNotFound, "offline operation "+id+" not found")
	}
	return q.removeAt(ctx, i)
}

// RemoveIfUnchanged deletes the operation only if its payload has not been
// replaced since the copy at revision was taken. It reports whether the
// operation was removed; a coalesced operation stays queued.
func (q *OfflineQueue) RemoveIfUnchanged(ctx context.Context, id string, revision int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return false, apperrors.New(apperrors.ErrNotFound, "offline operation "+id+" not found")
	}
	if q.items[i].Revision != revision {
		logging.Debug("Offline operation changed while in flight", map[string]interface{}{
			"id": id, "revision": q.items[i].Revision,
		})
		return false, nil
	}
	if err := q.removeAt(ctx, i); err != nil {
		return false, err
	}
	return true, nil
}

func (q *OfflineQueue) indexOf(id string) int {
	for i, it := range q.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (q *OfflineQueue) removeAt(ctx context.Context, i int) error {
	if q.persister != nil {
		if err := q.persister.DeleteOperation(ctx, q.items[i].ID); err != nil {
			return err
		}
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	return nil
}

// RecordFailure keeps the operation in place and records the attempt.
func (q *OfflineQueue) RecordFailure(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.ID != id {
			continue
		}
		updated := clone(it)
		updated.Attempts++
		if cause != nil {
			updated.LastError = cause.Error()
		}
		if q.persister != nil {
			if err := q.persister.UpdateOperation(ctx, updated); err != nil {
				return err
			}
		}
		*it = *updated

		logging.Warn("Offline operation failed", map[string]interface{}{
			"id": it.ID, "entity_type": it.EntityType, "attempts": it.Attempts,
			"code": string(apperrors.CodeOf(cause)),
		})
		return nil
	}
	return apperrors.New(apperrors.ErrNotFound, "offline operation "+id+" not found")
}

// Size returns the number of queued operations.
func (q *OfflineQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// HasPending reports whether any operation is queued.
func (q *OfflineQueue) HasPending() bool {
	return q.Size() > 0
}

// HasPendingFor reports whether an operation on the target is queued.
func (q *OfflineQueue) HasPendingFor(entityType, target string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.lastFor(entityType, target) != nil
}

// Snapshot summarises the queue for the UI.
func (q *OfflineQueue) Snapshot() models.QueueSnapshot {
	q.mu.RLock()
	defer q.mu.RUnlock()

	snap := models.QueueSnapshot{
		TotalItems:   len(q.items),
		ByEntityType: make(map[string]int),
	}
	for _, it := range q.items {
		snap.ByEntityType[it.EntityType]++
		snap.ApproximateSizeBytes += it.SizeBytes()
		if snap.OldestEnqueuedAt == 0 || it.EnqueuedAt < snap.OldestEnqueuedAt {
			snap.OldestEnqueuedAt = it.EnqueuedAt
		}
	}
	return snap
}

// Clear removes all operations.
func (q *OfflineQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.persister != nil {
		if err := q.persister.ClearOperations(ctx); err != nil {
			return err
		}
	}
	dropped := len(q.items)
	q.items = nil

	logging.Info("Offline queue cleared", map[string]interface{}{"dropped": dropped})
	return nil
}
