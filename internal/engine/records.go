package engine

import (
	"context"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/ids"
	"github.com/kimhsiao/bounceback/backend/internal/models"
	syncpkg "github.com/kimhsiao/bounceback/backend/internal/sync"
	"github.com/kimhsiao/bounceback/backend/internal/sync/dispatcher"
)

// RecordStore is the local write path. db.LocalStore implements it.
type RecordStore interface {
	PutRecord(ctx context.Context, rec *models.Record) error
	DeleteRecord(ctx context.Context, entityType, id string) (*models.Record, error)
	GetRecord(ctx context.Context, entityType, id string) (*models.Record, error)
}

// WriteResult reports where an app-side write ended up.
type WriteResult struct {
	ID          string `json:"id"`
	UpdatedAt   int64  `json:"updated_at"`
	Applied     bool   `json:"applied"`
	Queued      bool   `json:"queued"`
	OperationID string `json:"operation_id,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Records handles app-side reads and writes. Every write lands locally first
// and is then dispatched to the remote or queued.
type Records struct {
	store      RecordStore
	dispatcher *dispatcher.Dispatcher
	specs      map[string]models.EntitySpec
	userID     func() string
}

// NewRecords creates a Records over store and d.
func NewRecords(store RecordStore, d *dispatcher.Dispatcher, specs []models.EntitySpec, userID func() string) *Records {
	return &Records{
		store:      store,
		dispatcher: d,
		specs:      models.SpecByType(specs),
		userID:     userID,
	}
}

// owner validates the entity type and returns the signed-in user.
func (r *Records) owner(entityType string) (string, error) {
	if _, ok := r.specs[entityType]; !ok {
		return "", apperrors.New(apperrors.ErrInvalid, "unknown entity type "+entityType)
	}
	userID := r.userID()
	if userID == "" {
		return "", apperrors.New(apperrors.ErrAuthenticationMissing, "no authenticated user")
	}
	return userID, nil
}

// live returns the record when it exists, is not a tombstone and belongs to
// userID. Anything else is NOT_FOUND.
func (r *Records) live(ctx context.Context, entityType, id, userID string) (*models.Record, error) {
	rec, err := r.store.GetRecord(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted || rec.OwnerID != userID {
		return nil, apperrors.New(apperrors.ErrNotFound, entityType+" "+id+" not found")
	}
	return rec, nil
}

// Get returns a live record owned by the signed-in user.
func (r *Records) Get(ctx context.Context, entityType, id string) (*models.Record, error) {
	userID, err := r.owner(entityType)
	if err != nil {
		return nil, err
	}
	return r.live(ctx, entityType, id, userID)
}

// Put writes fields locally and dispatches the change. A missing or deleted
// record is created; a live one is updated.
func (r *Records) Put(ctx context.Context, entityType, id string, fields map[string]interface{}) (*WriteResult, error) {
	userID, err := r.owner(entityType)
	if err != nil {
		return nil, err
	}
	if err := ids.Validate(id); err != nil {
		return nil, err
	}

	kind := models.OperationUpdate
	existing, err := r.store.GetRecord(ctx, entityType, id)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound) || (err == nil && existing.Deleted):
		kind = models.OperationCreate
	case err != nil:
		return nil, err
	case existing.OwnerID != userID:
		return nil, apperrors.New(apperrors.ErrNotFound, entityType+" "+id+" not found")
	}

	rec := &models.Record{ID: id, EntityType: entityType, OwnerID: userID, Fields: fields}
	if err := r.store.PutRecord(ctx, rec); err != nil {
		return nil, err
	}
	return r.dispatch(ctx, rec, kind)
}

// Delete tombstones a live record locally and dispatches the delete.
func (r *Records) Delete(ctx context.Context, entityType, id string) (*WriteResult, error) {
	userID, err := r.owner(entityType)
	if err != nil {
		return nil, err
	}
	if _, err := r.live(ctx, entityType, id, userID); err != nil {
		return nil, err
	}
	rec, err := r.store.DeleteRecord(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	return r.dispatch(ctx, rec, models.OperationDelete)
}

func (r *Records) dispatch(ctx context.Context, rec *models.Record, kind models.OperationKind) (*WriteResult, error) {
	result, err := r.dispatcher.Dispatch(ctx, syncpkg.NewOperation(rec, kind))
	if err != nil {
		return nil, err
	}
	out := &WriteResult{
		ID:          rec.ID,
		UpdatedAt:   rec.UpdatedAt,
		Applied:     result.Applied,
		Queued:      result.Queued,
		OperationID: result.OperationID,
	}
	if result.Err != nil {
		out.LastError = string(apperrors.CodeOf(result.Err))
	}
	return out, nil
}
