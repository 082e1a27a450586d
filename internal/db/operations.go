package db

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/models"
)

// OperationStore persists the offline queue in the offline_operations table.
type OperationStore struct {
	store *LocalStore
}

// Operations returns the queue persister backed by this store.
func (s *LocalStore) Operations() *OperationStore {
	return &OperationStore{store: s}
}

// LoadOperations returns every persisted operation in enqueue order.
func (o *OperationStore) LoadOperations(ctx context.Context) ([]*models.OfflineOperation, error) {
	rows, err := o.store.db.QueryContext(ctx, `
	SELECT id, entity_type, owner_id, target_record_id, kind, payload, enqueued_at, attempts, last_error
	FROM offline_operations ORDER BY seq ASC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "load offline operations", err)
	}
	defer rows.Close()

	var ops []*models.OfflineOperation
	for rows.Next() {
		var op models.OfflineOperation
		var kind, payload string
		if err := rows.Scan(&op.ID, &op.EntityType, &op.OwnerID, &op.TargetRecordID, &kind,
			&payload, &op.EnqueuedAt, &op.Attempts, &op.LastError); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan offline operation", err)
		}
		op.Kind = models.OperationKind(kind)
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", op.ID, err)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

func encodePayload(op *models.OfflineOperation) (string, error) {
	payload := op.Payload
	if payload == nil {
		payload = models.Row{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload of %s: %w", op.ID, err)
	}
	return string(data), nil
}

// InsertOperation appends op to the persisted queue.
func (o *OperationStore) InsertOperation(ctx context.Context, op *models.OfflineOperation) error {
	payload, err := encodePayload(op)
	if err != nil {
		return err
	}
	_, err = o.store.db.ExecContext(ctx, `
	INSERT INTO offline_operations (id, entity_type, owner_id, target_record_id, kind, payload, enqueued_at, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.EntityType, op.OwnerID, op.TargetRecordID, string(op.Kind), payload, op.EnqueuedAt, op.Attempts, op.LastError)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert offline operation", err)
	}
	return nil
}

// UpdateOperation rewrites op in place, keeping its queue position.
func (o *OperationStore) UpdateOperation(ctx context.Context, op *models.OfflineOperation) error {
	payload, err := encodePayload(op)
	if err != nil {
		return err
	}
	res, err := o.store.db.ExecContext(ctx, `
	UPDATE offline_operations SET kind = ?, payload = ?, attempts = ?, last_error = ? WHERE id = ?`,
		string(op.Kind), payload, op.Attempts, op.LastError, op.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "update offline operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, "offline operation "+op.ID+" not found")
	}
	return nil
}

// DeleteOperation removes one operation.
func (o *OperationStore) DeleteOperation(ctx context.Context, id string) error {
	if _, err := o.store.db.ExecContext(ctx, `DELETE FROM offline_operations WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete offline operation", err)
	}
	return nil
}

// ClearOperations removes every operation.
func (o *OperationStore) ClearOperations(ctx context.Context) error {
	if _, err := o.store.db.ExecContext(ctx, `DELETE FROM offline_operations`); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "clear offline operations", err)
	}
	return nil
}
