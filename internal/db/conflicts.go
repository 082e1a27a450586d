package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/models"
)

// SaveConflict records or refreshes an unresolved conflict. The original
// detection time is kept when the conflict is seen again.
func (s *LocalStore) SaveConflict(ctx context.Context, c *models.ConflictRecord) error {
	local, err := json.Marshal(c.LocalSnapshot)
	if err != nil {
		return fmt.Errorf("encode local snapshot: %w", err)
	}
	remote, err := json.Marshal(c.RemoteSnapshot)
	if err != nil {
		return fmt.Errorf("encode remote snapshot: %w", err)
	}

	query := `
	INSERT INTO conflicts (entity_type, entity_id, owner_id, local_snapshot, remote_snapshot, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		local_snapshot = excluded.local_snapshot,
		remote_snapshot = excluded.remote_snapshot
	`
	if _, err := s.db.ExecContext(ctx, query, c.EntityType, c.EntityID, c.OwnerID,
		string(local), string(remote), c.DetectedAt); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "save conflict", err)
	}
	return nil
}

func scanConflict(sc rowScanner) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	var local, remote string
	if err := sc.Scan(&c.EntityType, &c.EntityID, &c.OwnerID, &local, &remote, &c.DetectedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(local), &c.LocalSnapshot); err != nil {
		return nil, fmt.Errorf("decode local snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(remote), &c.RemoteSnapshot); err != nil {
		return nil, fmt.Errorf("decode remote snapshot: %w", err)
	}
	return &c, nil
}

const conflictColumns = `entity_type, entity_id, owner_id, local_snapshot, remote_snapshot, detected_at`

// GetConflict returns the unresolved conflict for one record.
func (s *LocalStore) GetConflict(ctx context.Context, entityType, entityID string) (*models.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no conflict for %s %s", entityType, entityID))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get conflict", err)
	}
	return c, nil
}

// ListConflicts returns unresolved conflicts, oldest first. An empty ownerID lists all owners.
func (s *LocalStore) ListConflicts(ctx context.Context, ownerID string) ([]*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	var args []interface{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY detected_at ASC, entity_type, entity_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan conflict", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConflict removes a resolved conflict.
func (s *LocalStore) DeleteConflict(ctx context.Context, entityType, entityID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conflicts WHERE entity_type = ? AND entity_id = ?`, entityType, entityID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete conflict", err)
	}
	return nil
}
