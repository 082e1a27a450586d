package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/ids"
	"github.com/kimhsiao/bounceback/backend/internal/models"
)

// rowOverheadBytes approximates the per-row cost of metadata columns and indexes.
const rowOverheadBytes = 96

// LocalStore is the durable on-device store for syncable records, the offline
// queue, unresolved conflicts and eviction markers.
type LocalStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLocalStore creates a LocalStore over an open, migrated database.
func NewLocalStore(db *sql.DB) *LocalStore {
	return &LocalStore{db: db, now: time.Now}
}

// SetClock overrides the store clock. Used by tests.
func (s *LocalStore) SetClock(now func() time.Time) {
	s.now = now
}

// DB returns the underlying handle.
func (s *LocalStore) DB() *sql.DB {
	return s.db
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const recordColumns = `entity_type, id, owner_id, created_at, updated_at, synced_at, sync_state, deleted, data`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc rowScanner) (*models.Record, error) {
	var rec models.Record
	var state, data string
	var deleted int
	if err := sc.Scan(&rec.EntityType, &rec.ID, &rec.OwnerID, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.SyncedAt, &state, &deleted, &data); err != nil {
		return nil, err
	}
	rec.SyncState = models.SyncState(state)
	rec.Deleted = deleted != 0
	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode %s/%s data: %w", rec.EntityType, rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]interface{}{}
	}
	return &rec, nil
}

func upsertRecord(ctx context.Context, q queryer, rec *models.Record) error {
	fields := rec.Fields
	if fields == nil {
		fields = map[string]interface{}{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s data: %w", rec.EntityType, rec.ID, err)
	}
	size := int64(len(data) + len(rec.ID) + len(rec.OwnerID) + len(rec.EntityType) + rowOverheadBytes)

	query := `
	INSERT INTO records (entity_type, id, owner_id, created_at, updated_at, synced_at, sync_state, deleted, data, size_bytes)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, id) DO UPDATE SET
		owner_id = excluded.owner_id,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		synced_at = excluded.synced_at,
		sync_state = excluded.sync_state,
		deleted = excluded.deleted,
		data = excluded.data,
		size_bytes = excluded.size_bytes
	`
	_, err = q.ExecContext(ctx, query, rec.EntityType, rec.ID, rec.OwnerID, rec.CreatedAt, rec.UpdatedAt,
		rec.SyncedAt, string(rec.SyncState), boolToInt(rec.Deleted), string(data), size)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func getRecord(ctx context.Context, q queryer, entityType, id string) (*models.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND id = ?`, entityType, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", entityType, id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get record", err)
	}
	return rec, nil
}

// nextUpdatedAt returns a write timestamp strictly newer than prev.
func (s *LocalStore) nextUpdatedAt(prev int64) int64 {
	now := s.now().UnixMilli()
	if now <= prev {
		return prev + 1
	}
	return now
}

// =====================================================
// Application Write Path
// =====================================================

// PutRecord stores an app-side create or update. The record is stamped with a
// fresh UpdatedAt and moved to pending_push; sync metadata of an existing row
// is preserved.
func (s *LocalStore) PutRecord(ctx context.Context, rec *models.Record) error {
	if rec.EntityType == "" || rec.OwnerID == "" {
		return apperrors.New(apperrors.ErrInvalid, "record needs entity type and owner")
	}
	if rec.ID == "" {
		rec.ID = ids.New()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "begin put", err)
	}
	defer tx.Rollback()

	existing, err := getRecord(ctx, tx, rec.EntityType, rec.ID)
	switch {
	case err == nil:
		if rec.CreatedAt == 0 {
			rec.CreatedAt = existing.CreatedAt
		}
		rec.SyncedAt = existing.SyncedAt
		rec.UpdatedAt = s.nextUpdatedAt(existing.UpdatedAt)
	case apperrors.Is(err, apperrors.ErrNotFound):
		rec.UpdatedAt = s.nextUpdatedAt(0)
		if rec.CreatedAt == 0 {
			rec.CreatedAt = rec.UpdatedAt
		}
		rec.SyncedAt = 0
	default:
		return err
	}
	rec.SyncState = models.SyncStatePendingPush

	if err := upsertRecord(ctx, tx, rec); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "put record", err)
	}
	// A record the user writes again is no longer considered evicted.
	if _, err := tx.ExecContext(ctx, `DELETE FROM evictions WHERE entity_type = ? AND id = ?`, rec.EntityType, rec.ID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "clear eviction marker", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "commit put", err)
	}
	return nil
}

// DeleteRecord tombstones a record so the deletion can be pushed. The
// tombstone is purged by the reconciler once the remote agrees.
func (s *LocalStore) DeleteRecord(ctx context.Context, entityType, id string) (*models.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "begin delete", err)
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, entityType, id)
	if err != nil {
		return nil, err
	}

	rec.Deleted = true
	rec.UpdatedAt = s.nextUpdatedAt(rec.UpdatedAt)
	rec.SyncState = models.SyncStatePendingPush

	if err := upsertRecord(ctx, tx, rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "delete record", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "commit delete", err)
	}
	return rec, nil
}

// =====================================================
// Reads
// =====================================================

// GetRecord returns one record, tombstones included.
func (s *LocalStore) GetRecord(ctx context.Context, entityType, id string) (*models.Record, error) {
	return getRecord(ctx, s.db, entityType, id)
}

// RecordFilter narrows ListRecords. Zero values mean no constraint.
type RecordFilter struct {
	EntityType     string
	OwnerID        string
	States         []models.SyncState
	CreatedBefore  int64
	IncludeDeleted bool
	Limit          int
}

// ListRecords returns records matching f, oldest first.
func (s *LocalStore) ListRecords(ctx context.Context, f RecordFilter) ([]*models.Record, error) {
	return listRecords(ctx, s.db, f)
}

func listRecords(ctx context.Context, q queryer, f RecordFilter) ([]*models.Record, error) {
	var where []string
	var args []interface{}
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if len(f.States) > 0 {
		placeholders := make([]string, len(f.States))
		for i, st := range f.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "sync_state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.CreatedBefore > 0 {
		where = append(where, "created_at < ?")
		args = append(args, f.CreatedBefore)
	}
	if !f.IncludeDeleted {
		where = append(where, "deleted = 0")
	}

	query := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list records", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list records", err)
	}
	return out, nil
}

// SnapshotRecords reads every local record of one entity type for ownerID,
// tombstones included, inside a single read transaction.
func (s *LocalStore) SnapshotRecords(ctx context.Context, entityType, ownerID string) ([]*models.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "begin snapshot", err)
	}
	defer tx.Rollback()

	recs, err := listRecords(ctx, tx, RecordFilter{EntityType: entityType, OwnerID: ownerID, IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	return recs, tx.Commit()
}

// =====================================================
// Reconciliation Writes
// =====================================================

// ApplyBatch applies the local writes of one reconciliation atomically.
// Mutations whose optimistic UpdatedAt check fails are skipped and reported;
// any other failure rolls the whole batch back.
func (s *LocalStore) ApplyBatch(ctx context.Context, entityType string, muts []models.Mutation) (*models.BatchResult, error) {
	result := &models.BatchResult{}
	if len(muts) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "begin batch", err)
	}
	defer tx.Rollback()

	for _, m := range muts {
		id := m.ID
		if id == "" && m.Record != nil {
			id = m.Record.ID
		}

		if m.HasExpected {
			var current int64
			err := tx.QueryRowContext(ctx,
				`SELECT updated_at FROM records WHERE entity_type = ? AND id = ?`, entityType, id).Scan(&current)
			if err != nil && err != sql.ErrNoRows {
				return nil, apperrors.Wrap(apperrors.ErrDatabase, "check "+id, err)
			}
			if current != m.ExpectedUpdatedAt {
				result.Skipped = append(result.Skipped, id)
				continue
			}
		}

		switch m.Kind {
		case models.MutationUpsert:
			rec := m.Record.Clone()
			rec.EntityType = entityType
			err = upsertRecord(ctx, tx, rec)
		case models.MutationMarkClean:
			_, err = tx.ExecContext(ctx,
				`UPDATE records SET sync_state = ?, synced_at = ? WHERE entity_type = ? AND id = ?`,
				string(models.SyncStateClean), m.SyncedAt, entityType, id)
		case models.MutationMarkSynced:
			_, err = tx.ExecContext(ctx,
				`UPDATE records SET synced_at = MAX(synced_at, ?) WHERE entity_type = ? AND id = ?`,
				m.SyncedAt, entityType, id)
		case models.MutationMarkConflicted:
			_, err = tx.ExecContext(ctx,
				`UPDATE records SET sync_state = ? WHERE entity_type = ? AND id = ?`,
				string(models.SyncStateConflicted), entityType, id)
		case models.MutationPurge:
			_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE entity_type = ? AND id = ?`, entityType, id)
		default:
			err = fmt.Errorf("unknown mutation kind %q", m.Kind)
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("apply %s %s", m.Kind, id), err)
		}
		result.Applied++
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "commit batch", err)
	}
	return result, nil
}

// =====================================================
// Retention
// =====================================================

// EvictionCandidates returns clean, live records of entityType created before
// cutoff (unix ms), oldest first. limit <= 0 means no limit.
func (s *LocalStore) EvictionCandidates(ctx context.Context, entityType string, cutoff int64, limit int) ([]*models.Record, error) {
	return listRecords(ctx, s.db, RecordFilter{
		EntityType:    entityType,
		States:        []models.SyncState{models.SyncStateClean},
		CreatedBefore: cutoff,
		Limit:         limit,
	})
}

// Evict removes the given records if they are still clean and leaves an
// eviction marker so they are not pulled back. Returns the number removed.
func (s *LocalStore) Evict(ctx context.Context, entityType string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "begin evict", err)
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	evicted := 0
	for _, id := range ids {
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT owner_id FROM records WHERE entity_type = ? AND id = ? AND sync_state = ?`,
			entityType, id, string(models.SyncStateClean)).Scan(&owner)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrDatabase, "evict "+id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE entity_type = ? AND id = ?`, entityType, id); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrDatabase, "evict "+id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO evictions (entity_type, id, owner_id, evicted_at) VALUES (?, ?, ?, ?)`,
			entityType, id, owner, now); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrDatabase, "mark evicted "+id, err)
		}
		evicted++
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "commit evict", err)
	}
	return evicted, nil
}

// EvictedIDs returns the ids of ownerID's records of entityType that were evicted.
func (s *LocalStore) EvictedIDs(ctx context.Context, entityType, ownerID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM evictions WHERE entity_type = ? AND owner_id = ?`, entityType, ownerID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list evictions", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan eviction", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ForgetEvicted drops eviction markers for ids no longer present remotely.
func (s *LocalStore) ForgetEvicted(ctx context.Context, entityType string, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM evictions WHERE entity_type = ? AND id = ?`, entityType, id); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "forget eviction "+id, err)
		}
	}
	return nil
}

// UsageBytes approximates the on-device footprint of synced data: records,
// queued operations and unresolved conflicts.
func (s *LocalStore) UsageBytes(ctx context.Context) (int64, error) {
	var records, queue, conflicts int64
	err := s.db.QueryRowContext(ctx, `
	SELECT
		(SELECT COALESCE(SUM(size_bytes), 0) FROM records),
		(SELECT COALESCE(SUM(length(payload) + length(last_error)), 0) FROM offline_operations),
		(SELECT COALESCE(SUM(length(local_snapshot) + length(remote_snapshot)), 0) FROM conflicts)
	`).Scan(&records, &queue, &conflicts)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "measure usage", err)
	}
	return records + queue + conflicts, nil
}
