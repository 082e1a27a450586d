// Package models provides data model definitions for the Bounceback sync engine.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SyncState tracks where a local record stands relative to the remote copy.
type SyncState string

const (
	SyncStateClean       SyncState = "clean"
	SyncStatePendingPush SyncState = "pending_push"
	SyncStatePendingPull SyncState = "pending_pull"
	SyncStateConflicted  SyncState = "conflicted"
)

// Valid reports whether s is a known sync state.
func (s SyncState) Valid() bool {
	switch s {
	case SyncStateClean, SyncStatePendingPush, SyncStatePendingPull, SyncStateConflicted:
		return true
	}
	return false
}

// Reserved row keys carried alongside the business fields of every entity.
const (
	ColumnID        = "id"
	ColumnOwnerID   = "owner_id"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
	ColumnDeleted   = "deleted"
)

// Row is the wire shape of a record as exchanged with the remote backend.
type Row map[string]interface{}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the value stored under key, or "" if absent or not a string.
func (r Row) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int64 returns the numeric value stored under key.
// JSON decoding yields float64, so both float and integer kinds are accepted.
func (r Row) Int64(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Bool returns the boolean value stored under key.
func (r Row) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Record is a locally stored syncable entity instance.
type Record struct {
	ID         string                 `db:"id" json:"id"`
	EntityType string                 `db:"entity_type" json:"entity_type"`
	OwnerID    string                 `db:"owner_id" json:"owner_id"`
	CreatedAt  int64                  `db:"created_at" json:"created_at"` // unix ms
	UpdatedAt  int64                  `db:"updated_at" json:"updated_at"` // unix ms
	SyncedAt   int64                  `db:"synced_at" json:"synced_at"`   // 0 = never confirmed remotely
	SyncState  SyncState              `db:"sync_state" json:"sync_state"`
	Deleted    bool                   `db:"deleted" json:"deleted"`
	Fields     map[string]interface{} `db:"data" json:"fields"`
}

// EverSynced reports whether the record was ever confirmed against the remote.
func (r *Record) EverSynced() bool {
	return r.SyncedAt > 0
}

// CreatedAtTime returns CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// Clone returns a copy with its own Fields map.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = Row(r.Fields).Clone()
	return &out
}

// ToRow flattens the record into its remote row shape.
func (r *Record) ToRow() Row {
	row := make(Row, len(r.Fields)+5)
	for k, v := range r.Fields {
		row[k] = v
	}
	row[ColumnID] = r.ID
	row[ColumnOwnerID] = r.OwnerID
	row[ColumnCreatedAt] = r.CreatedAt
	row[ColumnUpdatedAt] = r.UpdatedAt
	row[ColumnDeleted] = r.Deleted
	return row
}

// RecordFromRow builds a record of entityType from a remote row.
// The returned record is clean and stamped as synced at syncedAt.
func RecordFromRow(entityType string, row Row, syncedAt int64) (*Record, error) {
	id := row.String(ColumnID)
	if id == "" {
		return nil, fmt.Errorf("row for %s has no id", entityType)
	}
	fields := make(map[string]interface{}, len(row))
	for k, v := range row {
		if IsReservedColumn(k) {
			continue
		}
		fields[k] = v
	}
	return &Record{
		ID:         id,
		EntityType: entityType,
		OwnerID:    row.String(ColumnOwnerID),
		CreatedAt:  row.Int64(ColumnCreatedAt),
		UpdatedAt:  row.Int64(ColumnUpdatedAt),
		SyncedAt:   syncedAt,
		SyncState:  SyncStateClean,
		Deleted:    row.Bool(ColumnDeleted),
		Fields:     fields,
	}, nil
}

// IsReservedColumn reports whether key is a reconciliation column rather than a business field.
func IsReservedColumn(key string) bool {
	switch key {
	case ColumnID, ColumnOwnerID, ColumnCreatedAt, ColumnUpdatedAt, ColumnDeleted:
		return true
	}
	return false
}

// ContentHash digests the business content of the record.
// Timestamps and sync metadata are excluded so that two copies with the same
// fields compare equal regardless of when they were written.
func (r *Record) ContentHash() string {
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(struct {
		Deleted bool                   `json:"deleted"`
		Fields  map[string]interface{} `json:"fields"`
	}{r.Deleted, normalizeFields(r.Fields)})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SameContent reports whether two records carry identical business content.
func SameContent(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ContentHash() == b.ContentHash()
}

// normalizeFields round-trips numeric kinds so that an int64 written locally
// and a float64 decoded from JSON hash the same.
func normalizeFields(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int32:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case float32:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}

// NowMillis returns the current time in unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
