package models

import (
	"encoding/json"
	"time"
)

// OperationKind is the kind of mutation carried by an offline operation.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	return k == OperationCreate || k == OperationUpdate || k == OperationDelete
}

// OfflineOperation represents a mutation that has not been confirmed remotely.
type OfflineOperation struct {
	ID             string        `db:"id" json:"id"`
	EntityType     string        `db:"entity_type" json:"entity_type"`
	OwnerID        string        `db:"owner_id" json:"owner_id"`
	TargetRecordID string        `db:"target_record_id" json:"target_record_id"`
	Kind           OperationKind `db:"kind" json:"kind"`
	Payload        Row           `db:"payload" json:"payload,omitempty"`
	EnqueuedAt     int64         `db:"enqueued_at" json:"enqueued_at"` // unix ms
	Attempts       int           `db:"attempts" json:"attempts"`
	LastError      string        `db:"last_error" json:"last_error,omitempty"`
	// Revision counts in-place payload replacements since the operation was
	// loaded. It is not persisted.
	Revision int `db:"-" json:"-"`
}

// TableName returns the table name for OfflineOperation.
func (OfflineOperation) TableName() string {
	return "offline_operations"
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (o *OfflineOperation) EnqueuedAtTime() time.Time {
	return time.UnixMilli(o.EnqueuedAt)
}

// SizeBytes approximates the persisted size of the operation.
func (o *OfflineOperation) SizeBytes() int64 {
	data, err := json.Marshal(o.Payload)
	if err != nil {
		return 0
	}
	return int64(len(data) + len(o.ID) + len(o.EntityType) + len(o.OwnerID) + len(o.TargetRecordID) + len(o.LastError))
}

// QueueSnapshot is the read-only view of the offline queue handed to the UI.
type QueueSnapshot struct {
	TotalItems           int            `json:"total_items"`
	ByEntityType         map[string]int `json:"by_entity_type"`
	OldestEnqueuedAt     int64          `json:"oldest_enqueued_at,omitempty"` // 0 when empty
	ApproximateSizeBytes int64          `json:"approximate_size_bytes"`
}
