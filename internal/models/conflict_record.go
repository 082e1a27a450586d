package models

import "time"

// ConflictRecord captures a divergent edit on a merge-style entity.
// Neither side is overwritten until the conflict is resolved.
type ConflictRecord struct {
	EntityType     string `db:"entity_type" json:"entity_type"`
	EntityID       string `db:"entity_id" json:"entity_id"`
	OwnerID        string `db:"owner_id" json:"owner_id"`
	LocalSnapshot  Row    `db:"local_snapshot" json:"local_snapshot"`
	RemoteSnapshot Row    `db:"remote_snapshot" json:"remote_snapshot"`
	DetectedAt     int64  `db:"detected_at" json:"detected_at"` // unix ms
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflicts"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// Resolution picks which side of a conflict survives.
type Resolution string

const (
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == ResolutionKeepLocal || r == ResolutionKeepRemote
}
