package models

// MutationKind is a local write produced by a reconciliation.
type MutationKind string

const (
	// MutationUpsert stores Record as the new local copy.
	MutationUpsert MutationKind = "upsert"
	// MutationMarkClean stamps the record clean and synced.
	MutationMarkClean MutationKind = "mark_clean"
	// MutationMarkSynced records that the remote confirmed a push at SyncedAt
	// without touching the sync state. It never moves synced_at backwards.
	MutationMarkSynced MutationKind = "mark_synced"
	// MutationMarkConflicted moves the record to the conflicted state.
	MutationMarkConflicted MutationKind = "mark_conflicted"
	// MutationPurge removes the local row entirely.
	MutationPurge MutationKind = "purge"
)

// Mutation is one local write applied inside a reconciliation batch.
// When HasExpected is set the write is skipped if the stored row's
// UpdatedAt no longer equals ExpectedUpdatedAt.
type Mutation struct {
	Kind              MutationKind
	ID                string
	Record            *Record
	SyncedAt          int64
	ExpectedUpdatedAt int64
	HasExpected       bool
}

// BatchResult reports how a batch was applied.
type BatchResult struct {
	Applied int
	Skipped []string // ids whose optimistic check failed
}
