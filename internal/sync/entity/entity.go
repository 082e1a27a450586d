// Package entity declares the capabilities a local store offers per entity type.
// Reconcilers and the quota manager depend on these narrow interfaces rather
// than on the database layer.
package entity

import (
	"context"

	"github.com/kimhsiao/bounceback/backend/internal/models"
)

// Syncable is the minimum a reconciler needs from local storage.
type Syncable interface {
	// EntityType returns the entity type served by this store.
	EntityType() string
	// Snapshot returns every local record of ownerID, tombstones included,
	// read in one consistent transaction.
	Snapshot(ctx context.Context, ownerID string) ([]*models.Record, error)
	// ApplyBatch applies the local writes of one reconciliation atomically.
	ApplyBatch(ctx context.Context, muts []models.Mutation) (*models.BatchResult, error)
	// EvictedIDs returns ids removed by retention that must not be pulled back.
	EvictedIDs(ctx context.Context, ownerID string) (map[string]bool, error)
}

// Encryptable declares which fields never leave the device in plaintext.
type Encryptable interface {
	SensitiveFields() []string
}

// RetentionManaged exposes age-based eviction for an entity type.
type RetentionManaged interface {
	EntityType() string
	// RetentionPolicy returns nil when the entity type is kept indefinitely.
	RetentionPolicy() *models.RetentionPolicy
	// EvictionCandidates returns clean records created before cutoff (unix ms), oldest first.
	EvictionCandidates(ctx context.Context, cutoff int64, limit int) ([]*models.Record, error)
	// Evict removes the given records if they are still clean.
	Evict(ctx context.Context, ids []string) (int, error)
}

// Store is the full capability set of one entity type's local storage.
type Store interface {
	Syncable
	Encryptable
	RetentionManaged
}
