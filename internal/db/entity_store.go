package db

import (
	"context"

	"github.com/kimhsiao/bounceback/backend/internal/models"
	"github.com/kimhsiao/bounceback/backend/internal/sync/entity"
)

var _ entity.Store = (*EntityStore)(nil)

// EntityStore scopes a LocalStore to one entity type.
type EntityStore struct {
	store *LocalStore
	spec  models.EntitySpec
}

// NewEntityStore returns the store for spec's entity type.
func NewEntityStore(store *LocalStore, spec models.EntitySpec) *EntityStore {
	return &EntityStore{store: store, spec: spec}
}

// EntityStores builds one EntityStore per spec, keyed by entity type.
func EntityStores(store *LocalStore, specs []models.EntitySpec) map[string]entity.Store {
	out := make(map[string]entity.Store, len(specs))
	for _, spec := range specs {
		out[spec.Type] = NewEntityStore(store, spec)
	}
	return out
}

// EntityType returns the entity type served by this store.
func (e *EntityStore) EntityType() string {
	return e.spec.Type
}

// Spec returns the entity spec.
func (e *EntityStore) Spec() models.EntitySpec {
	return e.spec
}

// Snapshot returns all local records of ownerID, tombstones included.
func (e *EntityStore) Snapshot(ctx context.Context, ownerID string) ([]*models.Record, error) {
	return e.store.SnapshotRecords(ctx, e.spec.Type, ownerID)
}

// ApplyBatch applies reconciliation writes in one transaction.
func (e *EntityStore) ApplyBatch(ctx context.Context, muts []models.Mutation) (*models.BatchResult, error) {
	return e.store.ApplyBatch(ctx, e.spec.Type, muts)
}

// EvictedIDs returns ids evicted by retention for ownerID.
func (e *EntityStore) EvictedIDs(ctx context.Context, ownerID string) (map[string]bool, error) {
	return e.store.EvictedIDs(ctx, e.spec.Type, ownerID)
}

// SensitiveFields returns the fields encrypted before leaving the device.
func (e *EntityStore) SensitiveFields() []string {
	return e.spec.SensitiveFields
}

// RetentionPolicy returns the entity's retention policy, or nil.
func (e *EntityStore) RetentionPolicy() *models.RetentionPolicy {
	return e.spec.Retention
}

// EvictionCandidates returns clean records created before cutoff.
func (e *EntityStore) EvictionCandidates(ctx context.Context, cutoff int64, limit int) ([]*models.Record, error) {
	return e.store.EvictionCandidates(ctx, e.spec.Type, cutoff, limit)
}

// Evict removes the given records and marks them evicted.
func (e *EntityStore) Evict(ctx context.Context, ids []string) (int, error) {
	return e.store.Evict(ctx, e.spec.Type, ids)
}
