// Package remote defines the pluggable remote backend the sync engine reconciles against.
package remote

import (
	"context"
	"errors"

	"github.com/kimhsiao/bounceback/backend/internal/models"
)

// Backend is the remote table API. Rows carry the reserved reconciliation
// columns (id, owner_id, created_at, updated_at, deleted) next to business fields.
// Transport failures are returned as NETWORK_ERROR.
type Backend interface {
	// Select returns every row of table owned by ownerID.
	Select(ctx context.Context, table, ownerID string) ([]models.Row, error)
	// Insert creates a row.
	Insert(ctx context.Context, table string, row models.Row) error
	// Update replaces a row, creating it if absent.
	Update(ctx context.Context, table string, row models.Row) error
	// Delete removes a row. Deleting an absent row is not an error.
	Delete(ctx context.Context, table, ownerID, id string) error
}

// RowGetter is implemented by backends that can fetch one row without
// selecting the whole table.
type RowGetter interface {
	// Get returns the row, or nil when it does not exist.
	Get(ctx context.Context, table, ownerID, id string) (models.Row, error)
}

// GetRow returns one live row of table, or nil when it is absent or flagged
// deleted.
func GetRow(ctx context.Context, b Backend, table, ownerID, id string) (models.Row, error) {
	var row models.Row
	if g, ok := b.(RowGetter); ok {
		r, err := g.Get(ctx, table, ownerID, id)
		if err != nil {
			return nil, err
		}
		row = r
	} else {
		rows, err := b.Select(ctx, table, ownerID)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if r.String(models.ColumnID) == id {
				row = r
				break
			}
		}
	}
	if row == nil || row.Bool(models.ColumnDeleted) {
		return nil, nil
	}
	return row, nil
}

// ObjectStore defines the interface for cloud storage operations.
type ObjectStore interface {
	// Upload uploads data to the store.
	Upload(ctx context.Context, key string, data []byte) error

	// Download downloads data from the store.
	// Returns ErrObjectNotFound when the key does not exist.
	Download(ctx context.Context, key string) ([]byte, error)

	// Delete deletes data from the store.
	Delete(ctx context.Context, key string) error

	// List lists all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ErrObjectNotFound is returned by ObjectStore.Download for a missing key.
var ErrObjectNotFound = errors.New("object not found")
