package sync

import (
	"context"

	"github.com/kimhsiao/bounceback/backend/internal/models"
)

// Engine is the part of the coordinator driven by background scheduling and
// the HTTP surface.
type Engine interface {
	RunSyncPass(ctx context.Context, userID string) *SyncResult
	DrainQueue(ctx context.Context, userID string) *SyncResult
	HasPendingOperations() bool
	QueueSnapshot() models.QueueSnapshot
}

// Ensure Coordinator implements Engine.
var _ Engine = (*Coordinator)(nil)
