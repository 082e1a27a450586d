package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/kimhsiao/bounceback/backend/internal/crypto"
	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/models"
	"github.com/kimhsiao/bounceback/backend/internal/sync/quota"
	"github.com/kimhsiao/bounceback/backend/internal/sync/reconcile"
)

// Error scopes.
const (
	ScopeAuth   = "auth"
	ScopeQueue  = "queue"
	ScopeEntity = "entity"
	ScopeQuota  = "quota"
)

// SyncError is one failure collected during a pass.
type SyncError struct {
	Scope       string              `json:"scope"`
	EntityType  string              `json:"entity_type,omitempty"`
	RecordID    string              `json:"record_id,omitempty"`
	OperationID string              `json:"operation_id,omitempty"`
	Code        apperrors.ErrorCode `json:"code"`
	Message     string              `json:"message"`
	OccurredAt  int64               `json:"occurred_at"`
	Err         error               `json:"-"`
}

func (e *SyncError) Error() string {
	if e.EntityType != "" {
		return fmt.Sprintf("%s %s: %s", e.Scope, e.EntityType, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Scope, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func newSyncError(scope, entityType string, err error, at time.Time) *SyncError {
	return &SyncError{
		Scope:      scope,
		EntityType: entityType,
		Code:       apperrors.CodeOf(err),
		Message:    err.Error(),
		OccurredAt: at.UnixMilli(),
		Err:        err,
	}
}

// EntityStats summarises one entity type's reconciliation.
type EntityStats struct {
	EntityType string `json:"entity_type"`
	Pushed     int    `json:"pushed"`
	Pulled     int    `json:"pulled"`
	Deleted    int    `json:"deleted"`
	Purged     int    `json:"purged"`
	Conflicts  int    `json:"conflicts"`
	Skipped    int    `json:"skipped"`
	Errors     int    `json:"errors"`
}

func statsOf(o *reconcile.Outcome) EntityStats {
	return EntityStats{
		EntityType: o.EntityType,
		Pushed:     o.Pushed,
		Pulled:     o.Pulled,
		Deleted:    o.Deleted,
		Purged:     o.Purged,
		Conflicts:  len(o.Conflicts),
		Skipped:    len(o.Skipped),
		Errors:     len(o.Errors),
	}
}

// SyncResult is the outcome of one sync pass.
type SyncResult struct {
	UserID    string        `json:"user_id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	// Success is true only when no queue operation and no entity failed.
	// Conflicts do not count as failures.
	Success   bool                     `json:"success"`
	Errors    []*SyncError             `json:"errors"`
	Conflicts []*models.ConflictRecord `json:"conflicts"`

	QueueApplied  int `json:"queue_applied"`
	QueueFailed   int `json:"queue_failed"`
	QueueDeferred int `json:"queue_deferred"`
	// QueueReconciled counts operations whose target changed remotely and
	// was settled by reconciliation instead of being replayed.
	QueueReconciled int `json:"queue_reconciled"`

	Entities []EntityStats `json:"entities"`
	// FieldErrors are inbound fields that could not be decrypted and were cleared.
	FieldErrors []*crypto.DecryptionError `json:"-"`
	Quota       *quota.Report             `json:"quota,omitempty"`
}

func (r *SyncResult) addError(e *SyncError) {
	r.Errors = append(r.Errors, e)
}

// Err joins the collected errors, or returns nil for a successful pass.
func (r *SyncResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Pushed returns the rows written remotely by reconciliation.
func (r *SyncResult) Pushed() int {
	n := 0
	for _, e := range r.Entities {
		n += e.Pushed + e.Deleted
	}
	return n
}

// Pulled returns the rows written locally from remote.
func (r *SyncResult) Pulled() int {
	n := 0
	for _, e := range r.Entities {
		n += e.Pulled
	}
	return n
}
