// Package sync coordinates offline-first synchronization: it drains the
// offline queue, reconciles every entity type against the remote backend and
// enforces the local storage budget.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/bounceback/backend/internal/crypto"
	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
	"github.com/kimhsiao/bounceback/backend/internal/models"
	"github.com/kimhsiao/bounceback/backend/internal/sync/entity"
	"github.com/kimhsiao/bounceback/backend/internal/sync/queue"
	"github.com/kimhsiao/bounceback/backend/internal/sync/quota"
	"github.com/kimhsiao/bounceback/backend/internal/sync/reconcile"
	"github.com/kimhsiao/bounceback/backend/internal/sync/remote"
	"github.com/kimhsiao/bounceback/backend/internal/sync/retry"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// maxErrorHistory bounds the errors kept for the status surface.
const maxErrorHistory = 50

// ErrRemoteChanged is returned by ApplyOperation when the remote copy changed
// in a way the operation must not overwrite. The local record stays pending
// and reconciliation settles it.
var ErrRemoteChanged = apperrors.New(apperrors.ErrSyncConflict, "remote record changed since the operation was queued")

// LocalState is the local persistence the coordinator needs beyond the
// per-entity stores. db.LocalStore implements it.
type LocalState interface {
	GetRecord(ctx context.Context, entityType, id string) (*models.Record, error)
	SaveConflict(ctx context.Context, c *models.ConflictRecord) error
	GetConflict(ctx context.Context, entityType, entityID string) (*models.ConflictRecord, error)
	ListConflicts(ctx context.Context, ownerID string) ([]*models.ConflictRecord, error)
	DeleteConflict(ctx context.Context, entityType, entityID string) error
}

// Config wires a Coordinator. Queue, Local, Entities and Remote are required.
type Config struct {
	Queue    *queue.OfflineQueue
	Local    LocalState
	Entities map[string]entity.Store
	Remote   remote.Backend
	// Cipher is required when any entity declares sensitive fields.
	Cipher *crypto.FieldCipher
	// Quota is optional; without it no storage budget is enforced.
	Quota *quota.Manager
	// Specs lists entity types in reconciliation order.
	// Defaults to models.DefaultEntitySpecs().
	Specs []models.EntitySpec
	// ResyncPolicy bounds ResyncEntity retries.
	ResyncPolicy retry.Policy
	Now          func() time.Time
}

// Coordinator runs sync passes. Passes for one user are coalesced; passes
// for different users run one at a time.
type Coordinator struct {
	queue       *queue.OfflineQueue
	local       LocalState
	entities    map[string]entity.Store
	remote      remote.Backend
	cipher      *crypto.FieldCipher
	quota       *quota.Manager
	specs       []models.EntitySpec
	specByType  map[string]models.EntitySpec
	reconcilers map[string]*reconcile.Reconciler
	resync      retry.Policy
	now         func() time.Time

	flight singleflight.Group
	passMu gosync.Mutex

	stateMu    gosync.RWMutex
	status     SyncStatus
	lastSync   *time.Time
	lastResult *SyncResult
	errHistory []*SyncError
	handler    SyncEventHandler
}

// NewCoordinator validates the configuration and builds one reconciler per entity type.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Queue == nil || cfg.Local == nil || cfg.Remote == nil || cfg.Entities == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "coordinator needs a queue, local state, entity stores and a remote")
	}
	specs := cfg.Specs
	if len(specs) == 0 {
		specs = models.DefaultEntitySpecs()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &Coordinator{
		queue:       cfg.Queue,
		local:       cfg.Local,
		entities:    cfg.Entities,
		remote:      cfg.Remote,
		cipher:      cfg.Cipher,
		quota:       cfg.Quota,
		specs:       specs,
		specByType:  models.SpecByType(specs),
		reconcilers: make(map[string]*reconcile.Reconciler, len(specs)),
		resync:      cfg.ResyncPolicy,
		now:         now,
		status:      SyncStatusIdle,
	}

	for _, spec := range specs {
		store, ok := cfg.Entities[spec.Type]
		if !ok || store == nil {
			return nil, apperrors.New(apperrors.ErrInvalid, "no local store for entity "+spec.Type)
		}
		r, err := reconcile.New(spec, store, cfg.Remote, cfg.Cipher)
		if err != nil {
			return nil, err
		}
		r.SetClock(now)
		c.reconcilers[spec.Type] = r
	}
	return c, nil
}

// Specs returns the entity specs in reconciliation order.
func (c *Coordinator) Specs() []models.EntitySpec {
	return c.specs
}

// =====================================================
// Sync Pass
// =====================================================

// RunSyncPass drains userID's queued operations, reconciles every entity type
// in declared order, then enforces the storage budget. A caller arriving while
// a pass for the same user is running receives that pass's result.
func (c *Coordinator) RunSyncPass(ctx context.Context, userID string) *SyncResult {
	if userID == "" {
		result := &SyncResult{StartTime: c.now()}
		result.addError(newSyncError(ScopeAuth, "",
			apperrors.New(apperrors.ErrAuthenticationMissing, "no authenticated user"), result.StartTime))
		result.EndTime = result.StartTime
		c.finish(result)
		return result
	}

	v, _, _ := c.flight.Do(userID, func() (interface{}, error) {
		c.passMu.Lock()
		defer c.passMu.Unlock()
		return c.runPass(ctx, userID), nil
	})
	return v.(*SyncResult)
}

func (c *Coordinator) runPass(ctx context.Context, userID string) *SyncResult {
	result := &SyncResult{UserID: userID, StartTime: c.now()}

	c.setStatus(SyncStatusSyncing)
	c.emit(EventSyncStarted, userID, map[string]interface{}{"pending": c.queue.Size()})
	logging.Info("Sync pass started", map[string]interface{}{"user_id": userID, "pending": c.queue.Size()})

	handedOver := c.drainQueue(ctx, userID, result)

	reconciled := make(map[string]bool, len(c.specs))
	for _, spec := range c.specs {
		reconciled[spec.Type] = c.reconcileEntity(ctx, userID, spec, result)
	}
	c.settleHandedOver(ctx, handedOver, reconciled, result)

	if c.quota != nil {
		report, err := c.quota.Enforce(ctx)
		result.Quota = report
		if err != nil {
			result.addError(newSyncError(ScopeQuota, "", err, c.now()))
		}
		if report != nil && report.Warned {
			c.emit(EventStorageWarning, userID, map[string]interface{}{
				"current_bytes":    report.Budget.CurrentBytes,
				"soft_limit_bytes": report.Budget.SoftLimitBytes,
				"hard_limit_bytes": report.Budget.HardLimitBytes,
				"evicted":          report.TotalEvicted(),
			})
		}
	}

	result.EndTime = c.now()
	c.finish(result)
	return result
}

// finish records the pass outcome and notifies subscribers.
func (c *Coordinator) finish(result *SyncResult) {
	result.Success = len(result.Errors) == 0
	result.Duration = result.EndTime.Sub(result.StartTime)

	c.stateMu.Lock()
	c.lastResult = result
	if result.Success {
		c.status = SyncStatusIdle
		end := result.EndTime
		c.lastSync = &end
	} else {
		c.status = SyncStatusFailed
	}
	c.errHistory = append(c.errHistory, result.Errors...)
	if over := len(c.errHistory) - maxErrorHistory; over > 0 {
		c.errHistory = append([]*SyncError(nil), c.errHistory[over:]...)
	}
	c.stateMu.Unlock()

	data := map[string]interface{}{
		"success":          result.Success,
		"duration":         result.Duration.Milliseconds(),
		"pushed":           result.Pushed(),
		"pulled":           result.Pulled(),
		"queue_applied":    result.QueueApplied,
		"queue_failed":     result.QueueFailed,
		"queue_deferred":   result.QueueDeferred,
		"queue_reconciled": result.QueueReconciled,
		"conflicts":        len(result.Conflicts),
		"errors":           len(result.Errors),
	}
	if result.Success {
		c.emit(EventSyncCompleted, result.UserID, data)
		logging.Info("Sync pass completed", data)
		return
	}
	codes := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		codes = append(codes, string(e.Code))
	}
	data["codes"] = codes
	c.emit(EventSyncFailed, result.UserID, data)
	logging.Warn("Sync pass finished with errors", data)
}

func (c *Coordinator) setStatus(s SyncStatus) {
	c.stateMu.Lock()
	c.status = s
	c.stateMu.Unlock()
}

func targetKey(entityType, id string) string {
	return entityType + "/" + id
}

// drainQueue applies userID's queued operations in order. Once an operation
// fails, later operations on the same target wait for a future pass.
// Operations whose target changed remotely are returned untouched; they stay
// queued until reconciliation has settled their record.
func (c *Coordinator) drainQueue(ctx context.Context, userID string, result *SyncResult) []*models.OfflineOperation {
	ops := c.queue.PeekOwner(userID)
	if len(ops) == 0 {
		return nil
	}
	blocked := make(map[string]bool)
	var handedOver []*models.OfflineOperation

	for _, op := range ops {
		key := targetKey(op.EntityType, op.TargetRecordID)
		if blocked[key] {
			result.QueueDeferred++
			continue
		}

		err := c.ApplyOperation(ctx, op)
		if err == nil {
			c.dequeue(ctx, op)
			result.QueueApplied++
			continue
		}
		if errors.Is(err, ErrRemoteChanged) {
			handedOver = append(handedOver, op)
			continue
		}

		blocked[key] = true
		result.QueueFailed++
		if rerr := c.queue.RecordFailure(ctx, op.ID, err); rerr != nil {
			logging.Error("Failed to record operation failure", rerr, map[string]interface{}{"id": op.ID})
		}
		se := newSyncError(ScopeQueue, op.EntityType, err, c.now())
		se.OperationID = op.ID
		se.RecordID = op.TargetRecordID
		result.addError(se)
	}

	c.emit(EventQueueChanged, userID, map[string]interface{}{
		"applied": result.QueueApplied, "failed": result.QueueFailed, "remaining": c.queue.Size(),
	})
	return handedOver
}

// dequeue removes an applied operation unless a newer write was coalesced
// into it meanwhile; that write stays queued for the next pass.
func (c *Coordinator) dequeue(ctx context.Context, op *models.OfflineOperation) {
	_, err := c.queue.RemoveIfUnchanged(ctx, op.ID, op.Revision)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		// Applied remotely but still queued; replaying it is harmless.
		logging.Error("Failed to dequeue applied operation", err, map[string]interface{}{"id": op.ID})
	}
}

// settleHandedOver drops operations whose record was reconciled in this pass.
// Those whose entity failed to reconcile stay queued.
func (c *Coordinator) settleHandedOver(ctx context.Context, ops []*models.OfflineOperation, reconciled map[string]bool, result *SyncResult) {
	for _, op := range ops {
		if !reconciled[op.EntityType] {
			result.QueueDeferred++
			continue
		}
		c.dequeue(ctx, op)
		result.QueueReconciled++
		logging.Info("Queued operation settled by reconciliation", map[string]interface{}{
			"id": op.ID, "entity_type": op.EntityType, "record_id": op.TargetRecordID,
		})
	}
	if len(ops) > 0 {
		c.emit(EventQueueChanged, result.UserID, map[string]interface{}{
			"reconciled": result.QueueReconciled, "remaining": c.queue.Size(),
		})
	}
}

// reconcileEntity reports whether the entity was reconciled. Per-record
// failures still count as reconciled; the records stay pending.
func (c *Coordinator) reconcileEntity(ctx context.Context, userID string, spec models.EntitySpec, result *SyncResult) bool {
	out, err := c.reconcilers[spec.Type].Reconcile(ctx, userID)
	if err != nil {
		result.addError(newSyncError(ScopeEntity, spec.Type, err, c.now()))
		result.Entities = append(result.Entities, EntityStats{EntityType: spec.Type, Errors: 1})
		logging.Warn("Entity reconciliation failed", map[string]interface{}{
			"entity_type": spec.Type, "code": string(apperrors.CodeOf(err)),
		})
		return false
	}

	result.Entities = append(result.Entities, statsOf(out))
	for _, e := range out.Errors {
		result.addError(newSyncError(ScopeEntity, spec.Type, e, c.now()))
	}
	result.FieldErrors = append(result.FieldErrors, out.FieldErrors...)
	result.Conflicts = append(result.Conflicts, out.Conflicts...)
	c.recordConflicts(ctx, userID, spec, out)

	c.emit(EventSyncProgress, userID, map[string]interface{}{
		"entity_type": spec.Type, "pushed": out.Pushed, "pulled": out.Pulled, "conflicts": len(out.Conflicts),
	})
	return true
}

// recordConflicts persists detected conflicts and clears those that converged.
func (c *Coordinator) recordConflicts(ctx context.Context, userID string, spec models.EntitySpec, out *reconcile.Outcome) {
	for _, conflict := range out.Conflicts {
		if err := c.local.SaveConflict(ctx, conflict); err != nil {
			logging.Error("Failed to persist conflict", err, map[string]interface{}{
				"entity_type": conflict.EntityType, "id": conflict.EntityID,
			})
		}
		c.emit(EventSyncConflictDetected, userID, map[string]interface{}{
			"entity_type": conflict.EntityType,
			"entity_id":   conflict.EntityID,
			"local":       crypto.Redact(conflict.LocalSnapshot, spec.SensitiveFields),
			"remote":      crypto.Redact(conflict.RemoteSnapshot, spec.SensitiveFields),
		})
	}
	for _, id := range out.Resolved {
		if err := c.local.DeleteConflict(ctx, spec.Type, id); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			logging.Error("Failed to clear converged conflict", err, map[string]interface{}{"entity_type": spec.Type, "id": id})
		}
	}
}

// DrainQueue applies userID's queued operations without reconciling.
// Operations that need reconciliation stay queued for the next full pass.
// It shares the pass lock so it never interleaves with a running pass.
func (c *Coordinator) DrainQueue(ctx context.Context, userID string) *SyncResult {
	result := &SyncResult{UserID: userID, StartTime: c.now()}
	if userID == "" {
		result.addError(newSyncError(ScopeAuth, "",
			apperrors.New(apperrors.ErrAuthenticationMissing, "no authenticated user"), result.StartTime))
	} else {
		c.passMu.Lock()
		result.QueueDeferred += len(c.drainQueue(ctx, userID, result))
		c.passMu.Unlock()
	}
	result.EndTime = c.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Success = len(result.Errors) == 0
	return result
}

// =====================================================
// Operations
// =====================================================

// ApplyOperation applies one offline operation to the remote, then confirms
// the local record if the app has not rewritten it since the operation was
// built. A returned error means the remote did not confirm the operation;
// ErrRemoteChanged means the record must go through reconciliation instead.
func (c *Coordinator) ApplyOperation(ctx context.Context, op *models.OfflineOperation) error {
	spec, ok := c.specByType[op.EntityType]
	if !ok {
		return apperrors.New(apperrors.ErrInvalid, "unknown entity type "+op.EntityType)
	}

	var confirm models.Mutation
	switch op.Kind {
	case models.OperationCreate, models.OperationUpdate:
		if err := c.checkRemote(ctx, spec, op); err != nil {
			return err
		}
		row := op.Payload.Clone()
		if row == nil {
			row = models.Row{}
		}
		row[models.ColumnID] = op.TargetRecordID
		row[models.ColumnOwnerID] = op.OwnerID
		if len(spec.SensitiveFields) > 0 {
			enc, err := c.cipher.EncryptFields(row, spec.SensitiveFields)
			if err != nil {
				return err
			}
			row = enc
		}
		var err error
		if op.Kind == models.OperationCreate {
			err = c.remote.Insert(ctx, spec.Table, row)
		} else {
			err = c.remote.Update(ctx, spec.Table, row)
		}
		if err != nil {
			return err
		}
		confirm = models.Mutation{Kind: models.MutationMarkClean, ID: op.TargetRecordID, SyncedAt: c.now().UnixMilli()}
	case models.OperationDelete:
		if err := c.remote.Delete(ctx, spec.Table, op.OwnerID, op.TargetRecordID); err != nil {
			return err
		}
		confirm = models.Mutation{Kind: models.MutationPurge, ID: op.TargetRecordID}
	default:
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation kind %q", op.Kind))
	}

	// Without the payload's updated_at the local row cannot be matched to
	// this operation; reconciliation settles it instead.
	if _, ok := op.Payload[models.ColumnUpdatedAt]; !ok {
		return nil
	}
	confirm.ExpectedUpdatedAt = op.Payload.Int64(models.ColumnUpdatedAt)
	confirm.HasExpected = true
	muts := []models.Mutation{confirm}
	if confirm.Kind == models.MutationMarkClean {
		// A newer local write keeps the record pending, but the remote copy
		// is still ours as of now.
		muts = append(muts, models.Mutation{Kind: models.MutationMarkSynced, ID: op.TargetRecordID, SyncedAt: confirm.SyncedAt})
	}
	if _, err := c.entities[op.EntityType].ApplyBatch(ctx, muts); err != nil {
		// The next reconciliation converges the local row.
		logging.Warn("Applied operation not confirmed locally", map[string]interface{}{
			"id": op.ID, "entity_type": op.EntityType, "code": string(apperrors.CodeOf(err)),
		})
	}
	return nil
}

// checkRemote returns ErrRemoteChanged when pushing op would overwrite a
// remote change the strategy must respect: a newer or equally new row under
// last-write-wins, or any edit since the last confirmed sync for
// merge-conflict entities. Append-only records are always pushed.
func (c *Coordinator) checkRemote(ctx context.Context, spec models.EntitySpec, op *models.OfflineOperation) error {
	if spec.Strategy == models.StrategyAppendOnly {
		return nil
	}
	rem, err := remote.GetRow(ctx, c.remote, spec.Table, op.OwnerID, op.TargetRecordID)
	if err != nil || rem == nil {
		return err
	}
	remoteUpdatedAt := rem.Int64(models.ColumnUpdatedAt)

	if spec.Strategy == models.StrategyMergeConflict {
		local, err := c.local.GetRecord(ctx, op.EntityType, op.TargetRecordID)
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if local == nil || !local.EverSynced() || remoteUpdatedAt > local.SyncedAt {
			logging.Info("Remote edit found before push", map[string]interface{}{
				"id": op.ID, "entity_type": op.EntityType, "record_id": op.TargetRecordID,
			})
			return ErrRemoteChanged
		}
		return nil
	}

	if remoteUpdatedAt >= op.Payload.Int64(models.ColumnUpdatedAt) {
		logging.Info("Remote copy is newer than queued write", map[string]interface{}{
			"id": op.ID, "entity_type": op.EntityType, "record_id": op.TargetRecordID,
			"remote_updated_at": remoteUpdatedAt, "local_updated_at": op.Payload.Int64(models.ColumnUpdatedAt),
		})
		return ErrRemoteChanged
	}
	return nil
}

// NewOperation builds the offline operation that pushes rec.
func NewOperation(rec *models.Record, kind models.OperationKind) *models.OfflineOperation {
	return &models.OfflineOperation{
		EntityType:     rec.EntityType,
		OwnerID:        rec.OwnerID,
		TargetRecordID: rec.ID,
		Kind:           kind,
		Payload:        rec.ToRow(),
	}
}

// HasPendingOperations reports whether any operation is queued.
func (c *Coordinator) HasPendingOperations() bool {
	return c.queue.HasPending()
}

// QueueSnapshot summarises the offline queue.
func (c *Coordinator) QueueSnapshot() models.QueueSnapshot {
	return c.queue.Snapshot()
}

// QueuedOperations returns the queued operations in order. Sensitive payload
// fields are redacted.
func (c *Coordinator) QueuedOperations() []*models.OfflineOperation {
	ops := c.queue.PeekAll()
	for _, op := range ops {
		op.Payload = crypto.Redact(op.Payload, c.specByType[op.EntityType].SensitiveFields)
	}
	return ops
}

// RemoveQueuedOperation drops one queued operation. The local record stays
// pending and is pushed by the next reconciliation.
func (c *Coordinator) RemoveQueuedOperation(ctx context.Context, id string) error {
	if err := c.queue.Remove(ctx, id); err != nil {
		return err
	}
	c.emit(EventQueueChanged, "", map[string]interface{}{"removed": id, "remaining": c.queue.Size()})
	return nil
}

// ClearQueue drops every queued operation.
func (c *Coordinator) ClearQueue(ctx context.Context) error {
	if err := c.queue.Clear(ctx); err != nil {
		return err
	}
	c.emit(EventQueueChanged, "", map[string]interface{}{"remaining": 0})
	return nil
}

// ResyncEntity reconciles one entity type outside a full pass, retrying
// network failures with backoff.
func (c *Coordinator) ResyncEntity(ctx context.Context, userID, entityType string) (*reconcile.Outcome, error) {
	if userID == "" {
		return nil, apperrors.New(apperrors.ErrAuthenticationMissing, "no authenticated user")
	}
	r, ok := c.reconcilers[entityType]
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown entity type "+entityType)
	}

	c.passMu.Lock()
	defer c.passMu.Unlock()

	var out *reconcile.Outcome
	err := retry.Do(ctx, c.resync, "resync "+entityType, func(ctx context.Context) error {
		var err error
		out, err = r.Reconcile(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.recordConflicts(ctx, userID, c.specByType[entityType], out)
	return out, nil
}

// =====================================================
// Conflicts
// =====================================================

// ListConflicts returns unresolved conflicts of userID; "" lists all.
func (c *Coordinator) ListConflicts(ctx context.Context, userID string) ([]*models.ConflictRecord, error) {
	return c.local.ListConflicts(ctx, userID)
}

// RedactConflict returns a copy of conflict safe to hand to the UI.
func (c *Coordinator) RedactConflict(conflict *models.ConflictRecord) *models.ConflictRecord {
	fields := c.specByType[conflict.EntityType].SensitiveFields
	out := *conflict
	out.LocalSnapshot = crypto.Redact(conflict.LocalSnapshot, fields)
	out.RemoteSnapshot = crypto.Redact(conflict.RemoteSnapshot, fields)
	return &out
}

// ResolveConflict settles a conflict by keeping one side. keep_local pushes
// the local record; keep_remote replaces it with the current remote row.
func (c *Coordinator) ResolveConflict(ctx context.Context, entityType, entityID string, resolution models.Resolution) error {
	if !resolution.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown resolution %q", resolution))
	}
	spec, ok := c.specByType[entityType]
	if !ok {
		return apperrors.New(apperrors.ErrInvalid, "unknown entity type "+entityType)
	}

	c.passMu.Lock()
	defer c.passMu.Unlock()

	conflict, err := c.local.GetConflict(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	local, err := c.local.GetRecord(ctx, entityType, entityID)
	if err != nil {
		return err
	}

	store := c.entities[entityType]
	var mut models.Mutation
	switch resolution {
	case models.ResolutionKeepLocal:
		row := local.ToRow()
		if len(spec.SensitiveFields) > 0 {
			if row, err = c.cipher.EncryptFields(row, spec.SensitiveFields); err != nil {
				return err
			}
		}
		if err := c.remote.Update(ctx, spec.Table, row); err != nil {
			return err
		}
		mut = models.Mutation{Kind: models.MutationMarkClean, ID: entityID, SyncedAt: c.now().UnixMilli()}
	case models.ResolutionKeepRemote:
		rem, err := c.fetchRemote(ctx, spec, conflict.OwnerID, entityID)
		if err != nil {
			return err
		}
		if rem == nil {
			mut = models.Mutation{Kind: models.MutationPurge, ID: entityID}
		} else {
			mut = models.Mutation{Kind: models.MutationUpsert, ID: entityID, Record: rem}
		}
	}
	mut.ExpectedUpdatedAt = local.UpdatedAt
	mut.HasExpected = true

	res, err := store.ApplyBatch(ctx, []models.Mutation{mut})
	if err != nil {
		return err
	}
	if len(res.Skipped) > 0 {
		return apperrors.New(apperrors.ErrSyncConflict, "record "+entityID+" changed while resolving; try again")
	}
	if err := c.local.DeleteConflict(ctx, entityType, entityID); err != nil {
		return err
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"entity_type": entityType, "id": entityID, "resolution": string(resolution),
	})
	c.emit(EventSyncConflictResolved, conflict.OwnerID, map[string]interface{}{
		"entity_type": entityType, "entity_id": entityID, "resolution": string(resolution),
	})
	return nil
}

// fetchRemote returns the decrypted remote copy of one record, or nil if absent.
func (c *Coordinator) fetchRemote(ctx context.Context, spec models.EntitySpec, ownerID, id string) (*models.Record, error) {
	row, err := remote.GetRow(ctx, c.remote, spec.Table, ownerID, id)
	if err != nil || row == nil {
		return nil, err
	}
	if len(spec.SensitiveFields) > 0 {
		var errs []*crypto.DecryptionError
		row, errs = c.cipher.DecryptFields(row, spec.SensitiveFields)
		if len(errs) > 0 {
			return nil, errs[0]
		}
	}
	return models.RecordFromRow(spec.Type, row, c.now().UnixMilli())
}

// =====================================================
// Status
// =====================================================

// Status returns the current sync status.
func (c *Coordinator) Status() SyncStatus {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.status
}

// LastSync returns the end time of the last successful pass.
func (c *Coordinator) LastSync() *time.Time {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastSync
}

// LastResult returns the most recent pass result, or nil.
func (c *Coordinator) LastResult() *SyncResult {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastResult
}

// PendingChanges returns the number of queued operations.
func (c *Coordinator) PendingChanges() int {
	return c.queue.Size()
}

// LastError returns the errors of the last pass, joined, or nil.
func (c *Coordinator) LastError() error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.lastResult == nil {
		return nil
	}
	return c.lastResult.Err()
}

// GetErrorHistory returns recent pass errors, oldest first.
func (c *Coordinator) GetErrorHistory() []*SyncError {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return append([]*SyncError(nil), c.errHistory...)
}

// StatusReport is the status snapshot consumed by the UI.
type StatusReport struct {
	Status           SyncStatus            `json:"status"`
	LastSync         int64                 `json:"last_sync"`
	Pending          bool                  `json:"pending"`
	Queue            models.QueueSnapshot  `json:"queue"`
	Conflicts        int                   `json:"conflicts"`
	Storage          *models.StorageBudget `json:"storage,omitempty"`
	DegradedSecurity bool                  `json:"degraded_security"`
	LastErrors       []*SyncError          `json:"last_errors,omitempty"`
}

// Report builds the status snapshot for userID.
func (c *Coordinator) Report(ctx context.Context, userID string) (*StatusReport, error) {
	conflicts, err := c.local.ListConflicts(ctx, userID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{
		Status:           c.Status(),
		Pending:          c.queue.HasPending(),
		Queue:            c.queue.Snapshot(),
		Conflicts:        len(conflicts),
		DegradedSecurity: c.cipher != nil && c.cipher.Degraded(),
	}
	if last := c.LastSync(); last != nil {
		report.LastSync = timeMillis(*last)
	}
	if res := c.LastResult(); res != nil {
		report.LastErrors = res.Errors
	}
	if c.quota != nil {
		budget, err := c.quota.Budget(ctx)
		if err != nil {
			return nil, err
		}
		report.Storage = &budget
	}
	return report, nil
}
