// Package reconcile compares the local and remote copies of one entity type
// and converges them according to the entity's strategy.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kimhsiao/bounceback/backend/internal/crypto"
	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
	"github.com/kimhsiao/bounceback/backend/internal/models"
	"github.com/kimhsiao/bounceback/backend/internal/sync/entity"
	"github.com/kimhsiao/bounceback/backend/internal/sync/remote"
)

// Outcome summarises one reconciliation of one entity type.
type Outcome struct {
	EntityType string
	Pushed     int // rows inserted or updated remotely
	Pulled     int // rows created or replaced locally from remote
	Deleted    int // rows deleted remotely
	Purged     int // rows removed locally
	Conflicts  []*models.ConflictRecord
	// Resolved lists conflicted ids whose two sides converged on their own.
	Resolved []string
	// Skipped lists ids the app rewrote while the pass was running.
	Skipped     []string
	FieldErrors []*crypto.DecryptionError
	// Errors holds per-record remote failures; the rest of the entity still converged.
	Errors []error
}

// Failed reports whether any record failed to reconcile.
func (o *Outcome) Failed() bool {
	return len(o.Errors) > 0
}

// Reconciler converges one entity type for one user at a time.
type Reconciler struct {
	spec   models.EntitySpec
	store  entity.Syncable
	remote remote.Backend
	cipher *crypto.FieldCipher
	now    func() time.Time
}

// New creates a Reconciler. cipher may be nil only when the entity declares
// no sensitive fields.
func New(spec models.EntitySpec, store entity.Syncable, backend remote.Backend, cipher *crypto.FieldCipher) (*Reconciler, error) {
	if err := spec.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid entity spec", err)
	}
	if store == nil || backend == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "reconciler for "+spec.Type+" needs a store and a remote")
	}
	if len(spec.SensitiveFields) > 0 && cipher == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "entity "+spec.Type+" has sensitive fields but no cipher")
	}
	return &Reconciler{spec: spec, store: store, remote: backend, cipher: cipher, now: time.Now}, nil
}

// SetClock overrides the clock used for SyncedAt stamps.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Spec returns the entity spec served by this reconciler.
func (r *Reconciler) Spec() models.EntitySpec {
	return r.spec
}

// action is a remote write to perform and the local mutation that confirms it.
type action struct {
	verb    string // insert, update, delete, or "" for local-only
	local   *models.Record
	confirm models.Mutation
}

type plan struct {
	actions   []action
	conflicts []*models.ConflictRecord
	resolved  []string
}

// Reconcile runs one reconciliation for ownerID. A returned error means the
// entity could not be reconciled at all; per-record failures are in the Outcome.
func (r *Reconciler) Reconcile(ctx context.Context, ownerID string) (*Outcome, error) {
	out := &Outcome{EntityType: r.spec.Type}

	localRecs, err := r.store.Snapshot(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", r.spec.Type, err)
	}
	remoteRows, err := r.remote.Select(ctx, r.spec.Table, ownerID)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", r.spec.Table, err)
	}
	evicted, err := r.store.EvictedIDs(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("evicted ids %s: %w", r.spec.Type, err)
	}

	syncedAt := r.now().UnixMilli()
	remoteRecs, err := r.decodeRemote(remoteRows, syncedAt, out)
	if err != nil {
		return nil, err
	}

	p := r.plan(localRecs, remoteRecs, evicted, syncedAt)
	out.Conflicts = p.conflicts
	out.Resolved = p.resolved

	var muts []models.Mutation
	for _, a := range p.actions {
		if a.verb != "" {
			if err := r.push(ctx, a); err != nil {
				out.Errors = append(out.Errors, err)
				logging.Warn("Record failed to reconcile", map[string]interface{}{
					"entity_type": r.spec.Type, "id": a.local.ID, "op": a.verb,
					"code": string(apperrors.CodeOf(err)),
				})
				continue
			}
			if a.verb == "delete" {
				out.Deleted++
			} else {
				out.Pushed++
			}
		}
		muts = append(muts, a.confirm)
	}

	res, err := r.store.ApplyBatch(ctx, muts)
	if err != nil {
		return nil, fmt.Errorf("apply %s batch: %w", r.spec.Type, err)
	}
	out.Skipped = res.Skipped
	skipped := make(map[string]bool, len(res.Skipped))
	for _, id := range res.Skipped {
		skipped[id] = true
	}
	for _, m := range muts {
		id := mutationID(m)
		if skipped[id] {
			continue
		}
		switch m.Kind {
		case models.MutationUpsert:
			out.Pulled++
		case models.MutationPurge:
			out.Purged++
		}
	}

	logging.Info("Entity reconciled", map[string]interface{}{
		"entity_type": r.spec.Type,
		"pushed":      out.Pushed,
		"pulled":      out.Pulled,
		"deleted":     out.Deleted,
		"purged":      out.Purged,
		"conflicts":   len(out.Conflicts),
		"skipped":     len(out.Skipped),
		"errors":      len(out.Errors),
	})
	return out, nil
}

func mutationID(m models.Mutation) string {
	if m.ID != "" {
		return m.ID
	}
	if m.Record != nil {
		return m.Record.ID
	}
	return ""
}

// decodeRemote decrypts inbound rows. Rows flagged deleted are treated as absent.
func (r *Reconciler) decodeRemote(rows []models.Row, syncedAt int64, out *Outcome) (map[string]*models.Record, error) {
	recs := make(map[string]*models.Record, len(rows))
	for _, row := range rows {
		if len(r.spec.SensitiveFields) > 0 {
			var errs []*crypto.DecryptionError
			row, errs = r.cipher.DecryptFields(row, r.spec.SensitiveFields)
			for _, e := range errs {
				logging.Warn("Sensitive field unreadable", map[string]interface{}{
					"entity_type": r.spec.Type, "id": row.String(models.ColumnID), "field": e.Field,
				})
			}
			out.FieldErrors = append(out.FieldErrors, errs...)
		}
		rec, err := models.RecordFromRow(r.spec.Type, row, syncedAt)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "malformed remote row", err)
		}
		if rec.Deleted {
			continue
		}
		recs[rec.ID] = rec
	}
	return recs, nil
}

// outbound builds the remote row for rec, encrypting sensitive fields.
func (r *Reconciler) outbound(rec *models.Record) (models.Row, error) {
	row := rec.ToRow()
	if len(r.spec.SensitiveFields) == 0 {
		return row, nil
	}
	return r.cipher.EncryptFields(row, r.spec.SensitiveFields)
}

func (r *Reconciler) push(ctx context.Context, a action) error {
	switch a.verb {
	case "delete":
		return r.remote.Delete(ctx, r.spec.Table, a.local.OwnerID, a.local.ID)
	case "insert", "update":
		row, err := r.outbound(a.local)
		if err != nil {
			return err
		}
		if a.verb == "insert" {
			return r.remote.Insert(ctx, r.spec.Table, row)
		}
		return r.remote.Update(ctx, r.spec.Table, row)
	}
	return fmt.Errorf("unknown remote verb %q", a.verb)
}

// =====================================================
// Planning
// =====================================================

func hasLocalEdits(rec *models.Record) bool {
	return rec.SyncState == models.SyncStatePendingPush || rec.SyncState == models.SyncStateConflicted
}

// expected is the UpdatedAt a confirming write requires; 0 when the row
// did not exist in the snapshot.
func expected(rec *models.Record) int64 {
	if rec == nil {
		return 0
	}
	return rec.UpdatedAt
}

func markClean(rec *models.Record, syncedAt int64) models.Mutation {
	return models.Mutation{Kind: models.MutationMarkClean, ID: rec.ID, SyncedAt: syncedAt,
		ExpectedUpdatedAt: expected(rec), HasExpected: true}
}

func markConflicted(rec *models.Record) models.Mutation {
	return models.Mutation{Kind: models.MutationMarkConflicted, ID: rec.ID,
		ExpectedUpdatedAt: expected(rec), HasExpected: true}
}

func purge(rec *models.Record) models.Mutation {
	return models.Mutation{Kind: models.MutationPurge, ID: rec.ID, ExpectedUpdatedAt: expected(rec), HasExpected: true}
}

func pull(local, rem *models.Record) models.Mutation {
	return models.Mutation{Kind: models.MutationUpsert, ID: rem.ID, Record: rem,
		ExpectedUpdatedAt: expected(local), HasExpected: true}
}

func (r *Reconciler) plan(locals []*models.Record, remotes map[string]*models.Record, evicted map[string]bool, syncedAt int64) plan {
	var p plan
	seen := make(map[string]bool, len(locals))

	for _, loc := range locals {
		seen[loc.ID] = true
		rem := remotes[loc.ID]
		switch r.spec.Strategy {
		case models.StrategyAppendOnly:
			r.planAppendOnly(&p, loc, rem, syncedAt)
		case models.StrategyMergeConflict:
			r.planMerge(&p, loc, rem, syncedAt)
		default:
			r.planLastWriteWins(&p, loc, rem, syncedAt)
		}
	}

	if r.spec.Strategy == models.StrategyAppendOnly {
		return p
	}

	// Remote-only rows, in id order for a deterministic batch.
	ids := make([]string, 0, len(remotes))
	for id := range remotes {
		if !seen[id] && !evicted[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		p.actions = append(p.actions, action{confirm: pull(nil, remotes[id])})
	}
	return p
}

// planLocalOnly handles a local record with no live remote copy, shared by
// every strategy.
func (r *Reconciler) planLocalOnly(p *plan, loc *models.Record, syncedAt int64) {
	switch {
	case loc.Deleted:
		p.actions = append(p.actions, action{confirm: purge(loc)})
	case !loc.EverSynced():
		p.actions = append(p.actions, action{verb: "insert", local: loc, confirm: markClean(loc, syncedAt)})
	default:
		// Confirmed once and now gone remotely: deleted elsewhere.
		p.actions = append(p.actions, action{confirm: purge(loc)})
	}
}

func (r *Reconciler) planTombstone(p *plan, loc *models.Record) {
	p.actions = append(p.actions, action{verb: "delete", local: loc, confirm: purge(loc)})
}

func (r *Reconciler) planLastWriteWins(p *plan, loc, rem *models.Record, syncedAt int64) {
	switch {
	case rem == nil:
		r.planLocalOnly(p, loc, syncedAt)
	case loc.Deleted:
		r.planTombstone(p, loc)
	case models.SameContent(loc, rem):
		if loc.SyncState != models.SyncStateClean {
			p.actions = append(p.actions, action{confirm: markClean(loc, syncedAt)})
		}
	case loc.UpdatedAt > rem.UpdatedAt:
		p.actions = append(p.actions, action{verb: "update", local: loc, confirm: markClean(loc, syncedAt)})
	default:
		// Remote is newer, or the timestamps tie.
		p.actions = append(p.actions, action{confirm: pull(loc, rem)})
	}
}

func (r *Reconciler) planAppendOnly(p *plan, loc, rem *models.Record, syncedAt int64) {
	switch {
	case loc.Deleted && rem != nil:
		r.planTombstone(p, loc)
	case rem == nil:
		r.planLocalOnly(p, loc, syncedAt)
	case hasLocalEdits(loc):
		p.actions = append(p.actions, action{verb: "update", local: loc, confirm: markClean(loc, syncedAt)})
	}
}

func (r *Reconciler) planMerge(p *plan, loc, rem *models.Record, syncedAt int64) {
	switch {
	case rem == nil:
		r.planLocalOnly(p, loc, syncedAt)
	case loc.Deleted:
		r.planTombstone(p, loc)
	case models.SameContent(loc, rem):
		if loc.SyncState == models.SyncStateConflicted {
			p.resolved = append(p.resolved, loc.ID)
		}
		if loc.SyncState != models.SyncStateClean {
			p.actions = append(p.actions, action{confirm: markClean(loc, syncedAt)})
		}
	case !hasLocalEdits(loc):
		p.actions = append(p.actions, action{confirm: pull(loc, rem)})
	case loc.SyncState == models.SyncStatePendingPush && loc.EverSynced() && rem.UpdatedAt <= loc.SyncedAt:
		// Remote unchanged since it was last confirmed; only this side edited.
		p.actions = append(p.actions, action{verb: "update", local: loc, confirm: markClean(loc, syncedAt)})
	default:
		p.conflicts = append(p.conflicts, &models.ConflictRecord{
			EntityType:     r.spec.Type,
			EntityID:       loc.ID,
			OwnerID:        loc.OwnerID,
			LocalSnapshot:  loc.ToRow(),
			RemoteSnapshot: rem.ToRow(),
			DetectedAt:     syncedAt,
		})
		if loc.SyncState != models.SyncStateConflicted {
			p.actions = append(p.actions, action{confirm: markConflicted(loc)})
		}
		logging.Warn("Conflict detected", map[string]interface{}{
			"entity_type": r.spec.Type, "id": loc.ID,
			"local_updated_at": loc.UpdatedAt, "remote_updated_at": rem.UpdatedAt,
		})
	}
}
