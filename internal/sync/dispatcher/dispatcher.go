// Package dispatcher routes app-side writes either straight to the remote or
// into the offline queue, depending on connectivity.
package dispatcher

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
	"github.com/kimhsiao/bounceback/backend/internal/models"
	"github.com/kimhsiao/bounceback/backend/internal/sync/queue"
)

// Default immediate-attempt budget.
const (
	DefaultRatePerMinute = 120
	DefaultBurst         = 10
)

// Applier applies one operation to the remote. The sync coordinator implements it.
type Applier interface {
	ApplyOperation(ctx context.Context, op *models.OfflineOperation) error
}

// Config wires a Dispatcher.
type Config struct {
	Queue   *queue.OfflineQueue
	Applier Applier
	// RatePerMinute bounds immediate attempts; excess writes are queued.
	RatePerMinute int
	Burst         int
	// Online is the initial connectivity state.
	Online bool
}

// Result describes what happened to a dispatched operation.
type Result struct {
	Applied     bool   `json:"applied"`
	Queued      bool   `json:"queued"`
	OperationID string `json:"operation_id,omitempty"`
	// Err is the immediate attempt's failure when the operation was queued after it.
	Err error `json:"-"`
}

// Dispatcher applies writes immediately when it can and queues them otherwise.
type Dispatcher struct {
	queue   *queue.OfflineQueue
	applier Applier
	limiter *rate.Limiter

	mu       gosync.RWMutex
	online   bool
	onChange []func(online bool)
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Queue == nil || cfg.Applier == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "dispatcher needs a queue and an applier")
	}
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = DefaultRatePerMinute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Dispatcher{
		queue:   cfg.Queue,
		applier: cfg.Applier,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		online:  cfg.Online,
	}, nil
}

// Dispatch applies op now when online, nothing is queued for the same target
// and the immediate-attempt budget allows it. Otherwise op is queued. A
// failed immediate attempt is queued with the failure recorded, except for
// invalid operations which are returned to the caller. An operation refused
// because the remote changed is queued without a failure.
func (d *Dispatcher) Dispatch(ctx context.Context, op *models.OfflineOperation) (*Result, error) {
	if op == nil || op.EntityType == "" || op.OwnerID == "" || op.TargetRecordID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "operation needs entity type, owner and target")
	}
	if !op.Kind.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation kind %q", op.Kind))
	}

	reason := d.deferReason(op)
	if reason == "" {
		err := d.applier.ApplyOperation(ctx, op)
		if err == nil {
			logging.Debug("Operation applied immediately", map[string]interface{}{
				"entity_type": op.EntityType, "id": op.TargetRecordID, "kind": string(op.Kind),
			})
			return &Result{Applied: true}, nil
		}
		if apperrors.Is(err, apperrors.ErrInvalid) {
			return nil, err
		}
		if apperrors.Is(err, apperrors.ErrSyncConflict) {
			// The remote changed; the next pass reconciles the record.
			logging.Info("Operation left for reconciliation", map[string]interface{}{
				"entity_type": op.EntityType, "id": op.TargetRecordID, "kind": string(op.Kind),
			})
			return d.enqueue(ctx, op, nil)
		}
		return d.enqueue(ctx, op, err)
	}

	logging.Debug("Operation deferred to queue", map[string]interface{}{
		"entity_type": op.EntityType, "id": op.TargetRecordID, "reason": reason,
	})
	return d.enqueue(ctx, op, nil)
}

// deferReason returns why op cannot be attempted now, or "".
func (d *Dispatcher) deferReason(op *models.OfflineOperation) string {
	switch {
	case !d.IsOnline():
		return "offline"
	case d.queue.HasPendingFor(op.EntityType, op.TargetRecordID):
		// Applying now would overtake the queued operation.
		return "pending"
	case !d.limiter.Allow():
		return "rate_limited"
	}
	return ""
}

func (d *Dispatcher) enqueue(ctx context.Context, op *models.OfflineOperation, cause error) (*Result, error) {
	queued, err := d.queue.Enqueue(ctx, op)
	if err != nil {
		return nil, err
	}
	if cause != nil {
		if err := d.queue.RecordFailure(ctx, queued.ID, cause); err != nil {
			return nil, err
		}
	}
	return &Result{Queued: true, OperationID: queued.ID, Err: cause}, nil
}

// SetOnline updates connectivity. Change hooks run on every transition.
func (d *Dispatcher) SetOnline(online bool) {
	d.mu.Lock()
	changed := d.online != online
	d.online = online
	hooks := append([]func(bool){}, d.onChange...)
	d.mu.Unlock()

	if !changed {
		return
	}
	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	for _, h := range hooks {
		h(online)
	}
}

// IsOnline reports the current connectivity state.
func (d *Dispatcher) IsOnline() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.online
}

// OnStatusChange registers a hook called after each connectivity transition.
// Hooks run on the caller's goroutine and must not block.
func (d *Dispatcher) OnStatusChange(hook func(online bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = append(d.onChange, hook)
}
