// Package scheduler runs sync passes in the background: periodically while
// online, on reconnect, and on demand.
package scheduler

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
	syncpkg "github.com/kimhsiao/bounceback/backend/internal/sync"
)

// UserFunc returns the authenticated user, or "" when nobody is signed in.
type UserFunc func() string

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        syncpkg.Engine
	userID        UserFunc
	syncInterval  time.Duration
	queueInterval time.Duration
	passTimeout   time.Duration

	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.RWMutex
	isRunning       bool
	isOnline        bool
	lastSyncTime    time.Time
	lastResult      *syncpkg.SyncResult
	syncInProgress  bool
	queueInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // full pass interval while online (default: 15 minutes)
	QueueInterval time.Duration // queue drain interval while online (default: 1 minute)
	PassTimeout   time.Duration // upper bound of one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		QueueInterval: 1 * time.Minute,
		PassTimeout:   5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. Zero config fields take defaults.
func NewScheduler(engine syncpkg.Engine, userID UserFunc, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	s := &Scheduler{
		engine:        engine,
		userID:        userID,
		syncInterval:  config.SyncInterval,
		queueInterval: config.QueueInterval,
		passTimeout:   config.PassTimeout,
		isOnline:      true,
	}
	if s.syncInterval <= 0 {
		s.syncInterval = defaults.SyncInterval
	}
	if s.queueInterval <= 0 {
		s.queueInterval = defaults.QueueInterval
	}
	if s.passTimeout <= 0 {
		s.passTimeout = defaults.PassTimeout
	}
	return s
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx, stopCh)
	go s.queueProcessorLoop(ctx, stopCh)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"queue_interval": s.queueInterval.String(),
	})
}

// Stop stops the background loops and waits for them to exit. A pass that is
// already running finishes under its own timeout.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status. Coming back online triggers a pass.
func (s *Scheduler) SetOnlineStatus(ctx context.Context, isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline {
		s.TriggerSync(ctx)
	}
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			if !s.TriggerSync(ctx) {
				logging.Debug("Sync already in progress, skipping", nil)
			}
		}
	}
}

func (s *Scheduler) queueProcessorLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			// Queued operations wait for connectivity.
			if s.IsOnline() && s.engine.HasPendingOperations() {
				go s.processQueue(ctx)
			}
		}
	}
}

// begin claims the sync slot.
func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncInProgress {
		return false
	}
	s.syncInProgress = true
	return true
}

func (s *Scheduler) end(result *syncpkg.SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncInProgress = false
	if result == nil {
		return
	}
	s.lastResult = result
	if result.Success {
		s.lastSyncTime = result.EndTime
	}
}

// pass runs one full sync pass. The caller holds the sync slot.
func (s *Scheduler) pass(ctx context.Context) *syncpkg.SyncResult {
	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()
	return s.engine.RunSyncPass(syncCtx, s.userID())
}

func (s *Scheduler) runSync(ctx context.Context) {
	var result *syncpkg.SyncResult
	defer func() { s.end(result) }()

	if !s.IsOnline() {
		logging.Debug("Skipping sync - scheduler is offline", nil)
		return
	}

	result = s.pass(ctx)
	if !result.Success {
		logging.ErrorWithCode("Scheduled sync failed", result.Err(), map[string]interface{}{
			"interval_minutes": s.syncInterval.Minutes(),
			"errors":           len(result.Errors),
		})
		return
	}
	logging.Info("Scheduled sync completed", map[string]interface{}{
		"pushed":        result.Pushed(),
		"pulled":        result.Pulled(),
		"queue_applied": result.QueueApplied,
		"conflicts":     len(result.Conflicts),
	})
}

// processQueue drains queued operations between full passes.
func (s *Scheduler) processQueue(ctx context.Context) {
	s.mu.Lock()
	if s.queueInProgress {
		s.mu.Unlock()
		return
	}
	s.queueInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.queueInProgress = false
		s.mu.Unlock()
	}()

	drainCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result := s.engine.DrainQueue(drainCtx, s.userID())
	logging.Info("Queue processing completed", map[string]interface{}{
		"applied":  result.QueueApplied,
		"failed":   result.QueueFailed,
		"deferred": result.QueueDeferred,
	})
}

// TriggerSync starts a pass in the background.
// Returns true if a pass was started, false if one is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.begin() {
		return false
	}
	go s.runSync(ctx)
	return true
}

// SyncNow runs a pass and waits for it, regardless of the online flag.
// The returned error joins the pass errors.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if !s.begin() {
		return nil, apperrors.New(apperrors.ErrSyncFailed, "sync already in progress")
	}
	var result *syncpkg.SyncResult
	defer func() { s.end(result) }()

	result = s.pass(ctx)
	logging.Info("Manual sync completed", map[string]interface{}{
		"success":   result.Success,
		"pushed":    result.Pushed(),
		"pulled":    result.Pulled(),
		"conflicts": len(result.Conflicts),
	})
	return result, result.Err()
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning       bool                `json:"is_running"`
	IsOnline        bool                `json:"is_online"`
	LastSyncTime    *time.Time          `json:"last_sync_time,omitempty"`
	LastResult      *syncpkg.SyncResult `json:"last_result,omitempty"`
	SyncInProgress  bool                `json:"sync_in_progress"`
	QueueInProgress bool                `json:"queue_in_progress"`
	PendingItems    int                 `json:"pending_items"`
	QueueStats      map[string]int      `json:"queue_stats"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	snap := s.engine.QueueSnapshot()

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		LastResult:      s.lastResult,
		SyncInProgress:  s.syncInProgress,
		QueueInProgress: s.queueInProgress,
		PendingItems:    snap.TotalItems,
		QueueStats:      snap.ByEntityType,
	}
	if !s.lastSyncTime.IsZero() {
		last := s.lastSyncTime
		status.LastSyncTime = &last
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
