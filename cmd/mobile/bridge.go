// Package main builds the sync engine as a C shared library for the mobile
// app: libbounceback.so on Android, a static framework on iOS.
//
// Every call takes and returns JSON. A failed call returns NULL (or non-zero)
// and leaves a JSON error in GetLastError.
package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/kimhsiao/bounceback/backend/internal/config"
	"github.com/kimhsiao/bounceback/backend/internal/engine"
	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
	"github.com/kimhsiao/bounceback/backend/internal/models"
)

var (
	mu      sync.RWMutex
	current *engine.Engine
	stop    context.CancelFunc

	lastErr string
	lastMu  sync.RWMutex
)

// bridgeError is the GetLastError payload.
type bridgeError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func setLastError(err error) {
	data, _ := json.Marshal(bridgeError{
		Error:     string(apperrors.CodeOf(err)),
		Message:   err.Error(),
		Retryable: apperrors.IsRetryable(err),
	})
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = string(data)
}

func lastError() string {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return lastErr
}

// =====================================================
// Lifecycle
// =====================================================

// initEngine loads configPath, opens the engine and starts background sync.
func initEngine(configPath string) error {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return apperrors.New(apperrors.ErrInvalid, "engine already initialized")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logPath := cfg.Log.File
	if logPath == "" {
		logPath = filepath.Join(cfg.DataDir, "logs", "bounceback.log")
	}
	if err := logging.InitFile(logPath, logging.ParseLevel(cfg.Log.Level)); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "open log file", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e, err := engine.Open(ctx, cfg)
	if err != nil {
		cancel()
		return err
	}
	e.Scheduler.Start(ctx)
	current, stop = e, cancel
	return nil
}

// shutdownEngine stops background sync and closes the engine. It waits for
// calls in flight.
func shutdownEngine() {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return
	}
	stop()
	current.Close()
	current, stop = nil, nil
}

// call runs fn against the open engine and encodes its result as JSON.
func call(fn func(ctx context.Context, e *engine.Engine) (interface{}, error)) (string, error) {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return "", apperrors.New(apperrors.ErrSyncNotConfigured, "engine not initialized")
	}
	v, err := fn(context.Background(), current)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "encode response", err)
	}
	return string(data), nil
}

// =====================================================
// Records
// =====================================================

func putRecord(entityType, id, fieldsJSON string) (string, error) {
	return call(func(ctx context.Context, e *engine.Engine) (interface{}, error) {
		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode fields", err)
		}
		return e.Records.Put(ctx, entityType, id, fields)
	})
}

func getRecord(entityType, id string) (string, error) {
	return call(func(ctx context.Context, e *engine.Engine) (interface{}, error) {
		return e.Records.Get(ctx, entityType, id)
	})
}

func deleteRecord(entityType, id string) (string, error) {
	return call(func(ctx context.Context, e *engine.Engine) (interface{}, error) {
		return e.Records.Delete(ctx, entityType, id)
	})
}

// =====================================================
// Sync
// =====================================================

func syncNow() (string, error) {
	return call(func(ctx context.Context, e *engine.Engine) (interface{}, error) {
		if e.UserID() == "" {
			return nil, apperrors.New(apperrors.ErrAuthenticationMissing, "no authenticated user")
		}
		result, err := e.Scheduler.SyncNow(ctx)
		if result == nil {
			return nil, err
		}
		return map[string]interface{}{
			"success":       result.Success,
			"pushed":        result.Pushed(),
			"pulled":        result.Pulled(),
			"queue_applied": result.QueueApplied,
			"queue_failed":  result.QueueFailed,
			"conflicts":     len(result.Conflicts),
			"errors":        result.Errors,
		}, nil
	})
}

func setOnline(online bool) (string, error) {
	return call(func(ctx context.Context, e *engine.Engine) (interface{}, error) {
		e.Dispatcher.SetOnline(online)
		return map[string]bool{"online": e.Dispatcher.IsOnline()}, nil
	})
}

func syncStatus() (string, error) {
	return call(func(ctx context.Context, e *engine.Engine) (interface{}, error) {
		report, err := e.Coordinator.Report(ctx, e.UserID())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"sync":      report,
			"online":    e.Dispatcher.IsOnline(),
			"scheduler": e.Scheduler.GetStatus(),
		}, nil
	})
}

func listQueue() (string, error) {
	return call(func(ctx context.Context, e *engine.Engine) (interface{}, error) {
		return map[string]interface{}{
			"snapshot":   e.Coordinator.QueueSnapshot(),
			"operations": e.Coordinator.QueuedOperations(),
		}, nil
	})
}

func listConflicts() (string, error) {
	return call(func(ctx context.Context, e *engine.Engine) (interface{}, error) {
		conflicts, err := e.Coordinator.ListConflicts(ctx, e.UserID())
		if err != nil {
			return nil, err
		}
		out := make([]*models.ConflictRecord, 0, len(conflicts))
		for _, c := range conflicts {
			out = append(out, e.Coordinator.RedactConflict(c))
		}
		return out, nil
	})
}

func resolveConflict(entityType, id, resolution string) (string, error) {
	return call(func(ctx context.Context, e *engine.Engine) (interface{}, error) {
		if err := e.Coordinator.ResolveConflict(ctx, entityType, id, models.Resolution(resolution)); err != nil {
			return nil, err
		}
		return map[string]string{"status": "resolved"}, nil
	})
}

// main is required by -buildmode=c-shared and never runs.
func main() {}
