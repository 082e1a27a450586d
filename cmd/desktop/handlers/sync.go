// Package handlers provides REST API handlers for sync status, the offline
// queue, conflicts and app-side record writes.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
	"github.com/kimhsiao/bounceback/backend/internal/models"
	syncpkg "github.com/kimhsiao/bounceback/backend/internal/sync"
	"github.com/kimhsiao/bounceback/backend/internal/sync/scheduler"
)

// UserFunc returns the signed-in user, or "".
type UserFunc func() string

// Connectivity is the network state switch. The dispatcher implements it.
type Connectivity interface {
	SetOnline(online bool)
	IsOnline() bool
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	coordinator *syncpkg.Coordinator
	scheduler   *scheduler.Scheduler
	network     Connectivity
	userID      UserFunc
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(coordinator *syncpkg.Coordinator, sched *scheduler.Scheduler, network Connectivity, userID UserFunc) *SyncHandler {
	return &SyncHandler{
		coordinator: coordinator,
		scheduler:   sched,
		network:     network,
		userID:      userID,
	}
}

// Register adds the sync routes to mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)
	mux.HandleFunc("POST /api/sync/run", h.RunSync)
	mux.HandleFunc("POST /api/sync/online", h.SetOnline)
	mux.HandleFunc("GET /api/sync/queue", h.ListQueue)
	mux.HandleFunc("DELETE /api/sync/queue", h.ClearQueue)
	mux.HandleFunc("DELETE /api/sync/queue/{id}", h.RemoveQueued)
	mux.HandleFunc("GET /api/sync/conflicts", h.ListConflicts)
	mux.HandleFunc("POST /api/sync/conflicts/{entity}/{id}/resolve", h.ResolveConflict)
}

// =====================================================
// Responses
// =====================================================

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// statusFor maps error codes onto HTTP statuses.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrAuthenticationMissing:
		return http.StatusUnauthorized
	case apperrors.ErrSyncConflict:
		return http.StatusConflict
	case apperrors.ErrQueueFull:
		return http.StatusServiceUnavailable
	case apperrors.ErrStorageLimitExceeded:
		return http.StatusInsufficientStorage
	case apperrors.ErrNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", err)
	}
	writeJSON(w, status, map[string]interface{}{
		"error":     string(code),
		"message":   err.Error(),
		"retryable": apperrors.IsRetryable(err),
	})
}

// =====================================================
// Status and Trigger
// =====================================================

// GetStatus handles GET /api/sync/status
// Returns the coordinator report and the scheduler state.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.coordinator.Report(r.Context(), h.userID())
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"sync":   report,
		"online": h.network.IsOnline(),
	}
	if h.scheduler != nil {
		response["scheduler"] = h.scheduler.GetStatus()
	}
	writeJSON(w, http.StatusOK, response)
}

// RunSync handles POST /api/sync/run
// Runs a pass and waits for it. Pass errors are reported in the body.
func (h *SyncHandler) RunSync(w http.ResponseWriter, r *http.Request) {
	if h.userID() == "" {
		writeError(w, apperrors.New(apperrors.ErrAuthenticationMissing, "no authenticated user"))
		return
	}

	var result *syncpkg.SyncResult
	if h.scheduler != nil {
		var err error
		result, err = h.scheduler.SyncNow(r.Context())
		if result == nil {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":   string(apperrors.CodeOf(err)),
				"message": err.Error(),
			})
			return
		}
	} else {
		result = h.coordinator.RunSyncPass(r.Context(), h.userID())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       result.Success,
		"pushed":        result.Pushed(),
		"pulled":        result.Pulled(),
		"queue_applied": result.QueueApplied,
		"queue_failed":  result.QueueFailed,
		"conflicts":     len(result.Conflicts),
		"errors":        result.Errors,
		"duration_ms":   result.Duration.Milliseconds(),
	})
}

// SetOnline handles POST /api/sync/online
// Body: {"online": bool}. Going online triggers a pass through the scheduler.
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}
	h.network.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": h.network.IsOnline()})
}

// =====================================================
// Offline Queue
// =====================================================

// ListQueue handles GET /api/sync/queue
// Sensitive payload fields are redacted.
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot":   h.coordinator.QueueSnapshot(),
		"operations": h.coordinator.QueuedOperations(),
	})
}

// RemoveQueued handles DELETE /api/sync/queue/{id}
func (h *SyncHandler) RemoveQueued(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.RemoveQueuedOperation(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearQueue handles DELETE /api/sync/queue
func (h *SyncHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.ClearQueue(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Conflicts
// =====================================================

// ListConflicts handles GET /api/sync/conflicts
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.coordinator.ListConflicts(r.Context(), h.userID())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*models.ConflictRecord, len(conflicts))
	for i, c := range conflicts {
		out[i] = h.coordinator.RedactConflict(c)
	}
	writeJSON(w, http.StatusOK, out)
}

// ResolveConflict handles POST /api/sync/conflicts/{entity}/{id}/resolve
// Body: {"resolution": "keep_local" | "keep_remote"}.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Resolution models.Resolution `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.coordinator.ResolveConflict(r.Context(), r.PathValue("entity"), r.PathValue("id"), request.Resolution)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "resolved"})
}
