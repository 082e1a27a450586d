package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/bounceback/backend/internal/engine"
	"github.com/kimhsiao/bounceback/backend/internal/models"
)

// RecordService is the app-side record API. engine.Records implements it.
type RecordService interface {
	Get(ctx context.Context, entityType, id string) (*models.Record, error)
	Put(ctx context.Context, entityType, id string, fields map[string]interface{}) (*engine.WriteResult, error)
	Delete(ctx context.Context, entityType, id string) (*engine.WriteResult, error)
}

// RecordHandler handles app-side record reads and writes.
type RecordHandler struct {
	records RecordService
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(records RecordService) *RecordHandler {
	return &RecordHandler{records: records}
}

// Register adds the record routes to mux.
func (h *RecordHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/records/{entity}/{id}", h.GetRecord)
	mux.HandleFunc("PUT /api/records/{entity}/{id}", h.PutRecord)
	mux.HandleFunc("DELETE /api/records/{entity}/{id}", h.DeleteRecord)
}

// GetRecord handles GET /api/records/{entity}/{id}
func (h *RecordHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.Get(r.Context(), r.PathValue("entity"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PutRecord handles PUT /api/records/{entity}/{id}
// Body: the record's fields. Creates the record when it does not exist.
func (h *RecordHandler) PutRecord(w http.ResponseWriter, r *http.Request) {
	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	result, err := h.records.Put(r.Context(), r.PathValue("entity"), r.PathValue("id"), fields)
	writeWrite(w, result, err)
}

// DeleteRecord handles DELETE /api/records/{entity}/{id}
func (h *RecordHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	result, err := h.records.Delete(r.Context(), r.PathValue("entity"), r.PathValue("id"))
	writeWrite(w, result, err)
}

// writeWrite answers 200 for an applied write and 202 for a queued one.
func writeWrite(w http.ResponseWriter, result *engine.WriteResult, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}
