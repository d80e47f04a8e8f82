package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/storage/badger"
)

// BatchHandler serves the tenant's batch history
type BatchHandler struct {
	batchStorage interfaces.BatchStorage
	logger       arbor.ILogger
}

func NewBatchHandler(batchStorage interfaces.BatchStorage, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{
		batchStorage: batchStorage,
		logger:       logger,
	}
}

// ListHandler returns the most recent batches, newest first
func (h *BatchHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	tenantID, ok := RequireTenant(w, r)
	if !ok {
		return
	}

	batches, err := h.batchStorage.ListBatches(r.Context(), tenantID, GetLimitParam(r, 20, 200))
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to list batches")
		WriteError(w, http.StatusInternalServerError, "Failed to list batches")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}

// GetHandler returns one batch of the caller's tenant: GET /api/batches/{id}
func (h *BatchHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	tenantID, ok := RequireTenant(w, r)
	if !ok {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/batches/")
	if id == "" || strings.Contains(id, "/") {
		WriteError(w, http.StatusBadRequest, "Batch id is required")
		return
	}

	record, err := h.batchStorage.GetBatch(r.Context(), id)
	if errors.Is(err, badger.ErrBatchNotFound) || (err == nil && record.TenantID != tenantID) {
		WriteError(w, http.StatusNotFound, "Batch not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("batch_id", id).Msg("Failed to get batch")
		WriteError(w, http.StatusInternalServerError, "Failed to get batch")
		return
	}
	WriteJSON(w, http.StatusOK, record)
}
