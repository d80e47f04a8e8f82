package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/models"
	"github.com/ternarybob/dunner/internal/services/batch"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ProcessRequest is the batch trigger body
type ProcessRequest struct {
	Filename         string `json:"filename" validate:"required,max=255"`
	Message          string `json:"message" validate:"max=4096"`
	ExpirationOption *int   `json:"expiration_option" validate:"required,oneof=0 1"`
	Mode             string `json:"mode" validate:"omitempty,oneof=direct queued"`
}

// ProcessHandler triggers batches and reports queue status
type ProcessHandler struct {
	batchService interfaces.BatchService
	reportName   string
	reportSheet  string
	logger       arbor.ILogger
}

func NewProcessHandler(batchService interfaces.BatchService, reportName, reportSheet string, logger arbor.ILogger) *ProcessHandler {
	return &ProcessHandler{
		batchService: batchService,
		reportName:   reportName,
		reportSheet:  reportSheet,
		logger:       logger,
	}
}

// ProcessHandler runs a batch for the caller's tenant and answers with the
// spreadsheet of clients left without a document, or a JSON summary when
// every client got one
func (h *ProcessHandler) ProcessHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	tenantID, ok := RequireTenant(w, r)
	if !ok {
		return
	}

	var req ProcessRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	report, err := h.batchService.Run(r.Context(), models.BatchRequest{
		TenantID:    tenantID,
		Filename:    req.Filename,
		Message:     req.Message,
		TermsOption: models.TermsOption(*req.ExpirationOption),
		Mode:        models.BatchMode(req.Mode),
	})
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Str("filename", req.Filename).Msg("Batch failed")
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, models.ErrFileNotFound):
			status = http.StatusNotFound
		case errors.Is(err, models.ErrInvalidBatchRequest):
			status = http.StatusBadRequest
		}
		WriteError(w, status, fmt.Sprintf("Failed to process %s: %v", req.Filename, err))
		return
	}

	if !report.HasNoDebtClients() {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "success",
			"message": "All clients processed",
			"report":  report,
		})
		return
	}

	data, err := batch.WriteReport(h.reportSheet, report.Header, report.NoDebtRows)
	if err != nil {
		h.logger.Error().Err(err).Str("batch_id", report.Record.ID).Msg("Failed to render report")
		WriteError(w, http.StatusInternalServerError, "Batch finished but the report could not be generated")
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", h.reportName))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Batch-ID", report.Record.ID)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// StatusHandler returns job counts of the retrieval and delivery queues
func (h *ProcessHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	status, err := h.batchService.Status(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read queue status")
		WriteError(w, http.StatusInternalServerError, "Failed to read queue status")
		return
	}
	WriteJSON(w, http.StatusOK, status)
}
