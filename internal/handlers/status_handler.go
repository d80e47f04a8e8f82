package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/common"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/services/portal"
	"github.com/ternarybob/dunner/internal/services/progress"
)

// PoolStatsProvider reports browser pool occupancy
type PoolStatsProvider interface {
	GetPoolStats() portal.PoolStats
}

// StatusHandler handles HTTP requests for application status
type StatusHandler struct {
	pool         PoolStatsProvider
	hub          *progress.Hub
	batchService interfaces.BatchService
	logger       arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(pool PoolStatsProvider, hub *progress.Hub, batchService interfaces.BatchService, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		pool:         pool,
		hub:          hub,
		batchService: batchService,
		logger:       logger,
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	status := map[string]interface{}{
		"version":          common.GetVersion(),
		"browser_pool":     h.pool.GetPoolStats(),
		"progress_dropped": h.hub.Dropped(),
	}

	queues, err := h.batchService.Status(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to read queue status")
	} else {
		status["queues"] = queues
	}

	WriteJSON(w, http.StatusOK, status)
}
