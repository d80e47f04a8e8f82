package handlers

import (
	"net/http"

	"github.com/ternarybob/dunner/internal/services/scheduler"
)

// SchedulerHandler handles scheduler-related endpoints
type SchedulerHandler struct {
	schedulerService *scheduler.Service
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(schedulerService *scheduler.Service) *SchedulerHandler {
	return &SchedulerHandler{
		schedulerService: schedulerService,
	}
}

// JobsHandler lists the housekeeping jobs and their last run
func (h *SchedulerHandler) JobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": h.schedulerService.GetJobStatuses(),
	})
}

// TriggerCleanupHandler runs the file cleanup job now
func (h *SchedulerHandler) TriggerCleanupHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	if err := h.schedulerService.TriggerJob(scheduler.CleanupJobName); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteSuccess(w, "Cleanup completed")
}
