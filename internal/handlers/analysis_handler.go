package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conexus/internal/connectors/salesforce"
	"github.com/ternarybob/conexus/internal/models"
	"github.com/ternarybob/conexus/internal/worker"
)

// AnalysisHandler handles analysis submission and task status requests.
type AnalysisHandler struct {
	pool   *worker.Pool // Nil when no platform credentials are configured
	logger arbor.ILogger
}

// NewAnalysisHandler creates a new analysis handler.
func NewAnalysisHandler(pool *worker.Pool, logger arbor.ILogger) *AnalysisHandler {
	return &AnalysisHandler{
		pool:   pool,
		logger: logger,
	}
}

// analyzeRequest is the POST /api/analyses body.
type analyzeRequest struct {
	ParentLogID string                `json:"parent_log_id"`
	Options     models.AnalyzeOptions `json:"options"`
}

// SubmitHandler queues an analysis of one parent log.
// POST /api/analyses
func (h *AnalysisHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	if h.pool == nil {
		WriteError(w, http.StatusServiceUnavailable, "Platform credentials are not configured; analysis is disabled")
		return
	}

	var req analyzeRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !salesforce.ValidateID(req.ParentLogID) {
		WriteError(w, http.StatusBadRequest, "parent_log_id must be a 15 or 18 character log id")
		return
	}

	taskID, err := h.pool.Submit(req.ParentLogID, req.Options)
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	h.logger.Info().
		Str("task_id", taskID).
		Str("parent_log_id", req.ParentLogID).
		Msg("Analysis queued")

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  string(worker.TaskPending),
	})
}

// GetTaskHandler returns the pool's record of a queued analysis,
// including its result once completed.
// GET /api/analyses/{taskID}
func (h *AnalysisHandler) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	if h.pool == nil {
		WriteError(w, http.StatusServiceUnavailable, "Platform credentials are not configured; analysis is disabled")
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/analyses/")
	if taskID == "" || strings.Contains(taskID, "/") {
		WriteError(w, http.StatusBadRequest, "Task id is required")
		return
	}

	result, ok := h.pool.Status(taskID)
	if !ok {
		WriteError(w, http.StatusNotFound, "Unknown task id")
		return
	}

	WriteJSON(w, http.StatusOK, result)
}
