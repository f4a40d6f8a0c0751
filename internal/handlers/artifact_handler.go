package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conexus/internal/connectors/salesforce"
	"github.com/ternarybob/conexus/internal/interfaces"
)

// ArtifactHandler serves persisted correlation and unified-view
// artifacts. Artifacts are already redacted when stored, so they go out
// as-is.
type ArtifactHandler struct {
	storage interfaces.ArtifactStorage
	logger  arbor.ILogger
}

// NewArtifactHandler creates a new artifact handler.
func NewArtifactHandler(storage interfaces.ArtifactStorage, logger arbor.ILogger) *ArtifactHandler {
	return &ArtifactHandler{
		storage: storage,
		logger:  logger,
	}
}

// ListCorrelationsHandler returns stored correlation artifacts, newest first.
// GET /api/artifacts/correlations?limit=20
func (h *ArtifactHandler) ListCorrelationsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := QueryInt(r, "limit", 20)
	artifacts, err := h.storage.ListCorrelations(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list correlation artifacts")
		WriteError(w, http.StatusInternalServerError, "Failed to list correlation artifacts")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"correlations": artifacts,
		"count":        len(artifacts),
	})
}

// GetCorrelationHandler returns the correlation artifact for one parent log.
// GET /api/artifacts/correlations/{parentLogID}
func (h *ArtifactHandler) GetCorrelationHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	parentLogID, ok := pathID(w, r, "/api/artifacts/correlations/")
	if !ok {
		return
	}

	artifact, err := h.storage.GetCorrelation(r.Context(), parentLogID)
	if err != nil {
		h.logger.Error().Err(err).Str("parent_log_id", parentLogID).Msg("Failed to load correlation artifact")
		WriteError(w, http.StatusInternalServerError, "Failed to load correlation artifact")
		return
	}
	if artifact == nil {
		WriteError(w, http.StatusNotFound, "No correlation artifact for that log")
		return
	}

	WriteJSON(w, http.StatusOK, artifact)
}

// GetUnifiedViewHandler returns the unified-view artifact for one parent log.
// GET /api/artifacts/views/{parentLogID}
func (h *ArtifactHandler) GetUnifiedViewHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	parentLogID, ok := pathID(w, r, "/api/artifacts/views/")
	if !ok {
		return
	}

	artifact, err := h.storage.GetUnifiedView(r.Context(), parentLogID)
	if err != nil {
		h.logger.Error().Err(err).Str("parent_log_id", parentLogID).Msg("Failed to load unified view artifact")
		WriteError(w, http.StatusInternalServerError, "Failed to load unified view artifact")
		return
	}
	if artifact == nil {
		WriteError(w, http.StatusNotFound, "No unified view artifact for that log")
		return
	}

	WriteJSON(w, http.StatusOK, artifact)
}

// pathID extracts and validates the log id path segment after prefix.
func pathID(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	id := strings.TrimPrefix(r.URL.Path, prefix)
	if !salesforce.ValidateID(id) {
		WriteError(w, http.StatusBadRequest, "A 15 or 18 character log id is required")
		return "", false
	}
	return id, true
}
