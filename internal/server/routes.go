package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Analyses
	mux.HandleFunc("/api/analyses", s.app.AnalysisHandler.SubmitHandler)   // POST - queue an analysis
	mux.HandleFunc("/api/analyses/", s.app.AnalysisHandler.GetTaskHandler) // GET /{taskID}

	// API routes - Artifacts
	mux.HandleFunc("/api/artifacts/correlations", s.app.ArtifactHandler.ListCorrelationsHandler) // GET - list, newest first
	mux.HandleFunc("/api/artifacts/correlations/", s.app.ArtifactHandler.GetCorrelationHandler)  // GET /{parentLogID}
	mux.HandleFunc("/api/artifacts/views/", s.app.ArtifactHandler.GetUnifiedViewHandler)         // GET /{parentLogID}

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler) // Graceful shutdown endpoint (dev mode)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}
