package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Query engine
	mux.HandleFunc("/query", s.app.QueryHandler.Submit)
	mux.HandleFunc("/config", s.app.QueryHandler.Refresh)

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.Handle)

	// Stored message replay
	mux.HandleFunc("/messages/", s.app.MessageHandler.Replay)

	// Exports
	mux.HandleFunc("/export", s.app.ExportHandler.Trigger)
	mux.HandleFunc("/exports", s.app.ExportHandler.List)
	mux.HandleFunc("/exports/", s.handleExportRoutes)

	// System
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/status", s.app.StatusHandler.Status)
	mux.Handle("/metrics", s.app.Metrics.Handler())

	// Catch-all for unmatched routes
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			s.app.APIHandler.NotFoundHandler(w, r)
			return
		}
		s.app.APIHandler.HealthHandler(w, r)
	})

	return mux
}

// handleExportRoutes routes /exports/{id}/download.
func (s *Server) handleExportRoutes(w http.ResponseWriter, r *http.Request) {
	matched := RouteByPathSuffix(w, r, "/exports/", []PathSuffixRouter{
		{Suffix: "/download", Handler: s.app.ExportHandler.Download},
	})
	if !matched {
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}
