package api

import (
	"context"
	"net/http"
	"time"
)

// Server represents the export API server.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer creates a new API server around the configured routes.
func NewServer(h *Handlers, hc *HealthChecker) *Server {
	return &Server{handler: SetupRoutes(h, hc)}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Write timeout is generous: downloads of large artifacts stream
		// for a while. Individual endpoints stay snappy via registry reads.
		ReadTimeout:       1 * time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
