package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the export API routes.
func SetupRoutes(h *Handlers, hc *HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Range", "Accept-Encoding"},
		ExposedHeaders: []string{"Content-Range", "Content-Disposition", "Accept-Ranges"},
		MaxAge:         300,
	}))

	// Health check (no auth required)
	r.Get("/health", hc.HandleHealth)

	r.Route("/exports", func(r chi.Router) {
		r.Post("/csv", h.HandleInitiateExport)
		r.Get("/", h.HandleListExports)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/status", h.HandleExportStatus)
			r.Get("/download", h.HandleDownloadExport)
			r.Delete("/", h.HandleCancelExport)
		})
	})

	return r
}
