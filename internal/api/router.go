package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/recall/internal/memory"
)

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(
	svc *memory.Service,
	embedder HealthChecker,
	apiKey string,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (runs on ALL routes including /health)
	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	// Handlers
	healthH := NewHealthHandler(svc, embedder)
	fragmentH := NewFragmentHandler(svc)
	sessionH := NewSessionHandler(svc, logger)

	// Unauthenticated routes
	r.Get("/health", healthH.Health)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiKey))

		r.Get("/stats", healthH.Stats)
		r.Post("/search", fragmentH.Search)
		r.Post("/archive", sessionH.Archive)
		r.Post("/restore", sessionH.Restore)

		r.Route("/fragments", func(r chi.Router) {
			r.Post("/", fragmentH.Store)
			r.Get("/{id}", fragmentH.Get)
			r.Patch("/{id}", fragmentH.Update)
			r.Delete("/{id}", fragmentH.Delete)
		})

		r.Delete("/projects/{project}/fragments", fragmentH.DeleteProject)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessionH.List)
			r.Get("/{id}/summary", sessionH.Summary)
		})
	})

	return r
}
