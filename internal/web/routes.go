package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/kozaktomas/face-grouper/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	backend := database.BackendName()
	if backend == "" {
		backend = s.config.Store.Backend
	}

	// Create handlers
	statsHandler := handlers.NewStatsHandler(s.service, backend)
	clustersHandler := handlers.NewClustersHandler(s.service, statsHandler.InvalidateCache)

	// Health check (no dependency checks)
	s.router.Get("/health", handlers.HealthCheck)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		// Assignment
		r.Post("/cluster/add", clustersHandler.Add)

		// Inspection
		r.Get("/clusters", clustersHandler.List)
		r.Post("/clusters/probe", clustersHandler.Probe)
		r.Get("/clusters/{id}", clustersHandler.Get)

		// Stats
		r.Get("/stats", statsHandler.Get)
	})

	// Unprefixed paths kept for clients of the earlier API
	s.router.Post("/cluster/add", clustersHandler.Add)
	s.router.Get("/clusters", clustersHandler.List)
}
