package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/controlmyspa-bridge/internal/panel"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.middlewares()...)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Get("/spa", s.handleGetSpa)
		r.Post("/spa/refresh", s.handleRefresh)

		r.Route("/entities", func(r chi.Router) {
			r.Get("/", s.handleListEntities)
			r.Put("/{slug}", s.handleCommand)
			r.Put("/{slug}/{port}", s.handleCommand)
		})
	})

	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = "/api/v1/ws"
	}
	r.Get(wsPath, s.handleWebSocket)

	r.Handle("/*", panel.Handler(s.cfg.DashboardDir))

	return r
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

// handleHealth returns the bridge health. Degraded still answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, reason := s.bridge.Health()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  string(status),
		Version: s.version,
		Reason:  reason,
	})
}
