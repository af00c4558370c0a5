package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth())
	if s.deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/events", s.handleEvents())

		api.Route("/connections", func(c chi.Router) {
			c.Get("/", s.handleListConnections())
			c.Post("/", s.handleCreateConnection())
			c.Route("/{id}", func(one chi.Router) {
				one.Get("/", s.handleGetConnection())
				one.Put("/", s.handleUpdateConnection())
				one.Delete("/", s.handleDeleteConnection())
				one.Post("/open", s.handleOpenConnection())
				one.Post("/close", s.handleCloseConnection())
				one.Post("/test", s.handleTestConnection())
				one.Get("/schema", s.handleSchema(false))
				one.Post("/schema", s.handleSchema(true))
			})
		})

		api.Route("/executions", func(x chi.Router) {
			x.Get("/", s.handleListExecutions())
			x.Post("/", s.handleSubmit(false))
			x.Post("/explain", s.handleSubmit(true))
			x.Get("/{id}", s.handleExecutionStatus())
			x.Delete("/{id}", s.handleCancel())
			x.Get("/{id}/pages/{index}", s.handlePage())
		})

		api.Get("/history", s.handleHistory())
		api.Get("/history/{id}", s.handleHistoryEntry())

		api.Get("/sessions", s.handleListSessions())
		api.Put("/sessions/{id}", s.handleSaveSession())
		api.Delete("/sessions/{id}", s.handleDeleteSession())
	})

	s.router = r
}

// handleHealth returns a liveness probe handler.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": len(s.deps.Conns.Handles()),
			"time":        time.Now().UTC(),
		})
	}
}
