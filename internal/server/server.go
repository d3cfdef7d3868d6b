// Package server exposes the event intake endpoint and the admin read
// surface. All admin figures are read-only derivatives of durable session and
// outbox state; the handlers never mutate the store directly.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/snare/internal/config"
	"github.com/dativo-io/snare/internal/engage"
	"github.com/dativo-io/snare/internal/otel"
	"github.com/dativo-io/snare/internal/slo"
	"github.com/dativo-io/snare/internal/store"
)

const defaultTimeout = 30 * time.Second

// Server holds all dependencies for the HTTP surface.
type Server struct {
	router    *chi.Mux
	orch      *engage.Orchestrator
	store     *store.Store
	agg       *slo.Aggregator
	apiKeys   map[string]string // key -> operator name
	rateRPS   float64
	rateBurst int
	startTime time.Time
}

// NewServer builds a Server. apiKeys maps API key to operator name; an empty
// map disables every authenticated route.
func NewServer(orch *engage.Orchestrator, st *store.Store, agg *slo.Aggregator, cfg *config.Config, apiKeys map[string]string) *Server {
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	return &Server{
		router:    chi.NewRouter(),
		orch:      orch,
		store:     st,
		agg:       agg,
		apiKeys:   apiKeys,
		rateRPS:   cfg.RateLimitRPS,
		rateBurst: cfg.RateLimitBurst,
		startTime: time.Now(),
	}
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())

	// Unauthenticated
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.rateRPS, s.rateBurst))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/events", s.handleEvent)

		r.Get("/admin/session/{id}", s.handleSessionSnapshot)
		r.Get("/admin/session/{id}/timeline", s.handleSessionTimeline)
		r.Get("/admin/callbacks", s.handleCallbacks)
		r.Get("/admin/slo", s.handleSLO)
		r.Post("/admin/session/{id}/finalize", s.handleForceFinalize)
		r.Post("/admin/session/{id}/close", s.handleForceClose)
	})

	return r
}
