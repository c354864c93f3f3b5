// Package api exposes the operator HTTP surface: health, Prometheus metrics,
// the pipeline status rollup, and episode read endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/config"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/metrics"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/status"
)

// Deps are the collaborators the server wires into handlers.
type Deps struct {
	Store  EpisodeStore
	Status *status.Aggregator
	DB     Pinger
	Redis  Pinger
}

// Server wraps the HTTP listener.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// NewServer builds the router and the listener. Version appears in the health
// response.
func NewServer(cfg *config.Config, deps Deps, version string, log zerolog.Logger) *Server {
	log = log.With().Str("component", "api").Logger()

	r := chi.NewRouter()
	r.Use(metrics.InstrumentHandler)
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recoverer)

	health := NewHealthHandler(deps.DB, deps.Redis, version, time.Now())
	r.Method(http.MethodGet, "/api/v1/health", health)
	r.Handle("/metrics", promhttp.Handler())

	episodes := NewEpisodesHandler(deps.Store)
	pipeline := NewPipelineHandler(deps.Status)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))

		r.Get("/api/v1/pipeline/status", pipeline.Status)
		r.Get("/api/v1/episodes", episodes.List)
		r.Get("/api/v1/episodes/{id}", episodes.Get)
		r.Get("/api/v1/episodes/{id}/summary", episodes.GetSummary)
		r.Post("/api/v1/episodes/seen", episodes.MarkSeen)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
