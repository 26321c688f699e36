// Package server exposes pipeline runs over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/crafter-station/scrapi/internal/config"
	"github.com/crafter-station/scrapi/internal/db"
	"github.com/crafter-station/scrapi/internal/pipeline"
)

// Runner executes one pipeline run.
type Runner interface {
	Execute(ctx context.Context, req pipeline.Request) (*pipeline.Run, error)
}

// Server is the HTTP API.
type Server struct {
	Router *chi.Mux

	port   int
	runner Runner
	store  *pipeline.Store
	db     *db.DB
	logger *slog.Logger
	slots  chan struct{}

	// pollInterval is how often event streams re-read the run.
	pollInterval time.Duration
}

// New creates a Server. store and database may be nil.
func New(cfg config.ServerConfig, runner Runner, store *pipeline.Store, database *db.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	slots := cfg.MaxConcurrentRuns
	if slots <= 0 {
		slots = 1
	}
	s := &Server{
		Router:       chi.NewRouter(),
		port:         cfg.Port,
		runner:       runner,
		store:        store,
		db:           database,
		logger:       logger,
		slots:        make(chan struct{}, slots),
		pollInterval: time.Second,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.Router
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "scrapi")
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/schema", s.handleSchema)
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/events", s.handleRunEvents)
		r.Get("/stats", s.handleStats)
	})
}

// Start listens until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
