package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/conductor/internal/auth"
	"github.com/mattjoyce/conductor/internal/dispatch"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/pool"
	"github.com/mattjoyce/conductor/internal/unit"
)

// Units is the orchestrator surface the API drives.
type Units interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (string, error)
	Status(ctx context.Context, id string) (dispatch.StatusView, error)
	Cancel(ctx context.Context, id string) error
	SetWorkerStatus(workerID string, s pool.Status) (pool.Worker, error)
	Snapshot() metrics.Snapshot
}

// EventSource feeds the SSE stream.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// Workers is the configured pool size per capability, reported by
	// GET /v1/capabilities and the OpenAPI document.
	Workers map[unit.Capability]int
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	units     Units
	events    EventSource
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. A nil gatherer disables /metrics.
func New(config Config, units Units, events EventSource, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		units:     units,
		events:    events,
		gatherer:  gatherer,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// SSE streams stay open, so there is no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeUnitsRW)).Post("/v1/units", s.handleSubmit)
		r.With(s.requireScopes(auth.ScopeUnitsRO)).Get("/v1/units/{unitID}", s.handleGetUnit)
		r.With(s.requireScopes(auth.ScopeUnitsRW)).Delete("/v1/units/{unitID}", s.handleCancel)
		r.With(s.requireScopes(auth.ScopeUnitsRO)).Get("/v1/capabilities", s.handleCapabilities)
		r.With(s.requireScopes(auth.ScopeUnitsRO)).Get("/v1/workers", s.handleWorkers)
		r.With(s.requireScopes(auth.ScopeUnitsRW)).Put("/v1/workers/{workerID}/status", s.handleSetWorkerStatus)
		r.With(s.requireScopes(auth.ScopeUnitsRO)).Get("/openapi.json", s.handleOpenAPI)
		r.With(s.requireScopes(auth.ScopeStatsRO)).Get("/v1/snapshot", s.handleSnapshot)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/v1/events", s.handleEvents)
		if s.gatherer != nil {
			r.With(s.requireScopes(auth.ScopeStatsRO)).Method(http.MethodGet, "/metrics",
				promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
