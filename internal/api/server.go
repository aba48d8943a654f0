package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/agentstream/internal/hub"
	"github.com/mattjoyce/agentstream/internal/pipeline"
	"github.com/mattjoyce/agentstream/internal/scheduler"
	"github.com/mattjoyce/agentstream/internal/store"
)

// Processor runs pipeline requests.
type Processor interface {
	HandleInbound(ctx context.Context, req pipeline.InboundRequest)
	HandleTrigger(ctx context.Context, trig pipeline.Trigger) error
}

// JobScheduler manages delayed jobs.
type JobScheduler interface {
	Schedule(id string, delay time.Duration, p scheduler.Payload) error
	Cancel(id string) bool
	Pending() int
}

// RunReader exposes the run ledger.
type RunReader interface {
	Run(ctx context.Context, runID string) (*store.Run, []*store.Step, error)
	Recent(ctx context.Context, limit int) ([]*store.Run, error)
}

// Config holds API server configuration.
type Config struct {
	Listen         string
	Token          string
	AllowedOrigins []string
	OutboxSize     int
	WriteTimeout   time.Duration
	// MaxMessageBytes caps one inbound WebSocket message. Zero selects 4 MiB.
	MaxMessageBytes int64
	AgentName       string
	// ShutdownGrace bounds how long Start waits for in-flight runs.
	ShutdownGrace time.Duration
}

// Server serves the WebSocket endpoint and the HTTP API.
type Server struct {
	config    Config
	registry  *hub.Registry
	processor Processor
	jobs      JobScheduler
	runs      RunReader
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	// Runs outlive the connection that requested them and are cancelled
	// only when the server shuts down.
	runCtx    context.Context
	cancelRun context.CancelFunc
	inflight  sync.WaitGroup
}

// New creates a new API server instance. runs may be nil when no ledger is configured.
func New(config Config, registry *hub.Registry, processor Processor, jobs JobScheduler, runs RunReader, logger *slog.Logger) *Server {
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 10 * time.Second
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = defaultMaxMessageBytes
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		registry:  registry,
		processor: processor,
		jobs:      jobs,
		runs:      runs,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// WebSocket connections and synchronous triggers are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.Token != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		return s.shutdown(ctx.Err())
	case err := <-errCh:
		s.cancelRun()
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) shutdown(cause error) error {
	s.registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.cancelRun()
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if !s.waitInflight(s.config.ShutdownGrace) {
		s.logger.Warn("cancelling in-flight runs after grace period", "grace", s.config.ShutdownGrace)
	}
	s.cancelRun()
	return cause
}

// waitInflight waits for dispatched runs and reports whether they all
// finished within d.
func (s *Server) waitInflight(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		if s.config.Token != "" {
			r.Use(s.wsAuth)
		}
		r.Get("/ws", s.handleWS)
	})

	r.Route("/api", func(r chi.Router) {
		if s.config.Token != "" {
			r.Use(s.bearerAuth)
		}
		r.Post("/external", s.handleExternal)
		r.Post("/schedule", s.handleSchedule)
		r.Get("/status", s.handleStatus)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{run_id}", s.handleGetRun)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
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
