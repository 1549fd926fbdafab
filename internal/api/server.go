package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"transactgw/internal/auth"
	"transactgw/internal/events"
	"transactgw/internal/otp"
	"transactgw/internal/state"
	"transactgw/internal/workflow"
)

// FlowManager defines the workflow operations the API exposes.
type FlowManager interface {
	StartContractSigning(ctx context.Context, params map[string]any) (*workflow.Session, error)
	StartTransfer(ctx context.Context, params map[string]any) (*workflow.Session, error)
	SubmitCode(ctx context.Context, sessionID, code string) (*otp.Result, error)
	ResendCode(ctx context.Context, sessionID string) error
	Get(sessionID string) (*workflow.Session, bool)
	List() []workflow.View
	CloseSession(ctx context.Context, sessionID string) error
}

// SessionArchive defines access to persisted session snapshots and the
// transfer audit trail. Snapshots outlive the in-memory session registry.
type SessionArchive interface {
	Snapshot(ctx context.Context, sessionID string) (json.RawMessage, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ListTransfers(ctx context.Context, sessionID string) ([]state.TransferRecord, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the single admin bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	flows     FlowManager
	archive   SessionArchive
	hub       *events.Hub
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. metricsHandler may be nil.
func New(config Config, flows FlowManager, archive SessionArchive, hub *events.Hub, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		flows:     flows,
		archive:   archive,
		hub:       hub,
		metrics:   metricsHandler,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // SSE clients hold the connection open
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

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.ServeHTTP)
	}

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes("flows:rw")).Post("/v1/contracts", s.handleStartContract)
		r.With(s.requireScopes("flows:rw")).Post("/v1/transfers", s.handleStartTransfer)
		r.With(s.requireScopes("sessions:ro")).Get("/v1/sessions", s.handleListSessions)
		r.With(s.requireScopes("sessions:ro")).Get("/v1/sessions/{sessionID}", s.handleGetSession)
		r.With(s.requireScopes("sessions:ro")).Get("/v1/sessions/{sessionID}/artifacts", s.handleListArtifacts)
		r.With(s.requireScopes("sessions:ro")).Get("/v1/sessions/{sessionID}/transfers", s.handleListTransfers)
		r.With(s.requireScopes("flows:rw")).Post("/v1/sessions/{sessionID}/verify", s.handleVerify)
		r.With(s.requireScopes("flows:rw")).Post("/v1/sessions/{sessionID}/resend", s.handleResend)
		r.With(s.requireScopes("flows:rw")).Delete("/v1/sessions/{sessionID}", s.handleCloseSession)
		r.With(s.requireScopes("events:ro")).Get("/events", s.handleEvents)
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
