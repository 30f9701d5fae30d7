package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/espk-bridge/internal/auth"
	"github.com/mattjoyce/espk-bridge/internal/events"
	"github.com/mattjoyce/espk-bridge/internal/journal"
	"github.com/mattjoyce/espk-bridge/internal/manager"
	"github.com/mattjoyce/espk-bridge/internal/protocol"
	"github.com/mattjoyce/espk-bridge/internal/registry"
	"github.com/mattjoyce/espk-bridge/internal/serialport"
)

// Link is the part of the manager the API drives.
type Link interface {
	Ports() ([]serialport.PortInfo, error)
	Connect(port string, baud int) error
	Disconnect()
	Status() manager.Status
	Snapshot() registry.Snapshot
	Target(id int) (protocol.Target, bool)
}

// Publisher puts override requests on the bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// OverrideLog reads the override journal.
type OverrideLog interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// EventSource is the read side of the event hub.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens        []auth.TokenConfig
	SubjectPrefix string
	DefaultBaud   int
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	keys      *auth.Keyring
	link      Link
	bus       Publisher
	journal   OverrideLog
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. journal may be nil when the
// journal is disabled.
func New(config Config, link Link, bus Publisher, journal OverrideLog, events EventSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		keys:      auth.NewKeyring(config.APIKey, config.Tokens),
		link:      link,
		bus:       bus,
		journal:   journal,
		events:    events,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// SSE streams stay open; WriteTimeout would cut them.
		IdleTimeout: 60 * time.Second,
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

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeLinkRead)).Get("/ports", s.handlePorts)
		r.With(s.requireScopes(auth.ScopeLinkRead)).Get("/link", s.handleLink)
		r.With(s.requireScopes(auth.ScopeLinkWrite)).Post("/link/connect", s.handleConnect)
		r.With(s.requireScopes(auth.ScopeLinkWrite)).Post("/link/disconnect", s.handleDisconnect)

		r.With(s.requireScopes(auth.ScopeTargetsRead)).Get("/targets", s.handleTargets)
		r.With(s.requireScopes(auth.ScopeTargetsRead)).Get("/targets/{id}", s.handleTarget)
		r.With(s.requireScopes(auth.ScopeOverride)).Post("/targets/{id}/override", s.handleOverride)
		r.With(s.requireScopes(auth.ScopeOverrideRead)).Get("/overrides", s.handleOverrides)

		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.keys.Request(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// requireScopes admits the request when the principal holds any of the
// scopes. "*" always passes.
func (s *Server) requireScopes(scopes ...auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !p.Can(scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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
