// Package server exposes the runtime over HTTP: chat turns as NDJSON
// streams, session CRUD, permission decisions, tool server management,
// and an SSE event feed.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/history"
	"github.com/parley-ai/parley/pkg/observability"
	"github.com/parley-ai/parley/pkg/permission"
	"github.com/parley-ai/parley/pkg/session"
	"github.com/parley-ai/parley/pkg/stream"
	"github.com/parley-ai/parley/pkg/tools"
	"github.com/parley-ai/parley/pkg/version"
)

// Server is the HTTP front of the runtime.
type Server struct {
	cfg      *config.ServerConfig
	sessions *session.Manager
	agents   *agent.Manager
	consent  *permission.Coordinator
	events   *stream.Coordinator
	registry *tools.Registry
	adapter  *tools.Adapter
	hist     history.Store
	metrics  *observability.Metrics

	httpServer *http.Server
	logger     *slog.Logger
}

// New assembles the server around the already-wired runtime components.
// metrics may be nil; the /metrics route is mounted only when present.
func New(
	cfg *config.ServerConfig,
	sessions *session.Manager,
	agents *agent.Manager,
	consent *permission.Coordinator,
	events *stream.Coordinator,
	registry *tools.Registry,
	adapter *tools.Adapter,
	hist history.Store,
	metrics *observability.Metrics,
) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		agents:   agents,
		consent:  consent,
		events:   events,
		registry: registry,
		adapter:  adapter,
		hist:     hist,
		metrics:  metrics,
		logger:   slog.Default().With("component", "server"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route tree. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/chat", s.handleChat)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Patch("/{sessionID}/context", s.handleUpdateContext)
			r.Delete("/{sessionID}", s.handleDeleteSession)
			r.Get("/{sessionID}/history", s.handleHistory)
			r.Get("/{sessionID}/events", s.handleEvents)
			r.Get("/{sessionID}/permissions", s.handlePendingPermissions)
		})

		r.Get("/search", s.handleSearch)

		r.Post("/permissions/{requestID}/decision", s.handleDecision)

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", s.handleListTools)
			r.Post("/execute", s.handleExecuteTool)
			r.Get("/servers", s.handleListServers)
			r.Post("/servers", s.handleRegisterServer)
			r.Delete("/servers/{serverID}", s.handleUnregisterServer)
		})
	})

	return r
}

// Start runs the listener until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", "address", s.cfg.Address(), "version", version.Version)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}
