// Package server exposes the tool gateways and the chat completions proxy
// over HTTP.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/odvcencio/listopia/pkg/logging"
	"github.com/odvcencio/listopia/pkg/mcp"
	"github.com/odvcencio/listopia/pkg/orchestrator"
	"github.com/odvcencio/listopia/pkg/storage"
)

// maxChatBody bounds a chat completions request body.
const maxChatBody = 8 << 20

// Config controls the listener and route layout.
type Config struct {
	Bind            string
	RoutePrefix     string
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// ChatRunner prepares and executes chat turns.
type ChatRunner interface {
	Prepare(ctx context.Context, header http.Header, body []byte) (*orchestrator.Turn, error)
	Execute(ctx context.Context, w http.ResponseWriter, turn *orchestrator.Turn) (*orchestrator.Outcome, error)
}

// SummaryStore backs the session summary endpoints.
type SummaryStore interface {
	ListSummaries(ctx context.Context, sessionID string) ([]storage.Summary, error)
	DeleteSummaries(ctx context.Context, sessionID string) error
}

// Deps are the handlers' collaborators. A nil Chat answers 503 on the
// completions routes; a nil Aggregate leaves the aggregate route unmounted.
type Deps struct {
	Gateways  []*mcp.Gateway
	Aggregate *mcp.Gateway
	Chat      ChatRunner
	Summaries SummaryStore
	// Ready is consulted by /healthz.
	Ready  func(ctx context.Context) error
	Logger *logging.Logger
}

// Server is the gateway's HTTP front end.
type Server struct {
	cfg    Config
	deps   Deps
	log    *logging.Logger
	router *chi.Mux

	httpServer *http.Server
}

// New builds the router. Routes are fixed at construction.
func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	cfg.RoutePrefix = strings.TrimRight(cfg.RoutePrefix, "/")
	s := &Server{cfg: cfg, deps: deps, log: deps.Logger.Component("server")}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/ping", s.handlePing)
	router.Handle("/metrics", promhttp.Handler())
	if s.cfg.RoutePrefix != "/v1" {
		router.Post("/v1/chat/completions", s.handleChatCompletions)
	}

	mount := func(r chi.Router) {
		for _, gw := range s.deps.Gateways {
			r.Handle("/mcp/"+gw.Name(), gw)
		}
		if s.deps.Aggregate != nil {
			r.Handle("/mcp", s.deps.Aggregate)
		}
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Get("/sessions/{sessionID}/summaries", s.handleGetSummaries)
		r.Delete("/sessions/{sessionID}/summaries", s.handleDeleteSummaries)
		r.Get("/debug/routes", s.handleDebugRoutes)
	}
	if s.cfg.RoutePrefix == "" {
		mount(router)
	} else {
		router.Route(s.cfg.RoutePrefix, mount)
	}
	return router
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	// h2c lets proxies speak HTTP/2 to us without TLS.
	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           h2c.NewHandler(s.router, h2s),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info("listening", "bind", s.cfg.Bind, "prefix", s.cfg.RoutePrefix)
		if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-serverErr:
		return fmt.Errorf("serve %s: %w", s.cfg.Bind, err)
	}
}
