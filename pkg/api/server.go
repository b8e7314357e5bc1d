package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/armanisadeghi/matrx-sandbox/pkg/config"
	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
	"github.com/armanisadeghi/matrx-sandbox/pkg/manager"
	"github.com/armanisadeghi/matrx-sandbox/pkg/metrics"
	"github.com/armanisadeghi/matrx-sandbox/pkg/objectstore"
)

// Server is the REST control surface. It validates, authenticates and
// maps errors; every domain decision lives in the manager.
type Server struct {
	cfg     *config.Config
	manager *manager.Manager
	gateway objectstore.Gateway
	version string

	router    chi.Router
	http      *http.Server
	startedAt time.Time
}

// NewServer assembles the router. The gateway may be nil; the storage
// endpoints then answer 503.
func NewServer(cfg *config.Config, mgr *manager.Manager, gw objectstore.Gateway, version string) *Server {
	s := &Server{
		cfg:       cfg,
		manager:   mgr,
		gateway:   gw,
		version:   version,
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	// Unauthenticated probes.
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// API routes live at the root; /api/v1 is an alias for callers that
	// prefix-version their clients.
	mount := func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/sandboxes", func(r chi.Router) {
			r.Post("/", s.handleCreateSandbox)
			r.Get("/", s.handleListSandboxes)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSandbox)
				r.Delete("/", s.handleDestroySandbox)
				r.Post("/exec", s.handleExec)
				r.Post("/heartbeat", s.handleHeartbeat)
				r.Post("/complete", s.handleComplete)
				r.Post("/error", s.handleError)
			})
		})

		r.Route("/storage", func(r chi.Router) {
			r.Get("/stats", s.handleStorageStats)
			r.Delete("/", s.handleStorageCleanup)
		})
	}
	r.Group(mount)
	r.Route("/api/v1", mount)

	s.router = r
	return s
}

// Handler exposes the router, for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until Shutdown. Blocks.
func (s *Server) Start() error {
	logger := log.WithComponent("api")
	if s.cfg.APIKey == "" {
		logger.Warn().
			Msg("No API key configured, accepting unauthenticated requests")
	}

	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().
		Str("addr", s.cfg.ListenAddr()).
		Msg("API listening")

	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
