// Package api provides the HTTP API server for the build queue.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/buildqueue/internal/api/handlers"
	"github.com/narvanalabs/buildqueue/internal/api/health"
	"github.com/narvanalabs/buildqueue/internal/api/middleware"
	"github.com/narvanalabs/buildqueue/internal/auth"
	"github.com/narvanalabs/buildqueue/internal/creation"
	"github.com/narvanalabs/buildqueue/internal/lifecycle"
	"github.com/narvanalabs/buildqueue/internal/search"
	"github.com/narvanalabs/buildqueue/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	config     *config.Config
	logger     *slog.Logger

	creator *creation.Creator
	manager *lifecycle.Manager
	engine  *search.Engine
	tokens  *auth.Service
	checker *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, creator *creation.Creator, manager *lifecycle.Manager,
	engine *search.Engine, tokens *auth.Service, pinger health.Pinger, logger *slog.Logger) *Server {

	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		creator: creator,
		manager: manager,
		engine:  engine,
		tokens:  tokens,
		checker: health.NewChecker(pinger, Version),
	}

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// Health check endpoint (no auth required)
	r.Get("/health", s.checker.Handler())

	buildsHandler := handlers.NewBuildsHandler(s.creator, s.manager, s.logger)
	searchHandler := handlers.NewSearchHandler(s.engine, s.logger)
	authMW := middleware.NewAuthMiddleware(s.tokens, s.logger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMW.Authenticate)

		r.Post("/builds/batch", buildsHandler.CreateBatch)
		r.Post("/builds/search", searchHandler.Search)

		r.Route("/builds/{id}", func(r chi.Router) {
			r.Get("/", buildsHandler.Get)
			r.Post("/lease", buildsHandler.Lease)
			r.Post("/heartbeat", buildsHandler.Heartbeat)
			r.Post("/start", buildsHandler.Start)
			r.Post("/complete", buildsHandler.Complete)
			r.Post("/cancel", buildsHandler.Cancel)
			r.Post("/reset", buildsHandler.Reset)
		})
	})

	s.router = r
}

// Router returns the configured router, for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start runs the server until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(shutdownCtx)
}
