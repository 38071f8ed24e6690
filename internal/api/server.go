// Package api exposes the read-only operator HTTP surface: the global
// portfolio view, the copy-attempt ledger, runtime configuration, the pause
// switch, and the config replay harness. The dashboard itself is an external
// collaborator; only the JSON shapes live here.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polymarket-copy/internal/config"
	"polymarket-copy/internal/executor"
	"polymarket-copy/internal/portfolio"
	"polymarket-copy/internal/store"
)

// Server runs the operator HTTP API.
type Server struct {
	cfg      config.DashboardConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg config.DashboardConfig, st *store.Store, mgr *config.Manager, exec *executor.Executor, pf *portfolio.Reader, logger *slog.Logger) *Server {
	handlers := NewHandlers(st, mgr, exec, pf, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/portfolio/global", handlers.HandlePortfolioGlobal)
	mux.HandleFunc("GET /api/copy-attempts", handlers.HandleCopyAttempts)
	mux.HandleFunc("GET /api/users", handlers.HandleUsers)
	mux.HandleFunc("GET /api/config/global", handlers.HandleGetGlobalConfig)
	mux.HandleFunc("POST /api/config/global", handlers.HandlePostGlobalConfig)
	mux.HandleFunc("GET /api/config/user/{id}", handlers.HandleGetUserConfig)
	mux.HandleFunc("POST /api/config/user/{id}", handlers.HandlePostUserConfig)
	mux.HandleFunc("POST /api/control/pause", handlers.HandlePause)
	mux.HandleFunc("POST /api/config/test", handlers.HandleConfigTest)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
