// Package api serves the read-only dashboard endpoints.
//
// Five endpoints, JSON, no auth (the server binds for the enclosing
// platform, not the public internet):
//
//	GET /health/worker   worker status snapshot
//	GET /api/rules       recent rules, newest first
//	GET /api/positions   cached positions
//	GET /api/trades      recent trades, newest first
//	GET /api/events      recent diagnostic events, newest first
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polymarket-trade-manager/internal/config"
	"polymarket-trade-manager/internal/store"
	"polymarket-trade-manager/pkg/types"
)

// WorkerInfo is the worker surface the dashboard reads. Snapshots only;
// no handler mutates anything.
type WorkerInfo interface {
	Status() types.WorkerStatus
	Positions() []types.Position
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg    config.DashboardConfig
	store  *store.Store
	worker WorkerInfo
	logger *slog.Logger
	http   *http.Server
}

// New creates the dashboard server and registers its routes.
func New(cfg config.DashboardConfig, st *store.Store, worker WorkerInfo, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		worker: worker,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/worker", s.handleWorkerHealth)
	mux.HandleFunc("GET /api/rules", s.handleRules)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
