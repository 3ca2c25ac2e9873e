// Package api serves the local observability endpoints: health, aggregated
// driver statistics, performance aggregates, and Prometheus metrics. It is
// plumbing for watching a long run, not a query surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/enrichd/enrichd/internal/manager"
	"github.com/enrichd/enrichd/internal/metrics"
	"github.com/enrichd/enrichd/internal/perf"
)

// Server exposes the status endpoints on a local listener.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// New builds the router and server. addr should stay loopback-bound; the
// scheduler has no remote API surface.
func New(addr string, mgr *manager.Manager, monitor *perf.Monitor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           newRouter(mgr, monitor, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func newRouter(mgr *manager.Manager, monitor *perf.Monitor, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, mgr.Statistics(), logger)
	})
	r.Get("/perf", func(w http.ResponseWriter, _ *http.Request) {
		byOp, byFileType := monitor.Snapshot()
		writeJSON(w, map[string]any{
			"operations": byOp,
			"file_types": byFileType,
		}, logger)
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("encode response failed", zap.Error(err))
	}
}
