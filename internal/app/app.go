// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/enrichd/enrichd/internal/config"
	"github.com/enrichd/enrichd/internal/enrich"
	"github.com/enrichd/enrichd/internal/logging"
	"github.com/enrichd/enrichd/internal/metrics"
	"github.com/enrichd/enrichd/internal/perf"
	"github.com/enrichd/enrichd/internal/store/memory"
	"github.com/enrichd/enrichd/internal/store/postgres"
	"github.com/enrichd/enrichd/internal/store/sqlite"
)

// App holds the shared, long-lived services: logger, metadata store, and
// performance monitor. Initialized once at startup and passed to the
// components that need it. This is deliberately an explicit dependency, not
// a package-level singleton, so tests can substitute a fake store.
type App struct {
	Logger  *zap.Logger
	Store   enrich.Store
	Monitor *perf.Monitor
	Clock   enrich.Clock
}

// New initializes services from configuration. It fails fast when the
// metadata store is unreachable; that is the one startup failure worth a
// non-zero exit.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	clock := enrich.SystemClock{}
	monitor := perf.New(perf.Config{
		Enabled:       cfg.Perf.Enabled,
		SlowThreshold: cfg.SlowThreshold(),
	}, clock, logger)

	var store enrich.Store
	switch cfg.Store.Provider {
	case "sqlite":
		logger.Info("using sqlite metadata store", zap.String("path", cfg.Store.SQLite.Path))
		store, err = sqlite.New(ctx, cfg.Store.SQLite.Path, monitor, clock)
	case "postgres":
		logger.Info("using postgres metadata store")
		store, err = postgres.New(ctx, postgres.Config{
			DSN:      cfg.Store.Postgres.DSN,
			MaxConns: cfg.Store.Postgres.MaxConns,
			MinConns: cfg.Store.Postgres.MinConns,
		}, monitor, clock)
	case "memory":
		logger.Info("using in-memory metadata store; records will not persist")
		store = memory.New(clock)
	default:
		return nil, fmt.Errorf("unknown store provider: %s", cfg.Store.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init metadata store: %w", err)
	}

	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("metadata store unreachable: %w", err)
	}

	return &App{
		Logger:  logger,
		Store:   store,
		Monitor: monitor,
		Clock:   clock,
	}, nil
}

// Close gracefully shuts down the services.
func (a *App) Close() {
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("closing metadata store failed", zap.Error(err))
	}
	// Best-effort flush of buffered log output.
	_ = a.Logger.Sync()
}
