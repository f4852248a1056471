package app

import (
	"context"
	"fmt"
	"log/slog"

	"loadstar/internal/config"
	"loadstar/internal/metrics"
	"loadstar/internal/server"
	"loadstar/internal/storage/sqlite"
	"loadstar/internal/sweeper"
)

// App ties together configuration, the folder store, the sweeper and the HTTP server.
type App struct {
	cfg     config.Config
	log     *slog.Logger
	store   *sqlite.Store
	sweeper *sweeper.Sweeper
	server  *server.Server
}

// New constructs an App using the provided configuration.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := sqlite.Open(cfg.DatabasePath, sqlite.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	m := metrics.New()
	sw, err := sweeper.New(store, cfg.SweepCron, m, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create sweeper: %w", err)
	}

	srv := server.New(store, sw, m, logger)
	return &App{cfg: cfg, log: logger, store: store, sweeper: sw, server: srv}, nil
}

// Run performs the startup sweep, starts the scheduler and serves HTTP
// until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.SweepOnStart {
		if _, err := a.sweeper.RunOnce(ctx); err != nil {
			return fmt.Errorf("startup liveness sweep: %w", err)
		}
	}
	a.sweeper.Start(ctx)

	a.log.Info("starting server", "addr", a.cfg.ListenAddr, "database", a.cfg.DatabasePath)
	if err := a.server.Start(ctx, a.cfg.ListenAddr); err != nil {
		return fmt.Errorf("run server: %w", err)
	}
	return nil
}

// Store exposes the underlying store for command-line integrations.
func (a *App) Store() *sqlite.Store {
	return a.store
}

// Sweeper exposes the liveness sweeper.
func (a *App) Sweeper() *sweeper.Sweeper {
	return a.sweeper
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}
