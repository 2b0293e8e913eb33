// Package app assembles the producer-side components from a Config: the
// store, event bus, outcome reporter, dispatch service and janitor.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/GoCodeAlone/courier/comms"
	"github.com/GoCodeAlone/courier/config"
	"github.com/GoCodeAlone/courier/dispatch"
	"github.com/GoCodeAlone/courier/notify"
	"github.com/GoCodeAlone/courier/task"
)

// App holds the wired components. Close releases the store.
type App struct {
	Config   *config.Config
	Store    task.Store
	Bus      *comms.InMemoryBus
	Reporter *notify.Reporter
	Service  *dispatch.Service
	Janitor  *dispatch.Janitor
	Logger   *slog.Logger
}

// NewLogger returns the text logger used by every courier binary.
func NewLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
}

// Open connects to the configured store and wires the rest around it.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	store, err := task.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	bus := comms.NewInMemoryBus()
	reporter := notify.NewReporter(store, notify.NewRouterFromConfig(cfg.Notify, logger), logger,
		notify.WithRetryDelay(cfg.Notify.RetryDelay),
		notify.WithBus(bus),
		notify.WithControlAcks(cfg.Notify.NotifyControlAcks),
	)
	svc := dispatch.NewService(store, bus, reporter, logger)
	janitor := dispatch.NewJanitor(svc, cfg.Queue.ClaimTimeout, cfg.Queue.Retention, cfg.Queue.SweepInterval, logger)

	logger.Info("store opened", slog.String("driver", cfg.Store.Driver))
	return &App{
		Config:   cfg,
		Store:    store,
		Bus:      bus,
		Reporter: reporter,
		Service:  svc,
		Janitor:  janitor,
		Logger:   logger,
	}, nil
}

// Close releases backend resources.
func (a *App) Close() error {
	return a.Store.Close()
}
