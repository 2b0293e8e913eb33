// Command courierd is the courier queue server. It serves the task API,
// runs the liveness and retention sweeps, and reports outcomes to the
// channels tasks came from.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/courier/config"
	"github.com/GoCodeAlone/courier/internal/app"
	"github.com/GoCodeAlone/courier/internal/version"
	"github.com/GoCodeAlone/courier/server"
)

var (
	configPath  = flag.String("config", "courier.yaml", "path to config file")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("courierd"))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}
	logger := app.NewLogger(cfg)
	logger.Info("starting courierd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("courierd failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		_ = a.Janitor.Run(ctx)
	}()

	srv := server.New(*cfg, a.Service, a.Bus, version.Version, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-janitorDone
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop", slog.Any("error", err))
	}
	<-janitorDone
	return nil
}
