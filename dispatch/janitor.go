package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically fails stuck tasks and deletes old terminal ones.
type Janitor struct {
	svc          *Service
	claimTimeout time.Duration
	retention    time.Duration
	interval     time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewJanitor creates a Janitor. A zero retention disables the retention
// sweep.
func NewJanitor(svc *Service, claimTimeout, retention, interval time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		svc:          svc,
		claimTimeout: claimTimeout,
		retention:    retention,
		interval:     interval,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs one liveness sweep and one retention sweep.
func (j *Janitor) RunOnce(ctx context.Context) (expired, swept int, err error) {
	now := j.now()
	expired, err = j.svc.ExpireStale(ctx, now.Add(-j.claimTimeout))
	if err != nil {
		return expired, 0, err
	}
	if j.retention > 0 {
		swept, err = j.svc.Sweep(ctx, now.Add(-j.retention))
	}
	return expired, swept, err
}

// Run sweeps every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	j.logger.Info("janitor started",
		slog.Duration("claim_timeout", j.claimTimeout),
		slog.Duration("retention", j.retention),
		slog.Duration("interval", j.interval),
	)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if _, _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("janitor sweep", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
