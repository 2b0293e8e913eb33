package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/courier/comms"
	"github.com/GoCodeAlone/courier/task"
)

// Marker is the slice of task.Store the Reporter needs.
type Marker interface {
	MarkNotified(ctx context.Context, id string) (bool, error)
}

// Reporter pushes terminal outcomes to their source channel. The notified
// flag is flipped before sending, so a second Report for the same task is
// a no-op even if the first send failed.
type Reporter struct {
	store       Marker
	notifier    Notifier
	bus         comms.Bus
	logger      *slog.Logger
	retryDelay  time.Duration
	controlAcks bool
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithRetryDelay sets the wait before the single retry.
func WithRetryDelay(d time.Duration) ReporterOption {
	return func(r *Reporter) { r.retryDelay = d }
}

// WithBus publishes a notified event after each delivery.
func WithBus(bus comms.Bus) ReporterOption {
	return func(r *Reporter) { r.bus = bus }
}

// WithControlAcks enables acknowledgements for stop and resume tasks.
func WithControlAcks(on bool) ReporterOption {
	return func(r *Reporter) { r.controlAcks = on }
}

// NewReporter creates a Reporter.
func NewReporter(store Marker, notifier Notifier, logger *slog.Logger, opts ...ReporterOption) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		store:       store,
		notifier:    notifier,
		logger:      logger,
		retryDelay:  2 * time.Second,
		controlAcks: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report delivers the outcome of a terminal task once. Non-terminal tasks
// are ignored. A send that still fails after one retry is logged and
// returned; the task itself is never re-run.
func (r *Reporter) Report(ctx context.Context, t *task.Task) error {
	if !t.Status.Terminal() {
		return nil
	}
	flipped, err := r.store.MarkNotified(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("mark notified %s: %w", t.ID, err)
	}
	if !flipped {
		r.logger.Debug("outcome already reported", slog.String("task_id", t.ID))
		return nil
	}
	if t.CommandType.Control() && !r.controlAcks {
		return nil
	}

	platform, target := SplitSource(t.Source)
	msg := Message{TaskID: t.ID, Platform: platform, Target: target, Text: Format(t)}

	err = r.notifier.Notify(ctx, msg)
	if err != nil {
		r.logger.Warn("notify failed, retrying",
			slog.String("task_id", t.ID),
			slog.String("platform", platform),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryDelay):
		}
		err = r.notifier.Notify(ctx, msg)
	}
	if err != nil {
		r.logger.Error("notify gave up",
			slog.String("task_id", t.ID),
			slog.String("platform", platform),
			slog.Any("error", err),
		)
		return fmt.Errorf("notify %s: %w", t.ID, err)
	}

	if r.bus != nil {
		_ = r.bus.Publish(ctx, &comms.Event{
			Type:   comms.EventNotified,
			TaskID: t.ID,
			Source: t.Source,
			Status: string(t.Status),
		})
	}
	return nil
}
