// Package dispatch is the producer-side API over a task.Store: submission
// with de-duplication, claim arbitration, completion, and the liveness and
// retention sweeps.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/GoCodeAlone/courier/comms"
	"github.com/GoCodeAlone/courier/task"
)

// DefaultSource is used when a submission names no source.
const DefaultSource = "cli:local"

// reportTimeout bounds an outcome report, including its retry. Reports run
// detached from the caller's context: once notified is flipped, a dropped
// request must not cut the retry short.
const reportTimeout = time.Minute

// Reporter is notified after every terminal transition.
type Reporter interface {
	Report(ctx context.Context, t *task.Task) error
}

// Submission is an external trigger to be queued.
type Submission struct {
	Instruction    string           `json:"instruction"`
	CommandType    task.CommandType `json:"command_type"`
	Source         string           `json:"source"`
	CorrelationRef string           `json:"correlation_ref,omitempty"`
}

// Receipt acknowledges a submission.
type Receipt struct {
	ID           string      `json:"id"`
	Status       task.Status `json:"status"`
	Deduplicated bool        `json:"deduplicated,omitempty"`
}

// Service coordinates producers and consumers around one Store. It is safe
// for concurrent use; all arbitration happens in the store's CAS.
type Service struct {
	store    task.Store
	bus      comms.Bus
	reporter Reporter
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service. bus and reporter may be nil.
func NewService(store task.Store, bus comms.Bus, reporter Reporter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		bus:      bus,
		reporter: reporter,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the underlying store.
func (s *Service) Store() task.Store { return s.store }

// Submit queues an instruction. Resubmitting a correlation ref that is
// still active returns the existing task id with Deduplicated set.
func (s *Service) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	t, err := normalize(sub)
	if err != nil {
		return Receipt{}, err
	}

	id, err := s.store.Enqueue(ctx, t)
	var dup *task.DuplicateError
	switch {
	case errors.As(err, &dup):
		rcpt := Receipt{ID: dup.ExistingID, Status: task.StatusPending, Deduplicated: true}
		if existing, gerr := s.store.Get(ctx, dup.ExistingID); gerr == nil {
			rcpt.Status = existing.Status
		}
		s.logger.Info("submission deduplicated",
			slog.String("task_id", dup.ExistingID),
			slog.String("correlation_ref", t.CorrelationRef),
		)
		s.publish(ctx, comms.EventDeduplicated, &task.Task{ID: dup.ExistingID, Source: t.Source, Status: rcpt.Status})
		return rcpt, nil
	case err != nil:
		s.logger.Error("submission failed",
			slog.String("source", t.Source),
			slog.Any("error", err),
		)
		return Receipt{}, &SubmissionError{Source: t.Source, Err: err}
	}

	s.logger.Info("task submitted",
		slog.String("task_id", id),
		slog.String("command_type", string(t.CommandType)),
		slog.String("source", t.Source),
	)
	s.publish(ctx, comms.EventSubmitted, t)
	return Receipt{ID: id, Status: task.StatusPending}, nil
}

// normalize validates sub and maps it onto a new Task. Source and ref are
// NFKC-normalized so full-width and half-width forms dedupe together.
func normalize(sub Submission) (*task.Task, error) {
	ct, err := task.ParseCommandType(string(sub.CommandType))
	if err != nil {
		return nil, invalid("%v", err)
	}
	instruction := strings.TrimSpace(sub.Instruction)
	if instruction == "" {
		if !ct.Control() {
			return nil, invalid("instruction is required")
		}
		instruction = string(ct)
	}
	source := norm.NFKC.String(strings.TrimSpace(sub.Source))
	if source == "" {
		source = DefaultSource
	}
	if platform, _, _ := strings.Cut(source, ":"); platform == "" {
		return nil, invalid("source %q has no platform", source)
	}
	return &task.Task{
		Instruction:    instruction,
		CommandType:    ct,
		Source:         source,
		CorrelationRef: norm.NFKC.String(strings.TrimSpace(sub.CorrelationRef)),
	}, nil
}

// ListUnclaimed returns pending tasks oldest first.
func (s *Service) ListUnclaimed(ctx context.Context) ([]*task.Task, error) {
	return s.store.ListPending(ctx)
}

// List returns tasks matching filter.
func (s *Service) List(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	return s.store.List(ctx, filter)
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.store.Get(ctx, id)
}

// Counts returns the number of tasks in each status.
func (s *Service) Counts(ctx context.Context) (map[task.Status]int, error) {
	all, err := s.store.List(ctx, task.Filter{})
	if err != nil {
		return nil, err
	}
	counts := map[task.Status]int{
		task.StatusPending:    0,
		task.StatusProcessing: 0,
		task.StatusCompleted:  0,
		task.StatusFailed:     0,
	}
	for _, t := range all {
		counts[t.Status]++
	}
	return counts, nil
}

// Claim moves a pending task to processing for consumer. Losing a race
// returns task.ErrConflict; the caller should skip the task, not retry.
func (s *Service) Claim(ctx context.Context, id, consumer string) (*task.Task, error) {
	if consumer == "" {
		return nil, invalid("consumer id is required")
	}
	t, err := s.store.UpdateStatus(ctx, id, task.Transition{
		From:      task.StatusPending,
		To:        task.StatusProcessing,
		ClaimedBy: consumer,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task claimed", slog.String("task_id", id), slog.String("consumer", consumer))
	s.publish(ctx, comms.EventClaimed, t)
	return t, nil
}

// Complete resolves a task owned by consumer and reports the outcome to its
// source. A task that is not processing, or is claimed by someone else,
// returns task.ErrConflict.
func (s *Service) Complete(ctx context.Context, id, consumer string, outcome task.Status, detail string) (*task.Task, error) {
	if !outcome.Terminal() {
		return nil, invalid("outcome must be completed or failed, got %q", outcome)
	}
	if consumer == "" {
		return nil, invalid("consumer id is required")
	}
	t, err := s.store.UpdateStatus(ctx, id, task.Transition{
		From:      task.StatusProcessing,
		To:        outcome,
		ClaimedBy: consumer,
		Owner:     consumer,
		Detail:    detail,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task resolved",
		slog.String("task_id", id),
		slog.String("consumer", consumer),
		slog.String("status", string(outcome)),
	)
	ev := comms.EventCompleted
	if outcome == task.StatusFailed {
		ev = comms.EventFailed
	}
	s.publish(ctx, ev, t)
	s.report(ctx, t)
	return t, nil
}

// ExpireStale fails every processing task claimed before cutoff with detail
// "timeout" and clears its claim. Each task expires at most once: a second
// sweep, or a late completion by the original consumer, loses the CAS.
func (s *Service) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	processing := task.StatusProcessing
	busy, err := s.store.List(ctx, task.Filter{Status: &processing})
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}
	expired := 0
	for _, t := range busy {
		claimedAt := t.UpdatedAt
		if t.ClaimedAt != nil {
			claimedAt = *t.ClaimedAt
		}
		if !claimedAt.Before(cutoff) {
			continue
		}
		failed, err := s.store.UpdateStatus(ctx, t.ID, task.Transition{
			From:   task.StatusProcessing,
			To:     task.StatusFailed,
			Owner:  t.ClaimedBy,
			Detail: task.DetailTimeout,
		})
		if errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expire %s: %w", t.ID, err)
		}
		expired++
		s.logger.Warn("task timed out",
			slog.String("task_id", t.ID),
			slog.String("consumer", t.ClaimedBy),
			slog.Time("claimed_at", claimedAt),
		)
		s.publish(ctx, comms.EventExpired, &task.Task{
			ID: failed.ID, Source: failed.Source, Status: failed.Status,
			ClaimedBy: t.ClaimedBy, Detail: failed.Detail,
		})
		s.report(ctx, failed)
	}
	return expired, nil
}

// Sweep deletes terminal tasks last updated before cutoff.
func (s *Service) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.store.Sweep(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("sweep: %w", err)
	}
	if n > 0 {
		s.logger.Info("swept terminal tasks", slog.Int("count", n))
		s.publish(ctx, comms.EventSwept, &task.Task{Detail: fmt.Sprintf("%d removed", n)})
	}
	return n, nil
}

func (s *Service) report(ctx context.Context, t *task.Task) {
	if s.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := s.reporter.Report(ctx, t); err != nil {
		s.logger.Error("report outcome", slog.String("task_id", t.ID), slog.Any("error", err))
	}
}

func (s *Service) publish(ctx context.Context, typ comms.EventType, t *task.Task) {
	if s.bus == nil {
		return
	}
	err := s.bus.Publish(ctx, &comms.Event{
		Type:      typ,
		TaskID:    t.ID,
		Source:    t.Source,
		Status:    string(t.Status),
		Consumer:  t.ClaimedBy,
		Detail:    t.Detail,
		Timestamp: s.now(),
	})
	if err != nil {
		s.logger.Warn("publish event", slog.String("type", string(typ)), slog.Any("error", err))
	}
}
