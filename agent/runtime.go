package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/courier/task"
)

// Config holds the settings for a Poller.
type Config struct {
	ID           string
	Queue        Queue
	Executor     Executor
	PollInterval time.Duration
	TaskTimeout  time.Duration
	StatePath    string
	Logger       *slog.Logger

	// CompleteRetryDelay is the wait before the single retry of a failed
	// completion. Defaults to 2s.
	CompleteRetryDelay time.Duration
}

// Poller claims and executes pending tasks. Tasks are handled one at a
// time in FIFO order, so completion order equals claim order.
type Poller struct {
	mu        sync.RWMutex
	cfg       Config
	logger    *slog.Logger
	status    Status
	state     State
	startedAt time.Time
	curTask   string
	now       func() time.Time
}

// NewPoller creates a poller and restores its persisted state.
func NewPoller(cfg Config) (*Poller, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("poller: consumer id is required")
	}
	if cfg.Queue == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("poller: queue and executor are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.CompleteRetryDelay <= 0 {
		cfg.CompleteRetryDelay = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st, err := LoadState(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	p := &Poller{
		cfg:    cfg,
		logger: logger.With(slog.String("consumer", cfg.ID)),
		status: StatusIdle,
		state:  st,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if st.Paused {
		p.status = StatusPaused
	}
	return p, nil
}

// Info returns the poller's current metadata.
func (p *Poller) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Info{
		ID:          p.cfg.ID,
		Status:      p.status,
		CurrentTask: p.curTask,
		StartedAt:   p.startedAt,
		State:       p.state,
	}
}

// Paused reports whether new instructions are being held back.
func (p *Poller) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Paused
}

// Run polls every PollInterval until ctx is cancelled. A task already
// executing when ctx ends is still completed.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	p.startedAt = p.now()
	p.mu.Unlock()

	p.logger.Info("poller started",
		slog.Duration("poll_interval", p.cfg.PollInterval),
		slog.Duration("task_timeout", p.cfg.TaskTimeout),
		slog.Bool("paused", p.Paused()),
	)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("poll failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			p.setStatus(StatusStopped)
			p.logger.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce fetches the pending list and handles each task in order. It
// returns the number of tasks this consumer resolved. When a resume is
// handled mid-pass, the list is fetched once more so instructions held
// back earlier in the pass run now.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	total := 0
	for pass := 0; pass < 2; pass++ {
		n, resumed, err := p.pass(ctx)
		total += n
		if err != nil || !resumed {
			return total, err
		}
	}
	return total, nil
}

func (p *Poller) pass(ctx context.Context) (handled int, resumed bool, err error) {
	tasks, err := p.cfg.Queue.ListUnclaimed(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("list unclaimed: %w", err)
	}
	p.mu.Lock()
	p.state.LastPolledAt = p.now()
	p.mu.Unlock()

	held := false
	for _, t := range tasks {
		if ctx.Err() != nil {
			return handled, false, ctx.Err()
		}
		if p.Paused() && !t.CommandType.Control() {
			held = true
			p.logger.Debug("paused, leaving task pending", slog.String("task_id", t.ID))
			continue
		}
		wasPaused := p.Paused()
		if p.handle(ctx, t) {
			handled++
		}
		if wasPaused && !p.Paused() && held {
			resumed = true
		}
	}
	return handled, resumed, nil
}

// handle claims and resolves one task. It reports whether this consumer
// won the claim and the queue accepted its outcome.
func (p *Poller) handle(ctx context.Context, t *task.Task) bool {
	claimed, err := p.cfg.Queue.Claim(ctx, t.ID, p.cfg.ID)
	switch {
	case errors.Is(err, task.ErrConflict), errors.Is(err, task.ErrNotFound):
		p.logger.Debug("claim lost, skipping", slog.String("task_id", t.ID))
		p.mu.Lock()
		p.state.LostClaims++
		p.mu.Unlock()
		return false
	case err != nil:
		p.logger.Warn("claim failed", slog.String("task_id", t.ID), slog.Any("error", err))
		return false
	}

	p.mu.Lock()
	p.status = StatusWorking
	p.curTask = claimed.ID
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.curTask = ""
		if p.state.Paused {
			p.status = StatusPaused
		} else {
			p.status = StatusIdle
		}
		p.mu.Unlock()
	}()

	var (
		outcome = task.StatusCompleted
		detail  string
	)
	switch claimed.CommandType {
	case task.CommandStop:
		p.setPaused(true)
		detail = "paused"
	case task.CommandResume:
		p.setPaused(false)
		detail = "resumed"
	default:
		result, err := p.execute(ctx, claimed)
		if err != nil {
			outcome, detail = task.StatusFailed, err.Error()
		} else {
			detail = result
		}
	}

	return p.complete(ctx, claimed, outcome, detail)
}

// execute runs the executor under TaskTimeout. Panics become failures so a
// claimed task always reaches a terminal status.
func (p *Poller) execute(ctx context.Context, t *task.Task) (result string, err error) {
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	p.logger.Info("executing task",
		slog.String("task_id", t.ID),
		slog.String("source", t.Source),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	result, err = p.cfg.Executor.Execute(execCtx, t)
	if err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("execution exceeded %s: %w", p.cfg.TaskTimeout, err)
	}
	return result, err
}

// complete reports the outcome and reports whether the queue accepted it.
// It detaches from ctx so a shutdown does not strand a task this consumer
// owns. A transport or store error is retried once after
// CompleteRetryDelay; a conflict or a missing task is final.
func (p *Poller) complete(ctx context.Context, t *task.Task, outcome task.Status, detail string) bool {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	err := p.tryComplete(cctx, t.ID, outcome, detail)
	if err != nil && !errors.Is(err, task.ErrConflict) && !errors.Is(err, task.ErrNotFound) {
		p.logger.Warn("complete failed, retrying",
			slog.String("task_id", t.ID),
			slog.Any("error", err),
		)
		timer := time.NewTimer(p.cfg.CompleteRetryDelay)
		select {
		case <-cctx.Done():
		case <-timer.C:
			err = p.tryComplete(cctx, t.ID, outcome, detail)
		}
		timer.Stop()
	}

	accepted := err == nil
	switch {
	case accepted:
		p.logger.Info("task resolved",
			slog.String("task_id", t.ID),
			slog.String("status", string(outcome)),
		)
	case errors.Is(err, task.ErrConflict), errors.Is(err, task.ErrNotFound):
		p.logger.Warn("completion rejected, task no longer ours",
			slog.String("task_id", t.ID),
			slog.String("outcome", string(outcome)),
		)
	default:
		p.logger.Error("complete task", slog.String("task_id", t.ID), slog.Any("error", err))
	}

	p.mu.Lock()
	p.state.LastTaskID = t.ID
	switch {
	case !accepted:
		p.state.Rejected++
	case outcome == task.StatusCompleted:
		p.state.Completed++
	default:
		p.state.Failed++
	}
	p.mu.Unlock()
	p.persist()
	return accepted
}

func (p *Poller) tryComplete(ctx context.Context, id string, outcome task.Status, detail string) error {
	_, err := p.cfg.Queue.Complete(ctx, id, p.cfg.ID, outcome, detail)
	return err
}

func (p *Poller) setPaused(paused bool) {
	p.mu.Lock()
	changed := p.state.Paused != paused
	p.state.Paused = paused
	p.mu.Unlock()
	if changed {
		p.logger.Info("pause state changed", slog.Bool("paused", paused))
	}
	// Persist before completing the control task, so a crash in between
	// still restarts in the requested mode.
	p.persist()
}

func (p *Poller) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Poller) persist() {
	p.mu.Lock()
	p.state.UpdatedAt = p.now()
	st := p.state
	p.mu.Unlock()
	if err := SaveState(p.cfg.StatePath, st); err != nil {
		p.logger.Error("save state", slog.Any("error", err))
	}
}
