// Package agent implements the consumer side of the queue: a poller that
// claims pending tasks one at a time and runs them through an Executor.
package agent

import (
	"context"
	"time"

	"github.com/GoCodeAlone/courier/task"
)

// Status represents the current state of a poller.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

// Queue is the consumer's view of the dispatch queue. It is implemented by
// dispatch.Service for a local store and by client.Client over HTTP.
type Queue interface {
	ListUnclaimed(ctx context.Context) ([]*task.Task, error)
	Claim(ctx context.Context, id, consumer string) (*task.Task, error)
	Complete(ctx context.Context, id, consumer string, outcome task.Status, detail string) (*task.Task, error)
}

// Executor performs the work an instruction describes. A returned error
// fails the task with the error text as its detail.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t *task.Task) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task) (string, error) { return f(ctx, t) }

// Info provides read-only metadata about a poller.
type Info struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	CurrentTask string    `json:"current_task,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	State       State     `json:"state"`
}
