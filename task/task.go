// Package task defines the dispatch task model, its state machine, and the
// Store implementations shared by producers and polling consumers.
package task

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CommandType is the closed set of task kinds a consumer understands.
type CommandType string

const (
	CommandInstruction CommandType = "instruction"
	CommandStop        CommandType = "stop"
	CommandResume      CommandType = "resume"
)

// ParseCommandType maps a wire value onto a CommandType. Empty means instruction.
func ParseCommandType(s string) (CommandType, error) {
	switch CommandType(s) {
	case "", CommandInstruction:
		return CommandInstruction, nil
	case CommandStop:
		return CommandStop, nil
	case CommandResume:
		return CommandResume, nil
	}
	return "", fmt.Errorf("unknown command type %q", s)
}

// Control reports whether the command changes poller state rather than doing work.
func (c CommandType) Control() bool {
	return c == CommandStop || c == CommandResume
}

// DetailTimeout is the terminal detail written by the liveness sweep.
const DetailTimeout = "timeout"

// MaxDetailRunes bounds the stored outcome text.
const MaxDetailRunes = 500

// Task is a unit of instructed work moving through the queue.
type Task struct {
	ID             string      `json:"id"`
	Instruction    string      `json:"instruction"`
	CommandType    CommandType `json:"command_type"`
	Source         string      `json:"source"`
	CorrelationRef string      `json:"correlation_ref,omitempty"`
	Status         Status      `json:"status"`
	ClaimedBy      string      `json:"claimed_by,omitempty"`
	Detail         string      `json:"detail,omitempty"`
	Notified       bool        `json:"notified"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	ClaimedAt      *time.Time  `json:"claimed_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can't mutate store-owned records.
func (t *Task) Clone() *Task {
	c := *t
	if t.ClaimedAt != nil {
		v := *t.ClaimedAt
		c.ClaimedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// Transition describes one compare-and-swap on a task's status.
type Transition struct {
	From Status
	To   Status
	// ClaimedBy is written to claimed_by. Required when To is processing.
	// Empty clears the claim.
	ClaimedBy string
	// Owner, when set, also requires the current claimed_by to match.
	Owner  string
	Detail string
}

// Validate checks the transition against the state machine.
func (tr Transition) Validate() error {
	if !CanTransition(tr.From, tr.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tr.From, tr.To)
	}
	if tr.To == StatusProcessing && tr.ClaimedBy == "" {
		return fmt.Errorf("%w: claim requires a consumer id", ErrInvalidTransition)
	}
	return nil
}

// apply mutates t as the transition describes. The caller has already
// checked the CAS predicate.
func (tr Transition) apply(t *Task, now time.Time) {
	t.Status = tr.To
	t.ClaimedBy = tr.ClaimedBy
	t.UpdatedAt = now
	if tr.To == StatusProcessing {
		t.ClaimedAt = &now
	}
	if tr.To.Terminal() {
		t.CompletedAt = &now
		t.Detail = TruncateDetail(tr.Detail)
	}
}

// matches reports whether t satisfies the transition's CAS predicate.
func (tr Transition) matches(t *Task) bool {
	if t.Status != tr.From {
		return false
	}
	return tr.Owner == "" || t.ClaimedBy == tr.Owner
}

// TruncateDetail caps s at MaxDetailRunes without splitting a rune.
func TruncateDetail(s string) string {
	if utf8.RuneCountInString(s) <= MaxDetailRunes {
		return s
	}
	r := []rune(s)
	return string(r[:MaxDetailRunes-1]) + "…"
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status *Status `json:"status,omitempty"`
	Source string  `json:"source,omitempty"`
	Limit  int     `json:"limit,omitempty"`
}

func (f Filter) match(t *Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	return f.Source == "" || t.Source == f.Source
}

// Store persists tasks. All mutations are durable before they return, and
// UpdateStatus is the only way status changes.
type Store interface {
	// Enqueue assigns a fresh id, sets status=pending and persists t. It
	// fails with a *DuplicateError when a non-terminal task shares
	// t.CorrelationRef.
	Enqueue(ctx context.Context, t *Task) (string, error)

	// ListPending returns pending tasks in creation order.
	ListPending(ctx context.Context) ([]*Task, error)

	// List returns tasks matching filter in creation order.
	List(ctx context.Context, filter Filter) ([]*Task, error)

	// Get retrieves a task by ID.
	Get(ctx context.Context, id string) (*Task, error)

	// UpdateStatus atomically applies tr if the task still matches its
	// predicate, and returns ErrConflict otherwise.
	UpdateStatus(ctx context.Context, id string, tr Transition) (*Task, error)

	// MarkNotified flips notified from false to true. It reports false when
	// the flag was already set.
	MarkNotified(ctx context.Context, id string) (bool, error)

	// Sweep deletes terminal tasks last updated before olderThan.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}
