// Package comms provides the in-process bus that carries task lifecycle
// events from the dispatch service to observers such as the SSE hub.
package comms

import (
	"context"
	"time"
)

// EventType identifies the lifecycle step an Event reports.
type EventType string

const (
	EventSubmitted    EventType = "task.submitted"    // new pending task
	EventDeduplicated EventType = "task.deduplicated" // submission folded into an active task
	EventClaimed      EventType = "task.claimed"      // pending -> processing
	EventCompleted    EventType = "task.completed"    // processing -> completed
	EventFailed       EventType = "task.failed"       // processing -> failed
	EventExpired      EventType = "task.expired"      // liveness timeout
	EventNotified     EventType = "task.notified"     // outcome delivered to its source
	EventSwept        EventType = "queue.swept"       // retention sweep removed tasks
)

// AllSources subscribes to events from every source.
const AllSources = "*"

// Event is one lifecycle change.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	Status    string    `json:"status,omitempty"`
	Consumer  string    `json:"consumer,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler processes a published event.
type Handler func(ctx context.Context, ev *Event) error

// Bus fans lifecycle events out to subscribers.
type Bus interface {
	// Publish delivers ev to subscribers of ev.Source and of AllSources.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers a handler for one source, or AllSources.
	// Returns an unsubscribe function.
	Subscribe(source string, handler Handler) (unsubscribe func())

	// History returns recent events for taskID (all tasks when empty),
	// oldest first.
	History(taskID string, limit int) ([]*Event, error)
}
