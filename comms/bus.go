package comms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultHistory = 1000

// BusOption configures an InMemoryBus.
type BusOption func(*InMemoryBus)

// WithHistory sets how many recent events the bus keeps for History.
func WithHistory(n int) BusOption {
	return func(b *InMemoryBus) {
		if n > 0 {
			b.ring = make([]*Event, n)
		}
	}
}

type subscription struct {
	source  string
	handler Handler
}

// InMemoryBus is a thread-safe in-process Bus. Handlers run synchronously on
// the publishing goroutine, outside the bus lock.
type InMemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]subscription
	nextID int

	// ring holds the newest len(ring) events; head is the next write slot.
	ring []*Event
	head int
	size int
}

func NewInMemoryBus(opts ...BusOption) *InMemoryBus {
	b := &InMemoryBus{
		subs: make(map[int]subscription),
		ring: make([]*Event, defaultHistory),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish records ev and delivers it to subscribers of ev.Source and of
// AllSources. Every handler runs even if an earlier one fails. Missing ID
// and Timestamp are filled in.
func (b *InMemoryBus) Publish(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.ring[b.head] = ev
	b.head = (b.head + 1) % len(b.ring)
	if b.size < len(b.ring) {
		b.size++
	}
	var targets []Handler
	for _, s := range b.subs {
		if s.source == AllSources || (ev.Source != "" && s.source == ev.Source) {
			targets = append(targets, s.handler)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe registers handler for events from source, or every event when
// source is AllSources.
func (b *InMemoryBus) Subscribe(source string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{source: source, handler: handler}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// History returns up to limit of the newest events for taskID (all tasks
// when empty), oldest first. A limit of zero or less means no limit.
func (b *InMemoryBus) History(taskID string, limit int) ([]*Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var newestFirst []*Event
	for i := 1; i <= b.size; i++ {
		ev := b.ring[(b.head-i+len(b.ring))%len(b.ring)]
		if taskID != "" && ev.TaskID != taskID {
			continue
		}
		newestFirst = append(newestFirst, ev)
		if limit > 0 && len(newestFirst) == limit {
			break
		}
	}
	out := make([]*Event, len(newestFirst))
	for i, ev := range newestFirst {
		out[len(out)-1-i] = ev
	}
	return out, nil
}
