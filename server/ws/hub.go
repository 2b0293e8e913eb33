// Package ws streams task lifecycle events from the comms bus to browsers
// and CLIs over Server-Sent Events.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/courier/comms"
)

const (
	clientBuffer     = 64
	defaultKeepAlive = 25 * time.Second
	replayHistoryCap = 500
)

// filter narrows a stream to one source and/or one task.
type filter struct {
	source string
	taskID string
}

func (f filter) match(ev *comms.Event) bool {
	return (f.source == "" || f.source == ev.Source) && (f.taskID == "" || f.taskID == ev.TaskID)
}

// frame is one encoded SSE message.
type frame struct {
	id    string
	event comms.EventType
	data  []byte
}

type subscriber struct {
	frames  chan frame
	filter  filter
	dropped atomic.Int64
}

// Hub fans bus events out to SSE subscribers. Slow subscribers lose events
// rather than block the bus.
type Hub struct {
	mu        sync.RWMutex
	subs      map[*subscriber]struct{}
	bus       comms.Bus
	keepAlive time.Duration
	logger    *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:      make(map[*subscriber]struct{}),
		keepAlive: defaultKeepAlive,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Close ends every open stream. Streams opened afterwards return at once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Attach subscribes the hub to every event on bus and uses the bus history
// to replay missed events for reconnecting clients. The returned function
// detaches it.
func (h *Hub) Attach(bus comms.Bus) (detach func()) {
	h.mu.Lock()
	h.bus = bus
	h.mu.Unlock()
	return bus.Subscribe(comms.AllSources, func(_ context.Context, ev *comms.Event) error {
		h.Broadcast(ev)
		return nil
	})
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast queues ev for every subscriber whose filter matches.
func (h *Hub) Broadcast(ev *comms.Event) {
	f, err := encode(ev)
	if err != nil {
		h.logger.Error("encode event", slog.String("type", string(ev.Type)), slog.Any("err", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.frames <- f:
		default:
			s.dropped.Add(1)
		}
	}
}

// ServeSSE streams events until the client disconnects or the hub is
// closed. Query parameters
// source and task narrow the stream; a Last-Event-ID header replays newer
// events still held in bus history.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	s := &subscriber{
		frames: make(chan frame, clientBuffer),
		filter: filter{source: q.Get("source"), taskID: q.Get("task")},
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		if n := s.dropped.Load(); n > 0 {
			h.logger.Warn("sse subscriber dropped events", slog.Int64("dropped", n))
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "event: connected\ndata: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	// Events published after registration can be both in history and on
	// s.frames; each is written once.
	replayed := make(map[string]struct{})
	for _, f := range h.replay(r.Header.Get("Last-Event-ID"), s.filter) {
		replayed[f.id] = struct{}{}
		writeFrame(w, f)
	}
	flusher.Flush()

	ping := time.NewTicker(h.keepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case f := <-s.frames:
			if _, ok := replayed[f.id]; ok {
				delete(replayed, f.id)
				continue
			}
			writeFrame(w, f)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n") //nolint:errcheck
			flusher.Flush()
		}
	}
}

// replay returns history newer than lastID that matches f. An unknown or
// empty lastID replays nothing.
func (h *Hub) replay(lastID string, f filter) []frame {
	h.mu.RLock()
	bus := h.bus
	h.mu.RUnlock()
	if lastID == "" || bus == nil {
		return nil
	}
	history, err := bus.History("", replayHistoryCap)
	if err != nil {
		h.logger.Warn("sse replay", slog.Any("err", err))
		return nil
	}
	start := -1
	for i, ev := range history {
		if ev.ID == lastID {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil
	}
	var out []frame
	for _, ev := range history[start:] {
		if !f.match(ev) {
			continue
		}
		if fr, err := encode(ev); err == nil {
			out = append(out, fr)
		}
	}
	return out
}

func encode(ev *comms.Event) (frame, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return frame{}, err
	}
	return frame{id: ev.ID, event: ev.Type, data: data}, nil
}

// writeFrame writes f in SSE wire format. JSON output has no raw newlines,
// so data fits on one line.
func writeFrame(w http.ResponseWriter, f frame) {
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", f.id, f.event, f.data) //nolint:errcheck
}
