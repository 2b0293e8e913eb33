package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/courier/comms"
	"github.com/GoCodeAlone/courier/config"
	"github.com/GoCodeAlone/courier/task"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is a Notifier that records messages and fails the first
// failures calls.
type recorder struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []Message
}

func (r *recorder) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return errors.New("upstream 500")
	}
	r.sent = append(r.sent, msg)
	return nil
}

// completedTask enqueues, claims and completes a task in store.
func completedTask(t *testing.T, store task.Store, tk *task.Task, outcome task.Status, detail string) *task.Task {
	t.Helper()
	ctx := context.Background()
	id, err := store.Enqueue(ctx, tk)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, id, task.Transition{From: task.StatusPending, To: task.StatusProcessing, ClaimedBy: "c1"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	done, err := store.UpdateStatus(ctx, id, task.Transition{
		From: task.StatusProcessing, To: outcome, ClaimedBy: "c1", Owner: "c1", Detail: detail,
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	return done
}

func newStore(t *testing.T) task.Store {
	return task.NewFileStore(filepath.Join(t.TempDir(), "queue.json"))
}

func TestReporter_ReportTwiceSendsOnce(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	r := NewReporter(store, rec, quietLogger())
	done := completedTask(t, store, &task.Task{Instruction: "reply", Source: "slack:C1"}, task.StatusCompleted, "sent")

	for i := 0; i < 2; i++ {
		if err := r.Report(context.Background(), done); err != nil {
			t.Fatalf("Report #%d: %v", i+1, err)
		}
	}
	if len(rec.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(rec.sent))
	}
	if rec.sent[0].Platform != "slack" || rec.sent[0].Target != "C1" {
		t.Errorf("routed to %s:%s, want slack:C1", rec.sent[0].Platform, rec.sent[0].Target)
	}
}

func TestReporter_ConcurrentReportsSendOnce(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	r := NewReporter(store, rec, quietLogger())
	done := completedTask(t, store, &task.Task{Instruction: "reply", Source: "line:U1"}, task.StatusCompleted, "ok")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Report(context.Background(), done)
		}()
	}
	wg.Wait()
	if len(rec.sent) != 1 {
		t.Errorf("sent %d messages, want 1", len(rec.sent))
	}
}

func TestReporter_IgnoresNonTerminal(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	r := NewReporter(store, rec, quietLogger())
	tk := &task.Task{Instruction: "pending"}
	if _, err := store.Enqueue(context.Background(), tk); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := r.Report(context.Background(), tk); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if rec.calls != 0 {
		t.Errorf("notifier called %d times for a pending task", rec.calls)
	}
	got, _ := store.Get(context.Background(), tk.ID)
	if got.Notified {
		t.Error("pending task marked notified")
	}
}

func TestReporter_RetriesOnce(t *testing.T) {
	store := newStore(t)
	rec := &recorder{failures: 1}
	r := NewReporter(store, rec, quietLogger(), WithRetryDelay(time.Millisecond))
	done := completedTask(t, store, &task.Task{Instruction: "x", Source: "slack:C1"}, task.StatusFailed, "llm error")

	if err := r.Report(context.Background(), done); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if rec.calls != 2 {
		t.Errorf("calls = %d, want 2", rec.calls)
	}
	if len(rec.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(rec.sent))
	}
}

func TestReporter_GivesUpAfterRetry(t *testing.T) {
	store := newStore(t)
	rec := &recorder{failures: 10}
	r := NewReporter(store, rec, quietLogger(), WithRetryDelay(time.Millisecond))
	done := completedTask(t, store, &task.Task{Instruction: "x", Source: "slack:C1"}, task.StatusCompleted, "ok")

	if err := r.Report(context.Background(), done); err == nil {
		t.Fatal("expected error after exhausting retry")
	}
	if rec.calls != 2 {
		t.Errorf("calls = %d, want 2", rec.calls)
	}
	// A later Report must not resend.
	if err := r.Report(context.Background(), done); err != nil {
		t.Fatalf("second Report: %v", err)
	}
	if rec.calls != 2 {
		t.Errorf("calls after second Report = %d, want 2", rec.calls)
	}
	got, err := store.Get(context.Background(), done.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("Status = %q, want completed (notify failure must not touch the task)", got.Status)
	}
}

func TestReporter_ControlAcksDisabled(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	r := NewReporter(store, rec, quietLogger(), WithControlAcks(false))
	done := completedTask(t, store, &task.Task{CommandType: task.CommandStop, Source: "slack:C1"}, task.StatusCompleted, "paused")

	if err := r.Report(context.Background(), done); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if rec.calls != 0 {
		t.Errorf("calls = %d, want 0", rec.calls)
	}
}

func TestReporter_PublishesNotifiedEvent(t *testing.T) {
	store := newStore(t)
	bus := comms.NewInMemoryBus()
	r := NewReporter(store, &recorder{}, quietLogger(), WithBus(bus))
	done := completedTask(t, store, &task.Task{Instruction: "x", Source: "cli:local"}, task.StatusCompleted, "ok")

	if err := r.Report(context.Background(), done); err != nil {
		t.Fatalf("Report: %v", err)
	}
	hist, _ := bus.History(done.ID, 0)
	if len(hist) != 1 || hist[0].Type != comms.EventNotified {
		t.Errorf("history = %v, want one notified event", hist)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		task task.Task
		want string
	}{
		{"completed", task.Task{Instruction: "reply", Status: task.StatusCompleted, Detail: "sent"}, "✅ Done: reply\nsent"},
		{"failed", task.Task{Instruction: "reply", Status: task.StatusFailed, Detail: "quota"}, "❌ Failed: reply\nquota"},
		{"timeout", task.Task{Instruction: "reply", Status: task.StatusFailed, Detail: task.DetailTimeout}, "❌ Timed out: reply"},
		{"stop", task.Task{CommandType: task.CommandStop, Status: task.StatusCompleted}, "⏸ Paused. New instructions wait until resume."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(&tt.task); got != tt.want {
				t.Errorf("Format = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitSource(t *testing.T) {
	p, target := SplitSource("Slack:C0AG:thread")
	if p != "slack" || target != "C0AG:thread" {
		t.Errorf("SplitSource = %q, %q", p, target)
	}
	p, target = SplitSource("cli")
	if p != "cli" || target != "" {
		t.Errorf("SplitSource(cli) = %q, %q", p, target)
	}
}

func TestRouter(t *testing.T) {
	slack, fallback := &recorder{}, &recorder{}
	r := NewRouter(fallback)
	r.Handle("Slack", slack)
	ctx := context.Background()

	_ = r.Notify(ctx, Message{Platform: "slack", Text: "a"})
	_ = r.Notify(ctx, Message{Platform: "line", Text: "b"})
	if len(slack.sent) != 1 || len(fallback.sent) != 1 {
		t.Errorf("slack=%d fallback=%d, want 1 and 1", len(slack.sent), len(fallback.sent))
	}

	if err := NewRouter(nil).Notify(ctx, Message{Platform: "x"}); err == nil {
		t.Error("expected error without fallback")
	}
}

func TestSlack_Notify(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlack(SlackConfig{WebhookURL: srv.URL})
	long := strings.Repeat("a", 4000)
	if err := s.Notify(context.Background(), Message{Text: long}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if n := len([]rune(got["text"])); n != slackMaxText {
		t.Errorf("text runes = %d, want %d", n, slackMaxText)
	}
}

func TestSlack_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewSlack(SlackConfig{WebhookURL: srv.URL}).Notify(context.Background(), Message{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("Notify error = %v, want status 400", err)
	}
}

func TestLINE_Notify(t *testing.T) {
	var push linePush
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/bot/message/push" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer line-token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&push)
	}))
	defer srv.Close()

	l := NewLINE(LINEConfig{ChannelToken: "line-token", BaseURL: srv.URL})
	if err := l.Notify(context.Background(), Message{Target: "U123", Text: "done"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if push.To != "U123" || len(push.Messages) != 1 || push.Messages[0].Text != "done" {
		t.Errorf("push = %+v", push)
	}
	if err := l.Notify(context.Background(), Message{Text: "no target"}); err == nil {
		t.Error("expected error without target")
	}
}

func TestChatwork_Notify(t *testing.T) {
	var body url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/rooms/42/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("X-ChatWorkToken") != "cw-token" {
			t.Errorf("X-ChatWorkToken = %q", r.Header.Get("X-ChatWorkToken"))
		}
		_ = r.ParseForm()
		body = r.PostForm
	}))
	defer srv.Close()

	c := NewChatwork(ChatworkConfig{Token: "cw-token", BaseURL: srv.URL})
	if err := c.Notify(context.Background(), Message{Target: "42", Text: "done"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if body.Get("body") != "done" {
		t.Errorf("body = %q, want done", body.Get("body"))
	}
}

func TestNewRouterFromConfig(t *testing.T) {
	r := NewRouterFromConfig(config.NotifyConfig{SlackWebhookURL: "http://example.invalid"}, quietLogger())
	if _, ok := r.routes["slack"]; !ok {
		t.Error("slack route missing")
	}
	if _, ok := r.routes["line"]; ok {
		t.Error("line route registered without a token")
	}
}
