// Package notify delivers task outcomes back to the channel that raised
// them, at most once per task.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/GoCodeAlone/courier/task"
)

// Message is one outbound notification.
type Message struct {
	TaskID   string
	Platform string // "slack", "line", "chatwork", "cli", ...
	Target   string // channel, user or room id on that platform
	Text     string
}

// Notifier sends a Message to one platform.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg Message) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// SplitSource splits "<platform>:<target>". A source without a colon is
// treated as a bare platform.
func SplitSource(source string) (platform, target string) {
	platform, target, _ = strings.Cut(source, ":")
	return strings.ToLower(platform), target
}

// Router picks a Notifier by the platform prefix of the task source.
type Router struct {
	routes   map[string]Notifier
	fallback Notifier
}

// NewRouter returns a Router that falls back to fallback for unknown
// platforms. A nil fallback makes unknown platforms an error.
func NewRouter(fallback Notifier) *Router {
	return &Router{routes: make(map[string]Notifier), fallback: fallback}
}

// Handle registers n for platform.
func (r *Router) Handle(platform string, n Notifier) {
	r.routes[strings.ToLower(platform)] = n
}

// Notify forwards msg to the notifier registered for msg.Platform.
func (r *Router) Notify(ctx context.Context, msg Message) error {
	n, ok := r.routes[msg.Platform]
	if !ok {
		n = r.fallback
	}
	if n == nil {
		return fmt.Errorf("no notifier for platform %q", msg.Platform)
	}
	return n.Notify(ctx, msg)
}

// Log writes notifications to a logger. Used for cli sources and as the
// router fallback.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a Log notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Notify logs msg.
func (l *Log) Notify(_ context.Context, msg Message) error {
	l.logger.Info("task outcome",
		slog.String("task_id", msg.TaskID),
		slog.String("platform", msg.Platform),
		slog.String("target", msg.Target),
		slog.String("text", msg.Text),
	)
	return nil
}

// instructionExcerpt bounds the echoed instruction in a notification.
const instructionExcerpt = 80

// Format renders the user-facing text for a terminal task.
func Format(t *task.Task) string {
	switch t.CommandType {
	case task.CommandStop:
		return "⏸ Paused. New instructions wait until resume."
	case task.CommandResume:
		return "▶ Resumed."
	}

	var b strings.Builder
	switch {
	case t.Status == task.StatusCompleted:
		b.WriteString("✅ Done: ")
	case t.Detail == task.DetailTimeout:
		b.WriteString("❌ Timed out: ")
	default:
		b.WriteString("❌ Failed: ")
	}
	b.WriteString(truncate(t.Instruction, instructionExcerpt))
	if t.Detail != "" && t.Detail != task.DetailTimeout {
		b.WriteString("\n")
		b.WriteString(t.Detail)
	}
	return b.String()
}

// truncate caps s at n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
