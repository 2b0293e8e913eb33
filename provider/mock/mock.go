// Package mock is a scripted provider for tests and dry-run consumers.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/courier/provider"
)

const defaultResponse = "Task acknowledged."

// Step is one scripted reply. A non-nil Err fails that call.
type Step struct {
	Content string
	Err     error
}

// Provider replays a script, cycling when it runs out. With no script it
// echoes the last user message, which is what "courier poll --dry-run"
// reports back to the source.
type Provider struct {
	mu     sync.Mutex
	script []Step
	next   int
	calls  [][]provider.Message

	// Delay is waited before every reply, honoring ctx.
	Delay time.Duration
	// Echo replies with the last user message instead of defaultResponse
	// when the script is empty.
	Echo bool
}

// New returns a Provider that cycles through responses.
func New(responses ...string) *Provider {
	p := &Provider{}
	for _, r := range responses {
		p.script = append(p.script, Step{Content: r})
	}
	return p
}

// Scripted returns a Provider that plays steps in order, then cycles.
func Scripted(steps ...Step) *Provider {
	return &Provider{script: steps}
}

// Failing returns a Provider whose every call fails with err.
func Failing(err error) *Provider {
	return Scripted(Step{Err: err})
}

// EchoProvider returns a Provider that drafts nothing and returns the
// instruction it was given.
func EchoProvider() *Provider {
	return &Provider{Echo: true}
}

func (m *Provider) Name() string { return "mock" }

func (m *Provider) Chat(ctx context.Context, messages []provider.Message) (*provider.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, messages)
	step := m.step(messages)
	m.mu.Unlock()

	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &provider.Response{Content: step.Content, Provider: m.Name()}, nil
}

// step picks the reply for this call. Callers hold m.mu.
func (m *Provider) step(messages []provider.Message) Step {
	if len(m.script) > 0 {
		s := m.script[m.next%len(m.script)]
		m.next++
		return s
	}
	if m.Echo {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == provider.RoleUser {
				return Step{Content: "[dry run] " + strings.TrimSpace(messages[i].Content)}
			}
		}
	}
	return Step{Content: defaultResponse}
}

// Calls returns the message lists Chat received, oldest first.
func (m *Provider) Calls() [][]provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]provider.Message(nil), m.calls...)
}
