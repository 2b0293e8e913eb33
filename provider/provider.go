// Package provider defines the LLM backends a consumer drafts replies with.
package provider

import "context"

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Response is a completed provider response.
type Response struct {
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Usage    Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Provider is an LLM backend.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "gemini", "mock").
	Name() string

	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, messages []Message) (*Response, error)
}

// splitSystem separates the system prompt from the conversation turns.
// Both supported APIs take the system prompt as a separate field.
func splitSystem(messages []Message) (system string, turns []Message) {
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			system = msg.Content
			continue
		}
		turns = append(turns, msg)
	}
	return system, turns
}
