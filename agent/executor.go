package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/courier/notify"
	"github.com/GoCodeAlone/courier/provider"
	"github.com/GoCodeAlone/courier/task"
)

// ProviderExecutor drafts the reply an instruction asks for with an LLM.
type ProviderExecutor struct {
	Provider     provider.Provider
	SystemPrompt string
}

// Execute sends the instruction to the provider and returns its reply.
func (e *ProviderExecutor) Execute(ctx context.Context, t *task.Task) (string, error) {
	resp, err := e.Provider.Chat(ctx, e.buildMessages(t))
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", fmt.Errorf("%s returned an empty reply", e.Provider.Name())
	}
	return content, nil
}

// buildMessages constructs the conversation for a task.
func (e *ProviderExecutor) buildMessages(t *task.Task) []provider.Message {
	sysPrompt := "You are a secretary agent."
	if e.SystemPrompt != "" {
		sysPrompt = e.SystemPrompt
	}

	var content strings.Builder
	content.WriteString("Instruction: ")
	content.WriteString(t.Instruction)
	if platform, target := notify.SplitSource(t.Source); platform != "" {
		content.WriteString("\n\nReceived via ")
		content.WriteString(platform)
		if target != "" {
			content.WriteString(" (")
			content.WriteString(target)
			content.WriteString(")")
		}
	}
	return []provider.Message{
		{Role: provider.RoleSystem, Content: sysPrompt},
		{Role: provider.RoleUser, Content: content.String()},
	}
}
