package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/courier/config"
)

// Fallback tries each provider in order and returns the first success.
type Fallback struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallback creates a Fallback over providers.
func NewFallback(logger *slog.Logger, providers ...Provider) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{providers: providers, logger: logger}
}

// Name lists the chain, e.g. "anthropic>gemini".
func (f *Fallback) Name() string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, ">")
}

// Chat returns the first provider response that succeeds. When every
// provider fails the errors are joined.
func (f *Fallback) Chat(ctx context.Context, messages []Message) (*Response, error) {
	if len(f.providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	var errs []error
	for _, p := range f.providers {
		resp, err := p.Chat(ctx, messages)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		f.logger.Warn("provider failed, trying next", slog.String("provider", p.Name()), slog.Any("error", err))
	}
	return nil, errors.Join(errs...)
}

// FromConfig builds a Fallback from the provider names in order, skipping
// providers without an API key.
func FromConfig(order []string, cfg config.ProvidersConfig, logger *slog.Logger) (*Fallback, error) {
	var chain []Provider
	for _, name := range order {
		switch name {
		case "anthropic":
			if cfg.Anthropic.APIKey == "" {
				continue
			}
			chain = append(chain, NewAnthropicProvider(AnthropicConfig{
				APIKey:    cfg.Anthropic.APIKey,
				Model:     cfg.Anthropic.Model,
				BaseURL:   cfg.Anthropic.BaseURL,
				MaxTokens: cfg.Anthropic.MaxTokens,
			}))
		case "gemini":
			if cfg.Gemini.APIKey == "" {
				continue
			}
			chain = append(chain, NewGeminiProvider(GeminiConfig{
				APIKey:    cfg.Gemini.APIKey,
				Model:     cfg.Gemini.Model,
				BaseURL:   cfg.Gemini.BaseURL,
				MaxTokens: cfg.Gemini.MaxTokens,
			}))
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no provider has an API key (tried %s)", strings.Join(order, ", "))
	}
	return NewFallback(logger, chain...), nil
}
