// Package llm provides the provider-selected LLM client used by the
// summarization workers. Exactly one call shape is needed — a single
// user prompt in, text plus a token count out — so the interface is a
// single Complete method rather than a chat abstraction.
package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/claude-memd/internal/settings"
)

// DefaultTimeout is the hard per-call deadline. The remote is never
// retried within a call; retries happen at the queue layer.
const DefaultTimeout = 60 * time.Second

// Temperature used for all summarization calls.
const Temperature = 0.3

// ErrNoAPIKey is returned when the selected provider has no API key
// configured.
var ErrNoAPIKey = errors.New("no API key configured")

// Request is a single completion request.
type Request struct {
	Prompt    string
	MaxTokens int
}

// Response is the provider-neutral result of a completion call.
type Response struct {
	Content     string
	TotalTokens int
}

// Client is the interface the workers consume.
type Client interface {
	// Complete sends one completion request, enforcing the per-call
	// deadline via context cancellation.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// FromSettings constructs the client selected by the settings
// document. Unknown provider values fall back to OpenRouter.
func FromSettings(s *settings.Settings, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	switch s.Provider() {
	case "gemini":
		return NewGeminiClient(s.GeminiAPIKey(), s.GeminiModel(), logger)
	case "openrouter":
		return NewOpenRouterClient(s.OpenRouterAPIKey(), s.OpenRouterModel(), logger)
	default:
		logger.Warn("unknown LLM provider, falling back to openrouter",
			"provider", s.Provider(),
		)
		return NewOpenRouterClient(s.OpenRouterAPIKey(), s.OpenRouterModel(), logger)
	}
}
