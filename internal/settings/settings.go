// Package settings loads the shared claude-mem settings document. The
// hooks, the CLI installer, and this daemon all read the same
// settings.json, so the key names are part of the external contract
// and use the CLAUDE_MEM_ prefix verbatim.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
)

// Recognized keys. Environment variables of the same names override
// the file, which lets one-off runs switch providers without editing
// the shared document.
const (
	KeyProvider        = "CLAUDE_MEM_PROVIDER"
	KeyOpenRouterKey   = "CLAUDE_MEM_OPENROUTER_API_KEY"
	KeyOpenRouterModel = "CLAUDE_MEM_OPENROUTER_MODEL"
	KeyGeminiKey       = "CLAUDE_MEM_GEMINI_API_KEY"
	KeyGeminiModel     = "CLAUDE_MEM_GEMINI_MODEL"
)

// Defaults applied when a key is absent from both file and environment.
const (
	DefaultProvider        = "openrouter"
	DefaultOpenRouterModel = "openai/gpt-4o-mini"
	DefaultGeminiModel     = "gemini-2.0-flash"
)

// Settings is a flat key-value view over settings.json. Unknown keys
// are preserved on load so future tooling can add its own.
type Settings struct {
	values map[string]string
}

// Load reads the settings document at path. A missing file is not an
// error — every key falls back to environment and defaults.
func Load(path string) (*Settings, error) {
	s := &Settings{values: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}

	return s, nil
}

// Get returns the value for key, with environment taking precedence
// over the file. Returns "" when unset in both.
func (s *Settings) Get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if s == nil {
		return ""
	}
	return s.values[key]
}

// Provider returns the configured LLM provider name. Unknown values
// are returned as-is; the client layer falls back to openrouter.
func (s *Settings) Provider() string {
	if v := s.Get(KeyProvider); v != "" {
		return v
	}
	return DefaultProvider
}

// OpenRouterAPIKey returns the OpenRouter API key, or "" when not configured.
func (s *Settings) OpenRouterAPIKey() string {
	return s.Get(KeyOpenRouterKey)
}

// OpenRouterModel returns the OpenRouter model identifier.
func (s *Settings) OpenRouterModel() string {
	if v := s.Get(KeyOpenRouterModel); v != "" {
		return v
	}
	return DefaultOpenRouterModel
}

// GeminiAPIKey returns the Gemini API key, or "" when not configured.
func (s *Settings) GeminiAPIKey() string {
	return s.Get(KeyGeminiKey)
}

// GeminiModel returns the Gemini model identifier.
func (s *Settings) GeminiModel() string {
	if v := s.Get(KeyGeminiModel); v != "" {
		return v
	}
	return DefaultGeminiModel
}
