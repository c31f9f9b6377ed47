package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nugget/claude-memd/internal/httpkit"
)

const openRouterAPIURL = "https://openrouter.ai/api/v1/chat/completions"

// OpenRouterClient calls the OpenRouter chat-completions API.
type OpenRouterClient struct {
	apiKey     string
	model      string
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenRouterClient creates an OpenRouter client for the given model.
func NewOpenRouterClient(apiKey, model string, logger *slog.Logger) *OpenRouterClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenRouterClient{
		apiKey: apiKey,
		model:  model,
		apiURL: openRouterAPIURL,
		logger: logger.With("provider", "openrouter"),
		// No client-level timeout — the per-call ctx deadline governs.
		httpClient: httpkit.NewClient(0),
	}
}

type openRouterRequest struct {
	Model       string              `json:"model"`
	Messages    []openRouterMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterResponse struct {
	Choices []struct {
		Message openRouterMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends one chat-completion request.
func (c *OpenRouterClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("openrouter: %w", ErrNoAPIKey)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	body := openRouterRequest{
		Model:       c.model,
		Messages:    []openRouterMessage{{Role: "user", Content: req.Prompt}},
		Temperature: Temperature,
		MaxTokens:   req.MaxTokens,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openrouter request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("openrouter API error %d: %s", resp.StatusCode, excerpt)
	}

	var orResp openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&orResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var content string
	if len(orResp.Choices) > 0 {
		content = orResp.Choices[0].Message.Content
	}

	c.logger.Debug("completion finished",
		"model", c.model,
		"content_len", len(content),
		"total_tokens", orResp.Usage.TotalTokens,
	)

	return &Response{
		Content:     content,
		TotalTokens: orResp.Usage.TotalTokens,
	}, nil
}
