package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// Known context windows per model. Unknown models fall back to 128k.
var modelContextWindows = map[string]int{
	"gpt-4o":              128_000,
	"gpt-4-turbo":         128_000,
	"gpt-4":               32_000,
	"gpt-3.5-turbo":       16_385,
	"mistral-large-2411":  128_000,
	"mistral-large-latest": 128_000,
	"open-mistral-nemo":   128_000,
	"codestral-latest":    256_000,
}

const defaultContextWindow = 128_000

// OpenAI is a chat-completions client for OpenAI and API-compatible
// endpoints (Azure deployments, Mistral, local gateways) via base URL
// override.
type OpenAI struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature *float64
	httpClient  *http.Client
}

// OpenAIOption configures the client.
type OpenAIOption func(*OpenAI)

// WithBaseURL overrides the API endpoint (no trailing slash).
func WithBaseURL(url string) OpenAIOption {
	return func(c *OpenAI) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *OpenAI) { c.httpClient = hc }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) OpenAIOption {
	return func(c *OpenAI) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) OpenAIOption {
	return func(c *OpenAI) { c.temperature = &t }
}

// NewOpenAI creates a client for the given model.
// Falls back to the OPENAI_API_KEY environment variable when apiKey is empty.
func NewOpenAI(apiKey, model string, opts ...OpenAIOption) *OpenAI {
	c := &OpenAI{
		baseURL:    defaultOpenAIEndpoint,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		c.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return c
}

// Model returns the configured model identifier.
func (c *OpenAI) Model() string {
	return c.model
}

// ContextWindow implements Client.
func (c *OpenAI) ContextWindow() int {
	if n, ok := modelContextWindows[c.model]; ok {
		return n
	}
	return defaultContextWindow
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete implements Client.
func (c *OpenAI) Complete(ctx context.Context, messages []Message) (Message, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return Message{}, NewError("complete", fmt.Errorf("encode request: %w", err), false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Message{}, NewError("complete", err, false)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, NewError("complete", ctx.Err(), false)
		}
		return Message{}, NewError("complete", err, true)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Message{}, NewError("complete", fmt.Errorf("read response: %w", err), true)
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		var parsed chatResponse
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return Message{}, NewError("complete", fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg), retryable)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Message{}, NewError("complete", fmt.Errorf("decode response: %w", err), false)
	}
	if len(parsed.Choices) == 0 {
		return Message{}, NewError("complete", fmt.Errorf("empty choices in response"), false)
	}

	reply := parsed.Choices[0].Message
	if reply.Role == "" {
		reply.Role = RoleAssistant
	}
	return reply, nil
}
