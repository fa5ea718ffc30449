// Package llm is the HTTP client for the chat-completions endpoint the
// agent controller and builtin nodes plan with. The kernel itself never
// interprets model output; callers own parsing.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tempoworks/tempo/pkg/config"
	"github.com/tempoworks/tempo/pkg/metrics"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat turn on the wire.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a function invocation the model requested.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool advertises a callable function to the model, or enables a
// provider-side capability such as web search.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function,omitzero"`
}

// WebSearchTool enables provider-side web search for one completion.
func WebSearchTool() Tool {
	return Tool{Type: "web_search"}
}

// ToolFunction describes one function: name, purpose, parameter schema.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// NewTool builds a function tool definition.
func NewTool(name, description string, parameters map[string]any) Tool {
	return Tool{Type: "function", Function: ToolFunction{Name: name, Description: description, Parameters: parameters}}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client calls the chat-completions endpoint with retries. Safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	logger     *slog.Logger
}

// NewClient builds a client from configuration.
func NewClient(cfg config.LLMConfig, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: maxRetries,
		logger:     logger.With("component", "llm_client"),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Chat runs one non-streaming completion. Transport errors and 5xx
// responses retry with exponential backoff; 4xx responses fail fast.
func (c *Client) Chat(ctx context.Context, messages []Message, tools []Tool) (*Message, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Tools:    tools,
		Stream:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			c.logger.Warn("Retrying LLM request", "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		msg, retryable, err := c.doChat(ctx, body)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	metrics.LLMRequests.WithLabelValues("error").Inc()
	return nil, fmt.Errorf("llm request failed after retries: %w", lastErr)
}

func (c *Client) doChat(ctx context.Context, body []byte) (*Message, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("chat request transport error: %w", err)
	}
	defer resp.Body.Close()
	metrics.LLMRequestSeconds.Observe(time.Since(start).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read chat response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode, truncate(data, 200))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, false, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return nil, false, fmt.Errorf("chat endpoint error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, false, fmt.Errorf("chat response has no choices")
	}

	metrics.LLMRequests.WithLabelValues("success").Inc()
	msg := parsed.Choices[0].Message
	return &msg, false, nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
