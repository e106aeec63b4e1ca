// Package llm provides a provider-agnostic chat client with retry support
// and structured tool calling against OpenAI-compatible backends.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client is a provider-agnostic chat client with retry support.
type Client struct {
	endpoint    Endpoint
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// Endpoint identifies the configured model backend.
type Endpoint struct {
	// Provider is the registered provider name ("openai", "ollama").
	Provider string
	// URL is the API base URL.
	URL string
	// Model is the model identifier sent to the backend.
	Model string
}

// Message represents a chat message. Assistant messages may carry tool
// calls; tool messages carry the result of one call, correlated by
// ToolCallID.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", or "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured request from the model to invoke a named
// function. Arguments is the raw JSON string as returned by the model;
// it may be malformed and must be parsed defensively.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable tool in the schema format the
// backend expects for function calling.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request defines a chat completion request.
type Request struct {
	// Messages is the full ordered history to send to the model.
	Messages []Message

	// Tools are the tool schemas offered to the model. Empty disables
	// function calling.
	Tools []ToolDefinition

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for a chat call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the chat completion result.
type Response struct {
	// Content is the generated text, empty when the model only called tools.
	Content string

	// ToolCalls are the tool invocations the model requested, in order.
	ToolCalls []ToolCall

	// Model is the actual model that was used.
	Model string

	// Usage contains token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// RetryConfig bounds the client's retry loop for transient failures.
type RetryConfig struct {
	// Attempts is the total number of tries per request.
	Attempts int

	// Backoff is the delay before the first retry; it doubles after
	// each failed attempt.
	Backoff time.Duration

	// BackoffCap limits the grown delay.
	BackoffCap time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// NewClient creates a new chat client for the given endpoint.
func NewClient(endpoint Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		retryConfig: RetryConfig{
			Attempts:   3,
			Backoff:    2 * time.Second,
			BackoffCap: 30 * time.Second,
		},
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for LLM responses
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Chat sends a chat completion request, handling retry logic.
func (c *Client) Chat(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.Attempts; attempt++ {
		resp, err := c.doRequest(ctx, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if !Retryable(err) {
			return nil, err
		}

		if attempt < c.retryConfig.Attempts {
			backoff := c.backoff(attempt)
			c.logger.Debug("Chat request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.Attempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("chat request failed after %d attempts: %w", c.retryConfig.Attempts, lastErr)
}

// backoff doubles the base delay per prior attempt, clamps it at the
// cap, and jitters +/- 25% so parallel workers do not retry in step.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.retryConfig.Backoff
	for i := 1; i < attempt && delay < c.retryConfig.BackoffCap; i++ {
		delay *= 2
	}
	if delay > c.retryConfig.BackoffCap {
		delay = c.retryConfig.BackoffCap
	}

	jitter := float64(delay) * 0.25 * (rand.Float64()*2 - 1)
	return delay + time.Duration(jitter)
}

// doRequest executes a single HTTP request to the chat endpoint.
func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	provider := lookupProvider(c.endpoint.Provider)
	if provider == nil {
		return nil, Fatal(fmt.Errorf("unknown provider: %s", c.endpoint.Provider))
	}

	url := provider.BuildURL(c.endpoint.URL)

	body, err := provider.BuildRequestBody(c.endpoint.Model, req.Messages, req.Temperature, req.MaxTokens, req.Tools)
	if err != nil {
		return nil, Fatal(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending chat request",
		"provider", c.endpoint.Provider,
		"model", c.endpoint.Model,
		"url", url,
		"messages", len(req.Messages),
		"tools", len(req.Tools))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Fatal(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, Transient(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, Transient(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return provider.ParseResponse(respBody, c.endpoint.Model)
}

// classifyHTTPError maps rate limiting and upstream failures to
// transient; everything else, auth and bad requests included, is final.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("chat backend returned status %d: %s", statusCode, bodyStr)

	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return Transient(err)
	}
	return Fatal(err)
}
