package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docuflow/docuflow/llm"
	_ "github.com/docuflow/docuflow/llm/providers" // Register providers
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatResponse(content string, toolCalls []map[string]any) map[string]any {
	message := map[string]any{
		"role":    "assistant",
		"content": content,
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}
	return map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 1677652288,
		"model":   "test-model",
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       message,
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": 8,
			"total_tokens":      18,
		},
	}
}

func TestClient_Chat_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse("Hello! How can I help you?", nil))
	}))
	defer server.Close()

	client := llm.NewClient(llm.Endpoint{
		Provider: "ollama",
		URL:      server.URL,
		Model:    "test-model",
	})

	resp, err := client.Chat(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: "user", Content: "Hello"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help you?", resp.Content)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
}

func TestClient_Chat_ToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify tool schemas are forwarded
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		tools, ok := body["tools"].([]any)
		require.True(t, ok, "request should carry tools")
		require.Len(t, tools, 1)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse("", []map[string]any{
			{
				"id":   "call_1",
				"type": "function",
				"function": map[string]any{
					"name":      "create_new_markdown_asset",
					"arguments": `{"name":"summary.md","content":"# Summary"}`,
				},
			},
		}))
	}))
	defer server.Close()

	client := llm.NewClient(llm.Endpoint{Provider: "ollama", URL: server.URL, Model: "test-model"})

	resp, err := client.Chat(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "go"}},
		Tools: []llm.ToolDefinition{
			{
				Name:        "create_new_markdown_asset",
				Description: "Create a new markdown asset",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":    map[string]any{"type": "string"},
						"content": map[string]any{"type": "string"},
					},
					"required": []string{"name", "content"},
				},
			},
		},
	})

	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "create_new_markdown_asset", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"name":"summary.md","content":"# Summary"}`, resp.ToolCalls[0].Arguments)
}

func TestClient_Chat_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse("recovered", nil))
	}))
	defer server.Close()

	client := llm.NewClient(
		llm.Endpoint{Provider: "ollama", URL: server.URL, Model: "test-model"},
		llm.WithRetryConfig(llm.RetryConfig{
			Attempts:   3,
			Backoff:    time.Millisecond,
			BackoffCap: 5 * time.Millisecond,
		}),
	)

	resp, err := client.Chat(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Chat_FatalErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := llm.NewClient(llm.Endpoint{Provider: "ollama", URL: server.URL, Model: "test-model"})

	_, err := client.Chat(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})

	require.Error(t, err)
	assert.False(t, llm.Retryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Chat_RequiresMessages(t *testing.T) {
	client := llm.NewClient(llm.Endpoint{Provider: "ollama", URL: "http://localhost:1", Model: "m"})

	_, err := client.Chat(context.Background(), llm.Request{})
	require.Error(t, err)
}

func TestClient_Chat_UnknownProvider(t *testing.T) {
	client := llm.NewClient(llm.Endpoint{Provider: "nope", URL: "http://localhost:1", Model: "m"})

	_, err := client.Chat(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.False(t, llm.Retryable(err))
}
