// Package testutil provides test utilities for the llm package.
// It includes mock implementations for testing chat client interactions.
package testutil

import (
	"context"
	"sync"

	"github.com/docuflow/docuflow/llm"
)

// MockChatClient is a thread-safe mock chat client for testing.
// It captures the requests passed to Chat() and returns configured
// responses in sequence.
//
// Usage:
//
//	// Single response mock
//	mock := &MockChatClient{
//	    Responses: []*llm.Response{
//	        {Content: "done", Model: "test-model"},
//	    },
//	}
//
//	// Tool-calling conversation (tool call, then final text)
//	mock := &MockChatClient{
//	    Responses: []*llm.Response{
//	        {ToolCalls: []llm.ToolCall{{ID: "c1", Name: "create_new_markdown_asset", Arguments: `{"name":"a.md","content":"x"}`}}},
//	        {Content: "All assets created."},
//	    },
//	}
type MockChatClient struct {
	mu            sync.Mutex
	Responses     []*llm.Response // Responses to return in sequence
	Err           error           // Error to return (takes precedence over Responses)
	requests      []llm.Request
	responseIndex int
}

// Chat returns the next response from Responses, or Err if set.
// Once Responses is exhausted the last response is repeated.
func (m *MockChatClient) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if m.Err != nil {
		return nil, m.Err
	}

	if len(m.Responses) == 0 {
		return &llm.Response{}, nil
	}

	resp := m.Responses[m.responseIndex]
	if m.responseIndex < len(m.Responses)-1 {
		m.responseIndex++
	}
	return resp, nil
}

// CallCount returns how many times Chat() was invoked.
func (m *MockChatClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of all captured requests.
func (m *MockChatClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent captured request, or nil.
func (m *MockChatClient) LastRequest() *llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	req := m.requests[len(m.requests)-1]
	return &req
}
