// Package agent drives a conversational model through bounded
// tool-calling iterations until natural termination or budget
// exhaustion. Tool failures are contained: malformed arguments, unknown
// tool names, and tool-internal errors all become textual tool results
// fed back to the model, never a crash of the loop.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docuflow/docuflow/llm"
)

// DefaultMaxIterations bounds the loop when no explicit budget is set.
const DefaultMaxIterations = 20

// ErrBudgetExhausted is returned when the loop hits its iteration budget
// without natural termination. It is non-fatal: callers still receive
// the partial transcript and final response candidate.
var ErrBudgetExhausted = errors.New("maximum iterations reached")

// ChatClient is the conversational model backend.
type ChatClient interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Tool describes a callable tool offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolFunc executes one tool call. The returned string is fed back to
// the model as the tool result.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// Result holds the outcome of one loop invocation.
type Result struct {
	// Messages is the user-visible transcript (assistant text messages).
	Messages []llm.Message
	// FinalResponse is the last assistant text captured before termination.
	FinalResponse string
	// Iterations is the number of model round-trips executed.
	Iterations int
	// Err is ErrBudgetExhausted, a transport error, or nil.
	Err error
}

// state enumerates the loop's phases. Terminated states are final.
type state int

const (
	stateAwaitingModel state = iota
	stateExecutingTools
	stateTerminatedOK
	stateTerminatedBudget
)

// Loop runs the bounded tool-calling protocol against a chat backend.
type Loop struct {
	chat          ChatClient
	maxIterations int
	temperature   *float64
	logger        *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxIterations sets the iteration budget.
func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

// WithTemperature sets the sampling temperature for model calls.
func WithTemperature(t float64) Option {
	return func(l *Loop) {
		l.temperature = &t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// NewLoop creates a loop over the given chat backend.
func NewLoop(chat ChatClient, opts ...Option) *Loop {
	l := &Loop{
		chat:          chat,
		maxIterations: DefaultMaxIterations,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the loop. The full ordered history, including the
// model's own prior tool calls and their results, is resent every
// iteration so the model can reason coherently about earlier results.
// Tool calls within one response execute sequentially in the order
// received; a response with zero tool calls terminates the loop.
// onMessage is an observability hook invoked for each assistant text
// message; it has no control-flow effect and may be nil.
func (l *Loop) Run(ctx context.Context, systemInstructions, userMessage string, tools []Tool, fns map[string]ToolFunc, onMessage func(string)) Result {
	toolDefs := make([]llm.ToolDefinition, len(tools))
	for i, t := range tools {
		toolDefs[i] = llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}

	history := []llm.Message{
		{Role: "system", Content: systemInstructions},
		{Role: "user", Content: userMessage},
	}

	var result Result
	current := stateAwaitingModel

	for result.Iterations < l.maxIterations {
		if current != stateAwaitingModel {
			break
		}
		result.Iterations++

		l.logger.Debug("Agent iteration", "iteration", result.Iterations)

		resp, err := l.chat.Chat(ctx, llm.Request{
			Messages:    history,
			Tools:       toolDefs,
			Temperature: l.temperature,
		})
		if err != nil {
			l.logger.Error("Chat backend error", "iteration", result.Iterations, "error", err)
			result.Err = fmt.Errorf("chat backend: %w", err)
			return result
		}

		// The assistant output joins the history verbatim, tool calls
		// included, before any tool executes.
		history = append(history, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if resp.Content != "" {
			result.FinalResponse = resp.Content
			result.Messages = append(result.Messages, llm.Message{
				Role:    "assistant",
				Content: resp.Content,
			})
			if onMessage != nil {
				onMessage(resp.Content)
			}
		}

		if len(resp.ToolCalls) == 0 {
			current = stateTerminatedOK
			break
		}

		current = stateExecutingTools
		l.logger.Debug("Executing tool calls", "count", len(resp.ToolCalls))

		for _, call := range resp.ToolCalls {
			output := l.executeTool(ctx, call, fns)
			history = append(history, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    output,
			})
		}

		current = stateAwaitingModel
	}

	if current == stateTerminatedOK {
		l.logger.Debug("Agent loop terminated", "iterations", result.Iterations, "final_response_len", len(result.FinalResponse))
		return result
	}

	// Budget exhausted: non-fatal, partial result stands.
	l.logger.Warn("Agent loop budget exhausted", "iterations", result.Iterations)
	result.Err = ErrBudgetExhausted
	return result
}

// executeTool resolves and invokes one tool call. Every failure mode
// maps to an error string so the loop continues.
func (l *Loop) executeTool(ctx context.Context, call llm.ToolCall, fns map[string]ToolFunc) string {
	fn, ok := fns[call.Name]
	if !ok {
		l.logger.Error("Unknown tool requested", "tool", call.Name)
		return fmt.Sprintf("Function %s not found", call.Name)
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			l.logger.Error("Malformed tool arguments", "tool", call.Name, "error", err)
			return fmt.Sprintf("Error executing function %s: invalid arguments: %v", call.Name, err)
		}
	}

	l.logger.Debug("Executing tool", "tool", call.Name, "call_id", call.ID)

	output, err := fn(ctx, args)
	if err != nil {
		l.logger.Error("Tool execution failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("Error executing function %s: %v", call.Name, err)
	}
	return output
}
