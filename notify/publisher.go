// Package notify publishes fire-and-forget progress events over core
// NATS. Delivery is best-effort: a missing subscriber or a publish
// failure never affects workflow processing.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// DefaultChannel is the subject clients subscribe to for progress.
const DefaultChannel = "workflow_updates"

// Event is one progress notification for an execution or case.
type Event struct {
	ExecutionID string `json:"executionId"`
	Log         string `json:"log,omitempty"`
	Status      string `json:"status,omitempty"`
	AssetsReady bool   `json:"assetsReady,omitempty"`
}

// Event status values.
const (
	StatusProcessing = "PROCESSING"
	StatusDone       = "DONE"
	StatusError      = "ERROR"
)

// Publisher sends events on a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	channel string
	logger  *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithChannel overrides the publish subject.
func WithChannel(channel string) Option {
	return func(p *Publisher) {
		if channel != "" {
			p.channel = channel
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a progress publisher.
func NewPublisher(nc *nats.Conn, opts ...Option) *Publisher {
	p := &Publisher{
		nc:      nc,
		channel: DefaultChannel,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends one event. Failures are logged and swallowed.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if err := ctx.Err(); err != nil {
		p.logger.Warn("Skipping notification, context done", "execution_id", event.ExecutionID, "error", err)
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("Failed to marshal notification", "execution_id", event.ExecutionID, "error", err)
		return
	}

	if err := p.nc.Publish(p.channel, data); err != nil {
		p.logger.Warn("Failed to publish notification",
			"execution_id", event.ExecutionID,
			"channel", p.channel,
			"error", err)
	}
}

// AIMessage wraps agent-authored text in the marker clients use to
// render it distinctly from system progress lines.
func AIMessage(text string) string {
	return "<AI_MESSAGE>" + text + "</AI_MESSAGE>"
}
