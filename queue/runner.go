// Package queue runs named background jobs over a durable JetStream
// work queue. Jobs survive process restarts; failed handlers are
// redelivered with exponential backoff until the delivery budget is
// exhausted.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/docuflow/docuflow/metrics"
)

// Defaults for the job stream and consumer.
const (
	DefaultStream   = "DOCUFLOW_JOBS"
	DefaultConsumer = "docuflow-workers"

	subjectPrefix = "jobs."
)

// Job is the wire envelope for one enqueued job.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one job delivery. A nil return acks the job; an
// error schedules a retry unless wrapped with Permanent.
type Handler func(ctx context.Context, job Job) error

// Runner owns the job stream, enqueues jobs, and dispatches deliveries
// to registered handlers.
type Runner struct {
	js       jetstream.JetStream
	stream   string
	consumer string
	ackWait  time.Duration
	retry    RetryPolicy
	logger   *slog.Logger

	handlers map[string]Handler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithStream overrides the stream name.
func WithStream(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.stream = name
		}
	}
}

// WithConsumer overrides the durable consumer name.
func WithConsumer(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.consumer = name
		}
	}
}

// WithAckWait overrides how long a delivery may run before redelivery.
func WithAckWait(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.ackWait = d
		}
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Runner) {
		r.retry = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a runner and ensures the job stream exists.
func NewRunner(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Runner, error) {
	r := &Runner{
		js:       js,
		stream:   DefaultStream,
		consumer: DefaultConsumer,
		ackWait:  10 * time.Minute,
		retry:    DefaultRetryPolicy(),
		logger:   slog.Default(),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      r.stream,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", r.stream, err)
	}

	return r, nil
}

// Register binds a handler to a job name. Must be called before Start.
func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Enqueue publishes a job and returns its ID. Args must marshal to
// JSON.
func (r *Runner) Enqueue(ctx context.Context, name string, args any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal job args: %w", err)
	}

	job := Job{
		ID:         uuid.New().String(),
		Name:       name,
		Args:       raw,
		EnqueuedAt: time.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	if _, err := r.js.Publish(ctx, subjectPrefix+name, data); err != nil {
		return "", fmt.Errorf("publish job %s: %w", name, err)
	}

	r.logger.Debug("Job enqueued", "job", name, "job_id", job.ID)
	return job.ID, nil
}

// Start creates the durable consumer and begins dispatching jobs until
// the context is cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runner already running")
	}
	r.running = true
	subCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	stream, err := r.js.Stream(subCtx, r.stream)
	if err != nil {
		r.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", r.stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       r.consumer,
		FilterSubject: subjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       r.ackWait,
		MaxDeliver:    r.retry.MaxAttempts,
	})
	if err != nil {
		r.rollbackStart(cancel)
		return fmt.Errorf("create consumer %s: %w", r.consumer, err)
	}

	go r.consumeLoop(subCtx, consumer)

	r.logger.Info("Job runner started",
		"stream", r.stream,
		"consumer", r.consumer,
		"max_deliver", r.retry.MaxAttempts)
	return nil
}

func (r *Runner) rollbackStart(cancel context.CancelFunc) {
	r.mu.Lock()
	r.running = false
	r.cancel = nil
	close(r.done)
	r.mu.Unlock()
	cancel()
}

// Stop halts dispatching. In-flight handlers are cancelled via context.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	done := r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-done
	r.logger.Info("Job runner stopped")
}

func (r *Runner) consumeLoop(ctx context.Context, consumer jetstream.Consumer) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			r.handleMessage(ctx, msg)
		}
	}
}

func (r *Runner) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			r.logger.Warn("Failed to NAK message during shutdown", "error", err)
		}
		return
	}

	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		// An unparseable job can never succeed
		r.logger.Error("Failed to parse job envelope", "error", err)
		r.ack(msg, "unparseable")
		metrics.JobsProcessed.WithLabelValues("unparseable", "permanent").Inc()
		return
	}

	attempt := Attempt{Number: 1, Max: r.retry.MaxAttempts}
	if meta, err := msg.Metadata(); err == nil {
		attempt.Number = int(meta.NumDelivered)
	}

	r.mu.Lock()
	handler, ok := r.handlers[job.Name]
	r.mu.Unlock()
	if !ok {
		r.logger.Error("No handler registered for job", "job", job.Name, "job_id", job.ID)
		r.ack(msg, job.Name)
		metrics.JobsProcessed.WithLabelValues(job.Name, "permanent").Inc()
		return
	}

	r.logger.Info("Processing job",
		"job", job.Name,
		"job_id", job.ID,
		"attempt", attempt.Number,
		"max_attempts", attempt.Max)

	start := time.Now()
	err := handler(WithAttempt(ctx, attempt), job)
	metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		r.ack(msg, job.Name)
		metrics.JobsProcessed.WithLabelValues(job.Name, "ok").Inc()

	case IsPermanent(err):
		r.logger.Error("Job failed permanently",
			"job", job.Name,
			"job_id", job.ID,
			"error", err)
		r.ack(msg, job.Name)
		metrics.JobsProcessed.WithLabelValues(job.Name, "permanent").Inc()

	case attempt.Final():
		r.logger.Error("Job retries exhausted",
			"job", job.Name,
			"job_id", job.ID,
			"attempts", attempt.Number,
			"error", err)
		r.ack(msg, job.Name)
		metrics.JobsProcessed.WithLabelValues(job.Name, "exhausted").Inc()

	default:
		delay := r.retry.Delay(attempt.Number)
		r.logger.Warn("Job failed, scheduling retry",
			"job", job.Name,
			"job_id", job.ID,
			"attempt", attempt.Number,
			"retry_in", delay,
			"error", err)
		if nakErr := msg.NakWithDelay(delay); nakErr != nil {
			r.logger.Warn("Failed to NAK message", "error", nakErr)
		}
		metrics.JobsProcessed.WithLabelValues(job.Name, "retry").Inc()
		metrics.JobRetries.WithLabelValues(job.Name).Inc()
	}
}

func (r *Runner) ack(msg jetstream.Msg, job string) {
	if err := msg.Ack(); err != nil {
		r.logger.Warn("Failed to ACK message", "job", job, "error", err)
	}
}
