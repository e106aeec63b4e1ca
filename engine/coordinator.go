// Package engine owns the workflow execution lifecycle: extract the
// execution's assets, drive the agent loop over the assembled context,
// and finalize status. Executions run as retryable background jobs; a
// per-execution lease keeps concurrent reruns from racing.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/docuflow/docuflow/agent"
	"github.com/docuflow/docuflow/extract"
	"github.com/docuflow/docuflow/llm"
	"github.com/docuflow/docuflow/metrics"
	"github.com/docuflow/docuflow/notify"
	"github.com/docuflow/docuflow/queue"
	"github.com/docuflow/docuflow/storage"
	"github.com/docuflow/docuflow/template"
)

// JobStartExecution is the queue job name for running an execution.
const JobStartExecution = "start_execution"

// ExecutionArgs identifies the execution a job operates on.
type ExecutionArgs struct {
	ExecutionID string `json:"execution_id"`
}

// Store is the storage surface the coordinator needs.
type Store interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	UpdateExecution(ctx context.Context, e *storage.Execution) error
	GetWorkflow(ctx context.Context, id string) (*storage.Workflow, error)
	PutWorkflow(ctx context.Context, w *storage.Workflow) error
	ListAssetsByExecution(ctx context.Context, executionID string) ([]*storage.Asset, error)
	GetAsset(ctx context.Context, id string) (*storage.Asset, error)
	UpdateAsset(ctx context.Context, a *storage.Asset) error
	CreateAsset(ctx context.Context, a *storage.Asset) (string, error)
	AppendMessage(ctx context.Context, m *storage.Message) (string, error)
}

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, args any) (string, error)
}

// ChatClient is the conversational model backend.
type ChatClient interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Notifier publishes best-effort progress events.
type Notifier interface {
	Publish(ctx context.Context, event notify.Event)
}

// Extractor turns asset files into text.
type Extractor interface {
	Supported(path string) bool
	Extract(ctx context.Context, path, hint string) (string, error)
}

// Coordinator runs workflow executions.
type Coordinator struct {
	store     Store
	enqueuer  Enqueuer
	chat      ChatClient
	extractor Extractor
	notifier  Notifier
	leaser    Leaser
	templates *template.Store

	maxIterations int
	temperature   *float64
	logger        *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxIterations sets the agent loop budget.
func WithMaxIterations(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithTemperature sets the model sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Coordinator) {
		c.temperature = &t
	}
}

// WithTemplates sets the shared template store used by use_template.
func WithTemplates(store *template.Store) Option {
	return func(c *Coordinator) {
		c.templates = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator creates an execution coordinator.
func NewCoordinator(store Store, enqueuer Enqueuer, chat ChatClient, extractor Extractor, notifier Notifier, leaser Leaser, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         store,
		enqueuer:      enqueuer,
		chat:          chat,
		extractor:     extractor,
		notifier:      notifier,
		leaser:        leaser,
		maxIterations: agent.DefaultMaxIterations,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register binds the coordinator's handlers onto the runner.
func (c *Coordinator) Register(runner *queue.Runner) {
	runner.Register(JobStartExecution, c.handleStart)
	runner.Register(JobRequestChanges, c.handleRequestChanges)
	runner.Register(JobProcessExamples, c.handleProcessExamples)
}

// Submit enqueues an execution run.
func (c *Coordinator) Submit(ctx context.Context, executionID string) error {
	if _, err := c.enqueuer.Enqueue(ctx, JobStartExecution, ExecutionArgs{ExecutionID: executionID}); err != nil {
		return fmt.Errorf("enqueue execution: %w", err)
	}
	return nil
}

// Rerun resets a finished execution to PENDING and resubmits it.
// Previously-DONE assets are preserved, so the rerun only redoes
// unfinished work.
func (c *Coordinator) Rerun(ctx context.Context, executionID string) error {
	e, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if e.Status != storage.ExecutionDone && e.Status != storage.ExecutionError {
		return fmt.Errorf("execution %s is %s, only DONE or ERROR can be rerun", executionID, e.Status)
	}
	e.Status = storage.ExecutionPending
	e.FinishedAt = nil
	if err := c.store.UpdateExecution(ctx, e); err != nil {
		return fmt.Errorf("reset execution: %w", err)
	}
	return c.Submit(ctx, executionID)
}

// handleStart runs one execution end to end.
func (c *Coordinator) handleStart(ctx context.Context, job queue.Job) error {
	var args ExecutionArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return queue.Permanent(fmt.Errorf("parse args: %w", err))
	}

	release, ok, err := c.leaser.Acquire(ctx, args.ExecutionID)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		// Another worker is already running this execution. Ack and let
		// the active run finish.
		c.logger.Warn("Execution already leased, skipping", "execution_id", args.ExecutionID)
		return nil
	}
	defer release()

	e, err := c.store.GetExecution(ctx, args.ExecutionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("execution %s: %w", args.ExecutionID, err))
		}
		return fmt.Errorf("load execution: %w", err)
	}

	now := time.Now()
	e.Status = storage.ExecutionInProgress
	e.StartedAt = &now
	e.GenerationLog += "Starting workflow execution\n"
	if err := c.store.UpdateExecution(ctx, e); err != nil {
		return fmt.Errorf("mark execution started: %w", err)
	}
	c.notifier.Publish(ctx, notify.Event{
		ExecutionID: e.ID,
		Log:         "Starting workflow execution\n",
		Status:      notify.StatusProcessing,
	})

	wf, err := c.store.GetWorkflow(ctx, e.WorkflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.fail(ctx, e, queue.Permanent(fmt.Errorf("workflow %s: %w", e.WorkflowID, err)))
		}
		return c.fail(ctx, e, fmt.Errorf("load workflow: %w", err))
	}

	assets, err := c.store.ListAssetsByExecution(ctx, e.ID)
	if err != nil {
		return c.fail(ctx, e, fmt.Errorf("list assets: %w", err))
	}

	c.extractAssets(ctx, e, wf, assets)

	// Reload so the agent sees the freshly extracted text
	assets, err = c.store.ListAssetsByExecution(ctx, e.ID)
	if err != nil {
		return c.fail(ctx, e, fmt.Errorf("reload assets: %w", err))
	}

	uploads := make([]*storage.Asset, 0, len(assets))
	for _, a := range assets {
		if a.Origin == storage.OriginUpload {
			uploads = append(uploads, a)
		}
	}

	tools, fns := c.bindTools(e, wf)
	loopOpts := []agent.Option{
		agent.WithMaxIterations(c.maxIterations),
		agent.WithLogger(c.logger),
	}
	if c.temperature != nil {
		loopOpts = append(loopOpts, agent.WithTemperature(*c.temperature))
	}
	loop := agent.NewLoop(c.chat, loopOpts...)

	result := loop.Run(ctx,
		buildSystemInstructions(wf),
		buildUserMessage(uploads),
		tools, fns, nil)
	metrics.AgentIterations.Observe(float64(result.Iterations))

	// Persist the transcript the loop produced
	for _, msg := range result.Messages {
		if _, err := c.store.AppendMessage(ctx, &storage.Message{
			ExecutionID: e.ID,
			Role:        msg.Role,
			Content:     msg.Content,
		}); err != nil {
			c.logger.Error("Failed to persist transcript message", "execution_id", e.ID, "error", err)
		}
	}

	if result.Err != nil {
		// Budget exhaustion and transport errors are non-fatal: the
		// execution still finalizes DONE with whatever was produced.
		c.logger.Warn("Agent loop ended with error",
			"execution_id", e.ID,
			"iterations", result.Iterations,
			"error", result.Err)
		c.appendLog(ctx, e, fmt.Sprintf("<error>%v</error>\n", result.Err))
	}
	if result.FinalResponse != "" {
		e.Summary = result.FinalResponse
	}

	finish := time.Now()
	e.Status = storage.ExecutionDone
	e.FinishedAt = &finish
	e.GenerationLog += "Workflow execution finished\n"
	if err := c.store.UpdateExecution(ctx, e); err != nil {
		return c.fail(ctx, e, fmt.Errorf("finalize execution: %w", err))
	}
	c.notifier.Publish(ctx, notify.Event{
		ExecutionID: e.ID,
		Log:         "Workflow execution finished\n",
		Status:      notify.StatusDone,
		AssetsReady: true,
	})

	c.logger.Info("Execution finished",
		"execution_id", e.ID,
		"iterations", result.Iterations)
	return nil
}

// extractAssets runs the extraction dispatcher over every unfinished
// asset. One failing asset does not abort the others.
func (c *Coordinator) extractAssets(ctx context.Context, e *storage.Execution, wf *storage.Workflow, assets []*storage.Asset) {
	for _, a := range assets {
		if a.Status == storage.AssetDone || a.Origin == storage.OriginAI {
			continue
		}
		if !c.extractor.Supported(a.Path) {
			c.logger.Warn("Skipping unsupported asset",
				"execution_id", e.ID, "asset", a.Name)
			continue
		}

		if isAudioPath(a.Path) {
			c.notifier.Publish(ctx, notify.Event{
				ExecutionID: e.ID,
				Log:         fmt.Sprintf("Transcribing %s\n", a.Name),
				Status:      notify.StatusProcessing,
			})
		}

		hint := strings.TrimSpace(wf.Description + " " + a.Brief)
		text, err := c.extractor.Extract(ctx, a.Path, hint)
		if err != nil {
			c.logger.Error("Asset extraction failed",
				"execution_id", e.ID, "asset", a.Name, "error", err)
			a.Status = storage.AssetError
			if uerr := c.store.UpdateAsset(ctx, a); uerr != nil {
				c.logger.Error("Failed to mark asset error", "asset", a.Name, "error", uerr)
			}
			c.appendLog(ctx, e, fmt.Sprintf("<error>Extraction of %s failed: %v</error>\n", a.Name, err))
			metrics.Extractions.WithLabelValues(string(a.Kind), "error").Inc()
			continue
		}

		a.ExtractedText = text
		a.Status = storage.AssetDone
		if err := c.store.UpdateAsset(ctx, a); err != nil {
			c.logger.Error("Failed to persist extracted asset", "asset", a.Name, "error", err)
			continue
		}
		metrics.Extractions.WithLabelValues(string(a.Kind), "ok").Inc()

		c.appendLog(ctx, e, fmt.Sprintf("Extracted %s\n", a.Name))
		c.notifier.Publish(ctx, notify.Event{
			ExecutionID: e.ID,
			Log:         fmt.Sprintf("Extracted %s\n", a.Name),
			Status:      notify.StatusProcessing,
		})
	}
}

// fail marks the execution ERROR and returns the original error so the
// job runner schedules a retry (or acks a permanent failure).
func (c *Coordinator) fail(ctx context.Context, e *storage.Execution, cause error) error {
	e.Status = storage.ExecutionError
	e.StatusMessage = cause.Error()
	e.GenerationLog += fmt.Sprintf("<error>%v</error>\n", cause)
	if err := c.store.UpdateExecution(ctx, e); err != nil {
		c.logger.Error("Failed to persist execution error state",
			"execution_id", e.ID, "error", err)
	}
	c.notifier.Publish(ctx, notify.Event{
		ExecutionID: e.ID,
		Log:         fmt.Sprintf("<error>%v</error>\n", cause),
		Status:      notify.StatusError,
	})
	return cause
}

// appendLog appends to the generation log and persists. Log writes are
// best-effort relative to the main pipeline.
func (c *Coordinator) appendLog(ctx context.Context, e *storage.Execution, text string) {
	e.GenerationLog += text
	if err := c.store.UpdateExecution(ctx, e); err != nil {
		c.logger.Error("Failed to append generation log",
			"execution_id", e.ID, "error", err)
	}
}

func isAudioPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".wav", ".m4a", ".webm":
		return true
	}
	return false
}

var _ Extractor = (*extract.Dispatcher)(nil)
