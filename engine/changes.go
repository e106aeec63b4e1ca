package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/docuflow/docuflow/agent"
	"github.com/docuflow/docuflow/metrics"
	"github.com/docuflow/docuflow/notify"
	"github.com/docuflow/docuflow/queue"
	"github.com/docuflow/docuflow/storage"
)

// JobRequestChanges is the queue job name for revising one generated asset.
const JobRequestChanges = "request_changes"

// Revision tools offered to the agent.
const (
	ToolReplaceContent = "replace_asset_content"
	ToolReplaceString  = "replace_string_in_asset"
)

// ChangeArgs identifies the asset a revision job operates on.
type ChangeArgs struct {
	ExecutionID string `json:"execution_id"`
	AssetID     string `json:"asset_id"`
	Changes     string `json:"changes"`
}

// RequestChanges enqueues a revision of one generated asset.
func (c *Coordinator) RequestChanges(ctx context.Context, executionID, assetID, changes string) error {
	if strings.TrimSpace(changes) == "" {
		return fmt.Errorf("change request must not be empty")
	}
	if _, err := c.enqueuer.Enqueue(ctx, JobRequestChanges, ChangeArgs{
		ExecutionID: executionID,
		AssetID:     assetID,
		Changes:     changes,
	}); err != nil {
		return fmt.Errorf("enqueue change request: %w", err)
	}
	return nil
}

// handleRequestChanges revises one asset in place: the asset goes back
// to PENDING, an agent loop applies the requested changes through the
// replace tools, and the asset finalizes DONE whatever the loop did.
func (c *Coordinator) handleRequestChanges(ctx context.Context, job queue.Job) error {
	var args ChangeArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return queue.Permanent(fmt.Errorf("parse args: %w", err))
	}

	release, ok, err := c.leaser.Acquire(ctx, args.ExecutionID)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		c.logger.Warn("Execution already leased, skipping revision", "execution_id", args.ExecutionID)
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

	a, err := c.store.GetAsset(ctx, args.AssetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("asset %s: %w", args.AssetID, err))
		}
		return fmt.Errorf("load asset: %w", err)
	}
	if a.ExecutionID != e.ID {
		return queue.Permanent(fmt.Errorf("asset %s does not belong to execution %s", a.ID, e.ID))
	}

	a.Status = storage.AssetPending
	if err := c.store.UpdateAsset(ctx, a); err != nil {
		return fmt.Errorf("mark asset pending: %w", err)
	}
	c.appendLog(ctx, e, fmt.Sprintf("Revising %s\n", a.Name))
	c.notifier.Publish(ctx, notify.Event{
		ExecutionID: e.ID,
		Log:         fmt.Sprintf("Change request for %s received, processing\n", a.Name),
		Status:      notify.StatusProcessing,
	})

	tools, fns := c.bindChangeTools(e, a)
	loopOpts := []agent.Option{
		agent.WithMaxIterations(c.maxIterations),
		agent.WithLogger(c.logger),
	}
	if c.temperature != nil {
		loopOpts = append(loopOpts, agent.WithTemperature(*c.temperature))
	}
	loop := agent.NewLoop(c.chat, loopOpts...)

	result := loop.Run(ctx,
		buildRevisionInstructions(a),
		buildChangeRequest(args.Changes),
		tools, fns, nil)
	metrics.AgentIterations.Observe(float64(result.Iterations))

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
		c.logger.Warn("Revision loop ended with error",
			"execution_id", e.ID,
			"asset", a.Name,
			"iterations", result.Iterations,
			"error", result.Err)
		c.appendLog(ctx, e, fmt.Sprintf("<error>%v</error>\n", result.Err))
	}

	// The asset always lands DONE so an unproductive revision never
	// wedges it in PENDING.
	a.Status = storage.AssetDone
	if err := c.store.UpdateAsset(ctx, a); err != nil {
		return fmt.Errorf("finalize asset: %w", err)
	}
	c.appendLog(ctx, e, fmt.Sprintf("Revised %s\n", a.Name))
	c.notifier.Publish(ctx, notify.Event{
		ExecutionID: e.ID,
		Log:         fmt.Sprintf("Revised %s\n", a.Name),
		Status:      notify.StatusDone,
		AssetsReady: true,
	})

	c.logger.Info("Asset revised",
		"execution_id", e.ID,
		"asset", a.Name,
		"iterations", result.Iterations)
	return nil
}

// bindChangeTools builds the revision tool schemas and functions bound
// to one asset. The closures share the asset pointer so successive
// calls see each other's edits.
func (c *Coordinator) bindChangeTools(e *storage.Execution, a *storage.Asset) ([]agent.Tool, map[string]agent.ToolFunc) {
	tools := []agent.Tool{
		{
			Name:        ToolReplaceContent,
			Description: "Replace the entire content of the document being revised.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"new_content": map[string]any{"type": "string", "description": "Full replacement content"},
				},
				"required": []string{"new_content"},
			},
		},
		{
			Name:        ToolReplaceString,
			Description: "Replace every occurrence of a search string in the document being revised.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"search_string": map[string]any{"type": "string", "description": "Exact text to find"},
					"replacement":   map[string]any{"type": "string", "description": "Text to substitute"},
				},
				"required": []string{"search_string", "replacement"},
			},
		},
	}

	fns := map[string]agent.ToolFunc{
		ToolReplaceContent: func(ctx context.Context, args map[string]any) (string, error) {
			return c.toolReplaceContent(ctx, e, a, args)
		},
		ToolReplaceString: func(ctx context.Context, args map[string]any) (string, error) {
			return c.toolReplaceString(ctx, e, a, args)
		},
	}

	return tools, fns
}

func (c *Coordinator) toolReplaceContent(ctx context.Context, e *storage.Execution, a *storage.Asset, args map[string]any) (string, error) {
	newContent, err := stringArg(args, "new_content")
	if err != nil {
		return "", err
	}

	a.Content = newContent
	a.Status = storage.AssetDone
	if err := c.store.UpdateAsset(ctx, a); err != nil {
		return "", fmt.Errorf("persist asset: %w", err)
	}

	c.appendLog(ctx, e, fmt.Sprintf("Replaced content of %s\n", a.Name))
	c.notifier.Publish(ctx, notify.Event{
		ExecutionID: e.ID,
		Log:         fmt.Sprintf("Replaced content of %s\n", a.Name),
		Status:      notify.StatusProcessing,
	})
	return "The asset content was replaced successfully", nil
}

// toolReplaceString applies a literal find-and-replace. Misses come
// back as text so the model can correct its search string and retry.
func (c *Coordinator) toolReplaceString(ctx context.Context, e *storage.Execution, a *storage.Asset, args map[string]any) (string, error) {
	search, err := stringArg(args, "search_string")
	if err != nil {
		return "", err
	}
	replacement, err := stringArg(args, "replacement")
	if err != nil {
		return "", err
	}

	if search == "" {
		return "The search string cannot be empty", nil
	}
	if a.Content == "" {
		return "Asset content is empty", nil
	}
	if !strings.Contains(a.Content, search) {
		return "The search string was not found in the asset content", nil
	}

	a.Content = strings.ReplaceAll(a.Content, search, replacement)
	a.Status = storage.AssetDone
	if err := c.store.UpdateAsset(ctx, a); err != nil {
		return "", fmt.Errorf("persist asset: %w", err)
	}

	c.appendLog(ctx, e, fmt.Sprintf("Edited %s\n", a.Name))
	c.notifier.Publish(ctx, notify.Event{
		ExecutionID: e.ID,
		Log:         fmt.Sprintf("Edited %s\n", a.Name),
		Status:      notify.StatusProcessing,
	})
	return "The search string was found and replaced successfully", nil
}
