package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/docuflow/docuflow/metrics"
	"github.com/docuflow/docuflow/queue"
	"github.com/docuflow/docuflow/storage"
)

// JobProcessExamples is the queue job name for folding example files
// into a workflow's collaterals.
const JobProcessExamples = "process_examples"

// ExampleFile is one uploaded example to attach to a workflow.
type ExampleFile struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// ExampleArgs identifies the workflow an example-processing job extends.
type ExampleArgs struct {
	WorkflowID string        `json:"workflow_id"`
	Files      []ExampleFile `json:"files"`
}

// ProcessExamples enqueues extraction of example files into the
// workflow's collaterals. Future executions of the workflow see them as
// EXAMPLE blocks in the system prompt.
func (c *Coordinator) ProcessExamples(ctx context.Context, workflowID string, files []ExampleFile) error {
	if len(files) == 0 {
		return fmt.Errorf("at least one example file is required")
	}
	if _, err := c.enqueuer.Enqueue(ctx, JobProcessExamples, ExampleArgs{
		WorkflowID: workflowID,
		Files:      files,
	}); err != nil {
		return fmt.Errorf("enqueue example processing: %w", err)
	}
	return nil
}

// handleProcessExamples extracts each example file and records it as an
// output-example collateral. A same-named collateral is replaced so a
// retried job does not accumulate duplicates; one failing file does not
// abort the others.
func (c *Coordinator) handleProcessExamples(ctx context.Context, job queue.Job) error {
	var args ExampleArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return queue.Permanent(fmt.Errorf("parse args: %w", err))
	}

	wf, err := c.store.GetWorkflow(ctx, args.WorkflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("workflow %s: %w", args.WorkflowID, err))
		}
		return fmt.Errorf("load workflow: %w", err)
	}

	for _, f := range args.Files {
		if !c.extractor.Supported(f.Path) {
			c.logger.Warn("Skipping unsupported example file",
				"workflow_id", wf.ID, "file", f.Path)
			continue
		}

		hint := strings.TrimSpace(wf.Instructions + " " + f.Description)
		text, err := c.extractor.Extract(ctx, f.Path, hint)
		if err != nil {
			c.logger.Error("Example extraction failed",
				"workflow_id", wf.ID, "file", f.Path, "error", err)
			metrics.Extractions.WithLabelValues("example", "error").Inc()
			continue
		}
		metrics.Extractions.WithLabelValues("example", "ok").Inc()

		setCollateral(wf, storage.Collateral{
			Name:        filepath.Base(f.Path),
			Content:     text,
			Description: f.Description,
			Path:        f.Path,
		})
	}

	if err := c.store.PutWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow collaterals: %w", err)
	}

	c.logger.Info("Workflow examples processed",
		"workflow_id", wf.ID, "files", len(args.Files))
	return nil
}

// setCollateral replaces a same-named example collateral or appends a
// new one. Templates are never touched.
func setCollateral(wf *storage.Workflow, col storage.Collateral) {
	for i, existing := range wf.Collaterals {
		if !existing.IsTemplate && existing.Name == col.Name {
			col.ID = existing.ID
			wf.Collaterals[i] = col
			return
		}
	}
	col.ID = storage.NewID()
	wf.Collaterals = append(wf.Collaterals, col)
}
