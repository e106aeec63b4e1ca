package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docuflow/docuflow/agent"
	"github.com/docuflow/docuflow/notify"
	"github.com/docuflow/docuflow/storage"
	"github.com/docuflow/docuflow/template"
)

// Tool names offered to the agent.
const (
	ToolCreateAsset = "create_new_markdown_asset"
	ToolUseTemplate = "use_template"
	ToolScratchpad  = "annotate_in_scratchpad"
	ToolEmitMessage = "emit_message"
)

// bindTools builds the tool schemas and the functions bound to one
// execution. Tool functions return short text results for the model;
// soft failures (missing template, bad variables) come back as text,
// not errors, so the loop keeps going.
func (c *Coordinator) bindTools(e *storage.Execution, wf *storage.Workflow) ([]agent.Tool, map[string]agent.ToolFunc) {
	tools := []agent.Tool{
		{
			Name:        ToolCreateAsset,
			Description: "Create a new markdown asset with the given name and content. Use this to produce the workflow's output documents.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":    map[string]any{"type": "string", "description": "Asset file name"},
					"content": map[string]any{"type": "string", "description": "Markdown content"},
				},
				"required": []string{"name", "content"},
			},
		},
		{
			Name:        ToolUseTemplate,
			Description: "Render a workflow template with the given variables into a new document asset.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"template_id":    map[string]any{"type": "string", "description": "Name of the template to render"},
					"variables_json": map[string]any{"type": "string", "description": "JSON object mapping template variables to values"},
					"document_name":  map[string]any{"type": "string", "description": "Name for the generated document asset"},
				},
				"required": []string{"template_id", "variables_json", "document_name"},
			},
		},
		{
			Name:        ToolScratchpad,
			Description: "Record private working notes. Not visible to the user and creates no asset.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string"},
				},
				"required": []string{"message"},
			},
		},
		{
			Name:        ToolEmitMessage,
			Description: "Send a progress message to the user watching this workflow run.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []string{"text"},
			},
		},
	}

	fns := map[string]agent.ToolFunc{
		ToolCreateAsset: func(ctx context.Context, args map[string]any) (string, error) {
			return c.toolCreateAsset(ctx, e, args)
		},
		ToolUseTemplate: func(ctx context.Context, args map[string]any) (string, error) {
			return c.toolUseTemplate(ctx, e, wf, args)
		},
		ToolScratchpad: func(ctx context.Context, args map[string]any) (string, error) {
			return c.toolScratchpad(ctx, e, args)
		},
		ToolEmitMessage: func(ctx context.Context, args map[string]any) (string, error) {
			return c.toolEmitMessage(ctx, e, args)
		},
	}

	return tools, fns
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func (c *Coordinator) toolCreateAsset(ctx context.Context, e *storage.Execution, args map[string]any) (string, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return "", err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return "", err
	}

	if _, err := c.store.CreateAsset(ctx, &storage.Asset{
		ExecutionID: e.ID,
		Name:        name,
		Kind:        storage.KindText,
		Origin:      storage.OriginAI,
		Status:      storage.AssetDone,
		Content:     content,
		Format:      "markdown",
	}); err != nil {
		return "", fmt.Errorf("persist asset: %w", err)
	}

	c.appendLog(ctx, e, fmt.Sprintf("Created asset %s\n", name))
	c.notifier.Publish(ctx, notify.Event{
		ExecutionID: e.ID,
		Log:         fmt.Sprintf("Created asset %s\n", name),
		Status:      notify.StatusProcessing,
	})
	return fmt.Sprintf("Asset %s created successfully", name), nil
}

// toolUseTemplate resolves the template from the workflow's collaterals
// first, then the shared template store. Every failure is reported as
// text so the model can adjust rather than abort.
func (c *Coordinator) toolUseTemplate(ctx context.Context, e *storage.Execution, wf *storage.Workflow, args map[string]any) (string, error) {
	templateID, err := stringArg(args, "template_id")
	if err != nil {
		return "", err
	}
	variablesJSON, err := stringArg(args, "variables_json")
	if err != nil {
		return "", err
	}
	documentName, err := stringArg(args, "document_name")
	if err != nil {
		return "", err
	}

	content, found := "", false
	for _, col := range wf.Collaterals {
		if col.IsTemplate && col.Name == templateID {
			content, found = col.Content, true
			break
		}
	}
	if !found && c.templates != nil {
		if tpl, ok := c.templates.Get(templateID); ok {
			content, found = tpl.Content, true
		}
	}
	if !found {
		return fmt.Sprintf("Template %s not found; available templates are listed in the system instructions", templateID), nil
	}

	var vars map[string]any
	if err := json.Unmarshal([]byte(variablesJSON), &vars); err != nil {
		return fmt.Sprintf("Could not parse variables_json: %v", err), nil
	}

	rendered := template.Render(content, vars)
	markdown, err := template.ToMarkdown(rendered)
	if err != nil {
		return fmt.Sprintf("Template %s rendered but conversion failed: %v", templateID, err), nil
	}

	if _, err := c.store.CreateAsset(ctx, &storage.Asset{
		ExecutionID: e.ID,
		Name:        documentName,
		Kind:        storage.KindText,
		Origin:      storage.OriginAI,
		Status:      storage.AssetDone,
		Content:     markdown,
		Format:      "markdown",
	}); err != nil {
		return "", fmt.Errorf("persist rendered document: %w", err)
	}

	c.appendLog(ctx, e, fmt.Sprintf("Rendered template %s into %s\n", templateID, documentName))
	c.notifier.Publish(ctx, notify.Event{
		ExecutionID: e.ID,
		Log:         fmt.Sprintf("Rendered template %s into %s\n", templateID, documentName),
		Status:      notify.StatusProcessing,
	})
	return fmt.Sprintf("Document %s created from template %s", documentName, templateID), nil
}

func (c *Coordinator) toolScratchpad(ctx context.Context, e *storage.Execution, args map[string]any) (string, error) {
	message, err := stringArg(args, "message")
	if err != nil {
		return "", err
	}
	c.appendLog(ctx, e, fmt.Sprintf("<scratchpad>%s</scratchpad>\n", message))
	return "Scratchpad annotated successfully", nil
}

func (c *Coordinator) toolEmitMessage(ctx context.Context, e *storage.Execution, args map[string]any) (string, error) {
	text, err := stringArg(args, "text")
	if err != nil {
		return "", err
	}

	if _, err := c.store.AppendMessage(ctx, &storage.Message{
		ExecutionID: e.ID,
		Role:        "assistant",
		Content:     text,
	}); err != nil {
		return "", fmt.Errorf("persist message: %w", err)
	}

	c.appendLog(ctx, e, fmt.Sprintf("<ai_message>%s</ai_message>\n", text))
	c.notifier.Publish(ctx, notify.Event{
		ExecutionID: e.ID,
		Log:         notify.AIMessage(text),
		Status:      notify.StatusProcessing,
	})
	return "Message emitted", nil
}
