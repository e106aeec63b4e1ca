package engine

import (
	"fmt"
	"strings"

	"github.com/docuflow/docuflow/storage"
)

const baseInstructions = `You are a document-generation assistant executing a workflow.
Work from the provided assets only; do not invent facts.
Use the available tools to create assets, render templates, note intermediate reasoning in the scratchpad, and report progress to the user.
When the workflow's outputs are complete, respond with a closing summary and no further tool calls.`

// buildSystemInstructions assembles the per-workflow system prompt:
// base guidance, the workflow's own instructions, and its collaterals
// serialized as EXAMPLE/TEMPLATE blocks.
func buildSystemInstructions(wf *storage.Workflow) string {
	var b strings.Builder
	b.WriteString(baseInstructions)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Workflow: %s\n", wf.Name)
	if wf.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", wf.Description)
	}
	if wf.Instructions != "" {
		fmt.Fprintf(&b, "\nInstructions:\n%s\n", wf.Instructions)
	}

	for _, col := range wf.Collaterals {
		if col.IsTemplate {
			fmt.Fprintf(&b, "\n<TEMPLATE name=%q>\n%s\n</TEMPLATE>\n", col.Name, col.Content)
			if col.Description != "" {
				fmt.Fprintf(&b, "Template purpose: %s\n", col.Description)
			}
		} else {
			fmt.Fprintf(&b, "\n<EXAMPLE name=%q>\n%s\n</EXAMPLE>\n", col.Name, col.Content)
		}
	}

	return b.String()
}

const revisionInstructions = `You are revising one generated document in place.
The current document is provided below. Apply exactly the changes the user requests and nothing else.
Use replace_asset_content to rewrite the whole document, or replace_string_in_asset for targeted edits.
Stop calling tools only when the requested changes are complete, then respond with a short confirmation.`

// buildRevisionInstructions embeds the document under revision in the
// system prompt so the model edits against its current content.
func buildRevisionInstructions(a *storage.Asset) string {
	return fmt.Sprintf("%s\n\n<DOCUMENT name=%q>\n%s\n</DOCUMENT>\n", revisionInstructions, a.Name, a.Content)
}

func buildChangeRequest(changes string) string {
	return fmt.Sprintf("The changes requested by the user are:\n```\n%s\n```", changes)
}

// buildUserMessage serializes the execution's extracted assets as ASSET
// blocks for the model.
func buildUserMessage(assets []*storage.Asset) string {
	var b strings.Builder
	b.WriteString("Process the following assets according to the workflow instructions.\n")

	for _, a := range assets {
		content := a.ExtractedText
		if content == "" {
			content = a.Content
		}
		if content == "" {
			content = "[no content available]"
		}
		fmt.Fprintf(&b, "\n<ASSET name=%q", a.Name)
		if a.Brief != "" {
			fmt.Fprintf(&b, " description=%q", a.Brief)
		}
		fmt.Fprintf(&b, ">\n%s\n</ASSET>\n", content)
	}

	return b.String()
}
