package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/docuflow/llm"
	"github.com/docuflow/docuflow/llm/testutil"
	"github.com/docuflow/docuflow/notify"
	"github.com/docuflow/docuflow/queue"
	"github.com/docuflow/docuflow/storage"
)

func seedRevision(store *fakeStore, content string) {
	store.executions["exec-1"] = &storage.Execution{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		Status:     storage.ExecutionDone,
	}
	store.assets["ai-1"] = &storage.Asset{
		ID:          "ai-1",
		ExecutionID: "exec-1",
		Name:        "summary.md",
		Kind:        storage.KindText,
		Origin:      storage.OriginAI,
		Status:      storage.AssetDone,
		Content:     content,
		Format:      "markdown",
	}
}

func changeJob(t *testing.T, executionID, assetID, changes string) queue.Job {
	t.Helper()
	raw, err := json.Marshal(ChangeArgs{ExecutionID: executionID, AssetID: assetID, Changes: changes})
	require.NoError(t, err)
	return queue.Job{ID: "j", Name: JobRequestChanges, Args: raw}
}

// Scenario: the user asks for a targeted edit. The model fixes it with
// replace_string_in_asset and confirms; the asset ends DONE with the
// edit applied.
func TestRequestChanges_TargetedEdit(t *testing.T) {
	store := newFakeStore()
	seedRevision(store, "# Summary\nThe total is 100 EUR.")

	mock := &testutil.MockChatClient{
		Responses: []*llm.Response{
			{ToolCalls: []llm.ToolCall{{
				ID:        "call_1",
				Name:      ToolReplaceString,
				Arguments: `{"search_string":"100 EUR","replacement":"120 EUR"}`,
			}}},
			{Content: "Updated the total as requested."},
		},
	}

	c, _, _, notifier := newTestCoordinator(store, mock)
	require.NoError(t, c.handleRequestChanges(context.Background(),
		changeJob(t, "exec-1", "ai-1", "the total should be 120 EUR")))

	a, err := store.GetAsset(context.Background(), "ai-1")
	require.NoError(t, err)
	assert.Equal(t, storage.AssetDone, a.Status)
	assert.Contains(t, a.Content, "120 EUR")
	assert.NotContains(t, a.Content, "100 EUR")

	// The model saw the current document and the requested changes
	first := mock.Requests()[0].Messages
	assert.Contains(t, first[0].Content, "<DOCUMENT name=\"summary.md\">")
	assert.Contains(t, first[0].Content, "100 EUR")
	assert.Contains(t, first[len(first)-1].Content, "the total should be 120 EUR")

	// Tool result fed back to the model
	second := mock.Requests()[1].Messages
	toolResult := second[len(second)-1]
	assert.Equal(t, "tool", toolResult.Role)
	assert.Contains(t, toolResult.Content, "replaced successfully")

	done := notifier.byStatus(notify.StatusDone)
	require.Len(t, done, 1)
	assert.True(t, done[0].AssetsReady)

	// Transcript persisted
	require.NotEmpty(t, store.messages)
}

func TestRequestChanges_FullRewrite(t *testing.T) {
	store := newFakeStore()
	seedRevision(store, "# Old draft")

	mock := &testutil.MockChatClient{
		Responses: []*llm.Response{
			{ToolCalls: []llm.ToolCall{{
				ID:        "call_1",
				Name:      ToolReplaceContent,
				Arguments: `{"new_content":"# New draft\nRewritten."}`,
			}}},
			{Content: "Rewritten."},
		},
	}

	c, _, _, _ := newTestCoordinator(store, mock)
	require.NoError(t, c.handleRequestChanges(context.Background(),
		changeJob(t, "exec-1", "ai-1", "rewrite it")))

	a, err := store.GetAsset(context.Background(), "ai-1")
	require.NoError(t, err)
	assert.Equal(t, "# New draft\nRewritten.", a.Content)
	assert.Equal(t, storage.AssetDone, a.Status)
}

// Scenario: the model's search string misses. The miss comes back as a
// tool result, the content stays untouched, and the asset still ends
// DONE.
func TestRequestChanges_SearchStringMiss(t *testing.T) {
	store := newFakeStore()
	seedRevision(store, "# Summary")

	mock := &testutil.MockChatClient{
		Responses: []*llm.Response{
			{ToolCalls: []llm.ToolCall{{
				ID:        "call_1",
				Name:      ToolReplaceString,
				Arguments: `{"search_string":"no such text","replacement":"x"}`,
			}}},
			{Content: "Could not locate the passage."},
		},
	}

	c, _, _, _ := newTestCoordinator(store, mock)
	require.NoError(t, c.handleRequestChanges(context.Background(),
		changeJob(t, "exec-1", "ai-1", "tweak the passage")))

	a, err := store.GetAsset(context.Background(), "ai-1")
	require.NoError(t, err)
	assert.Equal(t, "# Summary", a.Content)
	assert.Equal(t, storage.AssetDone, a.Status)

	second := mock.Requests()[1].Messages
	toolResult := second[len(second)-1]
	assert.Contains(t, toolResult.Content, "was not found")
}

func TestRequestChanges_MissingAssetPermanent(t *testing.T) {
	store := newFakeStore()
	store.executions["exec-1"] = &storage.Execution{ID: "exec-1", Status: storage.ExecutionDone}

	c, _, _, _ := newTestCoordinator(store, &testutil.MockChatClient{})
	err := c.handleRequestChanges(context.Background(), changeJob(t, "exec-1", "ghost", "anything"))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestRequestChanges_ForeignAssetPermanent(t *testing.T) {
	store := newFakeStore()
	seedRevision(store, "content")
	store.executions["exec-2"] = &storage.Execution{ID: "exec-2", Status: storage.ExecutionDone}

	c, _, _, _ := newTestCoordinator(store, &testutil.MockChatClient{})
	err := c.handleRequestChanges(context.Background(), changeJob(t, "exec-2", "ai-1", "anything"))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestRequestChanges_RejectsEmptyChanges(t *testing.T) {
	store := newFakeStore()
	seedRevision(store, "content")

	c, enq, _, _ := newTestCoordinator(store, &testutil.MockChatClient{})
	err := c.RequestChanges(context.Background(), "exec-1", "ai-1", "   ")
	require.Error(t, err)
	assert.Empty(t, enq.names)
}

func TestRequestChanges_Enqueues(t *testing.T) {
	store := newFakeStore()
	seedRevision(store, "content")

	c, enq, _, _ := newTestCoordinator(store, &testutil.MockChatClient{})
	require.NoError(t, c.RequestChanges(context.Background(), "exec-1", "ai-1", "shorten it"))
	assert.Equal(t, []string{JobRequestChanges}, enq.names)
}
