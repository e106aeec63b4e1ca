package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/docuflow/llm"
	"github.com/docuflow/docuflow/notify"
	"github.com/docuflow/docuflow/queue"
	"github.com/docuflow/docuflow/storage"
)

// --- fakes ---

type fakeStore struct {
	mu          sync.Mutex
	cases       map[string]*storage.Case
	attachments map[string]*storage.Attachment
	documents   []*storage.Document
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cases:       make(map[string]*storage.Case),
		attachments: make(map[string]*storage.Attachment),
	}
}

func (s *fakeStore) GetCase(_ context.Context, id string) (*storage.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) UpdateCase(_ context.Context, c *storage.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.cases[c.ID] = &cp
	return nil
}

func (s *fakeStore) ListAttachmentsByCase(_ context.Context, caseID string) ([]*storage.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Attachment
	for _, a := range s.attachments {
		if a.CaseID == caseID {
			cp := *a
			out = append(out, &cp)
		}
	}
	// Stable order by name for deterministic assertions
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Name < out[i].Name {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *fakeStore) GetAttachment(_ context.Context, id string) (*storage.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attachments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) UpdateAttachment(_ context.Context, a *storage.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attachments[a.ID] = &cp
	return nil
}

func (s *fakeStore) CreateDocument(_ context.Context, d *storage.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := 0
	for _, existing := range s.documents {
		if existing.CaseID == d.CaseID && existing.Kind == d.Kind && existing.Version > version {
			version = existing.Version
		}
	}
	cp := *d
	cp.ID = fmt.Sprintf("doc-%d", len(s.documents)+1)
	cp.Version = version + 1
	s.documents = append(s.documents, &cp)
	return cp.ID, nil
}

type enqueuedJob struct {
	Name string
	Args json.RawMessage
}

type fakeEnqueuer struct {
	mu        sync.Mutex
	jobs      []enqueuedJob
	failNames map[string]bool
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, name string, args any) (string, error) {
	if e.failNames[name] {
		return "", errors.New("stream unavailable")
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, enqueuedJob{Name: name, Args: raw})
	return fmt.Sprintf("job-%d", len(e.jobs)), nil
}

func (e *fakeEnqueuer) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.jobs))
	for i, j := range e.jobs {
		out[i] = j.Name
	}
	return out
}

func (e *fakeEnqueuer) drain() []enqueuedJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.jobs
	e.jobs = nil
	return out
}

type fakeExtractor struct {
	failPaths map[string]bool
}

func (f *fakeExtractor) Supported(path string) bool {
	return strings.HasSuffix(path, ".txt") || strings.HasSuffix(path, ".pdf")
}

func (f *fakeExtractor) Extract(_ context.Context, path, _ string) (string, error) {
	if f.failPaths[path] {
		return "", errors.New("unreadable input")
	}
	return "extracted text of " + path, nil
}

type scriptedChat struct {
	fn func(req llm.Request) (*llm.Response, error)
}

func (s *scriptedChat) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	return s.fn(req)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Publish(_ context.Context, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) last() (notify.Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return notify.Event{}, false
	}
	return n.events[len(n.events)-1], true
}

// --- helpers ---

func analysisResponse(name string) *llm.Response {
	return &llm.Response{
		Content: fmt.Sprintf("<brief>Summary of %s</brief>\n<findings>- fact from %s</findings>", name, name),
	}
}

func caseJob(t *testing.T, name, caseID string) queue.Job {
	t.Helper()
	raw, err := json.Marshal(CaseArgs{CaseID: caseID})
	require.NoError(t, err)
	return queue.Job{ID: "j", Name: name, Args: raw}
}

func attachmentJob(t *testing.T, caseID, attachmentID string) queue.Job {
	t.Helper()
	raw, err := json.Marshal(AttachmentArgs{CaseID: caseID, AttachmentID: attachmentID})
	require.NoError(t, err)
	return queue.Job{ID: "j", Name: JobAnalyzeAttachment, Args: raw}
}

func seedCase(store *fakeStore, caseID string, attachments ...string) {
	store.cases[caseID] = &storage.Case{ID: caseID, Status: storage.CasePending, CreatedAt: time.Now()}
	for _, id := range attachments {
		store.attachments[id] = &storage.Attachment{
			ID:     id,
			CaseID: caseID,
			Name:   id + ".txt",
			Path:   "/uploads/" + id + ".txt",
			Status: storage.AttachmentPending,
		}
	}
}

func newTestPipeline(store *fakeStore, chat ChatClient) (*Pipeline, *fakeEnqueuer, *fakeNotifier) {
	enq := &fakeEnqueuer{}
	notifier := &fakeNotifier{}
	p := New(store, enq, NewBarrier(NewMemoryGroupStore(), nil), &fakeExtractor{}, chat, notifier)
	return p, enq, notifier
}

// --- tests ---

func TestStartCase_ExtractsAndFansOut(t *testing.T) {
	store := newFakeStore()
	seedCase(store, "c1", "a1", "a2", "a3")
	chat := &scriptedChat{fn: func(req llm.Request) (*llm.Response, error) {
		return analysisResponse("x"), nil
	}}
	p, enq, _ := newTestPipeline(store, chat)
	ctx := context.Background()

	require.NoError(t, p.handleStartCase(ctx, caseJob(t, JobStartCase, "c1")))

	for _, id := range []string{"a1", "a2", "a3"} {
		att, err := store.GetAttachment(ctx, id)
		require.NoError(t, err)
		assert.Contains(t, att.ExtractedText, "extracted text of")
	}

	names := enq.names()
	assert.Equal(t, []string{JobAnalyzeAttachment, JobAnalyzeAttachment, JobAnalyzeAttachment}, names)

	c, err := store.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.NotNil(t, c.StartedAt)
}

func TestStartCase_MissingCasePermanent(t *testing.T) {
	store := newFakeStore()
	p, _, _ := newTestPipeline(store, &scriptedChat{})

	err := p.handleStartCase(context.Background(), caseJob(t, JobStartCase, "ghost"))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestStartCase_ExtractionRetryIsIdempotent(t *testing.T) {
	store := newFakeStore()
	seedCase(store, "c1", "a1")
	store.attachments["a1"].ExtractedText = "already extracted"

	failing := &fakeExtractor{failPaths: map[string]bool{"/uploads/a1.txt": true}}
	enq := &fakeEnqueuer{}
	p := New(store, enq, NewBarrier(NewMemoryGroupStore(), nil), failing, &scriptedChat{}, &fakeNotifier{})

	// Extractor would fail, but the attachment is already extracted and
	// must be skipped.
	require.NoError(t, p.handleStartCase(context.Background(), caseJob(t, JobStartCase, "c1")))

	att, err := store.GetAttachment(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "already extracted", att.ExtractedText)
}

func TestAnalyzeAttachment_Success(t *testing.T) {
	store := newFakeStore()
	seedCase(store, "c1", "a1", "a2")
	chat := &scriptedChat{fn: func(req llm.Request) (*llm.Response, error) {
		return analysisResponse("a1"), nil
	}}
	p, enq, _ := newTestPipeline(store, chat)
	ctx := context.Background()

	require.NoError(t, p.handleStartCase(ctx, caseJob(t, JobStartCase, "c1")))
	enq.drain()

	require.NoError(t, p.handleAnalyzeAttachment(ctx, attachmentJob(t, "c1", "a1")))

	att, err := store.GetAttachment(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, storage.AttachmentDone, att.Status)
	assert.Equal(t, "Summary of a1", att.Brief)
	assert.Contains(t, att.Findings, "fact from a1")

	// Only one of two branches is terminal: no callback yet
	assert.Empty(t, enq.names())
}

// Scenario: three analysis branches where one permanently fails. The
// barrier must still fire with a failure marker and document generation
// must still run.
func TestCasePipeline_BranchFailureDoesNotStallBarrier(t *testing.T) {
	store := newFakeStore()
	seedCase(store, "c1", "a1", "a2", "a3")

	chat := &scriptedChat{fn: func(req llm.Request) (*llm.Response, error) {
		user := req.Messages[len(req.Messages)-1].Content
		if strings.Contains(user, "a2.txt") {
			return nil, errors.New("model unavailable")
		}
		if strings.Contains(user, "demand") || strings.Contains(user, "agreement") {
			return &llm.Response{Content: "# Draft document"}, nil
		}
		return analysisResponse("ok"), nil
	}}
	p, enq, notifier := newTestPipeline(store, chat)
	ctx := context.Background()

	require.NoError(t, p.handleStartCase(ctx, caseJob(t, JobStartCase, "c1")))
	enq.drain()

	// Branch 1 succeeds
	require.NoError(t, p.handleAnalyzeAttachment(ctx, attachmentJob(t, "c1", "a1")))

	// Branch 2 fails on its final delivery: marker recorded, error
	// surfaces to the runner for the exhausted ack
	finalCtx := queue.WithAttempt(ctx, queue.Attempt{Number: 5, Max: 5})
	err := p.handleAnalyzeAttachment(finalCtx, attachmentJob(t, "c1", "a2"))
	require.Error(t, err)

	// Branch 3 succeeds and completes the group
	require.NoError(t, p.handleAnalyzeAttachment(ctx, attachmentJob(t, "c1", "a3")))

	// Barrier 1 fired exactly once
	require.Equal(t, []string{JobCaseDocuments}, enq.names())

	group, err := p.barrier.Group(ctx, analysisGroup("c1"))
	require.NoError(t, err)
	results := group.OrderedResults()
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK, "failed branch carries a failure marker")
	assert.True(t, results[2].OK)

	// Stage C still runs
	enq.drain()
	require.NoError(t, p.handleCaseDocuments(ctx, caseJob(t, JobCaseDocuments, "c1")))
	assert.Equal(t, []string{JobGenerateDemand, JobGenerateAgreement}, enq.names())

	c, err := store.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Contains(t, c.GenerationLog, "<error>")

	enq.drain()
	require.NoError(t, p.handleGenerateDocument(ctx, caseJob(t, JobGenerateDemand, "c1"), storage.DocumentDemand))
	assert.Empty(t, enq.names(), "barrier 2 must not fire after one branch")
	require.NoError(t, p.handleGenerateDocument(ctx, caseJob(t, JobGenerateAgreement, "c1"), storage.DocumentAgreement))
	assert.Equal(t, []string{JobFinalizeCase}, enq.names())

	require.NoError(t, p.handleFinalizeCase(ctx, caseJob(t, JobFinalizeCase, "c1")))

	c, err = store.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, storage.CaseDone, c.Status)
	require.NotNil(t, c.FinishedAt)

	event, ok := notifier.last()
	require.True(t, ok)
	assert.Equal(t, notify.StatusDone, event.Status)
	assert.True(t, event.AssetsReady)

	require.Len(t, store.documents, 2)
	assert.Equal(t, 1, store.documents[0].Version)
}

func TestAnalyzeAttachment_RetryableErrorNoMarker(t *testing.T) {
	store := newFakeStore()
	seedCase(store, "c1", "a1", "a2")
	chat := &scriptedChat{fn: func(req llm.Request) (*llm.Response, error) {
		return nil, errors.New("model unavailable")
	}}
	p, _, _ := newTestPipeline(store, chat)
	ctx := context.Background()

	require.NoError(t, p.handleStartCase(ctx, caseJob(t, JobStartCase, "c1")))

	// Attempt 1 of 5: error bubbles, no failure marker yet
	retryCtx := queue.WithAttempt(ctx, queue.Attempt{Number: 1, Max: 5})
	err := p.handleAnalyzeAttachment(retryCtx, attachmentJob(t, "c1", "a1"))
	require.Error(t, err)

	group, err := p.barrier.Group(ctx, analysisGroup("c1"))
	require.NoError(t, err)
	assert.Empty(t, group.Results, "retryable failure must not arrive at the barrier")
}

func TestAnalyzeAttachment_AlreadyDoneArrivesIdempotently(t *testing.T) {
	store := newFakeStore()
	seedCase(store, "c1", "a1")
	store.attachments["a1"].Status = storage.AttachmentDone
	store.attachments["a1"].Brief = "prior brief"

	chatCalls := 0
	chat := &scriptedChat{fn: func(req llm.Request) (*llm.Response, error) {
		chatCalls++
		return analysisResponse("a1"), nil
	}}
	p, enq, _ := newTestPipeline(store, chat)
	ctx := context.Background()

	require.NoError(t, p.handleStartCase(ctx, caseJob(t, JobStartCase, "c1")))
	enq.drain()

	require.NoError(t, p.handleAnalyzeAttachment(ctx, attachmentJob(t, "c1", "a1")))
	assert.Zero(t, chatCalls, "DONE attachment must not be re-analyzed")
	// Single branch: the arrival completes the group
	assert.Equal(t, []string{JobCaseDocuments}, enq.names())
}

func TestStartCase_NoAttachmentsGoesStraightToDocuments(t *testing.T) {
	store := newFakeStore()
	seedCase(store, "c1")
	p, enq, _ := newTestPipeline(store, &scriptedChat{})

	require.NoError(t, p.handleStartCase(context.Background(), caseJob(t, JobStartCase, "c1")))
	assert.Equal(t, []string{JobCaseDocuments}, enq.names())
}

// Scenario: a worker records the final branch result but dies before it
// can enqueue the join job. The redelivered branch job lands on the
// duplicate-arrival path and must recover the lost callback.
func TestAnalyzeAttachment_RedeliveryRecoversLostCallback(t *testing.T) {
	store := newFakeStore()
	seedCase(store, "c1", "a1", "a2")
	p, enq, _ := newTestPipeline(store, &scriptedChat{})
	ctx := context.Background()

	require.NoError(t, p.barrier.Begin(ctx, analysisGroup("c1"), []string{"a1", "a2"}))

	fired, _, err := p.barrier.Arrive(ctx, analysisGroup("c1"), BranchResult{Branch: "a1", OK: true})
	require.NoError(t, err)
	require.False(t, fired)

	// The crashed worker won the final CAS but never enqueued.
	fired, _, err = p.barrier.Arrive(ctx, analysisGroup("c1"), BranchResult{Branch: "a2", OK: true})
	require.NoError(t, err)
	require.True(t, fired)
	require.Empty(t, enq.names())

	// Redelivery of the a2 job: already analyzed, duplicate arrival.
	store.attachments["a2"].Status = storage.AttachmentDone
	require.NoError(t, p.handleAnalyzeAttachment(ctx, attachmentJob(t, "c1", "a2")))

	assert.Equal(t, []string{JobCaseDocuments}, enq.names())
}

func TestAnalyzeAttachment_CallbackEnqueueFailureSurfaces(t *testing.T) {
	store := newFakeStore()
	seedCase(store, "c1", "a1")
	store.attachments["a1"].Status = storage.AttachmentDone

	p, enq, _ := newTestPipeline(store, &scriptedChat{})
	enq.failNames = map[string]bool{JobCaseDocuments: true}
	ctx := context.Background()

	require.NoError(t, p.barrier.Begin(ctx, analysisGroup("c1"), []string{"a1"}))

	// The enqueue fails, so the delivery must not be acked.
	err := p.handleAnalyzeAttachment(ctx, attachmentJob(t, "c1", "a1"))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))

	// The retry finds the branch recorded and re-fires.
	enq.failNames = nil
	require.NoError(t, p.handleAnalyzeAttachment(ctx, attachmentJob(t, "c1", "a1")))
	assert.Equal(t, []string{JobCaseDocuments}, enq.names())
}

func TestRerun_ResetsCaseAndResubmits(t *testing.T) {
	store := newFakeStore()
	seedCase(store, "c1", "a1")
	now := time.Now()
	store.cases["c1"].Status = storage.CaseDone
	store.cases["c1"].FinishedAt = &now

	p, enq, _ := newTestPipeline(store, &scriptedChat{})
	ctx := context.Background()

	require.NoError(t, p.Rerun(ctx, "c1"))

	c, err := store.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, storage.CasePending, c.Status)
	assert.Nil(t, c.FinishedAt)
	assert.Equal(t, []string{JobStartCase}, enq.names())
}

func TestRerun_RejectsUnfinishedCase(t *testing.T) {
	store := newFakeStore()
	seedCase(store, "c1", "a1")

	p, enq, _ := newTestPipeline(store, &scriptedChat{})

	err := p.Rerun(context.Background(), "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only DONE or ERROR")
	assert.Empty(t, enq.names())
}
