package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/docuflow/docuflow/extract"
	"github.com/docuflow/docuflow/llm"
	"github.com/docuflow/docuflow/metrics"
	"github.com/docuflow/docuflow/notify"
	"github.com/docuflow/docuflow/queue"
	"github.com/docuflow/docuflow/storage"
)

// Job names handled by the pipeline.
const (
	JobStartCase         = "start_case"
	JobAnalyzeAttachment = "analyze_attachment"
	JobCaseDocuments     = "case_documents"
	JobGenerateDemand    = "generate_demand"
	JobGenerateAgreement = "generate_agreement"
	JobFinalizeCase      = "finalize_case"
)

// Store is the storage surface the pipeline needs.
type Store interface {
	GetCase(ctx context.Context, id string) (*storage.Case, error)
	UpdateCase(ctx context.Context, c *storage.Case) error
	ListAttachmentsByCase(ctx context.Context, caseID string) ([]*storage.Attachment, error)
	GetAttachment(ctx context.Context, id string) (*storage.Attachment, error)
	UpdateAttachment(ctx context.Context, a *storage.Attachment) error
	CreateDocument(ctx context.Context, d *storage.Document) (string, error)
}

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, args any) (string, error)
}

// ChatClient is the model backend for analysis and drafting.
type ChatClient interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Notifier publishes best-effort progress events.
type Notifier interface {
	Publish(ctx context.Context, event notify.Event)
}

// Extractor turns attachment files into text.
type Extractor interface {
	Supported(path string) bool
	Extract(ctx context.Context, path, hint string) (string, error)
}

// Pipeline wires the case-ingestion stages to the job runner.
type Pipeline struct {
	store     Store
	enqueuer  Enqueuer
	barrier   *Barrier
	extractor Extractor
	chat      ChatClient
	notifier  Notifier
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New creates a case pipeline.
func New(store Store, enqueuer Enqueuer, barrier *Barrier, extractor Extractor, chat ChatClient, notifier Notifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		enqueuer:  enqueuer,
		barrier:   barrier,
		extractor: extractor,
		chat:      chat,
		notifier:  notifier,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds all pipeline handlers onto the runner.
func (p *Pipeline) Register(runner *queue.Runner) {
	runner.Register(JobStartCase, p.handleStartCase)
	runner.Register(JobAnalyzeAttachment, p.handleAnalyzeAttachment)
	runner.Register(JobCaseDocuments, p.handleCaseDocuments)
	runner.Register(JobGenerateDemand, func(ctx context.Context, job queue.Job) error {
		return p.handleGenerateDocument(ctx, job, storage.DocumentDemand)
	})
	runner.Register(JobGenerateAgreement, func(ctx context.Context, job queue.Job) error {
		return p.handleGenerateDocument(ctx, job, storage.DocumentAgreement)
	})
	runner.Register(JobFinalizeCase, p.handleFinalizeCase)
}

// CaseArgs identifies the case a job operates on.
type CaseArgs struct {
	CaseID string `json:"case_id"`
}

// AttachmentArgs identifies one analysis branch.
type AttachmentArgs struct {
	CaseID       string `json:"case_id"`
	AttachmentID string `json:"attachment_id"`
}

// Start enqueues case processing.
func (p *Pipeline) Start(ctx context.Context, caseID string) error {
	if _, err := p.enqueuer.Enqueue(ctx, JobStartCase, CaseArgs{CaseID: caseID}); err != nil {
		return fmt.Errorf("enqueue %s: %w", JobStartCase, err)
	}
	return nil
}

// Rerun resets a finished case to PENDING and resubmits it. In-flight
// work is not cancelled; extraction idempotency makes the overlap safe.
func (p *Pipeline) Rerun(ctx context.Context, caseID string) error {
	c, err := p.store.GetCase(ctx, caseID)
	if err != nil {
		return fmt.Errorf("load case: %w", err)
	}
	if c.Status != storage.CaseDone && c.Status != storage.CaseError {
		return fmt.Errorf("case %s is %s, only DONE or ERROR can be rerun", caseID, c.Status)
	}
	c.Status = storage.CasePending
	c.FinishedAt = nil
	if err := p.store.UpdateCase(ctx, c); err != nil {
		return fmt.Errorf("reset case: %w", err)
	}
	return p.Start(ctx, caseID)
}

func analysisGroup(caseID string) string  { return "analysis:" + caseID }
func documentsGroup(caseID string) string { return "documents:" + caseID }

// handleStartCase runs Stage A (sequential extraction) and fans out the
// per-attachment analysis jobs.
func (p *Pipeline) handleStartCase(ctx context.Context, job queue.Job) error {
	var args CaseArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return queue.Permanent(fmt.Errorf("parse args: %w", err))
	}

	c, err := p.store.GetCase(ctx, args.CaseID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("case %s: %w", args.CaseID, err))
		}
		return fmt.Errorf("load case: %w", err)
	}

	if c.StartedAt == nil {
		now := time.Now()
		c.StartedAt = &now
		if err := p.store.UpdateCase(ctx, c); err != nil {
			return fmt.Errorf("mark case started: %w", err)
		}
	}
	p.notifier.Publish(ctx, notify.Event{
		ExecutionID: c.ID,
		Log:         "Processing case attachments\n",
		Status:      notify.StatusProcessing,
	})

	attachments, err := p.store.ListAttachmentsByCase(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}

	// Stage A: extract sequentially. Attachments already extracted are
	// skipped so a retried job only redoes unfinished work.
	branches := make([]string, 0, len(attachments))
	for _, att := range attachments {
		branches = append(branches, att.ID)
		if att.ExtractedText != "" || att.Status == storage.AttachmentDone {
			continue
		}
		if !p.extractor.Supported(att.Path) {
			p.logger.Warn("Skipping unsupported attachment",
				"case_id", c.ID, "attachment", att.Name)
			continue
		}
		text, err := p.extractor.Extract(ctx, att.Path, "Case attachment: "+att.Name)
		if err != nil {
			p.logger.Error("Attachment extraction failed",
				"case_id", c.ID, "attachment", att.Name, "error", err)
			att.Status = storage.AttachmentError
			if uerr := p.store.UpdateAttachment(ctx, att); uerr != nil {
				return fmt.Errorf("mark attachment error: %w", uerr)
			}
			metrics.Extractions.WithLabelValues("attachment", "error").Inc()
			continue
		}
		att.ExtractedText = text
		if err := p.store.UpdateAttachment(ctx, att); err != nil {
			return fmt.Errorf("persist extracted text: %w", err)
		}
		metrics.Extractions.WithLabelValues("attachment", "ok").Inc()
	}

	if len(branches) == 0 {
		// Nothing to analyze, go straight to document generation
		if _, err := p.enqueuer.Enqueue(ctx, JobCaseDocuments, CaseArgs{CaseID: c.ID}); err != nil {
			return fmt.Errorf("enqueue %s: %w", JobCaseDocuments, err)
		}
		return nil
	}

	// Stage B fan-out
	if err := p.barrier.Begin(ctx, analysisGroup(c.ID), branches); err != nil {
		return fmt.Errorf("begin analysis group: %w", err)
	}
	for _, att := range attachments {
		_, err := p.enqueuer.Enqueue(ctx, JobAnalyzeAttachment, AttachmentArgs{
			CaseID:       c.ID,
			AttachmentID: att.ID,
		})
		if err != nil {
			return fmt.Errorf("enqueue analysis for %s: %w", att.ID, err)
		}
	}

	p.logger.Info("Case fan-out scheduled", "case_id", c.ID, "branches", len(branches))
	return nil
}

const analysisSystemPrompt = `You are a document analyst. Given the text of one case attachment, produce:
<brief>one- or two-sentence summary of what the document is</brief>
<findings>the concrete facts, amounts, dates, names, and obligations found in the document, as a bulleted list</findings>
Respond with exactly those two tagged blocks and nothing else.`

// handleAnalyzeAttachment is one Stage-B branch. Its terminal outcome,
// success or exhausted failure, always arrives at barrier 1.
func (p *Pipeline) handleAnalyzeAttachment(ctx context.Context, job queue.Job) error {
	var args AttachmentArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return queue.Permanent(fmt.Errorf("parse args: %w", err))
	}

	att, err := p.store.GetAttachment(ctx, args.AttachmentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The branch can never succeed; record the marker so the
			// barrier is not stalled forever. If the marker itself fails
			// to record, retry rather than ack.
			if aerr := p.failBranch(ctx, args.CaseID, analysisGroup(args.CaseID), args.AttachmentID, err); aerr != nil {
				return aerr
			}
			return queue.Permanent(fmt.Errorf("attachment %s: %w", args.AttachmentID, err))
		}
		return p.branchError(ctx, args.CaseID, analysisGroup(args.CaseID), args.AttachmentID,
			fmt.Errorf("load attachment: %w", err))
	}

	// Already analyzed on a prior delivery: arrive idempotently.
	if att.Status == storage.AttachmentDone {
		return p.arriveOK(ctx, args.CaseID, analysisGroup(args.CaseID), att.ID, att.Brief)
	}

	brief, findings, err := p.analyzeText(ctx, att)
	if err != nil {
		return p.branchError(ctx, args.CaseID, analysisGroup(args.CaseID), att.ID,
			fmt.Errorf("analyze attachment %s: %w", att.Name, err))
	}

	att.Brief = brief
	att.Findings = findings
	att.Status = storage.AttachmentDone
	if err := p.store.UpdateAttachment(ctx, att); err != nil {
		return p.branchError(ctx, args.CaseID, analysisGroup(args.CaseID), att.ID,
			fmt.Errorf("persist analysis: %w", err))
	}

	p.notifier.Publish(ctx, notify.Event{
		ExecutionID: args.CaseID,
		Log:         fmt.Sprintf("Analyzed %s\n", att.Name),
		Status:      notify.StatusProcessing,
	})
	return p.arriveOK(ctx, args.CaseID, analysisGroup(args.CaseID), att.ID, brief)
}

func (p *Pipeline) analyzeText(ctx context.Context, att *storage.Attachment) (brief, findings string, err error) {
	content := att.ExtractedText
	if content == "" {
		content = "[no text could be extracted from this attachment]"
	}

	resp, err := p.chat.Chat(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: analysisSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Attachment %q:\n\n%s", att.Name, content)},
		},
	})
	if err != nil {
		return "", "", err
	}

	brief = taggedSection(resp.Content, "brief")
	findings = taggedSection(resp.Content, "findings")
	if brief == "" && findings == "" {
		// Model ignored the format; keep the raw response as findings
		findings = resp.Content
	}
	return brief, findings, nil
}

// handleCaseDocuments is the barrier-1 callback: it records the
// analysis results and fans out the two document-generation branches.
func (p *Pipeline) handleCaseDocuments(ctx context.Context, job queue.Job) error {
	var args CaseArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return queue.Permanent(fmt.Errorf("parse args: %w", err))
	}

	c, err := p.store.GetCase(ctx, args.CaseID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("case %s: %w", args.CaseID, err))
		}
		return fmt.Errorf("load case: %w", err)
	}

	if group, err := p.barrier.Group(ctx, analysisGroup(c.ID)); err == nil {
		var log strings.Builder
		for _, r := range group.OrderedResults() {
			if r.OK {
				fmt.Fprintf(&log, "Attachment %s analyzed\n", r.Branch)
			} else {
				fmt.Fprintf(&log, "<error>Attachment %s failed analysis: %s</error>\n", r.Branch, r.Error)
			}
		}
		c.GenerationLog += log.String()
		if err := p.store.UpdateCase(ctx, c); err != nil {
			return fmt.Errorf("record analysis log: %w", err)
		}
	}

	if err := p.barrier.Begin(ctx, documentsGroup(c.ID), []string{
		string(storage.DocumentDemand),
		string(storage.DocumentAgreement),
	}); err != nil {
		return fmt.Errorf("begin documents group: %w", err)
	}
	if _, err := p.enqueuer.Enqueue(ctx, JobGenerateDemand, CaseArgs{CaseID: c.ID}); err != nil {
		return fmt.Errorf("enqueue %s: %w", JobGenerateDemand, err)
	}
	if _, err := p.enqueuer.Enqueue(ctx, JobGenerateAgreement, CaseArgs{CaseID: c.ID}); err != nil {
		return fmt.Errorf("enqueue %s: %w", JobGenerateAgreement, err)
	}
	return nil
}

// handleGenerateDocument is one Stage-C branch.
func (p *Pipeline) handleGenerateDocument(ctx context.Context, job queue.Job, kind storage.DocumentKind) error {
	var args CaseArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return queue.Permanent(fmt.Errorf("parse args: %w", err))
	}
	branch := string(kind)

	c, err := p.store.GetCase(ctx, args.CaseID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if aerr := p.failBranch(ctx, args.CaseID, documentsGroup(args.CaseID), branch, err); aerr != nil {
				return aerr
			}
			return queue.Permanent(fmt.Errorf("case %s: %w", args.CaseID, err))
		}
		return p.branchError(ctx, args.CaseID, documentsGroup(args.CaseID), branch,
			fmt.Errorf("load case: %w", err))
	}

	attachments, err := p.store.ListAttachmentsByCase(ctx, c.ID)
	if err != nil {
		return p.branchError(ctx, c.ID, documentsGroup(c.ID), branch,
			fmt.Errorf("list attachments: %w", err))
	}

	content, err := p.draftDocument(ctx, c, attachments, kind)
	if err != nil {
		return p.branchError(ctx, c.ID, documentsGroup(c.ID), branch,
			fmt.Errorf("draft %s: %w", kind, err))
	}

	if _, err := p.store.CreateDocument(ctx, &storage.Document{
		CaseID:  c.ID,
		Kind:    kind,
		Content: content,
	}); err != nil {
		return p.branchError(ctx, c.ID, documentsGroup(c.ID), branch,
			fmt.Errorf("store %s: %w", kind, err))
	}

	p.notifier.Publish(ctx, notify.Event{
		ExecutionID: c.ID,
		Log:         fmt.Sprintf("Generated %s document\n", kind),
		Status:      notify.StatusProcessing,
	})
	return p.arriveOK(ctx, c.ID, documentsGroup(c.ID), branch, "")
}

func (p *Pipeline) draftDocument(ctx context.Context, c *storage.Case, attachments []*storage.Attachment, kind storage.DocumentKind) (string, error) {
	var context strings.Builder
	for _, att := range attachments {
		if att.Brief == "" && att.Findings == "" {
			continue
		}
		fmt.Fprintf(&context, "## %s\nBrief: %s\nFindings:\n%s\n\n", att.Name, att.Brief, att.Findings)
	}

	var instruction string
	switch kind {
	case storage.DocumentDemand:
		instruction = "Draft a formal demand letter in markdown based on the analyzed case attachments below."
	case storage.DocumentAgreement:
		instruction = "Draft a settlement agreement in markdown based on the analyzed case attachments below."
	default:
		return "", fmt.Errorf("unknown document kind %q", kind)
	}

	resp, err := p.chat.Chat(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You are a legal drafting assistant. Respond with the complete document only."},
			{Role: "user", Content: instruction + "\n\n" + context.String()},
		},
	})
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", fmt.Errorf("model returned empty document")
	}
	return resp.Content, nil
}

// handleFinalizeCase is the barrier-2 callback.
func (p *Pipeline) handleFinalizeCase(ctx context.Context, job queue.Job) error {
	var args CaseArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return queue.Permanent(fmt.Errorf("parse args: %w", err))
	}

	c, err := p.store.GetCase(ctx, args.CaseID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("case %s: %w", args.CaseID, err))
		}
		return fmt.Errorf("load case: %w", err)
	}

	if group, err := p.barrier.Group(ctx, documentsGroup(c.ID)); err == nil {
		for _, r := range group.OrderedResults() {
			if !r.OK {
				c.GenerationLog += fmt.Sprintf("<error>Document %s failed: %s</error>\n", r.Branch, r.Error)
			}
		}
	}

	now := time.Now()
	c.Status = storage.CaseDone
	c.FinishedAt = &now
	if err := p.store.UpdateCase(ctx, c); err != nil {
		return fmt.Errorf("finalize case: %w", err)
	}

	p.notifier.Publish(ctx, notify.Event{
		ExecutionID: c.ID,
		Log:         "Case processing complete\n",
		Status:      notify.StatusDone,
		AssetsReady: true,
	})
	p.logger.Info("Case finalized", "case_id", c.ID)
	return nil
}

// branchError routes a branch failure: retryable deliveries bubble the
// error to the runner, the final delivery records the failure marker so
// the barrier still fires.
func (p *Pipeline) branchError(ctx context.Context, caseID, groupID, branch string, err error) error {
	attempt, ok := queue.AttemptFromContext(ctx)
	if ok && !attempt.Final() && !queue.IsPermanent(err) {
		return err
	}
	if aerr := p.failBranch(ctx, caseID, groupID, branch, err); aerr != nil {
		return aerr
	}
	return err
}

func (p *Pipeline) failBranch(ctx context.Context, caseID, groupID, branch string, cause error) error {
	p.logger.Error("Branch failed terminally",
		"case_id", caseID, "group", groupID, "branch", branch, "error", cause)
	metrics.BarrierBranches.WithLabelValues("failed").Inc()
	return p.arrive(ctx, caseID, groupID, BranchResult{
		Branch: branch,
		OK:     false,
		Error:  cause.Error(),
	})
}

func (p *Pipeline) arriveOK(ctx context.Context, caseID, groupID, branch, output string) error {
	metrics.BarrierBranches.WithLabelValues("ok").Inc()
	return p.arrive(ctx, caseID, groupID, BranchResult{
		Branch: branch,
		OK:     true,
		Output: output,
	})
}

// arrive records a branch result and fires the join job once the group
// is complete. A duplicate arrival still re-checks completeness: a
// worker that crashed after recording the final result but before the
// enqueue gets a redelivery, lands on the duplicate path, and re-fires.
// The join handlers tolerate a double enqueue. Any error bubbles to the
// runner so the delivery is retried instead of acked.
func (p *Pipeline) arrive(ctx context.Context, caseID, groupID string, result BranchResult) error {
	fired, group, err := p.barrier.Arrive(ctx, groupID, result)
	if err != nil {
		return fmt.Errorf("record branch %s in group %s: %w", result.Branch, groupID, err)
	}
	if fired || (group != nil && group.Complete()) {
		return p.fireCallback(ctx, caseID, groupID)
	}
	return nil
}

// fireCallback enqueues the join job for a completed group.
func (p *Pipeline) fireCallback(ctx context.Context, caseID, groupID string) error {
	var next string
	switch {
	case strings.HasPrefix(groupID, "analysis:"):
		next = JobCaseDocuments
	case strings.HasPrefix(groupID, "documents:"):
		next = JobFinalizeCase
	default:
		return queue.Permanent(fmt.Errorf("unknown barrier group %s", groupID))
	}
	if _, err := p.enqueuer.Enqueue(ctx, next, CaseArgs{CaseID: caseID}); err != nil {
		return fmt.Errorf("enqueue %s: %w", next, err)
	}
	return nil
}

var (
	briefRe    = regexp.MustCompile(`(?s)<brief>(.*?)</brief>`)
	findingsRe = regexp.MustCompile(`(?s)<findings>(.*?)</findings>`)
)

func taggedSection(content, tag string) string {
	var re *regexp.Regexp
	switch tag {
	case "brief":
		re = briefRe
	case "findings":
		re = findingsRe
	default:
		return ""
	}
	m := re.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

var _ Extractor = (*extract.Dispatcher)(nil)
