// Package storage provides durable entity storage for docuflow using
// NATS KV. The KV record of an execution or case and its assets is the
// single source of truth: every pipeline stage commits incremental
// state so processing can resume after a crash.
package storage

import (
	"time"
)

// Bucket names for each entity type.
const (
	BucketWorkflows   = "DOCUFLOW_WORKFLOWS"
	BucketExecutions  = "DOCUFLOW_EXECUTIONS"
	BucketAssets      = "DOCUFLOW_ASSETS"
	BucketMessages    = "DOCUFLOW_MESSAGES"
	BucketCases       = "DOCUFLOW_CASES"
	BucketAttachments = "DOCUFLOW_ATTACHMENTS"
	BucketDocuments   = "DOCUFLOW_DOCUMENTS"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "PENDING"
	ExecutionInProgress ExecutionStatus = "IN_PROGRESS"
	ExecutionDone       ExecutionStatus = "DONE"
	ExecutionError      ExecutionStatus = "ERROR"
)

// AssetStatus represents the extraction state of an asset.
type AssetStatus string

const (
	AssetPending AssetStatus = "PENDING"
	AssetDone    AssetStatus = "DONE"
	AssetError   AssetStatus = "ERROR"
)

// AssetOrigin distinguishes uploaded inputs from agent-generated outputs.
type AssetOrigin string

const (
	OriginUpload AssetOrigin = "UPLOAD"
	OriginAI     AssetOrigin = "AI"
)

// AssetKind classifies the asset's media type.
type AssetKind string

const (
	KindFile  AssetKind = "FILE"
	KindText  AssetKind = "TEXT"
	KindImage AssetKind = "IMAGE"
	KindAudio AssetKind = "AUDIO"
	KindVideo AssetKind = "VIDEO"
)

// CaseStatus represents the lifecycle state of a legacy case.
type CaseStatus string

const (
	CasePending   CaseStatus = "PENDING"
	CaseError     CaseStatus = "ERROR"
	CaseDone      CaseStatus = "DONE"
	CaseApproved  CaseStatus = "APPROVED"
	CaseDelivered CaseStatus = "DELIVERED"
)

// AttachmentStatus represents the analysis state of a case attachment.
type AttachmentStatus string

const (
	AttachmentPending AttachmentStatus = "PENDING"
	AttachmentDone    AttachmentStatus = "DONE"
	AttachmentError   AttachmentStatus = "ERROR"
)

// DocumentKind identifies which generated document a record holds.
type DocumentKind string

const (
	DocumentDemand    DocumentKind = "demand"
	DocumentAgreement DocumentKind = "agreement"
)

// Collateral is an output example or fillable template attached to a
// workflow definition.
type Collateral struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Content     string         `json:"content"`
	Description string         `json:"description,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	IsTemplate  bool           `json:"is_template"`
	Path        string         `json:"path,omitempty"`
	Format      string         `json:"format,omitempty"`
}

// Workflow is a reusable document-generation recipe.
type Workflow struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Instructions string       `json:"instructions,omitempty"`
	Collaterals  []Collateral `json:"collaterals,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Execution is one run of a workflow against a set of input assets.
// GenerationLog is an append-only audit trail; status transitions are
// forward-monotonic except for an explicit rerun back to PENDING.
type Execution struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	Status        ExecutionStatus `json:"status"`
	Delivered     bool            `json:"delivered"`
	Summary       string          `json:"summary,omitempty"`
	StatusMessage string          `json:"status_message,omitempty"`
	GenerationLog string          `json:"generation_log,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// Asset is an input or generated artifact tied to an execution.
type Asset struct {
	ID            string      `json:"id"`
	ExecutionID   string      `json:"execution_id"`
	Name          string      `json:"name"`
	Kind          AssetKind   `json:"kind"`
	Origin        AssetOrigin `json:"origin"`
	Status        AssetStatus `json:"status"`
	Content       string      `json:"content,omitempty"`
	ExtractedText string      `json:"extracted_text,omitempty"`
	Brief         string      `json:"brief,omitempty"`
	Format        string      `json:"format,omitempty"`
	Path          string      `json:"path,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Message is one entry of an execution's conversation transcript.
// Messages are append-only and ordered by creation time.
type Message struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// Case is the root entity of the legacy bulk-ingestion flow.
type Case struct {
	ID            string     `json:"id"`
	Status        CaseStatus `json:"status"`
	Summary       string     `json:"summary,omitempty"`
	GenerationLog string     `json:"generation_log,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Attachment belongs to exactly one Case. Brief and Findings are
// filled by the per-attachment analysis job.
type Attachment struct {
	ID            string           `json:"id"`
	CaseID        string           `json:"case_id"`
	Name          string           `json:"name"`
	Status        AttachmentStatus `json:"status"`
	Path          string           `json:"path,omitempty"`
	ExtractedText string           `json:"extracted_text,omitempty"`
	Brief         string           `json:"brief,omitempty"`
	Findings      string           `json:"findings,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Document is a versioned generated document belonging to a Case.
// Documents are append-only by version number.
type Document struct {
	ID        string       `json:"id"`
	CaseID    string       `json:"case_id"`
	Kind      DocumentKind `json:"kind"`
	Version   int          `json:"version"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
}
