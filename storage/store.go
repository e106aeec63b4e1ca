package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// NewID generates a new entity identifier.
func NewID() string {
	return uuid.New().String()
}

// Store provides entity storage operations backed by NATS KV.
type Store struct {
	workflows   jetstream.KeyValue
	executions  jetstream.KeyValue
	assets      jetstream.KeyValue
	messages    jetstream.KeyValue
	cases       jetstream.KeyValue
	attachments jetstream.KeyValue
	documents   jetstream.KeyValue
}

// NewStore creates a new Store with the given JetStream context.
// It creates the necessary KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	s := &Store{}

	buckets := []struct {
		name string
		kv   *jetstream.KeyValue
	}{
		{BucketWorkflows, &s.workflows},
		{BucketExecutions, &s.executions},
		{BucketAssets, &s.assets},
		{BucketMessages, &s.messages},
		{BucketCases, &s.cases},
		{BucketAttachments, &s.attachments},
		{BucketDocuments, &s.documents},
	}

	for _, b := range buckets {
		kv, err := getOrCreateBucket(ctx, js, b.name)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", strings.ToLower(b.name), err)
		}
		*b.kv = kv
	}

	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Docuflow %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

func putJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store entity: %w", err)
	}
	return nil
}

func getJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("get entity: %w", err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return fmt.Errorf("unmarshal entity: %w", err)
	}
	return nil
}

// --- Workflows ---

// PutWorkflow stores a workflow definition, assigning an ID if missing.
func (s *Store) PutWorkflow(ctx context.Context, w *Workflow) error {
	if w.ID == "" {
		w.ID = NewID()
		w.CreatedAt = time.Now()
	}
	return putJSON(ctx, s.workflows, w.ID, w)
}

// GetWorkflow retrieves a workflow by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	if err := getJSON(ctx, s.workflows, id, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// --- Executions ---

// CreateExecution creates a new PENDING execution and returns its ID.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) (string, error) {
	e.ID = NewID()
	e.Status = ExecutionPending
	e.CreatedAt = time.Now()
	if err := putJSON(ctx, s.executions, e.ID, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var e Execution
	if err := getJSON(ctx, s.executions, id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateExecution persists an execution's current state.
func (s *Store) UpdateExecution(ctx context.Context, e *Execution) error {
	return putJSON(ctx, s.executions, e.ID, e)
}

// AppendExecutionLog appends text to an execution's generation log.
func (s *Store) AppendExecutionLog(ctx context.Context, id, text string) error {
	e, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	e.GenerationLog += text
	return s.UpdateExecution(ctx, e)
}

// --- Assets ---

// CreateAsset creates a new asset and returns its ID.
func (s *Store) CreateAsset(ctx context.Context, a *Asset) (string, error) {
	a.ID = NewID()
	if a.Status == "" {
		a.Status = AssetPending
	}
	a.CreatedAt = time.Now()
	if err := putJSON(ctx, s.assets, a.ID, a); err != nil {
		return "", err
	}
	return a.ID, nil
}

// GetAsset retrieves an asset by ID.
func (s *Store) GetAsset(ctx context.Context, id string) (*Asset, error) {
	var a Asset
	if err := getJSON(ctx, s.assets, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAsset persists an asset's current state.
func (s *Store) UpdateAsset(ctx context.Context, a *Asset) error {
	return putJSON(ctx, s.assets, a.ID, a)
}

// ListAssetsByExecution returns all assets of an execution, oldest first.
func (s *Store) ListAssetsByExecution(ctx context.Context, executionID string) ([]*Asset, error) {
	keys, err := s.assets.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list asset keys: %w", err)
	}

	assets := make([]*Asset, 0)
	for _, key := range keys {
		entry, err := s.assets.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var a Asset
		if err := json.Unmarshal(entry.Value(), &a); err != nil {
			continue
		}
		if a.ExecutionID == executionID {
			assets = append(assets, &a)
		}
	}

	sort.Slice(assets, func(i, j int) bool {
		return assets[i].CreatedAt.Before(assets[j].CreatedAt)
	})
	return assets, nil
}

// --- Messages ---

// AppendMessage appends a transcript message to an execution.
func (s *Store) AppendMessage(ctx context.Context, m *Message) (string, error) {
	m.ID = NewID()
	m.CreatedAt = time.Now()
	if err := putJSON(ctx, s.messages, m.ID, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// ListMessages returns an execution's transcript ordered by creation.
func (s *Store) ListMessages(ctx context.Context, executionID string) ([]*Message, error) {
	keys, err := s.messages.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list message keys: %w", err)
	}

	messages := make([]*Message, 0)
	for _, key := range keys {
		entry, err := s.messages.Get(ctx, key)
		if err != nil {
			continue
		}
		var m Message
		if err := json.Unmarshal(entry.Value(), &m); err != nil {
			continue
		}
		if m.ExecutionID == executionID {
			messages = append(messages, &m)
		}
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// --- Cases ---

// CreateCase creates a new PENDING case and returns its ID.
func (s *Store) CreateCase(ctx context.Context, c *Case) (string, error) {
	c.ID = NewID()
	c.Status = CasePending
	c.CreatedAt = time.Now()
	if err := putJSON(ctx, s.cases, c.ID, c); err != nil {
		return "", err
	}
	return c.ID, nil
}

// GetCase retrieves a case by ID.
func (s *Store) GetCase(ctx context.Context, id string) (*Case, error) {
	var c Case
	if err := getJSON(ctx, s.cases, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCase persists a case's current state.
func (s *Store) UpdateCase(ctx context.Context, c *Case) error {
	return putJSON(ctx, s.cases, c.ID, c)
}

// --- Attachments ---

// CreateAttachment creates a new attachment and returns its ID.
func (s *Store) CreateAttachment(ctx context.Context, a *Attachment) (string, error) {
	a.ID = NewID()
	if a.Status == "" {
		a.Status = AttachmentPending
	}
	a.CreatedAt = time.Now()
	if err := putJSON(ctx, s.attachments, a.ID, a); err != nil {
		return "", err
	}
	return a.ID, nil
}

// GetAttachment retrieves an attachment by ID.
func (s *Store) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	var a Attachment
	if err := getJSON(ctx, s.attachments, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAttachment persists an attachment's current state.
func (s *Store) UpdateAttachment(ctx context.Context, a *Attachment) error {
	return putJSON(ctx, s.attachments, a.ID, a)
}

// ListAttachmentsByCase returns all attachments of a case, oldest first.
func (s *Store) ListAttachmentsByCase(ctx context.Context, caseID string) ([]*Attachment, error) {
	keys, err := s.attachments.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list attachment keys: %w", err)
	}

	attachments := make([]*Attachment, 0)
	for _, key := range keys {
		entry, err := s.attachments.Get(ctx, key)
		if err != nil {
			continue
		}
		var a Attachment
		if err := json.Unmarshal(entry.Value(), &a); err != nil {
			continue
		}
		if a.CaseID == caseID {
			attachments = append(attachments, &a)
		}
	}

	sort.Slice(attachments, func(i, j int) bool {
		return attachments[i].CreatedAt.Before(attachments[j].CreatedAt)
	})
	return attachments, nil
}

// --- Documents ---

// CreateDocument stores a generated document at the next version for
// its case and kind. Versions are append-only.
func (s *Store) CreateDocument(ctx context.Context, d *Document) (string, error) {
	latest, err := s.LatestDocumentVersion(ctx, d.CaseID, d.Kind)
	if err != nil {
		return "", err
	}
	d.ID = NewID()
	d.Version = latest + 1
	d.CreatedAt = time.Now()
	if err := putJSON(ctx, s.documents, d.ID, d); err != nil {
		return "", err
	}
	return d.ID, nil
}

// LatestDocumentVersion returns the highest stored version for a case
// and kind, or 0 when none exist.
func (s *Store) LatestDocumentVersion(ctx context.Context, caseID string, kind DocumentKind) (int, error) {
	keys, err := s.documents.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return 0, nil
		}
		return 0, fmt.Errorf("list document keys: %w", err)
	}

	latest := 0
	for _, key := range keys {
		entry, err := s.documents.Get(ctx, key)
		if err != nil {
			continue
		}
		var d Document
		if err := json.Unmarshal(entry.Value(), &d); err != nil {
			continue
		}
		if d.CaseID == caseID && d.Kind == kind && d.Version > latest {
			latest = d.Version
		}
	}
	return latest, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
