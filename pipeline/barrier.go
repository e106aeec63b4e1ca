// Package pipeline coordinates the bulk case-ingestion flow: sequential
// attachment extraction, a fan-out of per-attachment analysis jobs
// joined by a counting barrier, then two parallel document-generation
// jobs joined by a second barrier before the case finalizes.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// BucketGroups stores fan-out group state.
const BucketGroups = "DOCUFLOW_GROUPS"

// ErrGroupNotFound is returned when a barrier group does not exist.
var ErrGroupNotFound = errors.New("barrier group not found")

// BranchResult is one branch's terminal outcome. A branch that
// exhausted its retries carries OK=false and the failure reason: the
// barrier fires on "all terminal", never on "all succeeded".
type BranchResult struct {
	Branch string `json:"branch"`
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Group tracks a fan-out's branches and their recorded results.
type Group struct {
	ID        string                  `json:"id"`
	Branches  []string                `json:"branches"`
	Results   map[string]BranchResult `json:"results"`
	CreatedAt time.Time               `json:"created_at"`
}

// Complete reports whether every branch has a recorded result.
func (g *Group) Complete() bool {
	return len(g.Results) == len(g.Branches)
}

// OrderedResults returns results in declared branch order.
func (g *Group) OrderedResults() []BranchResult {
	out := make([]BranchResult, 0, len(g.Branches))
	for _, b := range g.Branches {
		if r, ok := g.Results[b]; ok {
			out = append(out, r)
		}
	}
	return out
}

// GroupStore persists barrier groups with optimistic concurrency. The
// revision returned by Get must be passed to Update; a conflicting
// revision returns ErrRevisionConflict so the caller can retry.
type GroupStore interface {
	Create(ctx context.Context, group *Group) error
	Get(ctx context.Context, id string) (*Group, uint64, error)
	Update(ctx context.Context, group *Group, revision uint64) error
}

// ErrRevisionConflict signals a lost compare-and-swap race.
var ErrRevisionConflict = errors.New("group revision conflict")

// Barrier is an explicit counting barrier over a GroupStore. Exactly
// one Arrive call observes the group becoming complete: the
// compare-and-swap that records the final branch result wins the fire.
type Barrier struct {
	store  GroupStore
	logger *slog.Logger
}

// NewBarrier creates a barrier over the given store.
func NewBarrier(store GroupStore, logger *slog.Logger) *Barrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Barrier{store: store, logger: logger}
}

// Begin registers a fan-out group. Re-registering an existing group is
// a no-op so job retries stay idempotent.
func (b *Barrier) Begin(ctx context.Context, groupID string, branches []string) error {
	group := &Group{
		ID:        groupID,
		Branches:  branches,
		Results:   make(map[string]BranchResult),
		CreatedAt: time.Now(),
	}
	err := b.store.Create(ctx, group)
	if err != nil && !errors.Is(err, ErrRevisionConflict) {
		return fmt.Errorf("create group %s: %w", groupID, err)
	}
	return nil
}

// Arrive records one branch's terminal result. It returns fired=true
// for exactly the call whose result completes the group, along with the
// full group state. A duplicate arrival for an already-recorded branch
// returns fired=false with the current group so the caller can check
// Complete and recover a fire whose follow-up work was lost.
func (b *Barrier) Arrive(ctx context.Context, groupID string, result BranchResult) (bool, *Group, error) {
	for {
		group, revision, err := b.store.Get(ctx, groupID)
		if err != nil {
			return false, nil, fmt.Errorf("get group %s: %w", groupID, err)
		}

		if _, recorded := group.Results[result.Branch]; recorded {
			b.logger.Debug("Duplicate barrier arrival ignored",
				"group", groupID, "branch", result.Branch)
			return false, group, nil
		}

		group.Results[result.Branch] = result
		if err := b.store.Update(ctx, group, revision); err != nil {
			if errors.Is(err, ErrRevisionConflict) {
				continue
			}
			return false, nil, fmt.Errorf("update group %s: %w", groupID, err)
		}

		fired := group.Complete()
		if fired {
			b.logger.Info("Barrier fired",
				"group", groupID,
				"branches", len(group.Branches))
		}
		return fired, group, nil
	}
}

// Group returns the current state of a fan-out group.
func (b *Barrier) Group(ctx context.Context, groupID string) (*Group, error) {
	group, _, err := b.store.Get(ctx, groupID)
	return group, err
}

// --- KV-backed store ---

// KVGroupStore persists groups in a NATS KV bucket, using KV revisions
// for the compare-and-swap.
type KVGroupStore struct {
	kv jetstream.KeyValue
}

// NewKVGroupStore creates the groups bucket if needed.
func NewKVGroupStore(ctx context.Context, js jetstream.JetStream) (*KVGroupStore, error) {
	kv, err := js.KeyValue(ctx, BucketGroups)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketGroups,
			Description: "Docuflow fan-out group state",
		})
		if err != nil {
			return nil, fmt.Errorf("create groups bucket: %w", err)
		}
	}
	return &KVGroupStore{kv: kv}, nil
}

// Create stores a new group; an existing key maps to ErrRevisionConflict.
func (s *KVGroupStore) Create(ctx context.Context, group *Group) error {
	data, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("marshal group: %w", err)
	}
	if _, err := s.kv.Create(ctx, group.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrRevisionConflict
		}
		return err
	}
	return nil
}

// Get loads a group and its KV revision.
func (s *KVGroupStore) Get(ctx context.Context, id string) (*Group, uint64, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, ErrGroupNotFound
		}
		return nil, 0, err
	}
	var group Group
	if err := json.Unmarshal(entry.Value(), &group); err != nil {
		return nil, 0, fmt.Errorf("unmarshal group: %w", err)
	}
	return &group, entry.Revision(), nil
}

// Update writes the group only if the revision still matches.
func (s *KVGroupStore) Update(ctx context.Context, group *Group, revision uint64) error {
	data, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("marshal group: %w", err)
	}
	if _, err := s.kv.Update(ctx, group.ID, data, revision); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrRevisionConflict
		}
		return err
	}
	return nil
}

// --- In-memory store ---

// MemoryGroupStore is a process-local GroupStore for tests.
type MemoryGroupStore struct {
	mu     sync.Mutex
	groups map[string]*memoryGroup
}

type memoryGroup struct {
	data     []byte
	revision uint64
}

// NewMemoryGroupStore creates an empty in-memory store.
func NewMemoryGroupStore() *MemoryGroupStore {
	return &MemoryGroupStore{groups: make(map[string]*memoryGroup)}
}

// Create stores a new group; an existing key maps to ErrRevisionConflict.
func (s *MemoryGroupStore) Create(_ context.Context, group *Group) error {
	data, err := json.Marshal(group)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[group.ID]; exists {
		return ErrRevisionConflict
	}
	s.groups[group.ID] = &memoryGroup{data: data, revision: 1}
	return nil
}

// Get loads a group and its revision.
func (s *MemoryGroupStore) Get(_ context.Context, id string) (*Group, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mg, ok := s.groups[id]
	if !ok {
		return nil, 0, ErrGroupNotFound
	}
	var group Group
	if err := json.Unmarshal(mg.data, &group); err != nil {
		return nil, 0, err
	}
	return &group, mg.revision, nil
}

// Update writes the group only if the revision still matches.
func (s *MemoryGroupStore) Update(_ context.Context, group *Group, revision uint64) error {
	data, err := json.Marshal(group)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mg, ok := s.groups[group.ID]
	if !ok {
		return ErrGroupNotFound
	}
	if mg.revision != revision {
		return ErrRevisionConflict
	}
	mg.data = data
	mg.revision++
	return nil
}
