package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// BucketLeases holds per-execution run leases.
const BucketLeases = "DOCUFLOW_LEASES"

// DefaultLeaseTTL bounds how long a crashed worker can hold a lease.
const DefaultLeaseTTL = 15 * time.Minute

// Leaser guards an execution against concurrent runs. Acquire returns
// ok=false when another worker holds the lease.
type Leaser interface {
	Acquire(ctx context.Context, executionID string) (release func(), ok bool, err error)
}

// KVLeaser implements leases with KV Create on a TTL bucket: the key
// exists while a run is active and expires if the holder dies.
type KVLeaser struct {
	kv jetstream.KeyValue
}

// NewKVLeaser creates the lease bucket if needed.
func NewKVLeaser(ctx context.Context, js jetstream.JetStream, ttl time.Duration) (*KVLeaser, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	kv, err := js.KeyValue(ctx, BucketLeases)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketLeases,
			Description: "Docuflow execution run leases",
			TTL:         ttl,
		})
		if err != nil {
			return nil, fmt.Errorf("create leases bucket: %w", err)
		}
	}
	return &KVLeaser{kv: kv}, nil
}

// Acquire takes the lease for an execution id.
func (l *KVLeaser) Acquire(ctx context.Context, executionID string) (func(), bool, error) {
	_, err := l.kv.Create(ctx, executionID, []byte(time.Now().Format(time.RFC3339)))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire lease %s: %w", executionID, err)
	}
	release := func() {
		// Best effort; the TTL reclaims the lease if delete fails
		_ = l.kv.Delete(context.Background(), executionID)
	}
	return release, true, nil
}

// MemoryLeaser is a process-local Leaser for tests.
type MemoryLeaser struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLeaser creates an empty in-memory leaser.
func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{held: make(map[string]bool)}
}

// Acquire takes the lease for an execution id.
func (l *MemoryLeaser) Acquire(_ context.Context, executionID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[executionID] {
		return nil, false, nil
	}
	l.held[executionID] = true
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, executionID)
	}
	return release, true, nil
}
