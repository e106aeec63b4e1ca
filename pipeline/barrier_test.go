package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrier_FiresOnLastArrival(t *testing.T) {
	b := NewBarrier(NewMemoryGroupStore(), nil)
	ctx := context.Background()

	require.NoError(t, b.Begin(ctx, "analysis:c1", []string{"a1", "a2", "a3"}))

	fired, _, err := b.Arrive(ctx, "analysis:c1", BranchResult{Branch: "a1", OK: true})
	require.NoError(t, err)
	assert.False(t, fired)

	fired, _, err = b.Arrive(ctx, "analysis:c1", BranchResult{Branch: "a2", OK: true})
	require.NoError(t, err)
	assert.False(t, fired)

	fired, group, err := b.Arrive(ctx, "analysis:c1", BranchResult{Branch: "a3", OK: true})
	require.NoError(t, err)
	assert.True(t, fired)
	assert.True(t, group.Complete())
	assert.Len(t, group.OrderedResults(), 3)
}

func TestBarrier_FiresWithFailureMarker(t *testing.T) {
	b := NewBarrier(NewMemoryGroupStore(), nil)
	ctx := context.Background()

	require.NoError(t, b.Begin(ctx, "g", []string{"a", "b", "c"}))

	_, _, err := b.Arrive(ctx, "g", BranchResult{Branch: "a", OK: true})
	require.NoError(t, err)
	_, _, err = b.Arrive(ctx, "g", BranchResult{Branch: "b", OK: false, Error: "retries exhausted"})
	require.NoError(t, err)
	fired, group, err := b.Arrive(ctx, "g", BranchResult{Branch: "c", OK: true})
	require.NoError(t, err)
	require.True(t, fired)

	results := group.OrderedResults()
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Equal(t, "retries exhausted", results[1].Error)
	assert.True(t, results[2].OK)
}

func TestBarrier_DuplicateArrivalIgnored(t *testing.T) {
	b := NewBarrier(NewMemoryGroupStore(), nil)
	ctx := context.Background()

	require.NoError(t, b.Begin(ctx, "g", []string{"a", "b"}))

	_, _, err := b.Arrive(ctx, "g", BranchResult{Branch: "a", OK: true})
	require.NoError(t, err)

	// Redelivered job arrives again for the same branch
	fired, _, err := b.Arrive(ctx, "g", BranchResult{Branch: "a", OK: true})
	require.NoError(t, err)
	assert.False(t, fired, "duplicate must not complete the group")

	fired, _, err = b.Arrive(ctx, "g", BranchResult{Branch: "b", OK: true})
	require.NoError(t, err)
	assert.True(t, fired)

	// Late duplicate after the fire must not fire again, but it returns
	// the completed group so the caller can recover a lost follow-up
	fired, group, err := b.Arrive(ctx, "g", BranchResult{Branch: "b", OK: true})
	require.NoError(t, err)
	assert.False(t, fired)
	require.NotNil(t, group)
	assert.True(t, group.Complete())
}

func TestBarrier_BeginIdempotent(t *testing.T) {
	b := NewBarrier(NewMemoryGroupStore(), nil)
	ctx := context.Background()

	require.NoError(t, b.Begin(ctx, "g", []string{"a", "b"}))
	_, _, err := b.Arrive(ctx, "g", BranchResult{Branch: "a", OK: true})
	require.NoError(t, err)

	// A retried fan-out job re-registers the group; recorded results
	// must survive.
	require.NoError(t, b.Begin(ctx, "g", []string{"a", "b"}))

	group, err := b.Group(ctx, "g")
	require.NoError(t, err)
	assert.Len(t, group.Results, 1)
}

func TestBarrier_ConcurrentArrivalsFireExactlyOnce(t *testing.T) {
	b := NewBarrier(NewMemoryGroupStore(), nil)
	ctx := context.Background()

	const n = 16
	branches := make([]string, n)
	for i := range branches {
		branches[i] = fmt.Sprintf("branch-%d", i)
	}
	require.NoError(t, b.Begin(ctx, "g", branches))

	var fires atomic.Int64
	var wg sync.WaitGroup
	for _, branch := range branches {
		wg.Add(1)
		go func(branch string) {
			defer wg.Done()
			fired, _, err := b.Arrive(ctx, "g", BranchResult{Branch: branch, OK: true})
			assert.NoError(t, err)
			if fired {
				fires.Add(1)
			}
		}(branch)
	}
	wg.Wait()

	assert.Equal(t, int64(1), fires.Load(), "exactly one arrival observes completion")
}

func TestBarrier_ArriveUnknownGroup(t *testing.T) {
	b := NewBarrier(NewMemoryGroupStore(), nil)
	_, _, err := b.Arrive(context.Background(), "missing", BranchResult{Branch: "a"})
	assert.ErrorIs(t, err, ErrGroupNotFound)
}
