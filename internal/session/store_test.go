// ABOUTME: Tests for the session Store
// ABOUTME: Verifies lazy allocation, reuse, reset, eviction, and create races

package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/drift-relay/internal/store"
)

// mockAllocator hands out sequential session IDs and counts calls.
type mockAllocator struct {
	calls atomic.Int64
	err   error
	delay time.Duration
}

func (m *mockAllocator) CreateSession(ctx context.Context) (string, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	n := m.calls.Add(1)
	if m.err != nil {
		return "", m.err
	}
	return fmt.Sprintf("assistant-sess-%d", n), nil
}

func TestCreateOrGet_AllocatesOnce(t *testing.T) {
	ctx := context.Background()
	alloc := &mockAllocator{}
	s := New(store.NewMemoryStore(), alloc, nil)

	first, err := s.CreateOrGet(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "assistant-sess-1", first)

	second, err := s.CreateOrGet(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, first, second, "second call reuses the same assistant session")
	assert.Equal(t, int64(1), alloc.calls.Load())
}

func TestCreateOrGet_DistinctConversations(t *testing.T) {
	ctx := context.Background()
	alloc := &mockAllocator{}
	s := New(store.NewMemoryStore(), alloc, nil)

	a, err := s.CreateOrGet(ctx, "C1")
	require.NoError(t, err)
	b, err := s.CreateOrGet(ctx, "C2")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCreateOrGet_EmptyConversationID(t *testing.T) {
	s := New(store.NewMemoryStore(), &mockAllocator{}, nil)

	_, err := s.CreateOrGet(context.Background(), "")
	assert.Error(t, err)
}

func TestCreateOrGet_AllocatorFailurePropagates(t *testing.T) {
	ctx := context.Background()
	alloc := &mockAllocator{err: fmt.Errorf("backend down")}
	backing := store.NewMemoryStore()
	s := New(backing, alloc, nil)

	_, err := s.CreateOrGet(ctx, "C1")
	require.Error(t, err)

	// Nothing recorded for the failed allocation
	n, err := backing.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCreateOrGet_ConcurrentCallsCollapse(t *testing.T) {
	ctx := context.Background()
	alloc := &mockAllocator{delay: 20 * time.Millisecond}
	s := New(store.NewMemoryStore(), alloc, nil)

	const workers = 8
	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.CreateOrGet(ctx, "C1")
			assert.NoError(t, err)
			results[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range results {
		assert.Equal(t, results[0], id)
	}
	assert.Equal(t, int64(1), alloc.calls.Load(), "only one backend session allocated")
}

func TestReset_NextCallAllocatesFresh(t *testing.T) {
	ctx := context.Background()
	alloc := &mockAllocator{}
	s := New(store.NewMemoryStore(), alloc, nil)

	first, err := s.CreateOrGet(ctx, "C1")
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx, "C1"))

	second, err := s.CreateOrGet(ctx, "C1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestEvictStale(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemoryStore()
	alloc := &mockAllocator{}
	s := New(backing, alloc, nil)

	evicted, err := s.CreateOrGet(ctx, "old")
	require.NoError(t, err)
	_, err = s.CreateOrGet(ctx, "fresh")
	require.NoError(t, err)

	// Age the first session by rewriting its activity timestamp
	sess, err := backing.GetSession(ctx, "old")
	require.NoError(t, err)
	sess.LastActivityAt = time.Now().UTC().Add(-8 * 24 * time.Hour)
	require.NoError(t, backing.PutSession(ctx, sess))

	// Cutoff older than all entries removes nothing
	n, err := s.EvictStale(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.EvictStale(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Evicted conversation gets a brand new assistant session
	replacement, err := s.CreateOrGet(ctx, "old")
	require.NoError(t, err)
	assert.NotEqual(t, evicted, replacement)

	total, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestCreateOrGet_RefreshesActivity(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemoryStore()
	s := New(backing, &mockAllocator{}, nil)

	_, err := s.CreateOrGet(ctx, "C1")
	require.NoError(t, err)

	sess, err := backing.GetSession(ctx, "C1")
	require.NoError(t, err)
	sess.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, backing.PutSession(ctx, sess))

	_, err = s.CreateOrGet(ctx, "C1")
	require.NoError(t, err)

	refreshed, err := backing.GetSession(ctx, "C1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), refreshed.LastActivityAt, time.Minute)
}
