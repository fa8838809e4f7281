// ABOUTME: Tests for the event-ID dedupe tracker.
// ABOUTME: Validates TTL expiration, capacity eviction, sweeps, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_FirstDeliveryPasses(t *testing.T) {
	tr := NewTracker(5*time.Minute, 100)

	assert.False(t, tr.Seen("evt-1"), "first delivery is not a duplicate")
	assert.True(t, tr.Seen("evt-1"), "second delivery is")
}

func TestTracker_DistinctIDsIndependent(t *testing.T) {
	tr := NewTracker(5*time.Minute, 100)

	assert.False(t, tr.Seen("evt-1"))
	assert.False(t, tr.Seen("evt-2"))
	assert.True(t, tr.Seen("evt-1"))
	assert.True(t, tr.Seen("evt-2"))
}

func TestTracker_Expiry(t *testing.T) {
	tr := NewTracker(10*time.Millisecond, 100)

	assert.False(t, tr.Seen("evt-1"))
	time.Sleep(20 * time.Millisecond)

	// Expired entries read as unseen again
	assert.False(t, tr.Seen("evt-1"))
}

func TestTracker_CapacityEviction(t *testing.T) {
	tr := NewTracker(5*time.Minute, 3)

	for i := 1; i <= 3; i++ {
		tr.Seen(fmt.Sprintf("evt-%d", i))
	}
	// Fourth insert evicts the oldest
	tr.Seen("evt-4")

	assert.Equal(t, 3, tr.Len())
	assert.False(t, tr.Seen("evt-1"), "oldest was evicted")
}

func TestTracker_RedeliveryRefreshesOrder(t *testing.T) {
	tr := NewTracker(5*time.Minute, 3)

	tr.Seen("evt-1")
	tr.Seen("evt-2")
	tr.Seen("evt-3")

	// Touch evt-1 so it becomes the newest
	assert.True(t, tr.Seen("evt-1"))

	tr.Seen("evt-4")
	assert.True(t, tr.Seen("evt-1"), "refreshed entry survived")
	assert.False(t, tr.Seen("evt-2"), "evt-2 became oldest and was evicted")
}

func TestTracker_Sweep(t *testing.T) {
	tr := NewTracker(10*time.Millisecond, 100)

	tr.Seen("evt-1")
	tr.Seen("evt-2")
	time.Sleep(20 * time.Millisecond)
	tr.Seen("evt-3")

	removed := tr.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_Concurrent(t *testing.T) {
	tr := NewTracker(5*time.Minute, 1000)

	var wg sync.WaitGroup
	duplicates := make([]int, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if tr.Seen(fmt.Sprintf("evt-%d", i)) {
					duplicates[g]++
				}
			}
		}(g)
	}
	wg.Wait()

	// Each of the 100 IDs passes exactly once across all goroutines
	total := 0
	for _, d := range duplicates {
		total += d
	}
	assert.Equal(t, 8*100-100, total)
}
