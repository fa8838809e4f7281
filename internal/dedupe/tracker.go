// ABOUTME: TTL-bounded tracker for webhook event IDs.
// ABOUTME: Lets the ingress layer drop redelivered events without reprocessing them.

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Tracker remembers which event IDs have already been processed. Entries
// expire after a TTL and the tracker holds at most capacity IDs, evicting
// the oldest when full. The linked list keeps eviction O(1).
type Tracker struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    *list.List // oldest at front
	ttl      time.Duration
	capacity int
}

// NewTracker builds a tracker that forgets IDs after ttl and never holds
// more than capacity of them.
func NewTracker(ttl time.Duration, capacity int) *Tracker {
	return &Tracker{
		entries:  make(map[string]*entry),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
	}
}

// Seen reports whether eventID was already recorded and, if not, records it.
// The check and the mark happen under one lock so concurrent deliveries of
// the same event cannot both pass.
func (t *Tracker) Seen(eventID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[eventID]; ok && time.Since(e.seenAt) < t.ttl {
		return true
	}
	t.record(eventID)
	return false
}

// Len returns the number of tracked IDs, expired ones included until the
// next sweep.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// record must be called with mu held.
func (t *Tracker) record(eventID string) {
	now := time.Now()

	if e, ok := t.entries[eventID]; ok {
		e.seenAt = now
		t.order.MoveToBack(e.element)
		return
	}

	if len(t.entries) >= t.capacity {
		front := t.order.Front()
		if front != nil {
			old, _ := front.Value.(string)
			t.order.Remove(front)
			delete(t.entries, old)
		}
	}

	t.entries[eventID] = &entry{
		seenAt:  now,
		element: t.order.PushBack(eventID),
	}
}

// Sweep drops every expired entry and returns how many were removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, e := range t.entries {
		if now.Sub(e.seenAt) >= t.ttl {
			t.order.Remove(e.element)
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Run sweeps on a fixed interval until the context is canceled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
