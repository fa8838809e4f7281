// ABOUTME: Background eviction loop for stale assistant sessions
// ABOUTME: Ticker-driven; runs until the context is cancelled

package session

import (
	"context"
	"time"
)

// Janitor periodically evicts sessions that have been inactive beyond the
// retention window.
type Janitor struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
}

// NewJanitor creates a Janitor. retention is how long an inactive session
// survives; interval is how often the sweep runs.
func NewJanitor(store *Store, retention, interval time.Duration) *Janitor {
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  interval,
	}
}

// Run sweeps on a ticker until ctx is cancelled. Sweep failures are logged by
// the store and do not stop the loop.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if _, err := j.store.EvictStale(sweepCtx, j.retention); err != nil {
				j.store.logger.Error("session sweep failed", "error", err)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}
