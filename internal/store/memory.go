// ABOUTME: In-memory Store implementation backed by mutex-guarded maps
// ABOUTME: Default backend for single-process runs and the workhorse for tests

package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation. Each operation takes the
// lock once, so individual mutations are atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	escalations map[string]*Escalation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		escalations: make(map[string]*Escalation),
	}
}

// GetSession retrieves a session by conversation ID.
func (m *MemoryStore) GetSession(ctx context.Context, conversationID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// PutSession inserts or replaces a session.
func (m *MemoryStore) PutSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *session
	m.sessions[cp.ConversationID] = &cp
	return nil
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (m *MemoryStore) DeleteSession(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, conversationID)
	return nil
}

// DeleteSessionsBefore removes sessions last active before cutoff.
func (m *MemoryStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.LastActivityAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// CountSessions returns the number of live sessions.
func (m *MemoryStore) CountSessions(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

// GetEscalation retrieves the escalation entry for a conversation.
func (m *MemoryStore) GetEscalation(ctx context.Context, conversationID string) (*Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escalations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// PutEscalation inserts or replaces an escalation entry.
func (m *MemoryStore) PutEscalation(ctx context.Context, esc *Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *esc
	m.escalations[cp.ConversationID] = &cp
	return nil
}

// DeleteEscalation removes an escalation entry, returning the conversation to
// bot ownership. Removing a missing entry is not an error.
func (m *MemoryStore) DeleteEscalation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.escalations, conversationID)
	return nil
}

// ListEscalations returns all escalation entries sorted by conversation ID.
func (m *MemoryStore) ListEscalations(ctx context.Context) ([]*Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Escalation, 0, len(m.escalations))
	for _, e := range m.escalations {
		cp := *e
		out = append(out, &cp)
	}
	sortEscalations(out)
	return out, nil
}

// CountEscalations returns the number of human-owned conversations.
func (m *MemoryStore) CountEscalations(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.escalations), nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() error {
	return nil
}
