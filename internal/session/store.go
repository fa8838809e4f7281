// ABOUTME: Session store mapping conversations to assistant backend sessions
// ABOUTME: Lazy allocation with singleflight to collapse concurrent creates

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/driftline/drift-relay/internal/store"
)

// Allocator creates a new assistant backend session. Implemented by the
// assistant client.
type Allocator interface {
	CreateSession(ctx context.Context) (string, error)
}

// Store maintains the one-live-session-per-conversation invariant on top of a
// pluggable persistence backend. Concurrent CreateOrGet calls for the same
// conversation are collapsed so only one backend session gets allocated.
type Store struct {
	backend   store.SessionStore
	allocator Allocator
	flight    singleflight.Group
	logger    *slog.Logger
}

// New creates a session Store.
func New(backend store.SessionStore, allocator Allocator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:   backend,
		allocator: allocator,
		logger:    logger.With("component", "session"),
	}
}

// CreateOrGet returns the assistant session ID for a conversation, allocating
// one on first use. Every call refreshes the conversation's last activity.
func (s *Store) CreateOrGet(ctx context.Context, conversationID string) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("conversation ID is required")
	}

	sess, err := s.backend.GetSession(ctx, conversationID)
	if err == nil {
		if touchErr := s.touch(ctx, sess); touchErr != nil {
			s.logger.Warn("failed to refresh session activity",
				"conversation_id", conversationID,
				"error", touchErr)
		}
		return sess.AssistantSessionID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("looking up session: %w", err)
	}

	id, err, _ := s.flight.Do(conversationID, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have won
		if existing, err := s.backend.GetSession(ctx, conversationID); err == nil {
			return existing.AssistantSessionID, nil
		}

		assistantID, err := s.allocator.CreateSession(ctx)
		if err != nil {
			return "", fmt.Errorf("allocating assistant session: %w", err)
		}

		sess := &store.Session{
			ConversationID:     conversationID,
			AssistantSessionID: assistantID,
			LastActivityAt:     time.Now().UTC(),
		}
		if err := s.backend.PutSession(ctx, sess); err != nil {
			return "", fmt.Errorf("recording session: %w", err)
		}

		s.logger.Info("assistant session created",
			"conversation_id", conversationID,
			"assistant_session_id", assistantID)
		return assistantID, nil
	})
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

// Touch refreshes the last-activity timestamp for a conversation's session.
// Unknown conversations are ignored.
func (s *Store) Touch(ctx context.Context, conversationID string) {
	sess, err := s.backend.GetSession(ctx, conversationID)
	if err != nil {
		return
	}
	if err := s.touch(ctx, sess); err != nil {
		s.logger.Warn("failed to refresh session activity",
			"conversation_id", conversationID,
			"error", err)
	}
}

func (s *Store) touch(ctx context.Context, sess *store.Session) error {
	sess.LastActivityAt = time.Now().UTC()
	return s.backend.PutSession(ctx, sess)
}

// Reset unconditionally removes the mapping for a conversation. The next
// message will allocate a fresh assistant session.
func (s *Store) Reset(ctx context.Context, conversationID string) error {
	if err := s.backend.DeleteSession(ctx, conversationID); err != nil {
		return fmt.Errorf("resetting session: %w", err)
	}
	s.logger.Info("session reset", "conversation_id", conversationID)
	return nil
}

// EvictStale removes sessions inactive for longer than maxAge and returns the
// number removed. Meant to run on a timer, not on the request path.
func (s *Store) EvictStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	n, err := s.backend.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evicting stale sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info("stale sessions evicted", "count", n, "max_age", maxAge)
	}
	return n, nil
}

// Count returns the number of live sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.backend.CountSessions(ctx)
}
