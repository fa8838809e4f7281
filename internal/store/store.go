// ABOUTME: Store interfaces and data types for drift-relay persistence
// ABOUTME: Defines Session, Escalation and the pluggable backends behind them

package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Owner identifies which side currently owns a conversation.
type Owner string

const (
	OwnerBot     Owner = "bot"
	OwnerHuman   Owner = "human"
	OwnerUnknown Owner = "unknown"
)

// Session links an external conversation to an assistant backend session
type Session struct {
	ConversationID     string
	AssistantSessionID string
	LastActivityAt     time.Time
}

// Escalation records a conversation currently owned by a human operator.
// A conversation with no Escalation entry is bot-owned.
type Escalation struct {
	ConversationID string
	Reason         string
	EscalatedAt    time.Time
}

// SessionStore persists conversation-to-assistant-session mappings
type SessionStore interface {
	GetSession(ctx context.Context, conversationID string) (*Session, error)
	PutSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, conversationID string) error

	// DeleteSessionsBefore removes sessions whose last activity is older
	// than cutoff and returns how many were removed.
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error)

	CountSessions(ctx context.Context) (int, error)
}

// EscalationStore persists which conversations a human operator currently owns
type EscalationStore interface {
	GetEscalation(ctx context.Context, conversationID string) (*Escalation, error)
	PutEscalation(ctx context.Context, esc *Escalation) error
	DeleteEscalation(ctx context.Context, conversationID string) error
	ListEscalations(ctx context.Context) ([]*Escalation, error)
	CountEscalations(ctx context.Context) (int, error)
}

// Store combines both keyed stores behind a single backend
type Store interface {
	SessionStore
	EscalationStore
	Close() error
}

// sortEscalations orders entries by conversation ID for stable listings.
func sortEscalations(escs []*Escalation) {
	sort.Slice(escs, func(i, j int) bool {
		return escs[i].ConversationID < escs[j].ConversationID
	})
}
