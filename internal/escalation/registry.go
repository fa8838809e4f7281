// ABOUTME: Registry tracks which conversations a human operator currently owns
// ABOUTME: Absence from the backing store means the bot owns the conversation

package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline/drift-relay/internal/store"
)

// Registry answers the one question the orchestrator keeps asking: may the
// bot speak in this conversation right now?
type Registry struct {
	store  store.EscalationStore
	logger *slog.Logger
}

// NewRegistry creates a Registry over the given escalation store.
func NewRegistry(s store.EscalationStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		logger: logger.With("component", "escalation"),
	}
}

// Owner returns who owns the conversation. A missing entry means the bot.
func (r *Registry) Owner(ctx context.Context, conversationID string) (store.Owner, error) {
	_, err := r.store.GetEscalation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return store.OwnerBot, nil
	}
	if err != nil {
		return store.OwnerUnknown, fmt.Errorf("reading escalation state: %w", err)
	}
	return store.OwnerHuman, nil
}

// Escalate marks the conversation human-owned. Re-escalating an already
// escalated conversation just refreshes the reason.
func (r *Registry) Escalate(ctx context.Context, conversationID, reason string) error {
	err := r.store.PutEscalation(ctx, &store.Escalation{
		ConversationID: conversationID,
		Reason:         reason,
		EscalatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("recording escalation: %w", err)
	}
	r.logger.Info("conversation escalated to human",
		"conversation_id", conversationID,
		"reason", reason)
	return nil
}

// HandBack returns the conversation to bot ownership. Idempotent.
func (r *Registry) HandBack(ctx context.Context, conversationID string) error {
	if err := r.store.DeleteEscalation(ctx, conversationID); err != nil {
		return fmt.Errorf("clearing escalation state: %w", err)
	}
	r.logger.Info("conversation handed back to bot",
		"conversation_id", conversationID)
	return nil
}

// List returns the conversation IDs currently owned by a human operator.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	escs, err := r.store.ListEscalations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing escalations: %w", err)
	}
	ids := make([]string, len(escs))
	for i, e := range escs {
		ids[i] = e.ConversationID
	}
	return ids, nil
}

// Count returns the number of human-owned conversations.
func (r *Registry) Count(ctx context.Context) (int, error) {
	return r.store.CountEscalations(ctx)
}
