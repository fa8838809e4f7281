// ABOUTME: Orchestrator drives the per-message pipeline and ownership
// ABOUTME: transitions between the bot and human operators

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/driftline/drift-relay/internal/escalation"
	"github.com/driftline/drift-relay/internal/store"
)

// ErrInvalidInput is returned when an event fails validation. No state is
// mutated in that case.
var ErrInvalidInput = errors.New("invalid input")

// Sessions is what the orchestrator needs from the session store.
type Sessions interface {
	CreateOrGet(ctx context.Context, conversationID string) (string, error)
	Reset(ctx context.Context, conversationID string) error
}

// Assistant submits a user message into a backend session and waits for the
// reply, up to the client's poll ceiling.
type Assistant interface {
	SubmitAndAwaitReply(ctx context.Context, sessionID, text string) (string, error)
}

// Messenger sends outbound text and manages conversation assignment on the
// messaging platform.
type Messenger interface {
	SendMessage(ctx context.Context, conversationID, text string) error
	Reassign(ctx context.Context, conversationID string, target store.Owner) error
	CurrentOwner(ctx context.Context, conversationID string) (store.Owner, error)
}

// Messages are the fixed texts the orchestrator sends around transitions.
type Messages struct {
	// Connecting replaces an assistant reply that is empty after marker
	// stripping; an empty message is never sent.
	Connecting string
	// EscalationNotice follows an escalated reply.
	EscalationNotice string
	// Fallback is the apology sent on the degraded path.
	Fallback string
	// HandBack announces the bot's return after an operator resolves.
	HandBack string
}

// DefaultMessages returns the stock transition texts.
func DefaultMessages() Messages {
	return Messages{
		Connecting:       "Connecting you with a team member.",
		EscalationNotice: "A team member will join this conversation shortly.",
		Fallback:         "Sorry, I'm having trouble responding right now. Let me get a team member to help you.",
		HandBack:         "I'm back and happy to keep helping here.",
	}
}

// Options configures the orchestrator.
type Options struct {
	// BotActorID identifies the relay's own actor on the messaging platform,
	// used to ignore echoes of its own messages.
	BotActorID string
	// CrossCheckOwnership re-verifies the registry against the platform's
	// authoritative assignment before letting the bot respond.
	CrossCheckOwnership bool
	// Messages overrides the fixed transition texts; zero fields keep the
	// defaults.
	Messages Messages
}

// Orchestrator owns the conversation state machine. It is the only writer to
// the session store and the escalation registry.
type Orchestrator struct {
	sessions  Sessions
	registry  *escalation.Registry
	detector  *escalation.Detector
	assistant Assistant
	messenger Messenger
	opts      Options
	logger    *slog.Logger
}

// New creates an Orchestrator.
func New(sessions Sessions, registry *escalation.Registry, detector *escalation.Detector,
	assistant Assistant, messenger Messenger, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultMessages()
	if opts.Messages.Connecting == "" {
		opts.Messages.Connecting = defaults.Connecting
	}
	if opts.Messages.EscalationNotice == "" {
		opts.Messages.EscalationNotice = defaults.EscalationNotice
	}
	if opts.Messages.Fallback == "" {
		opts.Messages.Fallback = defaults.Fallback
	}
	if opts.Messages.HandBack == "" {
		opts.Messages.HandBack = defaults.HandBack
	}
	return &Orchestrator{
		sessions:  sessions,
		registry:  registry,
		detector:  detector,
		assistant: assistant,
		messenger: messenger,
		opts:      opts,
		logger:    logger.With("component", "orchestrator"),
	}
}

// HandleUserMessage runs the full pipeline for one inbound user message.
// Apart from input validation, nothing propagates to the caller: the ingress
// invokes this fire-and-forget, so every downstream failure is absorbed here.
// At most one assistant-authored message and one escalation notice go out per
// invocation.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, conversationID, text string) error {
	text = strings.TrimSpace(text)
	if conversationID == "" || text == "" {
		return fmt.Errorf("%w: conversation ID and text are required", ErrInvalidInput)
	}

	owner, err := o.effectiveOwner(ctx, conversationID)
	if err != nil {
		o.logger.Error("ownership check failed, staying silent",
			"conversation_id", conversationID,
			"error", err)
		return nil
	}
	if owner == store.OwnerHuman {
		// Deliberate silence: a human owns this conversation
		o.logger.Debug("human owns conversation, bot stays silent",
			"conversation_id", conversationID)
		return nil
	}

	sessionID, err := o.sessions.CreateOrGet(ctx, conversationID)
	if err != nil {
		o.logger.Error("session resolution failed",
			"conversation_id", conversationID,
			"error", err)
		o.degrade(ctx, conversationID, "session allocation failed")
		return nil
	}

	reply, err := o.assistant.SubmitAndAwaitReply(ctx, sessionID, text)
	if err != nil {
		o.logger.Warn("assistant call failed",
			"conversation_id", conversationID,
			"session_id", sessionID,
			"error", err)
		o.degrade(ctx, conversationID, "assistant call failed: "+err.Error())
		return nil
	}

	det := o.detector.ScanReply(reply)
	outbound := det.CleanText
	if outbound == "" {
		// Marker stripping can consume the whole reply
		outbound = o.opts.Messages.Connecting
	}

	if err := o.messenger.SendMessage(ctx, conversationID, outbound); err != nil {
		// No queue to retry from: log and abandon this invocation
		o.logger.Error("reply delivery failed",
			"conversation_id", conversationID,
			"error", err)
		return nil
	}

	if det.Escalate {
		o.escalate(ctx, conversationID, det.Reason, true)
	}
	return nil
}

// HandleOperatorMessage processes a message authored by a human operator in
// the conversation. A resolution keyword hands the conversation back to the
// bot; anything else changes nothing.
func (o *Orchestrator) HandleOperatorMessage(ctx context.Context, conversationID, operatorActorID, text string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation ID is required", ErrInvalidInput)
	}
	if operatorActorID != "" && operatorActorID == o.opts.BotActorID {
		// Echo of our own outbound message
		return nil
	}

	owner, err := o.registry.Owner(ctx, conversationID)
	if err != nil {
		o.logger.Error("ownership check failed",
			"conversation_id", conversationID,
			"error", err)
		return nil
	}
	if owner != store.OwnerHuman {
		return nil
	}
	if !o.detector.IsResolution(text) {
		return nil
	}

	// Hand back. The session is retained so the assistant keeps its
	// conversation history across the gap.
	if err := o.registry.HandBack(ctx, conversationID); err != nil {
		o.logger.Error("hand-back failed",
			"conversation_id", conversationID,
			"error", err)
		return nil
	}
	o.reassignBestEffort(ctx, conversationID, store.OwnerBot)
	if err := o.messenger.SendMessage(ctx, conversationID, o.opts.Messages.HandBack); err != nil {
		o.logger.Error("hand-back message delivery failed",
			"conversation_id", conversationID,
			"error", err)
	}
	return nil
}

// HandleOwnershipChanged mirrors an externally-observed reassignment into the
// registry. Idempotent.
func (o *Orchestrator) HandleOwnershipChanged(ctx context.Context, conversationID string, newOwnerIsBot bool) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation ID is required", ErrInvalidInput)
	}

	var err error
	if newOwnerIsBot {
		err = o.registry.HandBack(ctx, conversationID)
	} else {
		err = o.registry.Escalate(ctx, conversationID, "reassigned on platform")
	}
	if err != nil {
		o.logger.Error("ownership mirror failed",
			"conversation_id", conversationID,
			"new_owner_is_bot", newOwnerIsBot,
			"error", err)
	}
	return nil
}

// Reset clears both the assistant session and the escalation entry, returning
// the conversation to its initial bot-owned state.
func (o *Orchestrator) Reset(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation ID is required", ErrInvalidInput)
	}

	if err := o.sessions.Reset(ctx, conversationID); err != nil {
		o.logger.Error("session reset failed",
			"conversation_id", conversationID,
			"error", err)
	}
	if err := o.registry.HandBack(ctx, conversationID); err != nil {
		o.logger.Error("escalation reset failed",
			"conversation_id", conversationID,
			"error", err)
	}
	o.logger.Info("conversation reset", "conversation_id", conversationID)
	return nil
}

// effectiveOwner consults the registry and, when configured, cross-checks the
// platform's authoritative assignment. A platform answer of human wins and is
// mirrored into the registry; unknown answers fall back to the registry.
func (o *Orchestrator) effectiveOwner(ctx context.Context, conversationID string) (store.Owner, error) {
	owner, err := o.registry.Owner(ctx, conversationID)
	if err != nil {
		return store.OwnerUnknown, err
	}
	if owner == store.OwnerHuman || !o.opts.CrossCheckOwnership {
		return owner, nil
	}

	platformOwner, err := o.messenger.CurrentOwner(ctx, conversationID)
	if err != nil {
		o.logger.Warn("platform ownership check failed, trusting registry",
			"conversation_id", conversationID,
			"error", err)
		return owner, nil
	}
	if platformOwner == store.OwnerHuman {
		if err := o.registry.Escalate(ctx, conversationID, "platform reports human assignment"); err != nil {
			o.logger.Error("failed to mirror platform assignment",
				"conversation_id", conversationID,
				"error", err)
		}
		return store.OwnerHuman, nil
	}
	return owner, nil
}

// escalate flips the conversation to human ownership. The registry write comes
// first and is authoritative for the bot's own silence; the notice and the
// platform reassignment that follow are best-effort.
func (o *Orchestrator) escalate(ctx context.Context, conversationID, reason string, notify bool) {
	if err := o.registry.Escalate(ctx, conversationID, reason); err != nil {
		o.logger.Error("escalation record failed",
			"conversation_id", conversationID,
			"error", err)
		return
	}
	if notify {
		if err := o.messenger.SendMessage(ctx, conversationID, o.opts.Messages.EscalationNotice); err != nil {
			o.logger.Error("escalation notice delivery failed",
				"conversation_id", conversationID,
				"error", err)
		}
	}
	o.reassignBestEffort(ctx, conversationID, store.OwnerHuman)
}

// degrade apologizes to the user and forces an escalation so a human is
// guaranteed to engage. The fallback text doubles as the user-facing notice.
func (o *Orchestrator) degrade(ctx context.Context, conversationID, reason string) {
	if err := o.messenger.SendMessage(ctx, conversationID, o.opts.Messages.Fallback); err != nil {
		o.logger.Error("fallback delivery failed",
			"conversation_id", conversationID,
			"error", err)
	}
	o.escalate(ctx, conversationID, reason, false)
}

func (o *Orchestrator) reassignBestEffort(ctx context.Context, conversationID string, target store.Owner) {
	if err := o.messenger.Reassign(ctx, conversationID, target); err != nil {
		// The registry flag already guarantees our own behavior; the platform
		// side staying stale is survivable
		o.logger.Warn("platform reassignment failed",
			"conversation_id", conversationID,
			"target", string(target),
			"error", err)
	}
}
