// ABOUTME: Normalized event types emitted by the webhook ingress.
// ABOUTME: The orchestrator consumes these regardless of the wire shape they arrived in.

package ingress

// Kind classifies a normalized inbound event.
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindOperatorMessage  Kind = "operator_message"
	KindOwnershipChanged Kind = "ownership_changed"
)

// Event is the provider-independent form of one inbound webhook item.
// Text is set for message kinds; NewOwnerIsBot only for ownership changes.
type Event struct {
	ID             string
	Kind           Kind
	ConversationID string
	ActorID        string
	Text           string
	NewOwnerIsBot  bool
}
