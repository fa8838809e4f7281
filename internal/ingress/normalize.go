// ABOUTME: Converts raw webhook payloads into normalized events.
// ABOUTME: Tolerates the provider's historical payload shapes and drops what it cannot parse.

package ingress

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Normalizer recognizes the provider's webhook payload shapes. Two shapes
// are in the wild: the current flat events array and the legacy nested
// entry/messaging form. Items that fit neither are dropped with a log line,
// never surfaced as request failures.
type Normalizer struct {
	botActorID string
	logger     *slog.Logger
}

func NewNormalizer(botActorID string, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		botActorID: botActorID,
		logger:     logger.With("component", "ingress"),
	}
}

// Flat shape: {"events":[{"event_id","kind","conversation_id","actor":{"id","type"},"text","new_owner"}]}
type flatPayload struct {
	Events []flatEvent `json:"events"`
}

type flatEvent struct {
	EventID        string    `json:"event_id"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	Actor          flatActor `json:"actor"`
	Text           string    `json:"text"`
	NewOwner       string    `json:"new_owner"`
}

type flatActor struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Legacy nested shape, one account entry wrapping a batch of messaging items.
type nestedPayload struct {
	Object string        `json:"object"`
	Entry  []nestedEntry `json:"entry"`
}

type nestedEntry struct {
	ID        string       `json:"id"`
	Time      int64        `json:"time"`
	Messaging []nestedItem `json:"messaging"`
}

type nestedItem struct {
	Sender    *nestedParty     `json:"sender"`
	Recipient *nestedParty     `json:"recipient"`
	Message   *nestedMessage   `json:"message"`
	Delivery  *json.RawMessage `json:"delivery"`
	Handover  *nestedHandover  `json:"handover"`
}

type nestedParty struct {
	ID string `json:"id"`
}

type nestedMessage struct {
	MID    string `json:"mid"`
	Text   string `json:"text"`
	IsEcho bool   `json:"is_echo"`
	AppID  string `json:"app_id"`
}

type nestedHandover struct {
	NewOwnerID string `json:"new_owner_id"`
}

// Parse normalizes one webhook body into zero or more events. A body that
// matches neither shape yields an empty slice and a log line.
func (n *Normalizer) Parse(body []byte) []Event {
	var flat flatPayload
	if err := json.Unmarshal(body, &flat); err == nil && len(flat.Events) > 0 {
		return n.fromFlat(flat)
	}

	var nested nestedPayload
	if err := json.Unmarshal(body, &nested); err == nil && len(nested.Entry) > 0 {
		return n.fromNested(nested)
	}

	n.logger.Warn("unrecognized webhook payload shape", "bytes", len(body))
	return nil
}

func (n *Normalizer) fromFlat(p flatPayload) []Event {
	events := make([]Event, 0, len(p.Events))
	for _, fe := range p.Events {
		ev, ok := n.oneFlat(fe)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events
}

func (n *Normalizer) oneFlat(fe flatEvent) (Event, bool) {
	if fe.ConversationID == "" {
		n.logger.Warn("dropping event without conversation id", "event_id", fe.EventID)
		return Event{}, false
	}

	switch fe.Kind {
	case "message":
		if strings.TrimSpace(fe.Text) == "" {
			n.logger.Debug("dropping empty message event", "event_id", fe.EventID)
			return Event{}, false
		}
		kind := KindUserMessage
		switch fe.Actor.Type {
		case "operator", "agent":
			kind = KindOperatorMessage
		case "bot":
			// Our own outbound message echoed back
			kind = KindOperatorMessage
		}
		return Event{
			ID:             fe.EventID,
			Kind:           kind,
			ConversationID: fe.ConversationID,
			ActorID:        fe.Actor.ID,
			Text:           fe.Text,
		}, true
	case "ownership_changed", "handover":
		return Event{
			ID:             fe.EventID,
			Kind:           KindOwnershipChanged,
			ConversationID: fe.ConversationID,
			NewOwnerIsBot:  fe.NewOwner == "bot" || fe.NewOwner == n.botActorID,
		}, true
	default:
		n.logger.Debug("dropping event of unknown kind", "kind", fe.Kind, "event_id", fe.EventID)
		return Event{}, false
	}
}

func (n *Normalizer) fromNested(p nestedPayload) []Event {
	var events []Event
	for _, entry := range p.Entry {
		for _, item := range entry.Messaging {
			ev, ok := n.oneNested(entry.ID, item)
			if !ok {
				continue
			}
			events = append(events, ev)
		}
	}
	return events
}

func (n *Normalizer) oneNested(accountID string, item nestedItem) (Event, bool) {
	// Delivery receipts carry no conversational content
	if item.Delivery != nil {
		return Event{}, false
	}

	if item.Handover != nil {
		if item.Sender == nil {
			n.logger.Warn("dropping handover without sender", "account_id", accountID)
			return Event{}, false
		}
		return Event{
			Kind:           KindOwnershipChanged,
			ConversationID: conversationID(accountID, item.Sender.ID),
			NewOwnerIsBot:  item.Handover.NewOwnerID == n.botActorID,
		}, true
	}

	if item.Message == nil || item.Sender == nil {
		return Event{}, false
	}
	if strings.TrimSpace(item.Message.Text) == "" {
		return Event{}, false
	}

	if item.Message.IsEcho {
		// An echo's sender is the account itself; the end user is the
		// recipient. Bot-authored echoes are filtered downstream by actor ID.
		if item.Recipient == nil {
			return Event{}, false
		}
		return Event{
			ID:             item.Message.MID,
			Kind:           KindOperatorMessage,
			ConversationID: conversationID(accountID, item.Recipient.ID),
			ActorID:        item.Message.AppID,
			Text:           item.Message.Text,
		}, true
	}

	return Event{
		ID:             item.Message.MID,
		Kind:           KindUserMessage,
		ConversationID: conversationID(accountID, item.Sender.ID),
		ActorID:        item.Sender.ID,
		Text:           item.Message.Text,
	}, true
}

// conversationID joins the account and counterpart IDs; the legacy shape has
// no first-class conversation identifier.
func conversationID(accountID, partyID string) string {
	return fmt.Sprintf("%s-%s", accountID, partyID)
}
