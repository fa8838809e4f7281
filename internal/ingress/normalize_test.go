// ABOUTME: Tests for webhook payload normalization.
// ABOUTME: Covers both wire shapes, echo classification, and drop-don't-fail behavior.

package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizer_FlatUserMessage(t *testing.T) {
	n := NewNormalizer("bot-app", nil)

	events := n.Parse([]byte(`{
		"events": [
			{"event_id": "e1", "kind": "message", "conversation_id": "conv-1",
			 "actor": {"id": "user-9", "type": "user"}, "text": "hello"}
		]
	}`))

	require.Len(t, events, 1)
	assert.Equal(t, Event{
		ID:             "e1",
		Kind:           KindUserMessage,
		ConversationID: "conv-1",
		ActorID:        "user-9",
		Text:           "hello",
	}, events[0])
}

func TestNormalizer_FlatOperatorAndOwnership(t *testing.T) {
	n := NewNormalizer("bot-app", nil)

	events := n.Parse([]byte(`{
		"events": [
			{"event_id": "e1", "kind": "message", "conversation_id": "conv-1",
			 "actor": {"id": "op-3", "type": "operator"}, "text": "taking over"},
			{"event_id": "e2", "kind": "ownership_changed", "conversation_id": "conv-1",
			 "new_owner": "human"},
			{"event_id": "e3", "kind": "ownership_changed", "conversation_id": "conv-1",
			 "new_owner": "bot"}
		]
	}`))

	require.Len(t, events, 3)
	assert.Equal(t, KindOperatorMessage, events[0].Kind)
	assert.Equal(t, "op-3", events[0].ActorID)
	assert.Equal(t, KindOwnershipChanged, events[1].Kind)
	assert.False(t, events[1].NewOwnerIsBot)
	assert.True(t, events[2].NewOwnerIsBot)
}

func TestNormalizer_FlatOwnershipByActorID(t *testing.T) {
	n := NewNormalizer("bot-app", nil)

	events := n.Parse([]byte(`{
		"events": [
			{"kind": "handover", "conversation_id": "conv-1", "new_owner": "bot-app"}
		]
	}`))

	require.Len(t, events, 1)
	assert.True(t, events[0].NewOwnerIsBot)
}

func TestNormalizer_FlatDropsMalformed(t *testing.T) {
	n := NewNormalizer("bot-app", nil)

	events := n.Parse([]byte(`{
		"events": [
			{"kind": "message", "text": "no conversation id"},
			{"kind": "message", "conversation_id": "conv-1", "text": "   "},
			{"kind": "typing_indicator", "conversation_id": "conv-1"},
			{"kind": "message", "conversation_id": "conv-1",
			 "actor": {"id": "user-9", "type": "user"}, "text": "survives"}
		]
	}`))

	require.Len(t, events, 1)
	assert.Equal(t, "survives", events[0].Text)
}

func TestNormalizer_NestedUserMessage(t *testing.T) {
	n := NewNormalizer("bot-app", nil)

	events := n.Parse([]byte(`{
		"object": "conversation",
		"entry": [
			{"id": "acct-1", "time": 1700000000, "messaging": [
				{"sender": {"id": "user-9"}, "recipient": {"id": "acct-1"},
				 "message": {"mid": "m1", "text": "hi there"}}
			]}
		]
	}`))

	require.Len(t, events, 1)
	assert.Equal(t, Event{
		ID:             "m1",
		Kind:           KindUserMessage,
		ConversationID: "acct-1-user-9",
		ActorID:        "user-9",
		Text:           "hi there",
	}, events[0])
}

func TestNormalizer_NestedEchoBecomesOperatorMessage(t *testing.T) {
	n := NewNormalizer("bot-app", nil)

	// An echo's sender is the account; the user is the recipient
	events := n.Parse([]byte(`{
		"object": "conversation",
		"entry": [
			{"id": "acct-1", "messaging": [
				{"sender": {"id": "acct-1"}, "recipient": {"id": "user-9"},
				 "message": {"mid": "m2", "text": "resolved", "is_echo": true, "app_id": "inbox-app"}}
			]}
		]
	}`))

	require.Len(t, events, 1)
	assert.Equal(t, KindOperatorMessage, events[0].Kind)
	assert.Equal(t, "acct-1-user-9", events[0].ConversationID, "keyed by the end user, not the echo sender")
	assert.Equal(t, "inbox-app", events[0].ActorID)
}

func TestNormalizer_NestedHandover(t *testing.T) {
	n := NewNormalizer("bot-app", nil)

	events := n.Parse([]byte(`{
		"object": "conversation",
		"entry": [
			{"id": "acct-1", "messaging": [
				{"sender": {"id": "user-9"}, "handover": {"new_owner_id": "bot-app"}},
				{"sender": {"id": "user-9"}, "handover": {"new_owner_id": "inbox-app"}}
			]}
		]
	}`))

	require.Len(t, events, 2)
	assert.True(t, events[0].NewOwnerIsBot)
	assert.False(t, events[1].NewOwnerIsBot)
	assert.Equal(t, "acct-1-user-9", events[0].ConversationID)
}

func TestNormalizer_NestedSkipsNoise(t *testing.T) {
	n := NewNormalizer("bot-app", nil)

	events := n.Parse([]byte(`{
		"object": "conversation",
		"entry": [
			{"id": "acct-1", "messaging": [
				{"sender": {"id": "user-9"}, "delivery": {"watermark": 1700000000}},
				{"sender": {"id": "user-9"}},
				{"sender": {"id": "user-9"}, "message": {"mid": "m3", "text": ""}},
				{"sender": {"id": "user-9"}, "message": {"mid": "m4", "text": "real"}}
			]}
		]
	}`))

	require.Len(t, events, 1)
	assert.Equal(t, "real", events[0].Text)
}

func TestNormalizer_UnrecognizedBody(t *testing.T) {
	n := NewNormalizer("bot-app", nil)

	assert.Empty(t, n.Parse([]byte(`not json at all`)))
	assert.Empty(t, n.Parse([]byte(`{"something": "else"}`)))
	assert.Empty(t, n.Parse([]byte(`{}`)))
}
