// ABOUTME: Tests for the messaging client
// ABOUTME: Covers schema probing, send retries, reassignment, and owner lookup

package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/drift-relay/internal/store"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL:      srv.URL,
		RetryBackoff: time.Millisecond,
	}, nil)
}

func TestProbe_PinsEnvelopeSchema(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/capabilities", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(capabilitiesResponse{MessageSchema: "envelope"})
	})
	c := newTestClient(t, mux)

	assert.Equal(t, SchemaEnvelope, c.Probe(context.Background()))
}

func TestProbe_FallsBackToLegacy(t *testing.T) {
	t.Run("no capability endpoint", func(t *testing.T) {
		c := newTestClient(t, http.NotFoundHandler())
		assert.Equal(t, SchemaRecipient, c.Probe(context.Background()))
	})

	t.Run("unknown schema value", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /v1/capabilities", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(capabilitiesResponse{MessageSchema: "v9"})
		})
		c := newTestClient(t, mux)
		assert.Equal(t, SchemaRecipient, c.Probe(context.Background()))
	})
}

func TestSendMessage_EnvelopePayload(t *testing.T) {
	var got envelopePayload
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.SendMessage(context.Background(), "C1", "hello"))
	assert.Equal(t, "C1", got.ConversationID)
	assert.Equal(t, "hello", got.Body.Text)
}

func TestSendMessage_RecipientPayloadAfterDowngrade(t *testing.T) {
	var got recipientPayload
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, mux)
	c.Probe(context.Background()) // no capabilities endpoint: legacy

	require.NoError(t, c.SendMessage(context.Background(), "C1", "hello"))
	assert.Equal(t, "C1", got.Recipient.ID)
	assert.Equal(t, "hello", got.Message.Text)
}

func TestSendMessage_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.SendMessage(context.Background(), "C1", "hello"))
	assert.Equal(t, int64(3), calls.Load())
}

func TestSendMessage_FailsAfterRetriesExhausted(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	})
	c := newTestClient(t, mux)

	err := c.SendMessage(context.Background(), "C1", "hello")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, int64(3), calls.Load())
}

func TestSendMessage_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	})
	c := newTestClient(t, mux)

	err := c.SendMessage(context.Background(), "C1", "hello")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, int64(1), calls.Load(), "client errors are not retried")
}

func TestReassign(t *testing.T) {
	var got reassignRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conversations/{id}/assignee", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "C1", r.PathValue("id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.Reassign(context.Background(), "C1", store.OwnerHuman))
	assert.Equal(t, "human", got.Target)
}

func TestReassign_FailureReturnsError(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	assert.Error(t, c.Reassign(context.Background(), "C1", store.OwnerBot))
}

func TestCurrentOwner(t *testing.T) {
	tests := []struct {
		payload string
		want    store.Owner
	}{
		{`{"owner":"bot"}`, store.OwnerBot},
		{`{"owner":"human"}`, store.OwnerHuman},
		{`{"owner":"queue"}`, store.OwnerUnknown},
		{`{}`, store.OwnerUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /v1/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.payload))
			})
			c := newTestClient(t, mux)

			owner, err := c.CurrentOwner(context.Background(), "C1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, owner)
		})
	}
}

func TestCurrentOwner_ErrorMapsToUnknown(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())

	owner, err := c.CurrentOwner(context.Background(), "C1")
	assert.Error(t, err)
	assert.Equal(t, store.OwnerUnknown, owner)
}
