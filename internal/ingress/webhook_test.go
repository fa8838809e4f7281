// ABOUTME: Tests for the webhook HTTP handler.
// ABOUTME: Covers the verification handshake, signatures, fast acknowledgment, and dedupe.

package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/drift-relay/internal/dedupe"
)

type recordedCall struct {
	Kind           Kind
	ConversationID string
	ActorID        string
	Text           string
	NewOwnerIsBot  bool
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []recordedCall
	slow  time.Duration
}

func (d *recordingDispatcher) record(c recordedCall) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, c)
}

func (d *recordingDispatcher) snapshot() []recordedCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]recordedCall(nil), d.calls...)
}

func (d *recordingDispatcher) HandleUserMessage(ctx context.Context, conversationID, text string) error {
	if d.slow > 0 {
		time.Sleep(d.slow)
	}
	d.record(recordedCall{Kind: KindUserMessage, ConversationID: conversationID, Text: text})
	return nil
}

func (d *recordingDispatcher) HandleOperatorMessage(ctx context.Context, conversationID, operatorActorID, text string) error {
	d.record(recordedCall{Kind: KindOperatorMessage, ConversationID: conversationID, ActorID: operatorActorID, Text: text})
	return nil
}

func (d *recordingDispatcher) HandleOwnershipChanged(ctx context.Context, conversationID string, newOwnerIsBot bool) error {
	d.record(recordedCall{Kind: KindOwnershipChanged, ConversationID: conversationID, NewOwnerIsBot: newOwnerIsBot})
	return nil
}

func newTestHandler(t *testing.T, dispatcher *recordingDispatcher, opts Options) (*Handler, *http.ServeMux) {
	t.Helper()
	h := NewHandler(dispatcher, NewNormalizer("bot-app", nil),
		dedupe.NewTracker(time.Minute, 100), opts, nil)
	mux := http.NewServeMux()
	h.Routes(mux)
	return h, mux
}

const flatUserMessage = `{
	"events": [
		{"event_id": "e1", "kind": "message", "conversation_id": "conv-1",
		 "actor": {"id": "user-9", "type": "user"}, "text": "hello"}
	]
}`

func TestWebhook_VerificationHandshake(t *testing.T) {
	_, mux := newTestHandler(t, &recordingDispatcher{}, Options{VerifyToken: "sekrit"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=sekrit&hub.challenge=12345", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())
}

func TestWebhook_VerificationWrongToken(t *testing.T) {
	_, mux := newTestHandler(t, &recordingDispatcher{}, Options{VerifyToken: "sekrit"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhook_PlainGetIsEndpointProbe(t *testing.T) {
	_, mux := newTestHandler(t, &recordingDispatcher{}, Options{VerifyToken: "sekrit"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhook_DispatchesEvents(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	h, mux := newTestHandler(t, dispatcher, Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook",
		strings.NewReader(flatUserMessage)))

	require.Equal(t, http.StatusOK, rec.Code)
	h.Wait()

	calls := dispatcher.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, recordedCall{Kind: KindUserMessage, ConversationID: "conv-1", Text: "hello"}, calls[0])
}

func TestWebhook_AcknowledgesBeforeProcessing(t *testing.T) {
	dispatcher := &recordingDispatcher{slow: 200 * time.Millisecond}
	h, mux := newTestHandler(t, dispatcher, Options{})

	rec := httptest.NewRecorder()
	start := time.Now()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook",
		strings.NewReader(flatUserMessage)))
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Less(t, elapsed, 100*time.Millisecond, "response does not wait for processing")

	h.Wait()
	assert.Len(t, dispatcher.snapshot(), 1)
}

func TestWebhook_DuplicateDeliverySuppressed(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	h, mux := newTestHandler(t, dispatcher, Options{})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook",
			strings.NewReader(flatUserMessage)))
		require.Equal(t, http.StatusOK, rec.Code)
		h.Wait()
	}

	assert.Len(t, dispatcher.snapshot(), 1, "redelivery of the same event id is dropped")
}

func TestWebhook_UnparseableBodyStillAcknowledged(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	h, mux := newTestHandler(t, dispatcher, Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook",
		strings.NewReader(`{"garbage": true}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	h.Wait()
	assert.Empty(t, dispatcher.snapshot())
}

func TestWebhook_SignatureRequired(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	h, mux := newTestHandler(t, dispatcher, Options{AppSecret: "topsecret"})

	// Missing signature
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook",
		strings.NewReader(flatUserMessage)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Wrong signature
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(flatUserMessage))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Valid signature
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte(flatUserMessage))
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(flatUserMessage))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.Wait()
	assert.Len(t, dispatcher.snapshot(), 1, "only the signed delivery was processed")
}
