// ABOUTME: HTTP handler for the provider's webhook callbacks.
// ABOUTME: Verifies signatures, acknowledges fast, and dispatches events asynchronously.

package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/driftline/drift-relay/internal/dedupe"
)

// maxBodyBytes caps a webhook body; the provider batches at well under this.
const maxBodyBytes = 1 << 20

// Dispatcher is the orchestrator surface the ingress drives.
type Dispatcher interface {
	HandleUserMessage(ctx context.Context, conversationID, text string) error
	HandleOperatorMessage(ctx context.Context, conversationID, operatorActorID, text string) error
	HandleOwnershipChanged(ctx context.Context, conversationID string, newOwnerIsBot bool) error
}

// Options configures the webhook handler.
type Options struct {
	// VerifyToken answers the provider's GET subscription handshake.
	VerifyToken string
	// AppSecret enables HMAC-SHA256 body verification when non-empty.
	AppSecret string
}

// Handler serves the webhook endpoint. The provider expects its POST
// acknowledged within a few seconds, so the response is written before any
// orchestrator work starts and events are processed in a detached goroutine.
type Handler struct {
	dispatcher Dispatcher
	normalizer *Normalizer
	seen       *dedupe.Tracker
	opts       Options
	logger     *slog.Logger

	// wg tracks in-flight dispatch goroutines so tests and shutdown can wait.
	wg sync.WaitGroup
}

func NewHandler(dispatcher Dispatcher, normalizer *Normalizer, seen *dedupe.Tracker,
	opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		normalizer: normalizer,
		seen:       seen,
		opts:       opts,
		logger:     logger.With("component", "ingress"),
	}
}

// Routes registers the webhook endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /webhook", h.handleVerification)
	mux.HandleFunc("POST /webhook", h.handleEvents)
}

// Wait blocks until all dispatched event goroutines have finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// handleVerification answers the provider's subscription handshake: echo the
// challenge when the verify token matches, 403 otherwise. A GET without the
// handshake params is treated as an endpoint probe and answered 200.
func (h *Handler) handleVerification(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "" && token == "" && challenge == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if mode == "subscribe" && token == h.opts.VerifyToken && h.opts.VerifyToken != "" {
		h.logger.Info("webhook subscription verified")
		w.Write([]byte(challenge))
		return
	}

	h.logger.Warn("webhook verification rejected", "mode", mode)
	http.Error(w, "invalid verification token", http.StatusForbidden)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}

	if h.opts.AppSecret != "" && !h.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		h.logger.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	events := h.normalizer.Parse(body)

	// Acknowledge before processing; the provider retries slow responses
	w.WriteHeader(http.StatusOK)

	if len(events) == 0 {
		return
	}

	requestID := uuid.NewString()
	ctx := context.WithoutCancel(r.Context())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.dispatch(ctx, requestID, events)
	}()
}

func (h *Handler) verifySignature(body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.opts.AppSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header[len(prefix):]))
}

// dispatch feeds normalized events to the orchestrator. Orchestrator
// operations never return errors for internal failures, so anything that
// does come back is a malformed event and only logged.
func (h *Handler) dispatch(ctx context.Context, requestID string, events []Event) {
	logger := h.logger.With("request_id", requestID)
	for _, ev := range events {
		if ev.ID != "" && h.seen != nil && h.seen.Seen(ev.ID) {
			logger.Debug("skipping duplicate event", "event_id", ev.ID)
			continue
		}

		var err error
		switch ev.Kind {
		case KindUserMessage:
			err = h.dispatcher.HandleUserMessage(ctx, ev.ConversationID, ev.Text)
		case KindOperatorMessage:
			err = h.dispatcher.HandleOperatorMessage(ctx, ev.ConversationID, ev.ActorID, ev.Text)
		case KindOwnershipChanged:
			err = h.dispatcher.HandleOwnershipChanged(ctx, ev.ConversationID, ev.NewOwnerIsBot)
		}
		if err != nil {
			logger.Error("event rejected",
				"kind", ev.Kind,
				"conversation_id", ev.ConversationID,
				"error", err)
		}
	}
}
