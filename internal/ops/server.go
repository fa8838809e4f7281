// ABOUTME: Diagnostic HTTP surface: health probe and manual conversation controls.
// ABOUTME: Carries no state-machine semantics of its own; everything delegates to the orchestrator.

package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Conversations is the orchestrator surface the ops endpoints drive.
type Conversations interface {
	Reset(ctx context.Context, conversationID string) error
	HandleOwnershipChanged(ctx context.Context, conversationID string, newOwnerIsBot bool) error
}

// Counter reports how many items a store currently holds.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Options configures the ops handler.
type Options struct {
	// AuthToken gates the mutating endpoints when non-empty; the health
	// probe stays open for load balancers.
	AuthToken string
}

// Handler serves the diagnostic endpoints.
type Handler struct {
	conversations Conversations
	sessions      Counter
	escalations   Counter
	opts          Options
	logger        *slog.Logger
	startedAt     time.Time
}

func NewHandler(conversations Conversations, sessions, escalations Counter,
	opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		conversations: conversations,
		sessions:      sessions,
		escalations:   escalations,
		opts:          opts,
		logger:        logger.With("component", "ops"),
		startedAt:     time.Now(),
	}
}

// Routes registers the diagnostic endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /conversations/{id}/reset", h.requireAuth(h.handleReset))
	mux.HandleFunc("POST /conversations/{id}/handback", h.requireAuth(h.handleHandback))
}

type healthResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ActiveSessions int    `json:"active_sessions"`
	Escalated      int    `json:"escalated"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}

	sessions, err := h.sessions.Count(r.Context())
	if err != nil {
		h.logger.Error("session count failed", "error", err)
		resp.Status = "degraded"
	}
	resp.ActiveSessions = sessions

	escalated, err := h.escalations.Count(r.Context())
	if err != nil {
		h.logger.Error("escalation count failed", "error", err)
		resp.Status = "degraded"
	}
	resp.Escalated = escalated

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.conversations.Reset(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Info("conversation reset", "conversation_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "conversation_id": id})
}

func (h *Handler) handleHandback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.conversations.HandleOwnershipChanged(r.Context(), id, true); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Info("conversation handed back", "conversation_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "bot", "conversation_id": id})
}

// requireAuth checks the bearer token when one is configured.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.opts.AuthToken == "" {
			next(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AuthToken)) != 1 {
			h.logger.Warn("unauthorized ops request", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
