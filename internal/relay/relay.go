// ABOUTME: Wires the relay's components together and runs the HTTP server.
// ABOUTME: Owns backend selection, background goroutines, and graceful shutdown.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/driftline/drift-relay/internal/assistant"
	"github.com/driftline/drift-relay/internal/config"
	"github.com/driftline/drift-relay/internal/conversation"
	"github.com/driftline/drift-relay/internal/dedupe"
	"github.com/driftline/drift-relay/internal/escalation"
	"github.com/driftline/drift-relay/internal/ingress"
	"github.com/driftline/drift-relay/internal/messaging"
	"github.com/driftline/drift-relay/internal/ops"
	"github.com/driftline/drift-relay/internal/session"
	"github.com/driftline/drift-relay/internal/store"
)

// Relay is the assembled application.
type Relay struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend store.Store

	sessions  *session.Store
	registry  *escalation.Registry
	messenger *messaging.Client
	webhook   *ingress.Handler
	tracker   *dedupe.Tracker
	janitor   *session.Janitor
	server    *http.Server
}

// New builds a relay from configuration. The storage backend is opened here;
// upstream services are only dialed once Run starts.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", cfg.Storage.Backend, err)
	}

	assistantClient := assistant.New(assistant.Options{
		BaseURL:        cfg.Assistant.BaseURL,
		APIKey:         cfg.Assistant.APIKey,
		PollInterval:   cfg.Assistant.PollInterval,
		MaxAttempts:    cfg.Assistant.MaxAttempts,
		RequestTimeout: cfg.Assistant.RequestTimeout,
	}, logger)

	messenger := messaging.New(messaging.Options{
		BaseURL:        cfg.Messaging.BaseURL,
		AccessToken:    cfg.Messaging.AccessToken,
		MaxSendRetries: cfg.Messaging.MaxSendRetries,
		RetryBackoff:   cfg.Messaging.RetryBackoff,
		RequestTimeout: cfg.Messaging.RequestTimeout,
	}, logger)

	sessions := session.New(backend, assistantClient, logger)
	registry := escalation.NewRegistry(backend, logger)
	detector := escalation.NewDetector(cfg.Escalation.Keywords, cfg.Escalation.ResolutionKeywords)

	orch := conversation.New(sessions, registry, detector, assistantClient, messenger,
		conversation.Options{
			BotActorID:          cfg.Messaging.BotActorID,
			CrossCheckOwnership: cfg.Messaging.CrossCheckOwnership,
			Messages:            cannedMessages(cfg.Escalation.Messages),
		}, logger)

	tracker := dedupe.NewTracker(cfg.Ingress.DedupeTTL, cfg.Ingress.DedupeEntries)
	normalizer := ingress.NewNormalizer(cfg.Messaging.BotActorID, logger)
	webhook := ingress.NewHandler(orch, normalizer, tracker, ingress.Options{
		VerifyToken: cfg.Ingress.VerifyToken,
		AppSecret:   cfg.Ingress.AppSecret,
	}, logger)

	mux := http.NewServeMux()
	webhook.Routes(mux)
	ops.NewHandler(orch, sessions, registry, ops.Options{
		AuthToken: cfg.Ops.AuthToken,
	}, logger).Routes(mux)

	return &Relay{
		cfg:       cfg,
		logger:    logger.With("component", "relay"),
		backend:   backend,
		sessions:  sessions,
		registry:  registry,
		messenger: messenger,
		webhook:   webhook,
		tracker:   tracker,
		janitor:   session.NewJanitor(sessions, cfg.Sessions.Retention, cfg.Sessions.EvictionInterval),
		server: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func openBackend(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.SQLite.Path)
	case "postgres":
		return store.NewPostgresStore(cfg.Postgres.DSN)
	case "redis":
		return store.NewRedisStore(store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func cannedMessages(cfg config.MessagesConfig) conversation.Messages {
	msgs := conversation.DefaultMessages()
	if cfg.Connecting != "" {
		msgs.Connecting = cfg.Connecting
	}
	if cfg.EscalationNotice != "" {
		msgs.EscalationNotice = cfg.EscalationNotice
	}
	if cfg.Fallback != "" {
		msgs.Fallback = cfg.Fallback
	}
	if cfg.HandBack != "" {
		msgs.HandBack = cfg.HandBack
	}
	return msgs
}

// Run starts the relay and blocks until ctx is canceled or the server fails.
func (r *Relay) Run(ctx context.Context) error {
	// Pin the outbound payload schema once at startup
	r.messenger.Probe(ctx)

	var wg sync.WaitGroup
	bg, cancelBg := context.WithCancel(context.Background())

	wg.Add(2)
	go func() {
		defer wg.Done()
		r.janitor.Run(bg)
	}()
	go func() {
		defer wg.Done()
		r.tracker.Run(bg, time.Minute)
	}()

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("http server listening", "addr", r.server.Addr)
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown requested")
	case runErr = <-errCh:
		r.logger.Error("http server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown failed", "error", err)
	}

	// Let in-flight webhook dispatches finish before tearing down state
	r.webhook.Wait()

	cancelBg()
	wg.Wait()

	if err := r.backend.Close(); err != nil {
		r.logger.Error("store close failed", "error", err)
	}

	return runErr
}
