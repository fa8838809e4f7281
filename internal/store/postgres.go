// ABOUTME: Postgres implementation of the Store interface using lib/pq
// ABOUTME: For deployments that already run Postgres alongside the relay

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements the Store interface using Postgres
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore connects to Postgres with the given DSN and ensures the
// schema exists. The connection is verified with a ping before use.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			conversation_id TEXT PRIMARY KEY,
			assistant_session_id TEXT NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_last_activity
			ON sessions(last_activity_at);

		CREATE TABLE IF NOT EXISTS escalations (
			conversation_id TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			escalated_at TIMESTAMPTZ NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// GetSession retrieves a session by conversation ID.
func (s *PostgresStore) GetSession(ctx context.Context, conversationID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, assistant_session_id, last_activity_at
		FROM sessions WHERE conversation_id = $1`,
		conversationID)

	var sess Session
	err := row.Scan(&sess.ConversationID, &sess.AssistantSessionID, &sess.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}

// PutSession inserts or replaces a session.
func (s *PostgresStore) PutSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (conversation_id, assistant_session_id, last_activity_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE SET
			assistant_session_id = EXCLUDED.assistant_session_id,
			last_activity_at = EXCLUDED.last_activity_at`,
		session.ConversationID, session.AssistantSessionID, session.LastActivityAt)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// DeleteSession removes a session.
func (s *PostgresStore) DeleteSession(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteSessionsBefore removes sessions last active before cutoff.
func (s *PostgresStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_activity_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting stale sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted sessions: %w", err)
	}
	return int(n), nil
}

// CountSessions returns the number of live sessions.
func (s *PostgresStore) CountSessions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

// GetEscalation retrieves the escalation entry for a conversation.
func (s *PostgresStore) GetEscalation(ctx context.Context, conversationID string) (*Escalation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, reason, escalated_at
		FROM escalations WHERE conversation_id = $1`,
		conversationID)

	var esc Escalation
	err := row.Scan(&esc.ConversationID, &esc.Reason, &esc.EscalatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning escalation: %w", err)
	}
	return &esc, nil
}

// PutEscalation inserts or replaces an escalation entry.
func (s *PostgresStore) PutEscalation(ctx context.Context, esc *Escalation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (conversation_id, reason, escalated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			escalated_at = EXCLUDED.escalated_at`,
		esc.ConversationID, esc.Reason, esc.EscalatedAt)
	if err != nil {
		return fmt.Errorf("upserting escalation: %w", err)
	}
	return nil
}

// DeleteEscalation removes an escalation entry.
func (s *PostgresStore) DeleteEscalation(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM escalations WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("deleting escalation: %w", err)
	}
	return nil
}

// ListEscalations returns all escalation entries sorted by conversation ID.
func (s *PostgresStore) ListEscalations(ctx context.Context) ([]*Escalation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, reason, escalated_at
		FROM escalations ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("listing escalations: %w", err)
	}
	defer rows.Close()

	var out []*Escalation
	for rows.Next() {
		var esc Escalation
		if err := rows.Scan(&esc.ConversationID, &esc.Reason, &esc.EscalatedAt); err != nil {
			return nil, fmt.Errorf("scanning escalation: %w", err)
		}
		out = append(out, &esc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating escalations: %w", err)
	}
	return out, nil
}

// CountEscalations returns the number of human-owned conversations.
func (s *PostgresStore) CountEscalations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escalations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting escalations: %w", err)
	}
	return n, nil
}
