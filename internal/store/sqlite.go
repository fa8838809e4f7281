// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/escalation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			conversation_id TEXT PRIMARY KEY,
			assistant_session_id TEXT NOT NULL,
			last_activity_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_last_activity
			ON sessions(last_activity_at);

		CREATE TABLE IF NOT EXISTS escalations (
			conversation_id TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			escalated_at DATETIME NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSession retrieves a session by conversation ID.
func (s *SQLiteStore) GetSession(ctx context.Context, conversationID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, assistant_session_id, last_activity_at
		FROM sessions WHERE conversation_id = ?`,
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
func (s *SQLiteStore) PutSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (conversation_id, assistant_session_id, last_activity_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			assistant_session_id = excluded.assistant_session_id,
			last_activity_at = excluded.last_activity_at`,
		session.ConversationID, session.AssistantSessionID, session.LastActivityAt)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteSessionsBefore removes sessions last active before cutoff.
func (s *SQLiteStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_activity_at < ?`, cutoff)
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
func (s *SQLiteStore) CountSessions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

// GetEscalation retrieves the escalation entry for a conversation.
func (s *SQLiteStore) GetEscalation(ctx context.Context, conversationID string) (*Escalation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, reason, escalated_at
		FROM escalations WHERE conversation_id = ?`,
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
func (s *SQLiteStore) PutEscalation(ctx context.Context, esc *Escalation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (conversation_id, reason, escalated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			reason = excluded.reason,
			escalated_at = excluded.escalated_at`,
		esc.ConversationID, esc.Reason, esc.EscalatedAt)
	if err != nil {
		return fmt.Errorf("upserting escalation: %w", err)
	}
	return nil
}

// DeleteEscalation removes an escalation entry.
func (s *SQLiteStore) DeleteEscalation(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM escalations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("deleting escalation: %w", err)
	}
	return nil
}

// ListEscalations returns all escalation entries sorted by conversation ID.
func (s *SQLiteStore) ListEscalations(ctx context.Context) ([]*Escalation, error) {
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
func (s *SQLiteStore) CountEscalations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escalations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting escalations: %w", err)
	}
	return n, nil
}
