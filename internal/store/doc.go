// Package store provides persistent storage for conversation sessions and
// escalation state.
//
// # Architecture
//
// Two small interfaces cover the relay's state:
//
//   - SessionStore: conversation-to-assistant-session mappings
//   - EscalationStore: conversations currently owned by a human operator
//
// Store combines both. Four backends implement it:
//
//   - MemoryStore: mutex-guarded maps, the default for single-process runs
//   - SQLiteStore: modernc.org/sqlite with WAL mode, schema auto-created
//   - PostgresStore: lib/pq, for deployments that already run Postgres
//   - RedisStore: go-redis, JSON values plus index sets
//
// Absence of an Escalation entry means the conversation is bot-owned; callers
// treat ErrNotFound from GetEscalation as "bot owns it".
//
// # Testing
//
// Use NewMemoryStore() for unit tests. SQLiteStore works against a temp file,
// RedisStore against miniredis.
package store
