// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: JSON values under prefixed keys plus index sets for listing

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix    = "relay:session:"
	escalationKeyPrefix = "relay:escalation:"
	sessionIndexKey     = "relay:sessions"
	escalationIndexKey  = "relay:escalations"
)

// RedisStore implements the Store interface using Redis. Sessions and
// escalations are stored as JSON values; two sets index the live keys so
// listing and counting don't need SCAN.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	logger := slog.Default().With("component", "store")

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	logger.Info("Redis store initialized", "addr", opts.Addr)
	return &RedisStore{client: client, logger: logger}, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSession struct {
	AssistantSessionID string    `json:"assistant_session_id"`
	LastActivityAt     time.Time `json:"last_activity_at"`
}

type redisEscalation struct {
	Reason      string    `json:"reason"`
	EscalatedAt time.Time `json:"escalated_at"`
}

// GetSession retrieves a session by conversation ID.
func (s *RedisStore) GetSession(ctx context.Context, conversationID string) (*Session, error) {
	val, err := s.client.Get(ctx, sessionKeyPrefix+conversationID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	var rs redisSession
	if err := json.Unmarshal([]byte(val), &rs); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &Session{
		ConversationID:     conversationID,
		AssistantSessionID: rs.AssistantSessionID,
		LastActivityAt:     rs.LastActivityAt,
	}, nil
}

// PutSession inserts or replaces a session and indexes its key.
func (s *RedisStore) PutSession(ctx context.Context, session *Session) error {
	data, err := json.Marshal(redisSession{
		AssistantSessionID: session.AssistantSessionID,
		LastActivityAt:     session.LastActivityAt,
	})
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+session.ConversationID, data, 0)
	pipe.SAdd(ctx, sessionIndexKey, session.ConversationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// DeleteSession removes a session and its index entry.
func (s *RedisStore) DeleteSession(ctx context.Context, conversationID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+conversationID)
	pipe.SRem(ctx, sessionIndexKey, conversationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteSessionsBefore removes sessions last active before cutoff. The index
// set is walked member by member; entries whose value has vanished are pruned
// from the index as a side effect.
func (s *RedisStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("listing session index: %w", err)
	}

	removed := 0
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err == ErrNotFound {
			s.client.SRem(ctx, sessionIndexKey, id)
			continue
		}
		if err != nil {
			return removed, err
		}
		if sess.LastActivityAt.Before(cutoff) {
			if err := s.DeleteSession(ctx, id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// CountSessions returns the number of live sessions.
func (s *RedisStore) CountSessions(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, sessionIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return int(n), nil
}

// GetEscalation retrieves the escalation entry for a conversation.
func (s *RedisStore) GetEscalation(ctx context.Context, conversationID string) (*Escalation, error) {
	val, err := s.client.Get(ctx, escalationKeyPrefix+conversationID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting escalation: %w", err)
	}

	var re redisEscalation
	if err := json.Unmarshal([]byte(val), &re); err != nil {
		return nil, fmt.Errorf("decoding escalation: %w", err)
	}
	return &Escalation{
		ConversationID: conversationID,
		Reason:         re.Reason,
		EscalatedAt:    re.EscalatedAt,
	}, nil
}

// PutEscalation inserts or replaces an escalation entry.
func (s *RedisStore) PutEscalation(ctx context.Context, esc *Escalation) error {
	data, err := json.Marshal(redisEscalation{
		Reason:      esc.Reason,
		EscalatedAt: esc.EscalatedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding escalation: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, escalationKeyPrefix+esc.ConversationID, data, 0)
	pipe.SAdd(ctx, escalationIndexKey, esc.ConversationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing escalation: %w", err)
	}
	return nil
}

// DeleteEscalation removes an escalation entry and its index entry.
func (s *RedisStore) DeleteEscalation(ctx context.Context, conversationID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, escalationKeyPrefix+conversationID)
	pipe.SRem(ctx, escalationIndexKey, conversationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting escalation: %w", err)
	}
	return nil
}

// ListEscalations returns all escalation entries sorted by conversation ID.
func (s *RedisStore) ListEscalations(ctx context.Context) ([]*Escalation, error) {
	ids, err := s.client.SMembers(ctx, escalationIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing escalation index: %w", err)
	}

	out := make([]*Escalation, 0, len(ids))
	for _, id := range ids {
		esc, err := s.GetEscalation(ctx, id)
		if err == ErrNotFound {
			s.client.SRem(ctx, escalationIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	sortEscalations(out)
	return out, nil
}

// CountEscalations returns the number of human-owned conversations.
func (s *RedisStore) CountEscalations(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, escalationIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("counting escalations: %w", err)
	}
	return int(n), nil
}
