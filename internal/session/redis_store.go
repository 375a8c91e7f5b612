package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RedisClient is the interface for Redis operations needed by the session store.
// This abstracts the actual Redis client library.
type RedisClient interface {
	Incr(ctx context.Context, key string) (int64, error)
	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// RedisStore keeps each session's turn log in a Redis list.
type RedisStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	window int
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithPrefix sets the key prefix for session keys.
func WithPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTTL sets how long an idle session is retained. Every append refreshes it.
func WithTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithWindow sets the number of recent turns Resume returns.
func WithWindow(n int) RedisStoreOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.window = n
		}
	}
}

// NewRedisStore creates a new Redis-backed session store.
func NewRedisStore(client RedisClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "checkin:session:",
		ttl:    7 * 24 * time.Hour,
		window: DefaultWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) turnsKey(id string) string {
	return s.prefix + id + ":turns"
}

func (s *RedisStore) seqKey(id string) string {
	return s.prefix + id + ":seq"
}

// Append pushes a turn onto the session list.
func (s *RedisStore) Append(ctx context.Context, sessionID string, turn Turn) (Turn, error) {
	if err := validateTurn(sessionID, turn); err != nil {
		return Turn{}, err
	}

	seq, err := s.client.Incr(ctx, s.seqKey(sessionID))
	if err != nil {
		return Turn{}, fmt.Errorf("redis incr: %w", err)
	}
	turn = prepare(sessionID, turn, seq)

	data, err := json.Marshal(turn)
	if err != nil {
		return Turn{}, fmt.Errorf("marshal turn: %w", err)
	}
	if err := s.client.RPush(ctx, s.turnsKey(sessionID), string(data)); err != nil {
		return Turn{}, fmt.Errorf("redis rpush: %w", err)
	}

	if s.ttl > 0 {
		if err := s.client.Expire(ctx, s.turnsKey(sessionID), s.ttl); err != nil {
			return Turn{}, fmt.Errorf("redis expire: %w", err)
		}
		if err := s.client.Expire(ctx, s.seqKey(sessionID), s.ttl); err != nil {
			return Turn{}, fmt.Errorf("redis expire: %w", err)
		}
	}
	return turn, nil
}

// Resume reads the tail of the session list. Older pages are read only
// while no turn carrying state has been found.
func (s *RedisStore) Resume(ctx context.Context, sessionID string) (*Snapshot, error) {
	key := s.turnsKey(sessionID)
	page := int64(s.window)

	recent, err := s.lrange(ctx, key, -page, -1)
	if err != nil {
		return nil, err
	}

	state := latestState(recent)
	for stop := -int64(len(recent)) - 1; state == nil && len(recent) > 0; stop -= page {
		older, err := s.lrange(ctx, key, stop-page+1, stop)
		if err != nil {
			return nil, err
		}
		if len(older) == 0 {
			break
		}
		state = latestState(older)
	}
	return snapshotOf(sessionID, recent, state)
}

func (s *RedisStore) lrange(ctx context.Context, key string, start, stop int64) ([]Turn, error) {
	raw, err := s.client.LRange(ctx, key, start, stop)
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	turns := make([]Turn, 0, len(raw))
	for _, r := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}
