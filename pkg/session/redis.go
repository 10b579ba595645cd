package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Prophet73/aihub/pkg/crypto"
)

// RedisStore implements Store on Redis so sessions survive restarts and are
// shared across processes. Keys expire with the session TTL; no sweep needed.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed session store. A non-positive TTL
// selects DefaultTTL.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func redisKey(id string) string {
	return "hub:session:" + id
}

// Create mints a new session for the user.
func (s *RedisStore) Create(ctx context.Context, userID uuid.UUID) (string, error) {
	id, err := crypto.GenerateToken()
	if err != nil {
		return "", err
	}
	if err := s.rdb.Set(ctx, redisKey(id), userID.String(), s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	return id, nil
}

// Get resolves a session ID to its user.
func (s *RedisStore) Get(ctx context.Context, id string) (uuid.UUID, error) {
	val, err := s.rdb.Get(ctx, redisKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load session: %w", err)
	}
	userID, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupt session value: %w", err)
	}
	return userID, nil
}

// Delete removes a session.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, redisKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
