package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "mfa:challenge:"

// RedisStore implements Store using Redis. Entries carry the configured TTL
// and GETDEL makes the take atomic across instances.
type RedisStore struct {
	rdb     *redis.Client
	options StoreOptions
}

// NewRedisStore creates a new Redis-backed challenge store
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return NewRedisStoreWithOptions(rdb, DefaultStoreOptions())
}

// NewRedisStoreWithOptions creates a new Redis-backed challenge store with custom options
func NewRedisStoreWithOptions(rdb *redis.Client, options StoreOptions) *RedisStore {
	return &RedisStore{
		rdb:     rdb,
		options: options,
	}
}

// Put stores a pending challenge for the session, replacing any prior one
func (s *RedisStore) Put(ctx context.Context, sessionID string, pending PendingChallenge) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending challenge: %w", err)
	}

	err = s.rdb.Set(ctx, redisKeyPrefix+sessionID, data, s.options.TTL).Err()
	if err != nil {
		return fmt.Errorf("failed to store pending challenge: %w", err)
	}
	return nil
}

// TakeAndClear removes and returns the pending challenge for the session
func (s *RedisStore) TakeAndClear(ctx context.Context, sessionID string) (PendingChallenge, error) {
	val, err := s.rdb.GetDel(ctx, redisKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return PendingChallenge{}, ErrNoActiveChallenge
	}
	if err != nil {
		return PendingChallenge{}, fmt.Errorf("failed to take pending challenge: %w", err)
	}

	var pending PendingChallenge
	if err := json.Unmarshal([]byte(val), &pending); err != nil {
		return PendingChallenge{}, fmt.Errorf("failed to unmarshal pending challenge: %w", err)
	}
	return pending, nil
}
