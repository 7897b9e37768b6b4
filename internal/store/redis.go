package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "langplay:"

// RedisStore implements Repository on Redis. Each scope is one hash, and the
// hash expiry is refreshed on every write, so retention is enforced by Redis.
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, retention time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(rdb, retention), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, retention: retention}
}

func scopeKey(scope string) string {
	return redisKeyPrefix + scope
}

// Get returns the value for scope/key.
func (s *RedisStore) Get(ctx context.Context, scope, key string) (string, bool, error) {
	value, err := s.rdb.HGet(ctx, scopeKey(scope), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get session value: %w", err)
	}
	return value, true, nil
}

// Set writes the value and refreshes the scope expiry.
func (s *RedisStore) Set(ctx context.Context, scope, key, value string) error {
	k := scopeKey(scope)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, k, key, value)
	if s.retention > 0 {
		pipe.Expire(ctx, k, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set session value: %w", err)
	}
	return nil
}

// Remove deletes scope/key.
func (s *RedisStore) Remove(ctx context.Context, scope, key string) error {
	if err := s.rdb.HDel(ctx, scopeKey(scope), key).Err(); err != nil {
		return fmt.Errorf("remove session value: %w", err)
	}
	return nil
}

// DeleteScope removes the scope hash and reports the number of fields it held.
func (s *RedisStore) DeleteScope(ctx context.Context, scope string) (int64, error) {
	k := scopeKey(scope)
	n, err := s.rdb.HLen(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("count scope values: %w", err)
	}
	if err := s.rdb.Del(ctx, k).Err(); err != nil {
		return 0, fmt.Errorf("delete scope: %w", err)
	}
	return n, nil
}

// CleanupStale is a no-op: scope hashes expire on their own.
func (s *RedisStore) CleanupStale(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
