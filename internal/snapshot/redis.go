package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of the go-redis API used by [RedisStore].
// *redis.Client, *redis.ClusterClient and *redis.Ring satisfy it.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Compile-time interface assertion.
var _ Store = (*RedisStore)(nil)

// RedisOption configures a [RedisStore].
type RedisOption func(*RedisStore)

// WithTTL expires blobs after d. Zero keeps them forever.
func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

// RedisStore keeps each blob as a Redis string value.
type RedisStore struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedisStore returns a store backed by client.
func NewRedisStore(client RedisClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Save implements [Store].
func (s *RedisStore) Save(ctx context.Context, key string, blob []byte) error {
	if err := s.client.Set(ctx, key, blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("snapshot: redis set %s: %w", key, err)
	}
	return nil
}

// Load implements [Store].
func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: redis get %s: %w", key, err)
	}
	return b, nil
}

// Delete implements [Store].
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("snapshot: redis del %s: %w", key, err)
	}
	return nil
}
