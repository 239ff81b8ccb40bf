package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/David-Botos/quality-ingress/pkg/config"
)

const redisKeyPrefix = "qualityctl:checkpoint:"

// RedisStore keeps checkpoints in Redis with a TTL so abandoned batches expire
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg *config.RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		return nil, errors.New("redis configuration cannot be nil")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Save stores data with the configured TTL
func (s *RedisStore) Save(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, redisKeyPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", key, err)
	}
	return nil
}

// Load fetches a checkpoint
func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", key, err)
	}
	return data, nil
}

// Delete removes every key under prefix using SCAN so large batches do not block Redis
func (s *RedisStore) Delete(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan checkpoints %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoints %s: %w", prefix, err)
	}
	return nil
}

// Close releases the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
