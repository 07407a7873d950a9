package digest

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps digests in a Redis hash so runners sharing one Docker host
// also share build-skip decisions.
type RedisStore struct {
	redisClient *redis.Client
	key         string
}

// NewRedisStore creates a store writing to the hash at key
func NewRedisStore(redisClient *redis.Client, key string) *RedisStore {
	return &RedisStore{
		redisClient: redisClient,
		key:         key,
	}
}

// NewRedisStoreFromURL connects to redisURL and verifies the server answers
func NewRedisStoreFromURL(ctx context.Context, redisURL, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStore(client, key), nil
}

// Load reads the whole hash
func (s *RedisStore) Load(ctx context.Context) (map[string]string, error) {
	images, err := s.redisClient.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read digests from %s: %w", s.key, err)
	}
	return images, nil
}

// Save replaces the hash content in a single transaction
func (s *RedisStore) Save(ctx context.Context, images map[string]string) error {
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(images) > 0 {
			fields := make([]interface{}, 0, len(images)*2)
			for name, digest := range images {
				fields = append(fields, name, digest)
			}
			pipe.HSet(ctx, s.key, fields...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write digests to %s: %w", s.key, err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.redisClient.Close()
}
