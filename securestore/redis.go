package securestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = time.Second

// RedisStore keeps records in Redis under "<service>:<key>"
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the configured server and verifies it answers
func NewRedis(service string, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: serviceOrDefault(service) + ":",
	}, nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return raw, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Available pings the server
func (s *RedisStore) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
