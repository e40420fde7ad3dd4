package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Claim(ctx context.Context, key, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Release(ctx, key)
	}
	if err := s.client.Set(ctx, key, Digest(token), ttl).Err(); err != nil {
		return fmt.Errorf("claim ownership: %w", err)
	}
	return nil
}

func (s *RedisStore) Verify(ctx context.Context, key, token string) error {
	stored, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ownership: %w", err)
	}
	if !sameDigest(stored, token) {
		return ErrConflict
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release ownership: %w", err)
	}
	return nil
}
