package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists the provider session so a restarted process can resume it.
type Store interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, delegation string, ttl time.Duration) error
	Delete(ctx context.Context) error
}

// RedisStore keeps one delegation per named profile in Redis.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore constructs a RedisStore for the given profile name.
func NewRedisStore(client *redis.Client, profile string) *RedisStore {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		profile = "default"
	}
	return &RedisStore{client: client, key: "identity:delegation:" + profile}
}

// Load returns the stored delegation or ErrNotAuthenticated.
func (s *RedisStore) Load(ctx context.Context) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("identity: store not initialised")
	}
	value, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotAuthenticated
		}
		return "", fmt.Errorf("identity: load delegation: %w", err)
	}
	return value, nil
}

// Save stores the delegation until ttl elapses.
func (s *RedisStore) Save(ctx context.Context, delegation string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return errors.New("identity: store not initialised")
	}
	if ttl <= 0 {
		return ErrExpired
	}
	return s.client.Set(ctx, s.key, delegation, ttl).Err()
}

// Delete forgets the stored delegation.
func (s *RedisStore) Delete(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("identity: store not initialised")
	}
	if err := s.client.Del(ctx, s.key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Key exposes the redis key backing the store.
func (s *RedisStore) Key() string {
	return s.key
}
