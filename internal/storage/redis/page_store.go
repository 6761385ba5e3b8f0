// Package redisstore persists cached pages in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/webtomd/internal/cache"
)

// DefaultPrefix namespaces page keys.
const DefaultPrefix = "webtomd:page:"

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// PageStore implements cache.Store on Redis. Values are JSON and expire
// with the entry's TTL.
type PageStore struct {
	client kv
	prefix string
}

// NewPageStore connects to Redis.
func NewPageStore(cfg Config) (*PageStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("cache.redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newPageStore(client, cfg.Prefix), nil
}

func newPageStore(client kv, prefix string) *PageStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &PageStore{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (s *PageStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *PageStore) Close() error {
	return s.client.Close()
}

// Get reads the entry for key.
func (s *PageStore) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var entry cache.Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode cached page: %w", err)
	}
	return entry, true, nil
}

// Set writes entry under key with a TTL derived from its expiry.
func (s *PageStore) Set(ctx context.Context, key string, entry cache.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cached page: %w", err)
	}
	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		ttl = entry.ExpiresAt.Sub(entry.StoredAt)
		if ttl <= 0 {
			return nil
		}
	}
	if err := s.client.Set(ctx, s.prefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
