package blobcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const urlKeyPrefix = "draftpipe:url:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisURLStore keeps signed URLs in Redis and lets the server expire them.
type RedisURLStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisURLStore connects and pings Redis.
func NewRedisURLStore(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisURLStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to Redis URL cache")

	return &RedisURLStore{client: client, logger: logger}, nil
}

func (s *RedisURLStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, urlKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Set stores the URL. A zero ttl falls back to DefaultURLTTL so links never
// outlive their signature.
func (s *RedisURLStore) Set(ctx context.Context, key, url string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	if err := s.client.Set(ctx, urlKeyPrefix+key, url, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisURLStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, urlKeyPrefix+key).Err()
}

// Clear removes only this store's keys.
func (s *RedisURLStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, urlKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisURLStore) Close() error {
	return s.client.Close()
}
