package mpesa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campusmart/server/internal/config"
)

// TokenCache stores OAuth access tokens between gateway calls.
type TokenCache interface {
	Get(ctx context.Context) (string, bool, error)
	Set(ctx context.Context, token string, ttl time.Duration) error
}

// noTokenCache fetches a fresh token for every operation.
type noTokenCache struct{}

func (noTokenCache) Get(context.Context) (string, bool, error)        { return "", false, nil }
func (noTokenCache) Set(context.Context, string, time.Duration) error { return nil }

// RedisTokenCache shares the access token across server instances.
type RedisTokenCache struct {
	client redis.UniversalClient
	key    string
}

// NewRedisTokenCache wraps an existing redis client. The key should include the
// consumer key or shortcode when several M-Pesa apps share one Redis.
func NewRedisTokenCache(client redis.UniversalClient, key string) *RedisTokenCache {
	return &RedisTokenCache{client: client, key: key}
}

func (c *RedisTokenCache) Get(ctx context.Context) (string, bool, error) {
	token, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get token: %w", err)
	}
	return token, token != "", nil
}

func (c *RedisTokenCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, c.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("redis set token: %w", err)
	}
	return nil
}

// Close releases the underlying redis connection pool.
func (c *RedisTokenCache) Close() error {
	return c.client.Close()
}

// NewTokenCacheFromConfig builds the configured cache. The returned closer is nil
// when nothing needs releasing.
func NewTokenCacheFromConfig(ctx context.Context, cfg config.TokenCacheConfig, shortcode string) (TokenCache, func() error, error) {
	switch cfg.Backend {
	case "", "none":
		return noTokenCache{}, nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		cache := NewRedisTokenCache(client, cfg.KeyPrefix+":"+shortcode)
		return cache, cache.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown token cache backend %q", cfg.Backend)
	}
}
