package dashboard

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	Enabled                 bool
	RedisAddress            string
	RedisUsername           string
	RedisPassword           string
	RedisDB                 int
	RedisTLSEnabled         bool
	RedisInsecureSkipVerify bool
	DefaultTTL              time.Duration
	// KeyPrefix namespaces keys when several dashboards share one Redis.
	KeyPrefix string
}

// Cache stores rendered responses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// NoopCache never hits.
type NoopCache struct{}

func (NoopCache) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}

func (NoopCache) Close() error {
	return nil
}

type redisCache struct {
	client     *redis.Client
	defaultTTL time.Duration
}

// NewCache returns a Redis-backed cache when enabled and NoopCache
// otherwise. An enabled cache that cannot reach Redis is an error.
func NewCache(ctx context.Context, cfg CacheConfig) (Cache, error) {
	if !cfg.Enabled {
		return NoopCache{}, nil
	}
	if cfg.RedisAddress == "" {
		return nil, fmt.Errorf("dashboard cache: redis address must be provided when cache is enabled")
	}

	opts := &redis.Options{
		Addr:     cfg.RedisAddress,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	if cfg.RedisTLSEnabled {
		opts.TLSConfig = &tls.Config{
			InsecureSkipVerify: cfg.RedisInsecureSkipVerify, // #nosec G402 -- opt-in for trusted networks.
		}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dashboard cache: ping redis: %w", err)
	}

	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &redisCache{
		client:     client,
		defaultTTL: ttl,
	}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cmd := c.client.Get(ctx, key)
	if err := cmd.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	data, err := cmd.Bytes()
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

// cacheKey ties a request to the change counter so any write moves every
// key and stale entries simply expire.
func cacheKey(prefix string, lastModified float64, requestURI string) string {
	if prefix == "" {
		prefix = "meshbridge"
	}
	return prefix + ":" + strconv.FormatFloat(lastModified, 'f', 6, 64) + ":" + requestURI
}
