package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/thearchitectit/guardrail-mcp/internal/config"
)

// Client wraps the Redis client used for the distributed half of quota
// enforcement.
type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(cfg *config.Config) (*Client, error) {
	opts := &redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
		DialTimeout:  cfg.RedisDialTimeout,
		ReadTimeout:  cfg.RedisReadTimeout,
	}

	if cfg.RedisUseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.RedisHost,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Redis connected", "addr", cfg.RedisAddr())

	return &Client{client: client}, nil
}

// HealthCheck verifies Redis connectivity
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	slog.Info("Closing Redis connection")
	return c.client.Close()
}

// DistributedRateLimiter implements a distributed fixed-window counter
// over Redis INCR+EXPIRE: each key counts requests in the current window,
// whose boundaries are aligned to multiples of the window length. Grounds
// internal/quota's per-(tenant,session) request-rate enforcement.
type DistributedRateLimiter struct {
	redis  *redis.Client
	window time.Duration
}

// NewDistributedLimiter creates a new distributed rate limiter scoped to
// the given fixed window.
func (c *Client) NewDistributedLimiter(window time.Duration) *DistributedRateLimiter {
	return &DistributedRateLimiter{
		redis:  c.client,
		window: window,
	}
}

// Allow checks whether a request identified by key is permitted under
// limit within the current window, and returns the number of requests
// already counted in the window. On any Redis error it fails closed,
// denying the request.
func (dl *DistributedRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int64, error) {
	now := time.Now().Unix()
	bucket := int64(dl.window.Seconds())
	if bucket <= 0 {
		bucket = 60
	}
	windowKey := fmt.Sprintf("quota:%s:%d", key, now/bucket)

	pipe := dl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, dl.window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		slog.Error("quota rate limiting Redis error, failing closed", "error", err)
		return false, 0, fmt.Errorf("distributed rate limiter: %w", err)
	}

	count := incr.Val()
	return count <= int64(limit), count, nil
}
