// Package redisclient wraps the shared go-redis client used by both the
// config cache (C1) and the rate limiter (C3).
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/foundrygate/gateway/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps the shared *redis.Client handed to every KV consumer.
type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.EnvConfig) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	r := redis.NewClient(opt)
	return &Client{c: r}, nil
}

// Raw returns the underlying go-redis client for packages that need the
// full command surface (pipelines, TTL/EXPIRE, GET/SET).
func (r *Client) Raw() *redis.Client {
	return r.c
}

// Ping verifies connectivity with a short bounded timeout.
func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}
