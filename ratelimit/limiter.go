// Package ratelimit implements C3, the fixed-window-with-TTL request
// limiter. The window is deliberately not atomic against expiry races
// (spec §4.3): INCR and TTL are pipelined and EXPIRE follows as a
// separate command, nothing is scripted, so a request landing exactly as
// a key expires may observe a short extra window. Grounded on the teacher's redisclient wiring; the window
// algorithm itself replaces the teacher's in-memory sliding window in
// middleware/ratelimit.go, whose header names are kept.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/foundrygate/gateway/config"
	"github.com/foundrygate/gateway/features"
	"github.com/foundrygate/gateway/redisclient"
)

// Result is the outcome of a single Check call (spec §4.3).
type Result struct {
	Allowed      bool
	Remaining    int64
	ResetAt      time.Time
	RetryAfterMs int64
	KeyType      config.KeyType
	Key          string
	Count        int64 // observed counter value this window, fed back into RequestFeatures.RequestsInWindow
}

// Limiter is the C3 Rate Limiter.
type Limiter struct {
	redis *redisclient.Client
}

// New builds a rate limiter over the shared Redis client.
func New(redis *redisclient.Client) *Limiter {
	return &Limiter{redis: redis}
}

// Check increments the window counter for the key derived from f and
// cfg, returning whether the request is allowed. On any Redis error it
// fails open: allowed=true, remaining=cfg.MaxRequests (spec §7).
func (l *Limiter) Check(ctx context.Context, f features.RequestFeatures, cfg config.RateLimitConfig, policyID string) Result {
	keyType, selector := selectKey(f, cfg)
	key := fmt.Sprintf("rl:%s:%s:%s", policyID, keyType, selector)

	if l.redis == nil || !cfg.Enabled {
		return Result{Allowed: true, Remaining: cfg.MaxRequests, KeyType: keyType, Key: key}
	}

	window := time.Duration(cfg.WindowMs) * time.Millisecond
	if window <= 0 {
		window = time.Minute
	}

	count, ttl, err := l.incrementWithTTL(ctx, key, window)
	if err != nil {
		return Result{
			Allowed:   true,
			Remaining: cfg.MaxRequests,
			ResetAt:   time.Now().Add(window),
			KeyType:   keyType,
			Key:       key,
		}
	}

	limit := cfg.MaxRequests
	if cfg.BurstLimit > 0 {
		limit += cfg.BurstLimit
	}

	// remaining is reported against maxRequests, not the burst-inflated
	// limit (spec §4.3), so it hits zero once the base quota is spent
	// even while burst capacity still allows the request through.
	remaining := cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	resetAt := time.Now().Add(ttl)

	if count > limit {
		retryAfterMs := ttl.Milliseconds()
		if retryAfterMs < 0 {
			retryAfterMs = 0
		}
		return Result{
			Allowed:      false,
			Remaining:    0,
			ResetAt:      resetAt,
			RetryAfterMs: retryAfterMs,
			KeyType:      keyType,
			Key:          key,
			Count:        count,
		}
	}

	return Result{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   resetAt,
		KeyType:   keyType,
		Key:       key,
		Count:     count,
	}
}

// incrementWithTTL runs INCR and TTL together in one pipeline exec, then,
// when the key is new (count 1) or carries no expiry (TTL < 0), issues
// EXPIRE as a separate command, per spec §4.3.
func (l *Limiter) incrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := l.redis.Raw().TxPipeline()
	incrCmd := pipe.Incr(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}

	count, err := incrCmd.Result()
	if err != nil {
		return 0, 0, err
	}
	ttl, err := ttlCmd.Result()
	if err != nil {
		return 0, 0, err
	}

	if count == 1 || ttl < 0 {
		if err := l.redis.Raw().Expire(ctx, key, window).Err(); err != nil {
			return 0, 0, err
		}
		ttl = window
	}

	return count, ttl, nil
}

// selectKey derives the key type and selector value per spec §4.3's five
// selector rules. session degrades to ip when no session id is present.
func selectKey(f features.RequestFeatures, cfg config.RateLimitConfig) (config.KeyType, string) {
	switch cfg.KeyType {
	case config.KeyTypeSubnet:
		return config.KeyTypeSubnet, f.Subnet
	case config.KeyTypeSession:
		if f.SessionID != "" {
			return config.KeyTypeSession, f.SessionID
		}
		return config.KeyTypeIP, f.IPHash
	case config.KeyTypeEndpoint:
		return config.KeyTypeEndpoint, f.Method + ":" + f.Path
	case config.KeyTypeComposite:
		return config.KeyTypeComposite, f.IPHash + ":" + f.Path
	default:
		return config.KeyTypeIP, f.IPHash
	}
}
