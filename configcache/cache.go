// Package configcache implements C1, the per-domain GlobalConfig cache
// sitting in front of the out-of-scope storage service. Grounded on the
// teacher's redisclient wiring; the TTL-cache-with-storage-fallback shape
// itself is new, built directly from spec §4.1.
package configcache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/foundrygate/gateway/config"
	"github.com/foundrygate/gateway/redisclient"
	"github.com/foundrygate/gateway/storage"
)

const keyPrefix = "lb:config:"

// Cache is the C1 Config Loader & Cache.
type Cache struct {
	redis  *redisclient.Client
	store  storage.Store
	ttl    time.Duration
	logger zerolog.Logger
}

// New builds a config cache. ttl is the KV entry lifetime (spec default 60s).
func New(redis *redisclient.Client, store storage.Store, ttl time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{
		redis:  redis,
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("component", "configcache").Logger(),
	}
}

// LoadConfig fetches the active config for domain, populating the KV cache
// on miss. On any KV error it logs and falls through to storage; on
// storage error it returns the permissive fallback config (spec §4.1, §7).
func (c *Cache) LoadConfig(ctx context.Context, domain string) *config.GlobalConfig {
	domain = normalizeDomain(domain)
	key := keyPrefix + domain

	if c.redis != nil {
		if raw, err := c.redis.Raw().Get(ctx, key).Result(); err == nil {
			var gc config.GlobalConfig
			if jerr := json.Unmarshal([]byte(raw), &gc); jerr == nil {
				return &gc
			}
			c.logger.Warn().Str("domain", domain).Msg("config cache entry unparsable, falling through to storage")
		} else if err != redis.Nil {
			c.logger.Warn().Err(err).Str("domain", domain).Msg("config cache read failed, falling through to storage")
		}
	}

	if c.store == nil {
		return config.Fallback(domain)
	}

	gc, err := c.store.GetActiveConfig(ctx, domain)
	if err != nil {
		c.logger.Warn().Err(err).Str("domain", domain).Msg("config storage unavailable, using fallback config")
		return config.Fallback(domain)
	}

	c.writeThrough(ctx, key, gc)
	return gc
}

// InvalidateConfigCache deletes the cached entry for domain so the next
// LoadConfig call refetches from storage.
func (c *Cache) InvalidateConfigCache(ctx context.Context, domain string) {
	if c.redis == nil {
		return
	}
	domain = normalizeDomain(domain)
	if err := c.redis.Raw().Del(ctx, keyPrefix+domain).Err(); err != nil {
		c.logger.Warn().Err(err).Str("domain", domain).Msg("config cache invalidation failed")
	}
}

// writeThrough stores gc in the KV cache with the configured TTL.
// Concurrent callers may each miss and write — last-writer-wins is
// acceptable because payloads are value-equal within a version.
func (c *Cache) writeThrough(ctx context.Context, key string, gc *config.GlobalConfig) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(gc)
	if err != nil {
		c.logger.Warn().Err(err).Msg("config marshal failed, skipping cache write")
		return
	}
	if err := c.redis.Raw().Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("config cache write failed")
	}
}

// normalizeDomain lowercases, trims, and strips the port from a host
// string before it is used as a cache key (spec §4.1).
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if idx := strings.LastIndex(domain, ":"); idx != -1 {
		// Only strip a trailing :port, not a bracketed IPv6 literal.
		if !strings.Contains(domain[idx:], "]") {
			domain = domain[:idx]
		}
	}
	return domain
}
