package dataplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/secretariat-ai/secretariat/internal/observability"
)

// invalidationChannel broadcasts cache invalidation patterns to sibling
// processes.
const invalidationChannel = "secretariat:cache:inv"

// RedisCache is a read-through cache for data plane responses, shared across
// processes through Redis. Entries are JSON under "<prefix>:<key>";
// invalidation deletes by pattern and broadcasts the pattern on pub/sub so
// sibling instances drop entries their own writes may have raced in.
type RedisCache struct {
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRedisCache creates a cache rooted at prefix.
func NewRedisCache(rdb *redis.Client, prefix string, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{
		rdb:     rdb,
		prefix:  prefix,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

func (c *RedisCache) fullKey(key string) string {
	return c.prefix + ":" + key
}

// Get loads a cached entry into out. A miss, an expired entry, or a decode
// failure all report false.
func (c *RedisCache) Get(ctx context.Context, key string, out any) bool {
	raw, err := c.rdb.Get(ctx, c.fullKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn(ctx, "cache read failed", "key", c.fullKey(key), "error", err)
		}
		c.metrics.RecordCache(c.prefix, false)
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Warn(ctx, "cache entry corrupt, dropping", "key", c.fullKey(key), "error", err)
		c.rdb.Del(ctx, c.fullKey(key))
		c.metrics.RecordCache(c.prefix, false)
		return false
	}
	c.metrics.RecordCache(c.prefix, true)
	return true
}

// Set stores a JSON-encoded entry with the cache TTL. Failures are logged,
// never surfaced: a cache write must not fail the read it backs.
func (c *RedisCache) Set(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn(ctx, "cache encode failed", "key", c.fullKey(key), "error", err)
		return
	}
	if err := c.rdb.Set(ctx, c.fullKey(key), raw, c.ttl).Err(); err != nil {
		c.logger.Warn(ctx, "cache write failed", "key", c.fullKey(key), "error", err)
	}
}

// Invalidate deletes all entries matching pattern (glob, without the prefix)
// and broadcasts it so sibling processes do the same.
func (c *RedisCache) Invalidate(ctx context.Context, pattern string) {
	c.deleteMatching(ctx, pattern)
	if err := c.rdb.Publish(ctx, invalidationChannel, c.prefix+":"+pattern).Err(); err != nil {
		c.logger.Warn(ctx, "invalidation broadcast failed", "pattern", pattern, "error", err)
	}
}

func (c *RedisCache) deleteMatching(ctx context.Context, pattern string) {
	full := c.fullKey(pattern)
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, full, 100).Result()
		if err != nil {
			c.logger.Warn(ctx, "cache scan failed", "pattern", full, "error", err)
			return
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn(ctx, "cache delete failed", "pattern", full, "error", err)
			}
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

// ListenInvalidations applies invalidation broadcasts from sibling processes
// until ctx is cancelled. Patterns outside this cache's prefix are ignored.
func (c *RedisCache) ListenInvalidations(ctx context.Context) error {
	sub := c.rdb.Subscribe(ctx, invalidationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("invalidation subscription closed")
			}
			pattern := msg.Payload
			prefixLen := len(c.prefix) + 1
			if len(pattern) <= prefixLen || pattern[:prefixLen] != c.prefix+":" {
				continue
			}
			c.logger.Debug(ctx, "applying cache invalidation", "pattern", pattern)
			c.deleteMatching(ctx, pattern[prefixLen:])
		}
	}
}
