package biz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/verba/internal/model"
)

// QueryCacheConfig configures the Redis query result cache.
type QueryCacheConfig struct {
	// Enabled turns the cache on.
	Enabled bool
	// TTL is how long a cached result lives.
	TTL time.Duration
	// KeyPrefix namespaces the cache keys.
	KeyPrefix string
}

// DefaultQueryCacheConfig returns the default cache configuration.
func DefaultQueryCacheConfig() *QueryCacheConfig {
	return &QueryCacheConfig{
		Enabled:   false,
		TTL:       1 * time.Hour,
		KeyPrefix: "verba:query:",
	}
}

// QueryCache caches finished query results in Redis. Cache failures always
// degrade to the normal query flow; they are never surfaced to callers.
type QueryCache struct {
	redis  *goredis.Client
	config *QueryCacheConfig
}

// NewQueryCache creates a query cache.
func NewQueryCache(redis *goredis.Client, config *QueryCacheConfig) *QueryCache {
	if config == nil {
		config = DefaultQueryCacheConfig()
	}
	return &QueryCache{
		redis:  redis,
		config: config,
	}
}

// cacheKey hashes everything that affects the answer: query text, filters,
// topK, and retrieval strategy. Filters are serialized in sorted key order
// so equal filter maps hash equally.
func (c *QueryCache) cacheKey(query *model.Query) string {
	h := sha256.New()
	h.Write([]byte(query.Text))
	h.Write([]byte{0})

	keys := make([]string, 0, len(query.Filters))
	for k := range query.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, query.Filters[k])
	}
	fmt.Fprintf(h, "topk=%d;strategy=%s", query.TopK, query.Strategy)

	return c.config.KeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached result for a query, or nil on a miss. Errors are
// logged and reported as misses.
func (c *QueryCache) Get(ctx context.Context, query *model.Query) *model.QueryResult {
	if !c.config.Enabled || c.redis == nil {
		return nil
	}

	key := c.cacheKey(query)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != goredis.Nil {
			logger.Warnw("Failed to read query cache", "error", err.Error(), "key", key)
		}
		return nil
	}

	var result model.QueryResult
	if err := json.Unmarshal(data, &result); err != nil {
		logger.Warnw("Failed to unmarshal cached result, dropping entry", "error", err.Error(), "key", key)
		_ = c.redis.Del(ctx, key).Err()
		return nil
	}
	return &result
}

// Set caches a finished query result. Partial results are never cached.
func (c *QueryCache) Set(ctx context.Context, query *model.Query, result *model.QueryResult) {
	if !c.config.Enabled || c.redis == nil || !result.Finished {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		logger.Warnw("Failed to marshal result for caching", "error", err.Error())
		return
	}

	key := c.cacheKey(query)
	if err := c.redis.Set(ctx, key, data, c.config.TTL).Err(); err != nil {
		logger.Warnw("Failed to write query cache", "error", err.Error(), "key", key)
	}
}

// Clear deletes all cached query results.
func (c *QueryCache) Clear(ctx context.Context) error {
	if !c.config.Enabled || c.redis == nil {
		return nil
	}

	iter := c.redis.Scan(ctx, 0, c.config.KeyPrefix+"*", 0).Iterator()
	deleted := 0
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warnw("Failed to delete cache key", "error", err.Error(), "key", iter.Val())
		} else {
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan query cache: %w", err)
	}

	logger.Infow("Query cache cleared", "deleted", deleted)
	return nil
}
