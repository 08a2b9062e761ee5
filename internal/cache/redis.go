package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/dokvern/privshield/internal/config"
)

// AnalysisCache caches analyzer output in Redis, keyed by a hash of the
// exact text that was sent across the privacy boundary. A retry with
// identical masked text reuses the cached output instead of invoking the
// analysis service again.
//
// Only post-boundary artifacts are stored: the key is a hash and the value
// is the masked output the service already saw.
type AnalysisCache struct {
	client *redis.Client
	config *config.CacheConfig
	logger *zap.Logger
	stats  *cacheStats
}

// cacheStats tracks cache performance
type cacheStats struct {
	hits   int64
	misses int64
}

// Stats is a snapshot of cache performance counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// New creates a new Redis-backed analysis cache
func New(cfg *config.CacheConfig, logger *zap.Logger) (*AnalysisCache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = cfg.MaxConnections
	opts.MinIdleConns = cfg.MinIdleConns

	client := redis.NewClient(opts)

	cache := &AnalysisCache{
		client: client,
		config: cfg,
		logger: logger,
		stats:  &cacheStats{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Analysis cache initialized",
		zap.String("redis_url", maskRedisURL(cfg.RedisURL)),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Duration("default_ttl", cfg.DefaultTTL))

	return cache, nil
}

// Get returns the cached analyzer output for the given sent text, if any.
// Lookup failures degrade to a miss; the caller just calls the service.
func (c *AnalysisCache) Get(ctx context.Context, sentText string) (string, bool) {
	key := c.key(sentText)

	output, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		c.stats.misses++
		return "", false
	}
	if err != nil {
		c.logger.Error("Cache lookup failed", zap.Error(err))
		c.stats.misses++
		return "", false
	}

	c.stats.hits++
	c.logger.Debug("Analysis cache hit", zap.String("key", key))
	return output, true
}

// Set stores analyzer output under the hash of the sent text.
func (c *AnalysisCache) Set(ctx context.Context, sentText, output string) {
	key := c.key(sentText)

	if err := c.client.Set(ctx, key, output, c.config.DefaultTTL).Err(); err != nil {
		c.logger.Error("Failed to cache analysis output", zap.Error(err))
		return
	}

	c.logger.Debug("Analysis output cached",
		zap.String("key", key),
		zap.Int("output_length", len(output)))
}

// GetStats returns cache performance statistics
func (c *AnalysisCache) GetStats() Stats {
	stats := Stats{
		Hits:   c.stats.hits,
		Misses: c.stats.misses,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}

// Clear removes all cached analysis entries
func (c *AnalysisCache) Clear(ctx context.Context) error {
	pattern := c.config.KeyPrefix + ":analysis:*"

	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete cache keys: %w", err)
	}

	c.logger.Info("Analysis cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (c *AnalysisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// key derives the cache key from the text that crossed the boundary. Only
// the hash ever reaches Redis.
func (c *AnalysisCache) key(sentText string) string {
	sum := sha256.Sum256([]byte(sentText))
	return fmt.Sprintf("%s:analysis:%s", c.config.KeyPrefix, hex.EncodeToString(sum[:])[:16])
}

// maskRedisURL masks credentials in a Redis URL for logging
func maskRedisURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
