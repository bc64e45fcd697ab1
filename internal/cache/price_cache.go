// Package cache keeps the latest refreshed prices in Redis for readers
// that should not hit Postgres.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PriceCacheEntry is the cached latest close of one symbol.
type PriceCacheEntry struct {
	AssetID   int64           `json:"asset_id"`
	Symbol    string          `json:"symbol"`
	Close     decimal.Decimal `json:"close"`
	Timestamp string          `json:"timestamp"`
	CachedAt  time.Time       `json:"cached_at"`
}

// PriceCacheStats tracks cache performance metrics
type PriceCacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}

// PriceCache stores PriceCacheEntry values under "latest_price:<SYMBOL>".
type PriceCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	logger *logrus.Logger

	mu    sync.Mutex
	stats PriceCacheStats
}

// NewPriceCache creates a Redis backed price cache.
func NewPriceCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *PriceCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &PriceCache{
		redis:  client,
		ttl:    ttl,
		prefix: "latest_price:",
		logger: logger,
	}
}

func (c *PriceCache) key(symbol string) string {
	return c.prefix + strings.ToUpper(symbol)
}

// Set caches the latest close of a symbol.
func (c *PriceCache) Set(ctx context.Context, entry PriceCacheEntry) error {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize price for %s: %w", entry.Symbol, err)
	}
	if err := c.redis.Set(ctx, c.key(entry.Symbol), data, c.ttl).Err(); err != nil {
		c.count(func(s *PriceCacheStats) { s.Errors++ })
		return fmt.Errorf("failed to cache price for %s: %w", entry.Symbol, err)
	}
	c.count(func(s *PriceCacheStats) { s.Sets++ })
	return nil
}

// Get returns the cached price of symbol. A miss is (nil, false, nil).
func (c *PriceCache) Get(ctx context.Context, symbol string) (*PriceCacheEntry, bool, error) {
	data, err := c.redis.Get(ctx, c.key(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.count(func(s *PriceCacheStats) { s.Misses++ })
		return nil, false, nil
	}
	if err != nil {
		c.count(func(s *PriceCacheStats) { s.Errors++ })
		return nil, false, fmt.Errorf("failed to read cached price for %s: %w", symbol, err)
	}

	var entry PriceCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.count(func(s *PriceCacheStats) { s.Errors++ })
		return nil, false, fmt.Errorf("failed to deserialize cached price for %s: %w", symbol, err)
	}
	c.count(func(s *PriceCacheStats) { s.Hits++ })
	return &entry, true, nil
}

// CachedSymbols lists the symbols with a cached price.
func (c *PriceCache) CachedSymbols(ctx context.Context) ([]string, error) {
	keys, err := c.scan(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(keys))
	for _, k := range keys {
		symbols = append(symbols, strings.TrimPrefix(k, c.prefix))
	}
	return symbols, nil
}

// Clear removes every cached price.
func (c *PriceCache) Clear(ctx context.Context) error {
	keys, err := c.scan(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("error clearing price cache: %w", err)
	}
	c.logger.WithField("entries", len(keys)).Info("Cleared price cache")
	return nil
}

func (c *PriceCache) scan(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("error scanning price cache keys: %w", err)
	}
	return keys, nil
}

// GetStats returns current cache statistics
func (c *PriceCache) GetStats() PriceCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// LogStats logs current cache performance statistics
func (c *PriceCache) LogStats() {
	stats := c.GetStats()
	hitRate := float64(0)
	if total := stats.Hits + stats.Misses; total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	c.logger.WithFields(logrus.Fields{
		"hits":     stats.Hits,
		"misses":   stats.Misses,
		"sets":     stats.Sets,
		"errors":   stats.Errors,
		"hit_rate": fmt.Sprintf("%.2f%%", hitRate),
	}).Info("Price cache stats")
}

func (c *PriceCache) count(update func(*PriceCacheStats)) {
	c.mu.Lock()
	update(&c.stats)
	c.mu.Unlock()
}
