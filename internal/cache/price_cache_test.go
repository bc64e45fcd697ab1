package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a test Redis instance using miniredis
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	s, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		s.Close()
	})
	return s, client
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestPriceCache_SetAndGet(t *testing.T) {
	s, client := setupTestRedis(t)
	c := NewPriceCache(client, 10*time.Minute, quietLogger())
	ctx := context.Background()

	err := c.Set(ctx, PriceCacheEntry{
		AssetID:   7,
		Symbol:    "aapl",
		Close:     decimal.RequireFromString("189.25"),
		Timestamp: "2024-01-05T14:30:00Z",
	})
	require.NoError(t, err)

	assert.True(t, s.Exists("latest_price:AAPL"))
	assert.Equal(t, 10*time.Minute, s.TTL("latest_price:AAPL"))

	entry, found, err := c.Get(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(7), entry.AssetID)
	assert.True(t, entry.Close.Equal(decimal.RequireFromString("189.25")))
	assert.False(t, entry.CachedAt.IsZero())

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestPriceCache_Miss(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewPriceCache(client, time.Minute, quietLogger())

	entry, found, err := c.Get(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, entry)
	assert.Equal(t, int64(1), c.GetStats().Misses)
}

func TestPriceCache_Expiry(t *testing.T) {
	s, client := setupTestRedis(t)
	c := NewPriceCache(client, time.Minute, quietLogger())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, PriceCacheEntry{Symbol: "IBM", Close: decimal.NewFromInt(150)}))
	s.FastForward(2 * time.Minute)

	_, found, err := c.Get(ctx, "IBM")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPriceCache_CorruptEntry(t *testing.T) {
	s, client := setupTestRedis(t)
	c := NewPriceCache(client, time.Minute, quietLogger())

	require.NoError(t, s.Set("latest_price:BAD", "{not json"))

	_, found, err := c.Get(context.Background(), "BAD")
	assert.Error(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(1), c.GetStats().Errors)
}

func TestPriceCache_CachedSymbolsAndClear(t *testing.T) {
	s, client := setupTestRedis(t)
	c := NewPriceCache(client, time.Minute, quietLogger())
	ctx := context.Background()

	for _, sym := range []string{"AAPL", "MSFT"} {
		require.NoError(t, c.Set(ctx, PriceCacheEntry{Symbol: sym, Close: decimal.NewFromInt(1)}))
	}
	require.NoError(t, s.Set("other:key", "x"))

	symbols, err := c.CachedSymbols(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, symbols)

	require.NoError(t, c.Clear(ctx))
	symbols, err = c.CachedSymbols(ctx)
	require.NoError(t, err)
	assert.Empty(t, symbols)
	assert.True(t, s.Exists("other:key"))
}

func TestPriceCache_SetFailsWhenRedisDown(t *testing.T) {
	s, client := setupTestRedis(t)
	c := NewPriceCache(client, time.Minute, quietLogger())
	s.Close()

	err := c.Set(context.Background(), PriceCacheEntry{Symbol: "AAPL", Close: decimal.NewFromInt(1)})
	assert.Error(t, err)
	assert.Equal(t, int64(1), c.GetStats().Errors)
}
