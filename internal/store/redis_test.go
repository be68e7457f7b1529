package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texchange/internal/store"
)

// Runs only against a disposable Redis named by TEX_TEST_REDIS_URL.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEX_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEX_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func TestCachedStoreContract(t *testing.T) {
	rdb := redisClient(t)
	runContract(t, store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute, nil))
}

func TestCachedStoreServesAndInvalidates(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	primary := store.NewMemoryStore()
	cached := store.NewCachedStore(primary, rdb, time.Minute, nil)
	market := "m-" + uuid.NewString()

	_, err := cached.SeedStocks(ctx, market, seed)
	require.NoError(t, err)
	first, err := cached.ListStocks(ctx, market)
	require.NoError(t, err)

	// A write behind the cache's back stays invisible until invalidated.
	require.NoError(t, primary.SetPrice(ctx, market, "GMD", 1))
	stale, err := cached.ListStocks(ctx, market)
	require.NoError(t, err)
	assert.Equal(t, first, stale)

	require.NoError(t, cached.SetPrice(ctx, market, "GMD", 2))
	fresh, err := cached.ListStocks(ctx, market)
	require.NoError(t, err)
	for _, st := range fresh {
		if st.Ticker == "GMD" {
			assert.Equal(t, 2.0, st.Price)
		}
	}
}

func TestCachedStoreTicksFromPrimary(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	primary := store.NewMemoryStore()
	cached := store.NewCachedStore(primary, rdb, time.Minute, nil)
	market := "m-" + uuid.NewString()

	_, err := cached.SeedStocks(ctx, market, seed)
	require.NoError(t, err)
	_, err = cached.ListStocks(ctx, market)
	require.NoError(t, err)
	require.NoError(t, primary.SetPrice(ctx, market, "GMD", 5000))

	var gmd float64
	require.NoError(t, cached.TickPrices(ctx, market, func(stocks []store.Stock) ([]store.PriceUpdate, error) {
		for _, st := range stocks {
			if st.Ticker == "GMD" {
				gmd = st.Price
			}
		}
		return nil, nil
	}))
	assert.Equal(t, 5000.0, gmd)
}

func TestCachedStoreFallsBackWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	cached := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute, nil)

	_, err := cached.SeedStocks(ctx, "g1", seed)
	require.NoError(t, err)
	stocks, err := cached.ListStocks(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, stocks, len(seed))

	require.NoError(t, cached.RebuildLeaderboard(ctx, "g1", time.Now()))
	_, err = cached.Leaderboard(ctx, "g1", 10)
	require.NoError(t, err)
}
