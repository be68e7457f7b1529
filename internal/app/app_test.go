package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texchange/internal/config"
	"texchange/internal/notify"
	"texchange/internal/store"
)

func TestOpenStoreFallsBackToMemory(t *testing.T) {
	cfg := config.Config{LogLevel: "error"}
	st, closeFn, err := OpenStore(context.Background(), cfg, NewLogger(cfg))
	require.NoError(t, err)
	defer closeFn()
	_, ok := st.(*store.MemoryStore)
	assert.True(t, ok)
}

func TestOpenStoreRejectsBadRedisURL(t *testing.T) {
	cfg := config.Config{RedisURL: "not-a-url", LogLevel: "error"}
	_, _, err := OpenStore(context.Background(), cfg, NewLogger(cfg))
	assert.Error(t, err)
}

func TestOpenRedisIsOptional(t *testing.T) {
	rdb, err := OpenRedis(context.Background(), config.Config{})
	require.NoError(t, err)
	assert.Nil(t, rdb)

	_, err = OpenRedis(context.Background(), config.Config{RedisURL: "not-a-url"})
	assert.ErrorContains(t, err, "parse redis url")
}

func TestExchangeRunsUntilCancelled(t *testing.T) {
	cfg := config.Config{TickConcurrency: 2, SessionIdleTimeout: time.Minute, LogLevel: "error"}
	ms := store.NewMemoryStore()
	x := NewExchange(cfg, ms, notify.Discard, NewLogger(cfg))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, x.Games.EnsureMarket(ctx, "g1"))

	done := make(chan struct{})
	go func() {
		x.RunEngines(ctx, 10*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		h, err := ms.PriceHistory(context.Background(), "g1", "GMD", 10)
		return err == nil && len(h) >= 2
	}, 2*time.Second, 10*time.Millisecond, "first pass ticks a fresh market")
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engines did not stop")
	}
}
