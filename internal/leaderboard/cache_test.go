package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texchange/internal/leaderboard"
	"texchange/internal/notify"
	"texchange/internal/store"
)

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestParsePostTime(t *testing.T) {
	tests := []struct {
		in      string
		h, m    int
		enabled bool
		wantErr bool
	}{
		{in: "23:00", h: 23, m: 0, enabled: true},
		{in: "07:45", h: 7, m: 45, enabled: true},
		{in: "none"},
		{in: "NONE"},
		{in: ""},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "7:45", wantErr: true},
		{in: "noon", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			h, m, enabled, err := leaderboard.ParsePostTime(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.enabled, enabled)
			assert.Equal(t, tc.h, h)
			assert.Equal(t, tc.m, m)
		})
	}
}

func newMarket(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := ms.SeedStocks(ctx, id, []store.Stock{
		{Ticker: "GMD", Name: "GOMADINC", Price: 200.28, Risk: store.RiskModerate},
		{Ticker: "JFP", Name: "JUST POSTS, Fences & Posts", Price: 0.28, Risk: store.RiskLow},
	})
	require.NoError(t, err)
	_, err = ms.Settings(ctx, id)
	require.NoError(t, err)
}

func TestRebuildMatchesIndependentTotals(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	newMarket(t, ms, "g1")
	for _, u := range []string{"a", "b"} {
		_, err := ms.CreateAccount(ctx, "g1", u, 1000)
		require.NoError(t, err)
	}
	_, err := ms.ExecuteOrder(ctx, store.Order{MarketID: "g1", UserID: "a", Ticker: "GMD", Qty: 2, Side: store.SideBuy})
	require.NoError(t, err)
	_, err = ms.ExecuteOrder(ctx, store.Order{MarketID: "g1", UserID: "b", Ticker: "JFP", Qty: 500, Side: store.SideBuy})
	require.NoError(t, err)
	require.NoError(t, ms.SetPrice(ctx, "g1", "GMD", 300))
	require.NoError(t, ms.SetPrice(ctx, "g1", "JFP", 0.5))

	c := leaderboard.New(ms, nil, nil)
	require.NoError(t, c.Rebuild(ctx, "g1"))
	rows, err := c.Top(ctx, "g1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// a: 599.44 + 2*300, b: 860 + 500*0.5
	assert.Equal(t, "a", rows[0].UserID)
	assert.InDelta(t, 1199.44, rows[0].TotalValue, 1e-9)
	assert.Equal(t, "b", rows[1].UserID)
	assert.InDelta(t, 1110.0, rows[1].TotalValue, 1e-9)
}

func TestDailyPostFiresOncePerDay(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	newMarket(t, ms, "g1")
	_, err := ms.CreateAccount(ctx, "g1", "a", 1000)
	require.NoError(t, err)

	rec := &recorder{}
	c := leaderboard.New(ms, rec, nil)
	settings, err := ms.Settings(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, "23:00", settings.LeaderboardPostTime)

	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	posted, err := c.PostIfDue(ctx, "g1", settings, day.Add(22*time.Hour+59*time.Minute))
	require.NoError(t, err)
	assert.False(t, posted)

	posted, err = c.PostIfDue(ctx, "g1", settings, day.Add(23*time.Hour))
	require.NoError(t, err)
	assert.True(t, posted)

	posted, err = c.PostIfDue(ctx, "g1", settings, day.Add(23*time.Hour+30*time.Second))
	require.NoError(t, err)
	assert.False(t, posted)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, notify.KindLeaderboard, rec.msgs[0].Kind)
	assert.Equal(t, []string{"a"}, rec.msgs[0].Mentions)

	posted, err = c.PostIfDue(ctx, "g1", settings, day.Add(47*time.Hour))
	require.NoError(t, err)
	assert.True(t, posted, "next day posts again")
}

func TestDailyPostDisabled(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	newMarket(t, ms, "g1")
	require.NoError(t, ms.UpdateSetting(ctx, "g1", store.SettingLeaderboardPostTime, "none"))
	settings, err := ms.Settings(ctx, "g1")
	require.NoError(t, err)

	rec := &recorder{}
	c := leaderboard.New(ms, rec, nil)
	posted, err := c.PostIfDue(ctx, "g1", settings, time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, posted)
	assert.Zero(t, rec.count())
}

func TestRunDueRefreshCadence(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	newMarket(t, ms, "g1")
	require.NoError(t, ms.UpdateSetting(ctx, "g1", store.SettingLeaderboardPostTime, "none"))
	_, err := ms.CreateAccount(ctx, "g1", "a", 1000)
	require.NoError(t, err)

	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	c := leaderboard.New(ms, nil, nil, leaderboard.WithClock(func() time.Time { return now }))
	c.RunDue(ctx)
	rows, err := c.Top(ctx, "g1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, now, rows[0].LastUpdated)

	_, err = ms.CreateAccount(ctx, "g1", "b", 1000)
	require.NoError(t, err)
	now = now.Add(5 * time.Minute)
	c.RunDue(ctx)
	rows, err = c.Top(ctx, "g1", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "cache is not refreshed before its cadence")

	now = now.Add(5 * time.Minute)
	c.RunDue(ctx)
	rows, err = c.Top(ctx, "g1", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
