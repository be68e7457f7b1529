package game_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texchange/internal/game"
	"texchange/internal/store"
)

func newService(t *testing.T) (*game.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := game.NewService(ms, nil)
	require.NoError(t, svc.EnsureMarket(context.Background(), "g1"))
	return svc, ms
}

func TestEnsureMarketSeedsOnce(t *testing.T) {
	ctx := context.Background()
	svc, ms := newService(t)

	stocks, err := ms.ListStocks(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, stocks, len(game.DefaultStocks))

	require.NoError(t, ms.SetPrice(ctx, "g1", "GMD", 42))
	require.NoError(t, game.NewService(ms, nil).EnsureMarket(ctx, "g1"))
	gmd, err := svc.Price(ctx, "g1", "gmd")
	require.NoError(t, err)
	assert.Equal(t, 42.0, gmd.Price, "existing market is not reseeded")

	markets, err := ms.Markets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, markets)
}

func TestRegisterAndBuy(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	acc, err := svc.Register(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, acc.Cash)

	_, err = svc.Register(ctx, "g1", "u1")
	assert.ErrorIs(t, err, store.ErrAccountExists)

	res, err := svc.Buy(ctx, "g1", "u1", "gmd", 2)
	require.NoError(t, err)
	assert.InDelta(t, 599.44, res.Cash, 1e-9)
	assert.EqualValues(t, 2, res.Holding)
	assert.Equal(t, store.SideBuy, res.Trade.Side)

	p, err := svc.Portfolio(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Len(t, p.Holdings, 1)
	assert.Equal(t, "GMD", p.Holdings[0].Ticker)
	assert.Equal(t, "GOMADINC", p.Holdings[0].Name)
	assert.InDelta(t, 1000.0, p.TotalValue, 1e-9)
}

func TestSellRequiresHoldings(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.Register(ctx, "g1", "u1")
	require.NoError(t, err)

	_, err = svc.Sell(ctx, "g1", "u1", "BTH", 1)
	var short *store.ShortfallError
	require.ErrorAs(t, err, &short)
	assert.ErrorIs(t, err, store.ErrInsufficientShares)

	_, err = svc.Buy(ctx, "g1", "u1", "BPT", 2)
	assert.ErrorIs(t, err, store.ErrInsufficientFunds)

	_, err = svc.Buy(ctx, "g1", "u1", "NOPE", 1)
	assert.ErrorIs(t, err, store.ErrStockNotFound)

	_, err = svc.Buy(ctx, "g1", "u1", "GMD", 0)
	assert.ErrorIs(t, err, store.ErrInvalidQuantity)

	_, err = svc.Buy(ctx, "g1", "ghost", "GMD", 1)
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestAccountIncludesRecentTrades(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.Register(ctx, "g1", "u1")
	require.NoError(t, err)
	_, err = svc.Buy(ctx, "g1", "u1", "JFP", 100)
	require.NoError(t, err)
	_, err = svc.Sell(ctx, "g1", "u1", "JFP", 40)
	require.NoError(t, err)

	view, err := svc.Account(ctx, "g1", "u1", 10)
	require.NoError(t, err)
	require.Len(t, view.RecentTrades, 2)
	assert.Equal(t, store.SideSell, view.RecentTrades[0].Side)
	require.Len(t, view.Holdings, 1)
	assert.EqualValues(t, 60, view.Holdings[0].Qty)
	assert.InDelta(t, 1000.0, view.TotalValue, 1e-9)
}

func TestQuotesTrend(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	require.NoError(t, svc.SetPrice(ctx, "g1", "GMD", 100))
	require.NoError(t, svc.SetPrice(ctx, "g1", "GMD", 300))

	quotes, err := svc.Quotes(ctx, "g1")
	require.NoError(t, err)
	byTicker := map[string]game.Quote{}
	for _, q := range quotes {
		byTicker[q.Ticker] = q
	}

	gmd := byTicker["GMD"]
	require.True(t, gmd.HasAverage)
	assert.InDelta(t, (200.28+100+300)/3, gmd.Average, 1e-9)
	assert.Equal(t, game.TrendUp, gmd.Trend)
	assert.Equal(t, game.TrendStable, byTicker["BTH"].Trend)

	detail, err := svc.StockDetail(ctx, "g1", "gmd", 0)
	require.NoError(t, err)
	assert.Len(t, detail.Series, 3)
	assert.Equal(t, 300.0, detail.Series[2].Price)
}

func TestTrendUnknownTicker(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Trend(context.Background(), "g1", "XYZ")
	assert.ErrorIs(t, err, store.ErrStockNotFound)
}

func TestAdminOverrides(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	st, err := svc.AddStock(ctx, "g1", "dust", "Dust Bunnies", 1.5, "High")
	require.NoError(t, err)
	assert.Equal(t, "DUST", st.Ticker)
	assert.Equal(t, store.RiskHigh, st.Risk)

	_, err = svc.AddStock(ctx, "g1", "DUST", "Again", 2, "low")
	assert.ErrorIs(t, err, store.ErrDuplicateTicker)
	_, err = svc.AddStock(ctx, "g1", "BAD!", "Bad", 2, "low")
	assert.ErrorIs(t, err, game.ErrInvalidTicker)
	_, err = svc.AddStock(ctx, "g1", "ZZ", "Zed", 2, "extreme")
	assert.ErrorIs(t, err, store.ErrInvalidRisk)

	require.NoError(t, svc.SetRisk(ctx, "g1", "dust", "low"))
	assert.ErrorIs(t, svc.SetPrice(ctx, "g1", "DUST", 0), store.ErrInvalidPrice)

	settings, err := svc.UpdateSetting(ctx, "g1", store.SettingStartingMoney, "2500")
	require.NoError(t, err)
	assert.Equal(t, 2500.0, settings.StartingMoney)
	acc, err := svc.Register(ctx, "g1", "late")
	require.NoError(t, err)
	assert.Equal(t, 2500.0, acc.Cash)

	_, err = svc.UpdateSetting(ctx, "g1", "nope", "1")
	assert.ErrorIs(t, err, store.ErrUnknownSetting)
}
