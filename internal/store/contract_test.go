package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texchange/internal/store"
)

var seed = []store.Stock{
	{Ticker: "GMD", Name: "GOMADINC", Price: 200.28, Risk: store.RiskModerate},
	{Ticker: "BTH", Name: "Gamer Goddess Bathwater", Price: 150.00, Risk: store.RiskModerate},
	{Ticker: "JFP", Name: "JUST POSTS, Fences & Posts", Price: 0.28, Risk: store.RiskLow},
	{Ticker: "BPT", Name: "Blood Potions", Price: 700.00, Risk: store.RiskHigh},
}

// runContract exercises the ledger semantics every Store must honor. Each
// subtest works in its own fresh market so backends can share a database.
func runContract(t *testing.T, s store.Store) {
	ctx := context.Background()

	newMarket := func(t *testing.T) string {
		t.Helper()
		id := "m-" + uuid.NewString()
		_, err := s.SeedStocks(ctx, id, seed)
		require.NoError(t, err)
		return id
	}
	newAccount := func(t *testing.T, market, user string, cash float64) {
		t.Helper()
		_, err := s.CreateAccount(ctx, market, user, cash)
		require.NoError(t, err)
	}

	t.Run("settings created lazily with defaults", func(t *testing.T) {
		id := "m-" + uuid.NewString()
		got, err := s.Settings(ctx, id)
		require.NoError(t, err)
		want := store.DefaultSettings(id)
		assert.Equal(t, want, got)

		markets, err := s.Markets(ctx)
		require.NoError(t, err)
		assert.Contains(t, markets, id)

		require.NoError(t, s.UpdateSetting(ctx, id, store.SettingMarketBias, 0.002))
		require.NoError(t, s.UpdateSetting(ctx, id, store.SettingLeaderboardPostTime, "none"))
		got, err = s.Settings(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0.002, got.MarketBias)
		assert.Equal(t, "none", got.LeaderboardPostTime)

		err = s.UpdateSetting(ctx, id, "drop_table", 1)
		assert.ErrorIs(t, err, store.ErrUnknownSetting)
		err = s.UpdateSetting(ctx, id, store.SettingMarketUpdateRate, "two")
		assert.ErrorIs(t, err, store.ErrValidation)
	})

	t.Run("seed runs once and stocks are unique per market", func(t *testing.T) {
		id := newMarket(t)
		n, err := s.SeedStocks(ctx, id, seed)
		require.NoError(t, err)
		assert.Zero(t, n)

		stocks, err := s.ListStocks(ctx, id)
		require.NoError(t, err)
		require.Len(t, stocks, 4)
		assert.Equal(t, "BPT", stocks[0].Ticker)

		err = s.AddStock(ctx, store.Stock{MarketID: id, Ticker: "GMD", Name: "dup", Price: 1, Risk: store.RiskLow})
		assert.ErrorIs(t, err, store.ErrDuplicateTicker)
		assert.ErrorIs(t, err, store.ErrConflict)

		_, err = s.Stock(ctx, id, "NOPE")
		assert.ErrorIs(t, err, store.ErrStockNotFound)
	})

	t.Run("set price appends history", func(t *testing.T) {
		id := newMarket(t)
		require.NoError(t, s.SetPrice(ctx, id, "GMD", 210))
		require.NoError(t, s.TickPrices(ctx, id, fixedPrices(store.PriceUpdate{Ticker: "GMD", Price: 220}, store.PriceUpdate{Ticker: "BTH", Price: 140})))

		st, err := s.Stock(ctx, id, "GMD")
		require.NoError(t, err)
		assert.Equal(t, 220.0, st.Price)

		hist, err := s.PriceHistory(ctx, id, "GMD", 2)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, 210.0, hist[0].Price)
		assert.Equal(t, 220.0, hist[1].Price)

		assert.ErrorIs(t, s.SetPrice(ctx, id, "GMD", 0), store.ErrInvalidPrice)
		assert.ErrorIs(t, s.SetPrice(ctx, id, "NOPE", 1), store.ErrStockNotFound)
	})

	t.Run("failed price batch leaves every price untouched", func(t *testing.T) {
		id := newMarket(t)
		err := s.TickPrices(ctx, id, fixedPrices(store.PriceUpdate{Ticker: "GMD", Price: 1}, store.PriceUpdate{Ticker: "NOPE", Price: 2}))
		require.Error(t, err)
		st, err := s.Stock(ctx, id, "GMD")
		require.NoError(t, err)
		assert.Equal(t, 200.28, st.Price)

		boom := errors.New("boom")
		err = s.TickPrices(ctx, id, func([]store.Stock) ([]store.PriceUpdate, error) {
			return []store.PriceUpdate{{Ticker: "GMD", Price: 1}}, boom
		})
		assert.ErrorIs(t, err, boom)
		hist, err := s.PriceHistory(ctx, id, "GMD", 0)
		require.NoError(t, err)
		assert.Len(t, hist, 1)
	})

	t.Run("tick prices computes from committed prices", func(t *testing.T) {
		id := newMarket(t)
		require.NoError(t, s.SetPrice(ctx, id, "GMD", 5000))

		var seen []store.Stock
		require.NoError(t, s.TickPrices(ctx, id, func(stocks []store.Stock) ([]store.PriceUpdate, error) {
			seen = stocks
			out := make([]store.PriceUpdate, 0, len(stocks))
			for _, st := range stocks {
				out = append(out, store.PriceUpdate{Ticker: st.Ticker, Price: st.Price * 2})
			}
			return out, nil
		}))
		require.Len(t, seen, 4)
		assert.Equal(t, "BPT", seen[0].Ticker)

		st, err := s.Stock(ctx, id, "GMD")
		require.NoError(t, err)
		assert.Equal(t, 10000.0, st.Price)
		stocks, err := s.ListStocks(ctx, id)
		require.NoError(t, err)
		for _, st := range stocks {
			if st.Ticker == "GMD" {
				assert.Equal(t, 10000.0, st.Price)
			}
		}
	})

	t.Run("buy then sell restores holding", func(t *testing.T) {
		id := newMarket(t)
		newAccount(t, id, "a", 1000)

		res, err := s.ExecuteOrder(ctx, store.Order{MarketID: id, UserID: "a", Ticker: "GMD", Qty: 2, Side: store.SideBuy})
		require.NoError(t, err)
		assert.InDelta(t, 599.44, res.Cash, 1e-9)
		assert.Equal(t, int64(2), res.Holding)
		assert.Equal(t, 200.28, res.Trade.Price)

		acc, err := s.Account(ctx, id, "a")
		require.NoError(t, err)
		assert.InDelta(t, 599.44, acc.Cash, 1e-9)

		n, err := s.NetHolding(ctx, id, "a", "GMD")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = s.ExecuteOrder(ctx, store.Order{MarketID: id, UserID: "a", Ticker: "GMD", Qty: 2, Side: store.SideSell})
		require.NoError(t, err)
		n, err = s.NetHolding(ctx, id, "a", "GMD")
		require.NoError(t, err)
		assert.Zero(t, n)

		acc, err = s.Account(ctx, id, "a")
		require.NoError(t, err)
		assert.InDelta(t, 1000, acc.Cash, 1e-9)
	})

	t.Run("orders reject shortfalls without mutation", func(t *testing.T) {
		id := newMarket(t)
		newAccount(t, id, "a", 100)

		_, err := s.ExecuteOrder(ctx, store.Order{MarketID: id, UserID: "a", Ticker: "BPT", Qty: 1, Side: store.SideBuy})
		var short *store.ShortfallError
		require.ErrorAs(t, err, &short)
		assert.Empty(t, short.Ticker)
		assert.ErrorIs(t, err, store.ErrInsufficientFunds)

		_, err = s.ExecuteOrder(ctx, store.Order{MarketID: id, UserID: "a", Ticker: "GMD", Qty: 1, Side: store.SideSell})
		assert.ErrorIs(t, err, store.ErrInsufficientShares)

		acc, err := s.Account(ctx, id, "a")
		require.NoError(t, err)
		assert.Equal(t, 100.0, acc.Cash)
		holdings, err := s.Holdings(ctx, id, "a")
		require.NoError(t, err)
		assert.Empty(t, holdings)
	})

	t.Run("net holding is the signed trade sum", func(t *testing.T) {
		id := newMarket(t)
		trades := []store.TradeRecord{
			{MarketID: id, UserID: "u", Ticker: "JFP", Qty: 10, Side: store.SideBuy, Price: 0.28},
			{MarketID: id, UserID: "u", Ticker: "JFP", Qty: 3, Side: store.SideSell, Price: 0.3},
			{MarketID: id, UserID: "u", Ticker: "JFP", Qty: 9, Side: store.SideSell, Price: 0.3},
			{MarketID: id, UserID: "u", Ticker: "GMD", Qty: 1, Side: store.SideBuy, Price: 200},
		}
		for _, tr := range trades {
			_, err := s.AppendTrade(ctx, tr)
			require.NoError(t, err)
		}
		n, err := s.NetHolding(ctx, id, "u", "JFP")
		require.NoError(t, err)
		assert.Equal(t, int64(-2), n)

		_, err = s.AppendTrade(ctx, store.TradeRecord{MarketID: id, UserID: "u", Ticker: "JFP", Qty: 0, Side: store.SideBuy})
		assert.ErrorIs(t, err, store.ErrInvalidQuantity)
	})

	t.Run("settlement failure persists nothing", func(t *testing.T) {
		id := newMarket(t)
		newAccount(t, id, "init", 500)
		newAccount(t, id, "resp", 500)

		_, err := s.Settle(ctx, store.Settlement{
			MarketID: id,
			Requirements: []store.Requirement{
				{UserID: "resp", Ticker: "BTH", Amount: 1},
				{UserID: "init", Amount: 100},
			},
			Cash: []store.CashDelta{{UserID: "init", Delta: -100}, {UserID: "resp", Delta: 100}},
			Trades: []store.TradeRecord{
				{UserID: "resp", Ticker: "BTH", Qty: 1, Side: store.SideSell},
				{UserID: "init", Ticker: "BTH", Qty: 1, Side: store.SideBuy},
			},
		})
		var short *store.ShortfallError
		require.ErrorAs(t, err, &short)
		assert.Equal(t, "resp", short.UserID)
		assert.Equal(t, "BTH", short.Ticker)
		assert.Equal(t, 1.0, short.Short())

		for _, u := range []string{"init", "resp"} {
			acc, err := s.Account(ctx, id, u)
			require.NoError(t, err)
			assert.Equal(t, 500.0, acc.Cash)
			n, err := s.NetHolding(ctx, id, u, "BTH")
			require.NoError(t, err)
			assert.Zero(t, n)
		}
	})

	t.Run("settlement moves cash and shares together", func(t *testing.T) {
		id := newMarket(t)
		newAccount(t, id, "init", 500)
		newAccount(t, id, "resp", 500)
		_, err := s.ExecuteOrder(ctx, store.Order{MarketID: id, UserID: "resp", Ticker: "BTH", Qty: 1, Side: store.SideBuy})
		require.NoError(t, err)

		recorded, err := s.Settle(ctx, store.Settlement{
			MarketID: id,
			Requirements: []store.Requirement{
				{UserID: "resp", Ticker: "BTH", Amount: 1},
				{UserID: "init", Amount: 100},
			},
			Cash: []store.CashDelta{{UserID: "init", Delta: -100}, {UserID: "resp", Delta: 100}},
			Trades: []store.TradeRecord{
				{UserID: "resp", Ticker: "BTH", Qty: 1, Side: store.SideSell},
				{UserID: "init", Ticker: "BTH", Qty: 1, Side: store.SideBuy},
			},
		})
		require.NoError(t, err)
		require.Len(t, recorded, 2)
		assert.Equal(t, recorded[0].GroupID, recorded[1].GroupID)
		assert.NotEmpty(t, recorded[0].GroupID)
		assert.Equal(t, 150.0, recorded[0].Price)

		acc, err := s.Account(ctx, id, "init")
		require.NoError(t, err)
		assert.InDelta(t, 400, acc.Cash, 1e-9)
		acc, err = s.Account(ctx, id, "resp")
		require.NoError(t, err)
		assert.InDelta(t, 450, acc.Cash, 1e-9)

		n, err := s.NetHolding(ctx, id, "init", "BTH")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = s.NetHolding(ctx, id, "resp", "BTH")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("leaderboard equals independent recomputation", func(t *testing.T) {
		id := newMarket(t)
		newAccount(t, id, "a", 1000)
		newAccount(t, id, "b", 1000)
		newAccount(t, id, "c", 50)
		_, err := s.ExecuteOrder(ctx, store.Order{MarketID: id, UserID: "a", Ticker: "GMD", Qty: 3, Side: store.SideBuy})
		require.NoError(t, err)
		_, err = s.ExecuteOrder(ctx, store.Order{MarketID: id, UserID: "b", Ticker: "JFP", Qty: 100, Side: store.SideBuy})
		require.NoError(t, err)
		require.NoError(t, s.SetPrice(ctx, id, "GMD", 250))

		at := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, s.RebuildLeaderboard(ctx, id, at))
		rows, err := s.Leaderboard(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, rows, 3)

		for _, row := range rows {
			acc, err := s.Account(ctx, id, row.UserID)
			require.NoError(t, err)
			want := acc.Cash
			stocks, err := s.ListStocks(ctx, id)
			require.NoError(t, err)
			for _, st := range stocks {
				n, err := s.NetHolding(ctx, id, row.UserID, st.Ticker)
				require.NoError(t, err)
				want += float64(n) * st.Price
			}
			assert.InDelta(t, want, row.TotalValue, 1e-6, row.UserID)
		}
		assert.Equal(t, "a", rows[0].UserID)
		assert.Equal(t, "c", rows[2].UserID)

		top, err := s.Leaderboard(ctx, id, 1)
		require.NoError(t, err)
		assert.Len(t, top, 1)
	})

	t.Run("trades listed newest first", func(t *testing.T) {
		id := newMarket(t)
		newAccount(t, id, "a", 1000)
		newAccount(t, id, "b", 1000)
		_, err := s.ExecuteOrder(ctx, store.Order{MarketID: id, UserID: "a", Ticker: "JFP", Qty: 10, Side: store.SideBuy})
		require.NoError(t, err)
		_, err = s.ExecuteOrder(ctx, store.Order{MarketID: id, UserID: "b", Ticker: "GMD", Qty: 1, Side: store.SideBuy})
		require.NoError(t, err)
		_, err = s.ExecuteOrder(ctx, store.Order{MarketID: id, UserID: "a", Ticker: "JFP", Qty: 4, Side: store.SideSell})
		require.NoError(t, err)

		all, err := s.Trades(ctx, id, "", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, store.SideSell, all[0].Side)
		assert.Greater(t, all[0].ID, all[2].ID)

		mine, err := s.Trades(ctx, id, "a", 1)
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, int64(4), mine[0].Qty)
	})

	t.Run("duplicate registration is a conflict", func(t *testing.T) {
		id := newMarket(t)
		newAccount(t, id, "a", 1000)
		_, err := s.CreateAccount(ctx, id, "a", 1000)
		assert.ErrorIs(t, err, store.ErrAccountExists)
		assert.True(t, errors.Is(err, store.ErrConflict))
		assert.False(t, store.IsTransient(err))

		_, err = s.Account(ctx, id, "ghost")
		assert.ErrorIs(t, err, store.ErrAccountNotFound)
	})
}

func fixedPrices(updates ...store.PriceUpdate) store.PriceFunc {
	return func([]store.Stock) ([]store.PriceUpdate, error) { return updates, nil }
}
