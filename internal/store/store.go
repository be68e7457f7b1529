// Package store is the ledger of a market: stocks, price history, accounts,
// the append-only trade log, the leaderboard cache and per-market settings.
package store

import (
	"context"
	"strings"
	"time"
)

type Risk string

const (
	RiskLow      Risk = "low"
	RiskModerate Risk = "moderate"
	RiskHigh     Risk = "high"
)

func ParseRisk(s string) (Risk, error) {
	switch r := Risk(strings.ToLower(strings.TrimSpace(s))); r {
	case RiskLow, RiskModerate, RiskHigh:
		return r, nil
	default:
		return "", ErrInvalidRisk
	}
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Signed returns qty with the sign a trade of this side contributes to a
// net holding.
func (s Side) Signed(qty int64) int64 {
	if s == SideSell {
		return -qty
	}
	return qty
}

// MinPrice is the hard floor for every stock price.
const MinPrice = 0.01

// moneyEpsilon absorbs float rounding when comparing balances to costs.
const moneyEpsilon = 1e-9

type Stock struct {
	MarketID string  `json:"market_id"`
	Ticker   string  `json:"ticker"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Risk     Risk    `json:"risk"`
}

type PricePoint struct {
	MarketID   string    `json:"market_id"`
	Ticker     string    `json:"ticker"`
	Price      float64   `json:"price"`
	RecordedAt time.Time `json:"recorded_at"`
}

type PriceUpdate struct {
	Ticker string
	Price  float64
}

// PriceFunc computes a market's next prices from its current stocks. It runs
// while the market's stock rows are locked and must not call back into the
// store.
type PriceFunc func(stocks []Stock) ([]PriceUpdate, error)

type Account struct {
	MarketID  string    `json:"market_id"`
	UserID    string    `json:"user_id"`
	Cash      float64   `json:"cash"`
	CreatedAt time.Time `json:"created_at"`
}

type TradeRecord struct {
	ID         int64     `json:"id"`
	GroupID    string    `json:"group_id,omitempty"`
	MarketID   string    `json:"market_id"`
	UserID     string    `json:"user_id"`
	Ticker     string    `json:"ticker"`
	Qty        int64     `json:"qty"`
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	ExecutedAt time.Time `json:"executed_at"`
}

type Holding struct {
	Ticker string  `json:"ticker"`
	Name   string  `json:"name"`
	Qty    int64   `json:"qty"`
	Price  float64 `json:"price"`
}

func (h Holding) Value() float64 {
	return float64(h.Qty) * h.Price
}

type LeaderboardEntry struct {
	MarketID    string    `json:"market_id"`
	UserID      string    `json:"user_id"`
	TotalValue  float64   `json:"total_value"`
	LastUpdated time.Time `json:"last_updated"`
}

type Order struct {
	MarketID string
	UserID   string
	Ticker   string
	Qty      int64
	Side     Side
}

type OrderResult struct {
	Trade   TradeRecord `json:"trade"`
	Cash    float64     `json:"cash"`
	Holding int64       `json:"holding"`
}

// Requirement is a precondition checked inside a settlement transaction. An
// empty Ticker means a cash requirement of Amount; otherwise Amount is a share
// quantity the user must hold.
type Requirement struct {
	UserID string
	Ticker string
	Amount float64
}

type CashDelta struct {
	UserID string
	Delta  float64
}

// Settlement is an all-or-nothing batch: requirements are checked in order,
// then cash deltas and trades are applied. Trades are recorded at the current
// price of their ticker.
type Settlement struct {
	MarketID     string
	Requirements []Requirement
	Cash         []CashDelta
	Trades       []TradeRecord
}

type Store interface {
	Markets(ctx context.Context) ([]string, error)
	Settings(ctx context.Context, marketID string) (Settings, error)
	UpdateSetting(ctx context.Context, marketID, key string, value any) error

	SeedStocks(ctx context.Context, marketID string, seed []Stock) (int, error)
	ListStocks(ctx context.Context, marketID string) ([]Stock, error)
	Stock(ctx context.Context, marketID, ticker string) (Stock, error)
	AddStock(ctx context.Context, st Stock) error
	SetPrice(ctx context.Context, marketID, ticker string, price float64) error
	SetRisk(ctx context.Context, marketID, ticker string, risk Risk) error
	// TickPrices locks the market's stocks, hands them to fn and writes the
	// returned prices with their history rows in the same transaction. An
	// error from fn writes nothing.
	TickPrices(ctx context.Context, marketID string, fn PriceFunc) error
	PriceHistory(ctx context.Context, marketID, ticker string, limit int) ([]PricePoint, error)

	Account(ctx context.Context, marketID, userID string) (Account, error)
	CreateAccount(ctx context.Context, marketID, userID string, cash float64) (Account, error)
	AdjustCash(ctx context.Context, marketID, userID string, delta float64) error
	AppendTrade(ctx context.Context, tr TradeRecord) (TradeRecord, error)
	// Trades lists the market's trades newest first. An empty userID lists
	// every user.
	Trades(ctx context.Context, marketID, userID string, limit int) ([]TradeRecord, error)
	NetHolding(ctx context.Context, marketID, userID, ticker string) (int64, error)
	Holdings(ctx context.Context, marketID, userID string) ([]Holding, error)
	ExecuteOrder(ctx context.Context, o Order) (OrderResult, error)
	Settle(ctx context.Context, st Settlement) ([]TradeRecord, error)

	RebuildLeaderboard(ctx context.Context, marketID string, at time.Time) error
	Leaderboard(ctx context.Context, marketID string, limit int) ([]LeaderboardEntry, error)
}

func validateTrade(tr TradeRecord) error {
	if tr.Qty <= 0 {
		return ErrInvalidQuantity
	}
	if tr.Side != SideBuy && tr.Side != SideSell {
		return ErrInvalidSide
	}
	return nil
}

func validatePrice(price float64) error {
	if !(price > 0) {
		return ErrInvalidPrice
	}
	return nil
}

func partiesOf(st Settlement) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, r := range st.Requirements {
		add(r.UserID)
	}
	for _, c := range st.Cash {
		add(c.UserID)
	}
	for _, t := range st.Trades {
		add(t.UserID)
	}
	return out
}
