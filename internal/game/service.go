// Package game holds the player-facing economy operations of a market.
package game

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"texchange/internal/store"
)

type Service struct {
	store store.Store
	log   *slog.Logger

	mu     sync.Mutex
	seeded map[string]bool
}

func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		log:    logger,
		seeded: make(map[string]bool),
	}
}

// EnsureMarket seeds the default stocks of an empty market and creates its
// settings. It is cheap to call on every command.
func (s *Service) EnsureMarket(ctx context.Context, marketID string) error {
	s.mu.Lock()
	done := s.seeded[marketID]
	s.mu.Unlock()
	if done {
		return nil
	}
	n, err := s.store.SeedStocks(ctx, marketID, DefaultStocks)
	if err != nil {
		return fmt.Errorf("seed market: %w", err)
	}
	if _, err := s.store.Settings(ctx, marketID); err != nil {
		return fmt.Errorf("market settings: %w", err)
	}
	if n > 0 {
		s.log.Info("seeded market", "market", marketID, "stocks", n)
	}
	s.mu.Lock()
	s.seeded[marketID] = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Register(ctx context.Context, marketID, userID string) (store.Account, error) {
	if err := s.EnsureMarket(ctx, marketID); err != nil {
		return store.Account{}, err
	}
	settings, err := s.store.Settings(ctx, marketID)
	if err != nil {
		return store.Account{}, err
	}
	acc, err := s.store.CreateAccount(ctx, marketID, userID, settings.StartingMoney)
	if err != nil {
		return store.Account{}, err
	}
	s.log.Info("account registered", "market", marketID, "user", userID, "cash", acc.Cash)
	return acc, nil
}

func (s *Service) Balance(ctx context.Context, marketID, userID string) (float64, error) {
	acc, err := s.store.Account(ctx, marketID, userID)
	if err != nil {
		return 0, err
	}
	return acc.Cash, nil
}

func (s *Service) Buy(ctx context.Context, marketID, userID, ticker string, qty int64) (store.OrderResult, error) {
	return s.order(ctx, marketID, userID, ticker, qty, store.SideBuy)
}

func (s *Service) Sell(ctx context.Context, marketID, userID, ticker string, qty int64) (store.OrderResult, error) {
	return s.order(ctx, marketID, userID, ticker, qty, store.SideSell)
}

func (s *Service) order(ctx context.Context, marketID, userID, ticker string, qty int64, side store.Side) (store.OrderResult, error) {
	if qty <= 0 {
		return store.OrderResult{}, store.ErrInvalidQuantity
	}
	res, err := s.store.ExecuteOrder(ctx, store.Order{
		MarketID: marketID,
		UserID:   userID,
		Ticker:   NormalizeTicker(ticker),
		Qty:      qty,
		Side:     side,
	})
	if err != nil {
		return store.OrderResult{}, err
	}
	s.log.Info("order executed",
		"market", marketID, "user", userID, "ticker", res.Trade.Ticker,
		"side", side, "qty", qty, "price", res.Trade.Price)
	return res, nil
}

// Portfolio values the user's positive holdings at current prices.
func (s *Service) Portfolio(ctx context.Context, marketID, userID string) (Portfolio, error) {
	acc, err := s.store.Account(ctx, marketID, userID)
	if err != nil {
		return Portfolio{}, err
	}
	holdings, err := s.store.Holdings(ctx, marketID, userID)
	if err != nil {
		return Portfolio{}, fmt.Errorf("read holdings: %w", err)
	}
	out := Portfolio{
		MarketID:   marketID,
		UserID:     userID,
		Cash:       acc.Cash,
		Holdings:   make([]store.Holding, 0, len(holdings)),
		TotalValue: acc.Cash,
	}
	for _, h := range holdings {
		if h.Qty <= 0 {
			continue
		}
		out.Holdings = append(out.Holdings, h)
		out.TotalValue += h.Value()
	}
	return out, nil
}

// Markets lists every market with state, sorted by id.
func (s *Service) Markets(ctx context.Context) ([]string, error) {
	ids, err := s.store.Markets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	return ids, nil
}

// Account is the portfolio plus the user's most recent trades.
func (s *Service) Account(ctx context.Context, marketID, userID string, recent int) (AccountView, error) {
	p, err := s.Portfolio(ctx, marketID, userID)
	if err != nil {
		return AccountView{}, err
	}
	trades, err := s.store.Trades(ctx, marketID, userID, recent)
	if err != nil {
		return AccountView{}, fmt.Errorf("read trades: %w", err)
	}
	return AccountView{Portfolio: p, RecentTrades: trades}, nil
}

func (s *Service) Quotes(ctx context.Context, marketID string) ([]Quote, error) {
	stocks, err := s.store.ListStocks(ctx, marketID)
	if err != nil {
		return nil, err
	}
	out := make([]Quote, 0, len(stocks))
	for _, st := range stocks {
		q, err := s.quote(ctx, st)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (s *Service) quote(ctx context.Context, st store.Stock) (Quote, error) {
	hist, err := s.store.PriceHistory(ctx, st.MarketID, st.Ticker, AverageWindow)
	if err != nil {
		return Quote{}, fmt.Errorf("read history %s: %w", st.Ticker, err)
	}
	avg, ok := Average(hist, AverageWindow)
	return Quote{Stock: st, Average: avg, HasAverage: ok, Trend: TrendOf(st.Price, avg, ok)}, nil
}

func (s *Service) Price(ctx context.Context, marketID, ticker string) (store.Stock, error) {
	return s.store.Stock(ctx, marketID, NormalizeTicker(ticker))
}

// Trend returns the last TrendWindow prices of ticker, oldest first.
func (s *Service) Trend(ctx context.Context, marketID, ticker string) ([]store.PricePoint, error) {
	ticker = NormalizeTicker(ticker)
	if _, err := s.store.Stock(ctx, marketID, ticker); err != nil {
		return nil, err
	}
	return s.store.PriceHistory(ctx, marketID, ticker, TrendWindow)
}

func (s *Service) StockDetail(ctx context.Context, marketID, ticker string, points int) (StockDetail, error) {
	st, err := s.Price(ctx, marketID, ticker)
	if err != nil {
		return StockDetail{}, err
	}
	q, err := s.quote(ctx, st)
	if err != nil {
		return StockDetail{}, err
	}
	if points <= 0 {
		points = TrendWindow
	}
	series, err := s.store.PriceHistory(ctx, marketID, st.Ticker, points)
	if err != nil {
		return StockDetail{}, err
	}
	return StockDetail{Quote: q, Series: series}, nil
}

func (s *Service) AddStock(ctx context.Context, marketID, ticker, name string, price float64, risk string) (store.Stock, error) {
	ticker = NormalizeTicker(ticker)
	if err := ValidateTicker(ticker); err != nil {
		return store.Stock{}, err
	}
	if err := validateStockName(name); err != nil {
		return store.Stock{}, err
	}
	r, err := store.ParseRisk(risk)
	if err != nil {
		return store.Stock{}, err
	}
	st := store.Stock{MarketID: marketID, Ticker: ticker, Name: name, Price: price, Risk: r}
	if err := s.store.AddStock(ctx, st); err != nil {
		return store.Stock{}, err
	}
	s.log.Info("stock added", "market", marketID, "ticker", ticker, "price", price, "risk", r)
	return st, nil
}

func (s *Service) SetPrice(ctx context.Context, marketID, ticker string, price float64) error {
	ticker = NormalizeTicker(ticker)
	if err := s.store.SetPrice(ctx, marketID, ticker, price); err != nil {
		return err
	}
	s.log.Info("price overridden", "market", marketID, "ticker", ticker, "price", price)
	return nil
}

func (s *Service) SetRisk(ctx context.Context, marketID, ticker, risk string) error {
	r, err := store.ParseRisk(risk)
	if err != nil {
		return err
	}
	return s.store.SetRisk(ctx, marketID, NormalizeTicker(ticker), r)
}

func (s *Service) Settings(ctx context.Context, marketID string) (store.Settings, error) {
	return s.store.Settings(ctx, marketID)
}

// UpdateSetting parses raw for key and stores it.
func (s *Service) UpdateSetting(ctx context.Context, marketID, key, raw string) (store.Settings, error) {
	value, err := ParseSetting(key, raw)
	if err != nil {
		return store.Settings{}, err
	}
	if err := s.store.UpdateSetting(ctx, marketID, key, value); err != nil {
		return store.Settings{}, err
	}
	s.log.Info("setting updated", "market", marketID, "key", key, "value", value)
	return s.store.Settings(ctx, marketID)
}
