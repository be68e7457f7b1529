package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store with in-memory maps. Every method holds the
// store lock for its whole duration, so multi-step operations are atomic.
// Used for tests and local runs without a database.
type MemoryStore struct {
	mu          sync.RWMutex
	now         func() time.Time
	settings    map[string]Settings
	stocks      map[string]map[string]Stock
	history     []PricePoint
	accounts    map[accountKey]Account
	trades      []TradeRecord
	leaderboard map[string][]LeaderboardEntry
	nextTradeID int64
}

type accountKey struct {
	market string
	user   string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         func() time.Time { return time.Now().UTC() },
		settings:    make(map[string]Settings),
		stocks:      make(map[string]map[string]Stock),
		accounts:    make(map[accountKey]Account),
		leaderboard: make(map[string][]LeaderboardEntry),
	}
}

// SetClock replaces the timestamp source used for history and trades.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Markets(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.settings))
	for id := range s.settings {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Settings(_ context.Context, marketID string) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settingsLocked(marketID), nil
}

func (s *MemoryStore) settingsLocked(marketID string) Settings {
	st, ok := s.settings[marketID]
	if !ok {
		st = DefaultSettings(marketID)
		s.settings[marketID] = st
	}
	return st
}

func (s *MemoryStore) UpdateSetting(_ context.Context, marketID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.settingsLocked(marketID).With(key, value)
	if err != nil {
		return err
	}
	s.settings[marketID] = next
	return nil
}

func (s *MemoryStore) SeedStocks(_ context.Context, marketID string, seed []Stock) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stocks[marketID]) > 0 {
		return 0, nil
	}
	for _, st := range seed {
		if err := validatePrice(st.Price); err != nil {
			return 0, err
		}
	}
	for _, st := range seed {
		st.MarketID = marketID
		s.putStockLocked(st)
		s.appendHistoryLocked(marketID, st.Ticker, st.Price)
	}
	return len(seed), nil
}

func (s *MemoryStore) putStockLocked(st Stock) {
	m, ok := s.stocks[st.MarketID]
	if !ok {
		m = make(map[string]Stock)
		s.stocks[st.MarketID] = m
	}
	m[st.Ticker] = st
}

func (s *MemoryStore) appendHistoryLocked(marketID, ticker string, price float64) {
	s.history = append(s.history, PricePoint{
		MarketID:   marketID,
		Ticker:     ticker,
		Price:      price,
		RecordedAt: s.now(),
	})
}

func (s *MemoryStore) ListStocks(_ context.Context, marketID string) ([]Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Stock, 0, len(s.stocks[marketID]))
	for _, st := range s.stocks[marketID] {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (s *MemoryStore) Stock(_ context.Context, marketID, ticker string) (Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stocks[marketID][ticker]
	if !ok {
		return Stock{}, ErrStockNotFound
	}
	return st, nil
}

func (s *MemoryStore) AddStock(_ context.Context, st Stock) error {
	if err := validatePrice(st.Price); err != nil {
		return err
	}
	if _, err := ParseRisk(string(st.Risk)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stocks[st.MarketID][st.Ticker]; ok {
		return ErrDuplicateTicker
	}
	s.putStockLocked(st)
	s.appendHistoryLocked(st.MarketID, st.Ticker, st.Price)
	return nil
}

func (s *MemoryStore) SetPrice(_ context.Context, marketID, ticker string, price float64) error {
	if err := validatePrice(price); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stocks[marketID][ticker]
	if !ok {
		return ErrStockNotFound
	}
	st.Price = price
	s.putStockLocked(st)
	s.appendHistoryLocked(marketID, ticker, price)
	return nil
}

func (s *MemoryStore) SetRisk(_ context.Context, marketID, ticker string, risk Risk) error {
	if _, err := ParseRisk(string(risk)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stocks[marketID][ticker]
	if !ok {
		return ErrStockNotFound
	}
	st.Risk = risk
	s.putStockLocked(st)
	return nil
}

func (s *MemoryStore) TickPrices(_ context.Context, marketID string, fn PriceFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stocks := make([]Stock, 0, len(s.stocks[marketID]))
	for _, st := range s.stocks[marketID] {
		stocks = append(stocks, st)
	}
	sort.Slice(stocks, func(i, j int) bool { return stocks[i].Ticker < stocks[j].Ticker })

	updates, err := fn(stocks)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err := validatePrice(u.Price); err != nil {
			return err
		}
		if _, ok := s.stocks[marketID][u.Ticker]; !ok {
			return ErrStockNotFound
		}
	}
	for _, u := range updates {
		st := s.stocks[marketID][u.Ticker]
		st.Price = u.Price
		s.putStockLocked(st)
		s.appendHistoryLocked(marketID, u.Ticker, u.Price)
	}
	return nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, marketID, ticker string, limit int) ([]PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PricePoint
	for i := len(s.history) - 1; i >= 0; i-- {
		p := s.history[i]
		if p.MarketID != marketID || p.Ticker != ticker {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MemoryStore) Account(_ context.Context, marketID, userID string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[accountKey{marketID, userID}]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, marketID, userID string, cash float64) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := accountKey{marketID, userID}
	if _, ok := s.accounts[key]; ok {
		return Account{}, ErrAccountExists
	}
	acc := Account{MarketID: marketID, UserID: userID, Cash: cash, CreatedAt: s.now()}
	s.accounts[key] = acc
	return acc, nil
}

func (s *MemoryStore) AdjustCash(_ context.Context, marketID, userID string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustCashLocked(marketID, userID, delta)
}

func (s *MemoryStore) adjustCashLocked(marketID, userID string, delta float64) error {
	key := accountKey{marketID, userID}
	acc, ok := s.accounts[key]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Cash += delta
	s.accounts[key] = acc
	return nil
}

func (s *MemoryStore) AppendTrade(_ context.Context, tr TradeRecord) (TradeRecord, error) {
	if err := validateTrade(tr); err != nil {
		return TradeRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendTradeLocked(tr), nil
}

func (s *MemoryStore) appendTradeLocked(tr TradeRecord) TradeRecord {
	s.nextTradeID++
	tr.ID = s.nextTradeID
	tr.ExecutedAt = s.now()
	s.trades = append(s.trades, tr)
	return tr
}

func (s *MemoryStore) Trades(_ context.Context, marketID, userID string, limit int) ([]TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TradeRecord
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if t.MarketID != marketID || (userID != "" && t.UserID != userID) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) NetHolding(_ context.Context, marketID, userID, ticker string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.netHoldingLocked(marketID, userID, ticker), nil
}

func (s *MemoryStore) netHoldingLocked(marketID, userID, ticker string) int64 {
	var n int64
	for _, t := range s.trades {
		if t.MarketID == marketID && t.UserID == userID && t.Ticker == ticker {
			n += t.Side.Signed(t.Qty)
		}
	}
	return n
}

func (s *MemoryStore) Holdings(_ context.Context, marketID, userID string) ([]Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	net := map[string]int64{}
	for _, t := range s.trades {
		if t.MarketID == marketID && t.UserID == userID {
			net[t.Ticker] += t.Side.Signed(t.Qty)
		}
	}
	out := make([]Holding, 0, len(net))
	for ticker, qty := range net {
		if qty == 0 {
			continue
		}
		h := Holding{Ticker: ticker, Name: ticker, Qty: qty}
		if st, ok := s.stocks[marketID][ticker]; ok {
			h.Name = st.Name
			h.Price = st.Price
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (s *MemoryStore) ExecuteOrder(_ context.Context, o Order) (OrderResult, error) {
	var out OrderResult
	if err := validateTrade(TradeRecord{Qty: o.Qty, Side: o.Side}); err != nil {
		return out, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stocks[o.MarketID][o.Ticker]
	if !ok {
		return out, ErrStockNotFound
	}
	acc, ok := s.accounts[accountKey{o.MarketID, o.UserID}]
	if !ok {
		return out, ErrAccountNotFound
	}
	holding := s.netHoldingLocked(o.MarketID, o.UserID, o.Ticker)
	cost := st.Price * float64(o.Qty)

	delta := cost
	switch o.Side {
	case SideBuy:
		if acc.Cash+moneyEpsilon < cost {
			return out, &ShortfallError{UserID: o.UserID, Have: acc.Cash, Need: cost}
		}
		delta = -cost
	case SideSell:
		if holding < o.Qty {
			return out, &ShortfallError{UserID: o.UserID, Ticker: o.Ticker, Have: float64(holding), Need: float64(o.Qty)}
		}
	}
	if err := s.adjustCashLocked(o.MarketID, o.UserID, delta); err != nil {
		return out, err
	}
	out.Trade = s.appendTradeLocked(TradeRecord{
		MarketID: o.MarketID,
		UserID:   o.UserID,
		Ticker:   o.Ticker,
		Qty:      o.Qty,
		Side:     o.Side,
		Price:    st.Price,
	})
	out.Cash = acc.Cash + delta
	out.Holding = holding + o.Side.Signed(o.Qty)
	return out, nil
}

func (s *MemoryStore) Settle(_ context.Context, st Settlement) ([]TradeRecord, error) {
	for _, tr := range st.Trades {
		if err := validateTrade(tr); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range partiesOf(st) {
		if _, ok := s.accounts[accountKey{st.MarketID, id}]; !ok {
			return nil, Validationf("account not found for user %s", id)
		}
	}
	for _, r := range st.Requirements {
		if r.Ticker == "" {
			have := s.accounts[accountKey{st.MarketID, r.UserID}].Cash
			if have+moneyEpsilon < r.Amount {
				return nil, &ShortfallError{UserID: r.UserID, Have: have, Need: r.Amount}
			}
			continue
		}
		have := s.netHoldingLocked(st.MarketID, r.UserID, r.Ticker)
		if float64(have) < r.Amount {
			return nil, &ShortfallError{UserID: r.UserID, Ticker: r.Ticker, Have: float64(have), Need: r.Amount}
		}
	}
	prices := map[string]float64{}
	for _, tr := range st.Trades {
		stock, ok := s.stocks[st.MarketID][tr.Ticker]
		if !ok {
			return nil, ErrStockNotFound
		}
		prices[tr.Ticker] = stock.Price
	}

	for _, c := range st.Cash {
		if err := s.adjustCashLocked(st.MarketID, c.UserID, c.Delta); err != nil {
			return nil, err
		}
	}
	groupID := uuid.NewString()
	out := make([]TradeRecord, 0, len(st.Trades))
	for _, tr := range st.Trades {
		tr.MarketID = st.MarketID
		tr.GroupID = groupID
		tr.Price = prices[tr.Ticker]
		out = append(out, s.appendTradeLocked(tr))
	}
	return out, nil
}

func (s *MemoryStore) RebuildLeaderboard(_ context.Context, marketID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := map[string]float64{}
	for key, acc := range s.accounts {
		if key.market == marketID {
			totals[key.user] = acc.Cash
		}
	}
	for _, t := range s.trades {
		if t.MarketID != marketID {
			continue
		}
		if _, ok := totals[t.UserID]; !ok {
			continue
		}
		if st, ok := s.stocks[marketID][t.Ticker]; ok {
			totals[t.UserID] += float64(t.Side.Signed(t.Qty)) * st.Price
		}
	}
	rows := make([]LeaderboardEntry, 0, len(totals))
	for user, total := range totals {
		rows = append(rows, LeaderboardEntry{MarketID: marketID, UserID: user, TotalValue: total, LastUpdated: at})
	}
	sortLeaderboard(rows)
	s.leaderboard[marketID] = rows
	return nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, marketID string, limit int) ([]LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.leaderboard[marketID]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return append([]LeaderboardEntry(nil), rows...), nil
}

func sortLeaderboard(rows []LeaderboardEntry) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalValue != rows[j].TotalValue {
			return rows[i].TotalValue > rows[j].TotalValue
		}
		return rows[i].UserID < rows[j].UserID
	})
}
