// Package market runs the per-market price simulation.
package market

import (
	"context"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"texchange/internal/metrics"
	"texchange/internal/notify"
	"texchange/internal/store"
)

// Store is the slice of the ledger the engine needs.
type Store interface {
	Markets(ctx context.Context) ([]string, error)
	Settings(ctx context.Context, marketID string) (store.Settings, error)
	TickPrices(ctx context.Context, marketID string, fn store.PriceFunc) error
}

type PriceChange struct {
	Ticker string  `json:"ticker"`
	Old    float64 `json:"old"`
	New    float64 `json:"new"`
}

type TickResult struct {
	MarketID  string        `json:"market_id"`
	Target    float64       `json:"target"`
	Sentiment float64       `json:"sentiment"`
	Changes   []PriceChange `json:"changes"`
	At        time.Time     `json:"at"`
	// Queued reports a tick handed to another process; Changes is empty.
	Queued bool `json:"queued,omitempty"`
}

type Engine struct {
	store       Store
	notifier    notify.Notifier
	log         *slog.Logger
	policy      Policy
	now         func() time.Time
	fixedTarget bool
	concurrency int
	tickTimeout time.Duration

	randMu sync.Mutex
	rand   Source

	mu      sync.Mutex
	markets map[string]*marketState
}

type marketState struct {
	tickMu     sync.Mutex
	lastUpdate time.Time
	momentum   map[string]float64
}

type Option func(*Engine)

func WithSource(src Source) Option {
	return func(e *Engine) { e.rand = src }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithFixedTarget makes ticks revert toward the configured target_price
// setting instead of the median of current prices.
func WithFixedTarget(fixed bool) Option {
	return func(e *Engine) { e.fixedTarget = fixed }
}

// WithConcurrency bounds how many markets tick in parallel.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func NewEngine(st Store, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	e := &Engine{
		store:       st,
		notifier:    notifier,
		log:         logger,
		policy:      DefaultPolicy,
		now:         func() time.Time { return time.Now().UTC() },
		concurrency: 4,
		tickTimeout: 30 * time.Second,
		rand:        mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
		markets:     make(map[string]*marketState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run checks every market on each interval until ctx is done.
func (e *Engine) Run(ctx context.Context, every time.Duration) {
	e.RunDue(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunDue(ctx)
		}
	}
}

// RunDue ticks every market whose update interval has elapsed. Failures are
// logged per market and retried on the next pass.
func (e *Engine) RunDue(ctx context.Context) {
	ids, err := e.store.Markets(ctx)
	if err != nil {
		e.log.Error("list markets failed", "err", err)
		return
	}
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, e.tickTimeout)
			defer cancel()
			settings, err := e.store.Settings(tctx, id)
			if err != nil {
				e.log.Error("market settings read failed", "market", id, "err", err)
				return nil
			}
			if !e.Due(id, settings, e.now()) {
				return nil
			}
			if _, err := e.tick(tctx, id, settings); err != nil {
				e.log.Error("market tick failed", "market", id, "err", err)
				return nil
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Due reports whether the market's update interval has elapsed.
func (e *Engine) Due(marketID string, settings store.Settings, now time.Time) bool {
	st := e.state(marketID)
	e.mu.Lock()
	last := st.lastUpdate
	e.mu.Unlock()
	if last.IsZero() {
		return true
	}
	rate := settings.MarketUpdateRate
	if rate < 1 {
		rate = 1
	}
	return now.Sub(last) >= time.Duration(rate)*time.Hour
}

// Tick advances the market immediately regardless of its schedule.
func (e *Engine) Tick(ctx context.Context, marketID string) (TickResult, error) {
	settings, err := e.store.Settings(ctx, marketID)
	if err != nil {
		return TickResult{MarketID: marketID}, fmt.Errorf("read settings: %w", err)
	}
	return e.tick(ctx, marketID, settings)
}

// Momentum returns the current momentum of a ticker.
func (e *Engine) Momentum(marketID, ticker string) float64 {
	st := e.state(marketID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return st.momentum[ticker]
}

func (e *Engine) tick(ctx context.Context, marketID string, settings store.Settings) (TickResult, error) {
	start := time.Now()
	res, err := e.advance(ctx, marketID, settings)
	metrics.MarketTickDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MarketTicks.WithLabelValues("error").Inc()
		return res, err
	}
	metrics.MarketTicks.WithLabelValues("ok").Inc()
	for _, c := range res.Changes {
		metrics.StockPrice.WithLabelValues(marketID, c.Ticker).Set(c.New)
	}
	e.announce(ctx, res)
	return res, nil
}

func (e *Engine) advance(ctx context.Context, marketID string, settings store.Settings) (TickResult, error) {
	st := e.state(marketID)
	st.tickMu.Lock()
	defer st.tickMu.Unlock()

	e.mu.Lock()
	prevMomentum := make(map[string]float64, len(st.momentum))
	for k, v := range st.momentum {
		prevMomentum[k] = v
	}
	e.mu.Unlock()

	at := e.now()
	var (
		res          TickResult
		nextMomentum map[string]float64
	)
	// The store may retry the transaction, so every call starts over.
	err := e.store.TickPrices(ctx, marketID, func(stocks []store.Stock) ([]store.PriceUpdate, error) {
		res = TickResult{MarketID: marketID, At: at}
		nextMomentum = make(map[string]float64, len(stocks))
		if len(stocks) == 0 {
			return nil, nil
		}

		prices := make([]float64, len(stocks))
		for i, s := range stocks {
			prices[i] = s.Price
		}
		res.Target = Median(prices)
		if e.fixedTarget && settings.TargetPrice > 0 {
			res.Target = settings.TargetPrice
		}
		res.Sentiment = e.uniform(-e.policy.SentimentBand, e.policy.SentimentBand)

		updates := make([]store.PriceUpdate, 0, len(stocks))
		for _, s := range stocks {
			lo, hi := RiskRange(s.Risk)
			step := e.policy.Step(StepInput{
				Price:     s.Price,
				Raw:       e.uniform(lo, hi),
				Sentiment: res.Sentiment,
				Target:    res.Target,
				Bias:      settings.MarketBias,
				Momentum:  prevMomentum[s.Ticker],
			})
			updates = append(updates, store.PriceUpdate{Ticker: s.Ticker, Price: step.Price})
			nextMomentum[s.Ticker] = step.Momentum
			res.Changes = append(res.Changes, PriceChange{Ticker: s.Ticker, Old: s.Price, New: step.Price})
		}
		return updates, nil
	})
	if err != nil {
		return TickResult{MarketID: marketID, At: at}, fmt.Errorf("apply prices: %w", err)
	}

	e.mu.Lock()
	if len(res.Changes) > 0 {
		st.momentum = nextMomentum
	}
	st.lastUpdate = at
	e.mu.Unlock()
	return res, nil
}

func (e *Engine) announce(ctx context.Context, res TickResult) {
	if len(res.Changes) == 0 {
		return
	}
	fields := make([]notify.Field, 0, len(res.Changes))
	for _, c := range res.Changes {
		fields = append(fields, notify.Field{
			Name:  c.Ticker,
			Value: fmt.Sprintf("$%.2f → $%.2f", c.Old, c.New),
		})
	}
	msg := notify.Message{
		MarketID: res.MarketID,
		Kind:     notify.KindPricesUpdated,
		Title:    "Market update",
		Text:     "📈 The market has been updated! Check new prices with `!stocks`.",
		Fields:   fields,
	}
	if err := e.notifier.Notify(ctx, msg); err != nil {
		e.log.Warn("market update notification failed", "market", res.MarketID, "err", err)
	}
}

func (e *Engine) state(marketID string) *marketState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.markets[marketID]
	if !ok {
		st = &marketState{momentum: make(map[string]float64)}
		e.markets[marketID] = st
	}
	return st
}

func (e *Engine) uniform(lo, hi float64) float64 {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return uniform(e.rand, lo, hi)
}
