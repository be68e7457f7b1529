package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"texchange/internal/metrics"
	"texchange/internal/notify"
	"texchange/internal/store"
)

var (
	ErrSelfTrade        = store.Validation("you cannot trade with yourself")
	ErrAlreadyInSession = store.Conflict("you already have an open trade in this market")
	ErrNoSession        = store.Validation("you are not in a trade")
	ErrNoOpenSession    = store.Validation("no open trade to join")
	ErrOwnSession       = store.Validation("you cannot join your own trade")
	ErrNotAddressed     = store.Validation("that trade is addressed to someone else")
	ErrNotActive        = store.Validation("the trade has no second party yet")
	ErrSettling         = store.Conflict("the trade is already settling")
	ErrNotInitiator     = store.Validation("only the initiator can cancel a trade")
	ErrInvalidCash      = store.Validation("cash offer must be a non-negative amount")
	ErrInvalidQty       = store.Validation("share offer must be a non-negative whole number")
	ErrInvalidTicker    = store.Validation("ticker is required")
)

// SettlementError is returned when settlement is rejected. The session has
// been resolved as failed and nothing was persisted.
type SettlementError struct {
	Role   Role
	UserID string
	Ticker string
	Have   float64
	Need   float64
	Err    error
}

func (e *SettlementError) Error() string {
	var short *store.ShortfallError
	if !errors.As(e.Err, &short) {
		return fmt.Sprintf("trade failed: %v", e.Err)
	}
	if e.Ticker == "" {
		return fmt.Sprintf("trade failed: %s %s offered $%.2f but has only $%.2f (short $%.2f)",
			e.Role, e.UserID, e.Need, e.Have, e.Need-e.Have)
	}
	return fmt.Sprintf("trade failed: %s %s offered %.0f %s but holds only %.0f (short %.0f)",
		e.Role, e.UserID, e.Need, e.Ticker, e.Have, e.Need-e.Have)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Settler applies a settlement atomically.
type Settler interface {
	Settle(ctx context.Context, st store.Settlement) ([]store.TradeRecord, error)
}

type Outcome struct {
	Session Session             `json:"session"`
	Settled bool                `json:"settled"`
	Trades  []store.TradeRecord `json:"trades,omitempty"`
}

type Protocol struct {
	reg         *Registry
	store       Settler
	notifier    notify.Notifier
	log         *slog.Logger
	now         func() time.Time
	idleTimeout time.Duration
}

type Option func(*Protocol)

func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// WithIdleTimeout auto-cancels sessions idle for d. Zero keeps sessions
// until they are resolved explicitly.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Protocol) { p.idleTimeout = d }
}

func New(reg *Registry, st Settler, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Protocol {
	if reg == nil {
		reg = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	p := &Protocol{
		reg:      reg,
		store:    st,
		notifier: notifier,
		log:      logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Protocol) Registry() *Registry { return p.reg }

// Create opens a session. An empty target lets anyone join.
func (p *Protocol) Create(_ context.Context, marketID, initiator, target string) (Session, error) {
	if target == initiator {
		return Session{}, ErrSelfTrade
	}
	m := p.reg.market(marketID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.of(initiator); busy {
		return Session{}, ErrAlreadyInSession
	}
	now := p.now()
	s := &Session{
		ID:        uuid.NewString(),
		MarketID:  marketID,
		Initiator: initiator,
		Target:    target,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.add(s)
	return s.clone(), nil
}

// Join binds responder as the second party. With an empty initiator the
// oldest pending session addressed to responder is preferred, then the
// oldest open one.
func (p *Protocol) Join(_ context.Context, marketID, responder, initiator string) (Session, error) {
	if initiator != "" && initiator == responder {
		return Session{}, ErrOwnSession
	}
	m := p.reg.market(marketID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if own, busy := m.of(responder); busy {
		if own.Initiator == responder && own.State == StatePending && initiator == "" {
			return Session{}, ErrOwnSession
		}
		return Session{}, ErrAlreadyInSession
	}

	var s *Session
	if initiator != "" {
		cand, ok := m.of(initiator)
		if !ok || cand.Initiator != initiator || cand.State != StatePending {
			return Session{}, ErrNoOpenSession
		}
		if !cand.Open() && cand.Target != responder {
			return Session{}, ErrNotAddressed
		}
		s = cand
	} else {
		cand, ok := m.pendingFor(responder, true)
		if !ok {
			return Session{}, ErrNoOpenSession
		}
		s = cand
	}

	s.Responder = responder
	s.State = StateActive
	s.UpdatedAt = p.now()
	m.bind(s, responder)
	return s.clone(), nil
}

// OfferCash replaces the party's cash offer.
func (p *Protocol) OfferCash(_ context.Context, marketID, userID string, amount float64) (Session, error) {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Session{}, ErrInvalidCash
	}
	return p.mutateOffer(marketID, userID, func(o *Offer) {
		o.Cash = amount
	})
}

// OfferStock replaces the party's quantity for ticker; zero withdraws it.
func (p *Protocol) OfferStock(_ context.Context, marketID, userID, ticker string, qty int64) (Session, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return Session{}, ErrInvalidTicker
	}
	if qty < 0 {
		return Session{}, ErrInvalidQty
	}
	return p.mutateOffer(marketID, userID, func(o *Offer) {
		if qty == 0 {
			delete(o.Stocks, ticker)
			return
		}
		if o.Stocks == nil {
			o.Stocks = make(map[string]int64)
		}
		o.Stocks[ticker] = qty
	})
}

// mutateOffer applies fn to the caller's offer. Any change withdraws both
// acceptances so nobody is bound to terms they did not see.
func (p *Protocol) mutateOffer(marketID, userID string, fn func(*Offer)) (Session, error) {
	m := p.reg.market(marketID)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, role, err := p.activeSession(m, userID)
	if err != nil {
		return Session{}, err
	}
	fn(s.offerRef(role))
	s.InitiatorAccepted = false
	s.ResponderAccepted = false
	s.UpdatedAt = p.now()
	return s.clone(), nil
}

func (p *Protocol) activeSession(m *marketSessions, userID string) (*Session, Role, error) {
	s, ok := m.of(userID)
	if !ok {
		return nil, "", ErrNoSession
	}
	role, _ := s.RoleOf(userID)
	switch s.State {
	case StateActive:
		return s, role, nil
	case StateSettling:
		return nil, "", ErrSettling
	default:
		return nil, "", ErrNotActive
	}
}

// Accept records the party's acceptance and settles once both accepted.
// A settlement rejection resolves the session as failed and returns a
// *SettlementError. A transient store error leaves the session active with
// both acceptances in place, so either party may accept again to retry.
func (p *Protocol) Accept(ctx context.Context, marketID, userID string) (Outcome, error) {
	m := p.reg.market(marketID)
	m.mu.Lock()
	s, role, err := p.activeSession(m, userID)
	if err != nil {
		m.mu.Unlock()
		return Outcome{}, err
	}
	s.setAccepted(role, true)
	s.UpdatedAt = p.now()
	if !s.InitiatorAccepted || !s.ResponderAccepted {
		out := Outcome{Session: s.clone()}
		m.mu.Unlock()
		return out, nil
	}
	s.State = StateSettling
	snapshot := s.clone()
	m.mu.Unlock()

	trades, err := p.store.Settle(ctx, buildSettlement(snapshot))

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err == nil:
		s.State = StateCompleted
		s.UpdatedAt = p.now()
		m.remove(s)
		metrics.TradeSettlements.WithLabelValues("completed").Inc()
		p.log.Info("trade settled", "market", marketID, "session", s.ID, "initiator", s.Initiator, "responder", s.Responder, "trades", len(trades))
		return Outcome{Session: s.clone(), Settled: true, Trades: trades}, nil

	case errors.Is(err, store.ErrValidation):
		s.State = StateFailed
		s.UpdatedAt = p.now()
		m.remove(s)
		metrics.TradeSettlements.WithLabelValues("failed").Inc()
		serr := settlementError(snapshot, err)
		p.log.Info("trade settlement rejected", "market", marketID, "session", s.ID, "reason", serr.Error())
		return Outcome{Session: s.clone()}, serr

	default:
		s.State = StateActive
		s.UpdatedAt = p.now()
		metrics.TradeSettlements.WithLabelValues("retry").Inc()
		p.log.Error("trade settlement failed", "market", marketID, "session", s.ID, "err", err)
		return Outcome{Session: s.clone()}, fmt.Errorf("settle trade: %w", err)
	}
}

// Deny ends the session as denied. Either bound party may deny, as may the
// addressee of a pending session they have not joined.
func (p *Protocol) Deny(_ context.Context, marketID, userID string) (Session, error) {
	m := p.reg.market(marketID)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.of(userID)
	if !ok {
		s, ok = m.pendingFor(userID, false)
		if !ok {
			return Session{}, ErrNoSession
		}
	}
	return p.finish(m, s, StateDenied, "denied")
}

// Cancel ends the initiator's session as cancelled.
func (p *Protocol) Cancel(_ context.Context, marketID, userID string) (Session, error) {
	m := p.reg.market(marketID)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.of(userID)
	if !ok {
		return Session{}, ErrNoSession
	}
	if s.Initiator != userID {
		return Session{}, ErrNotInitiator
	}
	return p.finish(m, s, StateCancelled, "cancelled")
}

func (p *Protocol) finish(m *marketSessions, s *Session, state State, outcome string) (Session, error) {
	if s.State == StateSettling {
		return Session{}, ErrSettling
	}
	s.State = state
	s.UpdatedAt = p.now()
	m.remove(s)
	metrics.TradeSettlements.WithLabelValues(outcome).Inc()
	return s.clone(), nil
}

// Session returns the user's live session in the market.
func (p *Protocol) Session(marketID, userID string) (Session, bool) {
	m := p.reg.market(marketID)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.of(userID)
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Sweep cancels sessions idle for longer than the idle timeout and returns
// how many it cancelled.
func (p *Protocol) Sweep(ctx context.Context) int {
	if p.idleTimeout <= 0 {
		return 0
	}
	now := p.now()
	var expired []Session
	for _, id := range p.reg.marketIDs() {
		m := p.reg.market(id)
		m.mu.Lock()
		for _, s := range m.sessions {
			if s.State == StateSettling || now.Sub(s.UpdatedAt) < p.idleTimeout {
				continue
			}
			s.State = StateCancelled
			s.UpdatedAt = now
			m.remove(s)
			metrics.TradeSettlements.WithLabelValues("expired").Inc()
			expired = append(expired, s.clone())
		}
		m.mu.Unlock()
	}
	for _, s := range expired {
		mentions := []string{s.Initiator}
		if s.Responder != "" {
			mentions = append(mentions, s.Responder)
		}
		msg := notify.Message{
			MarketID: s.MarketID,
			Kind:     notify.KindTrade,
			Title:    "⌛ Trade expired",
			Text:     fmt.Sprintf("The trade started by <@%s> was cancelled after %s without activity.", s.Initiator, p.idleTimeout),
			Mentions: mentions,
		}
		if err := p.notifier.Notify(ctx, msg); err != nil {
			p.log.Warn("trade expiry notification failed", "market", s.MarketID, "session", s.ID, "err", err)
		}
	}
	return len(expired)
}

// Run sweeps idle sessions on each interval until ctx is done.
func (p *Protocol) Run(ctx context.Context, every time.Duration) {
	if p.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(ctx); n > 0 {
				p.log.Info("expired idle trades", "count", n)
			}
		}
	}
}

// buildSettlement checks stock holdings first, then cash, moves the net
// cash once and pairs a SELL with a BUY for every offered ticker.
func buildSettlement(s Session) store.Settlement {
	st := store.Settlement{MarketID: s.MarketID}
	parties := []struct {
		user, other string
		offer       Offer
	}{
		{s.Initiator, s.Responder, s.InitiatorOffer},
		{s.Responder, s.Initiator, s.ResponderOffer},
	}
	for _, p := range parties {
		for _, t := range p.offer.Tickers() {
			if qty := p.offer.Stocks[t]; qty > 0 {
				st.Requirements = append(st.Requirements, store.Requirement{UserID: p.user, Ticker: t, Amount: float64(qty)})
			}
		}
	}
	for _, p := range parties {
		if p.offer.Cash > 0 {
			st.Requirements = append(st.Requirements, store.Requirement{UserID: p.user, Amount: p.offer.Cash})
		}
	}
	if net := s.InitiatorOffer.Cash - s.ResponderOffer.Cash; net != 0 {
		st.Cash = []store.CashDelta{
			{UserID: s.Initiator, Delta: -net},
			{UserID: s.Responder, Delta: net},
		}
	}
	for _, p := range parties {
		for _, t := range p.offer.Tickers() {
			qty := p.offer.Stocks[t]
			if qty <= 0 {
				continue
			}
			st.Trades = append(st.Trades,
				store.TradeRecord{UserID: p.user, Ticker: t, Qty: qty, Side: store.SideSell},
				store.TradeRecord{UserID: p.other, Ticker: t, Qty: qty, Side: store.SideBuy},
			)
		}
	}
	return st
}

func settlementError(s Session, err error) *SettlementError {
	out := &SettlementError{Err: err}
	var short *store.ShortfallError
	if errors.As(err, &short) {
		out.UserID = short.UserID
		out.Ticker = short.Ticker
		out.Have = short.Have
		out.Need = short.Need
		if role, ok := s.RoleOf(short.UserID); ok {
			out.Role = role
		}
	}
	return out
}

// Summary describes both sides of a session in one line.
func Summary(s Session) string {
	return fmt.Sprintf("<@%s> gives %s; <@%s> gives %s",
		s.Initiator, s.InitiatorOffer, s.Responder, s.ResponderOffer)
}
