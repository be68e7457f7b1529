// Package p2p implements two-party barter sessions with atomic settlement
// against the ledger.
package p2p

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"texchange/internal/metrics"
)

type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateSettling  State = "settling"
	StateCompleted State = "completed"
	StateDenied    State = "denied"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateDenied, StateCancelled, StateFailed:
		return true
	}
	return false
}

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Offer is what one party puts on the table. Stocks maps ticker to quantity.
type Offer struct {
	Cash   float64          `json:"cash"`
	Stocks map[string]int64 `json:"stocks,omitempty"`
}

func (o Offer) Empty() bool {
	return o.Cash == 0 && len(o.Stocks) == 0
}

func (o Offer) Tickers() []string {
	out := make([]string, 0, len(o.Stocks))
	for t := range o.Stocks {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (o Offer) String() string {
	var parts []string
	if o.Cash > 0 {
		parts = append(parts, fmt.Sprintf("$%.2f", o.Cash))
	}
	for _, t := range o.Tickers() {
		parts = append(parts, fmt.Sprintf("%d×%s", o.Stocks[t], t))
	}
	if len(parts) == 0 {
		return "nothing"
	}
	return strings.Join(parts, ", ")
}

func (o Offer) clone() Offer {
	out := Offer{Cash: o.Cash}
	if len(o.Stocks) > 0 {
		out.Stocks = make(map[string]int64, len(o.Stocks))
		for k, v := range o.Stocks {
			out.Stocks[k] = v
		}
	}
	return out
}

// Session is one negotiation. Snapshots returned by the protocol are copies.
type Session struct {
	ID                string    `json:"id"`
	MarketID          string    `json:"market_id"`
	Initiator         string    `json:"initiator"`
	Responder         string    `json:"responder,omitempty"`
	Target            string    `json:"target,omitempty"`
	State             State     `json:"state"`
	InitiatorOffer    Offer     `json:"initiator_offer"`
	ResponderOffer    Offer     `json:"responder_offer"`
	InitiatorAccepted bool      `json:"initiator_accepted"`
	ResponderAccepted bool      `json:"responder_accepted"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Open reports whether anyone may join.
func (s Session) Open() bool { return s.Target == "" }

func (s Session) RoleOf(userID string) (Role, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == s.Initiator:
		return RoleInitiator, true
	case userID == s.Responder:
		return RoleResponder, true
	}
	return "", false
}

func (s Session) Party(r Role) string {
	if r == RoleResponder {
		return s.Responder
	}
	return s.Initiator
}

func (s Session) Offer(r Role) Offer {
	if r == RoleResponder {
		return s.ResponderOffer
	}
	return s.InitiatorOffer
}

func (s Session) Accepted(r Role) bool {
	if r == RoleResponder {
		return s.ResponderAccepted
	}
	return s.InitiatorAccepted
}

func (s *Session) offerRef(r Role) *Offer {
	if r == RoleResponder {
		return &s.ResponderOffer
	}
	return &s.InitiatorOffer
}

func (s *Session) setAccepted(r Role, v bool) {
	if r == RoleResponder {
		s.ResponderAccepted = v
		return
	}
	s.InitiatorAccepted = v
}

func (s Session) clone() Session {
	s.InitiatorOffer = s.InitiatorOffer.clone()
	s.ResponderOffer = s.ResponderOffer.clone()
	return s
}

// Registry holds live sessions, namespaced per market. Each market has its
// own lock so markets never contend with each other.
type Registry struct {
	mu      sync.Mutex
	markets map[string]*marketSessions
}

type marketSessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// byUser binds initiators and joined responders to their session.
	byUser map[string]string
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*marketSessions)}
}

func (r *Registry) market(id string) *marketSessions {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[id]
	if !ok {
		m = &marketSessions{
			sessions: make(map[string]*Session),
			byUser:   make(map[string]string),
		}
		r.markets[id] = m
	}
	return m
}

func (r *Registry) marketIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.markets))
	for id := range r.markets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// List returns snapshots of the market's live sessions, oldest first.
func (r *Registry) List(marketID string) []Session {
	m := r.market(marketID)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	sortSessions(out)
	return out
}

// Len counts live sessions across markets.
func (r *Registry) Len() int {
	n := 0
	for _, id := range r.marketIDs() {
		m := r.market(id)
		m.mu.Lock()
		n += len(m.sessions)
		m.mu.Unlock()
	}
	return n
}

func (m *marketSessions) add(s *Session) {
	m.sessions[s.ID] = s
	m.byUser[s.Initiator] = s.ID
	metrics.TradeSessionsActive.Inc()
}

func (m *marketSessions) bind(s *Session, userID string) {
	m.byUser[userID] = s.ID
}

func (m *marketSessions) remove(s *Session) {
	if _, ok := m.sessions[s.ID]; !ok {
		return
	}
	delete(m.sessions, s.ID)
	for _, u := range []string{s.Initiator, s.Responder} {
		if u != "" && m.byUser[u] == s.ID {
			delete(m.byUser, u)
		}
	}
	metrics.TradeSessionsActive.Dec()
}

func (m *marketSessions) of(userID string) (*Session, bool) {
	id, ok := m.byUser[userID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// pendingFor returns the oldest pending session addressed to userID, or
// failing that the oldest open one.
func (m *marketSessions) pendingFor(userID string, includeOpen bool) (*Session, bool) {
	var targeted, open []*Session
	for _, s := range m.sessions {
		if s.State != StatePending || s.Initiator == userID {
			continue
		}
		switch {
		case s.Target == userID:
			targeted = append(targeted, s)
		case s.Target == "" && includeOpen:
			open = append(open, s)
		}
	}
	for _, group := range [][]*Session{targeted, open} {
		if len(group) == 0 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return lessSession(*group[i], *group[j]) })
		return group[0], true
	}
	return nil, false
}

func sortSessions(s []Session) {
	sort.Slice(s, func(i, j int) bool { return lessSession(s[i], s[j]) })
}

func lessSession(a, b Session) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
