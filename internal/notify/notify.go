// Package notify carries outgoing market announcements to whatever surface
// is attached: the chat channel, websocket subscribers or the log.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

type Kind string

const (
	KindPricesUpdated Kind = "prices_updated"
	KindLeaderboard   Kind = "leaderboard"
	KindTrade         Kind = "trade"
)

type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Message struct {
	MarketID string  `json:"market_id"`
	Kind     Kind    `json:"kind"`
	Title    string  `json:"title,omitempty"`
	Text     string  `json:"text"`
	Fields   []Field `json:"fields,omitempty"`
	// Mentions are user ids the message concerns.
	Mentions []string `json:"mentions,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

type Func func(ctx context.Context, msg Message) error

func (f Func) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Log writes every message to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, msg Message) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "market", msg.MarketID, "kind", string(msg.Kind), "title", msg.Title, "text", msg.Text)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every message.
var Discard Notifier = Func(func(context.Context, Message) error { return nil })
