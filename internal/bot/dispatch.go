package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"texchange/internal/metrics"
	"texchange/internal/p2p"
	"texchange/internal/store"
)

const internalErrorText = "⚠️ An internal error occurred. The issue has been logged."

// ErrUsage makes the dispatcher answer with the command's usage line.
var ErrUsage = errors.New("usage")

// Message is an incoming chat message, already attributed to a market.
type Message struct {
	MarketID  string
	ChannelID string
	UserID    string
	Admin     bool
	Content   string
}

type Dispatcher struct {
	reg    *Registry
	prefix string
	log    *slog.Logger
	before func(ctx context.Context, marketID string) error
}

type DispatcherOption func(*Dispatcher)

// WithBefore runs fn before every recognised command, e.g. to make sure the
// market exists.
func WithBefore(fn func(ctx context.Context, marketID string) error) DispatcherOption {
	return func(d *Dispatcher) { d.before = fn }
}

func NewDispatcher(reg *Registry, prefix string, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{reg: reg, prefix: prefix, log: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Prefix() string { return d.prefix }

// Parse splits content into a command name and arguments.
func (d *Dispatcher) Parse(content string) (string, []string, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, d.prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, d.prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// Dispatch runs the command in msg. It reports false when msg is not a known
// command. Handler errors are turned into replies here.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) (Reply, bool) {
	name, args, ok := d.Parse(msg.Content)
	if !ok {
		return Reply{}, false
	}
	cmd, ok := d.reg.Lookup(name)
	if !ok {
		return Reply{}, false
	}
	if cmd.Requires == AdminOnly && !msg.Admin {
		metrics.Commands.WithLabelValues(cmd.Name, "forbidden").Inc()
		return Reply{Text: "⛔ This command is for admins only.", Private: true}, true
	}
	if d.before != nil {
		if err := d.before(ctx, msg.MarketID); err != nil {
			return d.failure(cmd, msg, err), true
		}
	}

	req := Request{
		MarketID:  msg.MarketID,
		ChannelID: msg.ChannelID,
		UserID:    msg.UserID,
		Admin:     msg.Admin,
		Command:   cmd.Name,
		Args:      args,
	}
	reply, err := cmd.Handler(ctx, req)
	if err != nil {
		return d.failure(cmd, msg, err), true
	}
	metrics.Commands.WithLabelValues(cmd.Name, "ok").Inc()
	return reply, true
}

func (d *Dispatcher) failure(cmd Command, msg Message, err error) Reply {
	switch {
	case errors.Is(err, ErrUsage):
		metrics.Commands.WithLabelValues(cmd.Name, "usage").Inc()
		return Reply{Text: "❌ Usage: `" + d.prefix + cmd.Usage + "`"}
	case errors.Is(err, store.ErrValidation), errors.Is(err, store.ErrConflict):
		metrics.Commands.WithLabelValues(cmd.Name, "rejected").Inc()
		return Reply{Text: "❌ " + d.userText(err)}
	default:
		metrics.Commands.WithLabelValues(cmd.Name, "error").Inc()
		d.log.Error("command failed",
			"command", cmd.Name, "market", msg.MarketID, "user", msg.UserID, "err", err)
		return Reply{Text: internalErrorText}
	}
}

func (d *Dispatcher) userText(err error) string {
	var settle *p2p.SettlementError
	var short *store.ShortfallError
	switch {
	case errors.As(err, &settle):
		return capitalize(settle.Error())
	case errors.As(err, &short) && short.Ticker == "":
		return fmt.Sprintf("Insufficient funds: you have $%.2f but need $%.2f.", short.Have, short.Need)
	case errors.As(err, &short):
		return fmt.Sprintf("You only own %.0f shares of %s.", short.Have, short.Ticker)
	case errors.Is(err, store.ErrAccountNotFound):
		return "You don't have an account. Use `" + d.prefix + "register` first."
	case errors.Is(err, store.ErrAccountExists):
		return "You already have an account!"
	case errors.Is(err, store.ErrStockNotFound):
		return "Invalid stock ticker for this server."
	}
	return capitalize(err.Error())
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
