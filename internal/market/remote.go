package market

import (
	"context"
	"fmt"
	"time"

	"texchange/internal/notify"
)

// Ticker advances a market on demand.
type Ticker interface {
	Tick(ctx context.Context, marketID string) (TickResult, error)
}

// Remote asks the process that runs the engines to tick, so the schedule and
// momentum live in one place. Results are announced by that process.
type Remote struct {
	requests notify.Notifier
	now      func() time.Time
}

func NewRemote(requests notify.Notifier) *Remote {
	return &Remote{requests: requests, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Remote) Tick(ctx context.Context, marketID string) (TickResult, error) {
	res := TickResult{MarketID: marketID, At: r.now()}
	err := r.requests.Notify(ctx, notify.Message{
		MarketID: marketID,
		Kind:     notify.KindTickRequested,
		Text:     "tick requested",
	})
	if err != nil {
		return res, fmt.Errorf("request tick: %w", err)
	}
	res.Queued = true
	return res, nil
}

// TickRequests serves tick requests relayed from other processes.
func (e *Engine) TickRequests() notify.Notifier {
	return notify.Func(func(ctx context.Context, msg notify.Message) error {
		if msg.Kind != notify.KindTickRequested || msg.MarketID == "" {
			return nil
		}
		tctx, cancel := context.WithTimeout(ctx, e.tickTimeout)
		defer cancel()
		if _, err := e.Tick(tctx, msg.MarketID); err != nil {
			return fmt.Errorf("tick %s: %w", msg.MarketID, err)
		}
		e.log.Info("remote tick served", "market", msg.MarketID)
		return nil
	})
}
