package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Pub/sub channels shared by the bot and the worker.
const (
	ChannelNotifications = "tex:notifications"
	ChannelTickRequests  = "tex:tick-requests"
)

// KindTickRequested asks whichever process runs the engines to tick a market.
const KindTickRequested Kind = "tick_requested"

// RedisBus publishes messages on a Redis channel and relays the ones it
// receives to a local notifier. It lets a split deployment announce from the
// worker through the bot's chat and websocket surfaces.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	log     *slog.Logger
}

func NewRedisBus(rdb *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{rdb: rdb, channel: channel, log: logger}
}

func (b *RedisBus) Notify(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.channel, err)
	}
	return nil
}

// Relay forwards every message published on the channel to sink until ctx is
// done. It returns an error only when the subscription cannot be set up.
func (b *RedisBus) Relay(ctx context.Context, sink Notifier) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.Warn("dropping malformed bus message", "channel", b.channel, "err", err)
				continue
			}
			if err := sink.Notify(ctx, msg); err != nil {
				b.log.Warn("relayed notification failed", "channel", b.channel, "market", msg.MarketID, "kind", string(msg.Kind), "err", err)
			}
		}
	}
}
