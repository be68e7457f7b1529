// Package app assembles the exchange from configuration: the logger, the
// store stack and the background engines shared by the bot and the worker.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"texchange/internal/config"
	"texchange/internal/db"
	"texchange/internal/game"
	"texchange/internal/leaderboard"
	"texchange/internal/market"
	"texchange/internal/notify"
	"texchange/internal/p2p"
	"texchange/internal/store"
)

func NewLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
}

// OpenStore connects Postgres (or falls back to memory when no database is
// configured) and layers the Redis read cache on top when REDIS_URL is set.
// The returned func releases every connection.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	var (
		st      store.Store
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, state lives in memory only")
		st = store.NewMemoryStore()
	} else {
		pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns})
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			closeAll()
			return nil, nil, err
		}
		st = store.NewPostgresStore(pool, logger)
	}

	rdb, err := OpenRedis(ctx, cfg)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	if rdb != nil {
		closers = append(closers, func() { _ = rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL, logger)
		logger.Info("redis read cache enabled", "ttl", cfg.CacheTTL.String())
	}
	return st, closeAll, nil
}

// OpenRedis connects the client named by REDIS_URL. It returns nil when no
// Redis is configured.
func OpenRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Exchange is the wired domain: the economy, both engines and the trade
// protocol, all reporting to one notifier.
type Exchange struct {
	Games  *game.Service
	Engine *market.Engine
	Board  *leaderboard.Cache
	Trades *p2p.Protocol
}

func NewExchange(cfg config.Config, st store.Store, notifier notify.Notifier, logger *slog.Logger) *Exchange {
	engine := market.NewEngine(st, notifier, logger,
		market.WithConcurrency(cfg.TickConcurrency),
		market.WithFixedTarget(cfg.FixedTarget))
	return &Exchange{
		Games:  game.NewService(st, logger),
		Engine: engine,
		Board:  leaderboard.New(st, notifier, logger),
		Trades: p2p.New(nil, st, notifier, logger, p2p.WithIdleTimeout(cfg.SessionIdleTimeout)),
	}
}

// RunEngines drives the market and leaderboard schedulers and the session
// sweeper until ctx is done.
func (x *Exchange) RunEngines(ctx context.Context, every time.Duration) {
	var g errgroup.Group
	for _, run := range []func(context.Context, time.Duration){x.Engine.Run, x.Board.Run, x.Trades.Run} {
		g.Go(func() error {
			run(ctx, every)
			return nil
		})
	}
	_ = g.Wait()
}
