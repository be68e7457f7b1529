package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"texchange/internal/app"
	"texchange/internal/config"
	"texchange/internal/notify"
)

// texchange-worker runs the market and leaderboard engines against the
// shared database so the bot can run with TEX_ENGINES=false.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err == nil {
		err = cfg.RequireDatabase()
	}
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	st, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	rdb, err := app.OpenRedis(ctx, cfg)
	if err != nil {
		logger.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// Announcements go to the bot over Redis; without it they only reach
	// the log.
	var notifier notify.Notifier = notify.Log{Logger: logger}
	if rdb != nil {
		notifier = notify.Multi{notifier, notify.NewRedisBus(rdb, notify.ChannelNotifications, logger)}
	} else {
		logger.Warn("REDIS_URL not set, announcements stay in the worker log")
	}
	x := app.NewExchange(cfg, st, notifier, logger)

	if cfg.RunOnce {
		x.Engine.RunDue(ctx)
		x.Board.RunDue(ctx)
		logger.Info("worker run-once completed")
		return
	}

	logger.Info("worker started", "every", cfg.SchedulerEvery.String(), "concurrency", cfg.TickConcurrency)
	var g errgroup.Group
	g.Go(func() error {
		x.Engine.Run(ctx, cfg.SchedulerEvery)
		return nil
	})
	g.Go(func() error {
		x.Board.Run(ctx, cfg.SchedulerEvery)
		return nil
	})
	if rdb != nil {
		g.Go(func() error {
			requests := notify.NewRedisBus(rdb, notify.ChannelTickRequests, logger)
			if err := requests.Relay(ctx, x.Engine.TickRequests()); err != nil {
				logger.Error("tick request relay stopped", "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	logger.Info("worker shutdown")
}
