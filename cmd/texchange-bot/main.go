package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"texchange/internal/api"
	"texchange/internal/app"
	"texchange/internal/bot"
	"texchange/internal/config"
	"texchange/internal/market"
	"texchange/internal/notify"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err == nil {
		err = cfg.RequireDiscord()
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

	hub := api.NewHub(logger)
	defer hub.Close()

	// The Discord adapter needs the dispatcher, which needs the exchange,
	// which needs the notifier: bind the chat side late.
	var discord *bot.Discord
	chat := notify.Func(func(ctx context.Context, msg notify.Message) error {
		if discord == nil {
			return nil
		}
		return discord.Notify(ctx, msg)
	})
	notifier := notify.Multi{notify.Log{Logger: logger}, hub, chat}

	x := app.NewExchange(cfg, st, notifier, logger)

	// With the engines in texchange-worker, its announcements arrive over
	// Redis and admin ticks are sent back to it.
	var ticker market.Ticker = x.Engine
	if !cfg.Engines && rdb != nil {
		ticker = market.NewRemote(notify.NewRedisBus(rdb, notify.ChannelTickRequests, logger))
	}

	b := bot.New(x.Games, ticker, x.Board, x.Trades, cfg.Prefix, logger)
	discord, err = bot.NewDiscord(cfg.DiscordToken, b.Dispatcher(), x.Games.EnsureMarket, cfg.Channel, logger)
	if err != nil {
		logger.Error("discord init failed", "err", err)
		os.Exit(1)
	}
	if err := discord.Open(); err != nil {
		logger.Error("discord connect failed", "err", err)
		os.Exit(1)
	}
	defer discord.Close()

	if cfg.Engines {
		go x.RunEngines(ctx, cfg.SchedulerEvery)
	} else {
		go x.Trades.Run(ctx, cfg.SchedulerEvery)
		logger.Info("market engines disabled, expecting texchange-worker")
		if rdb == nil {
			logger.Warn("TEX_ENGINES=false without REDIS_URL: worker announcements will not reach chat and admin ticks run locally")
		} else {
			events := notify.NewRedisBus(rdb, notify.ChannelNotifications, logger)
			go func() {
				if err := events.Relay(ctx, notify.Multi{hub, chat}); err != nil {
					logger.Error("worker announcement relay stopped", "err", err)
				}
			}()
		}
	}

	server := api.New(cfg.AdminToken, logger, api.Services{
		Games:  x.Games,
		Engine: ticker,
		Board:  x.Board,
		Trades: x.Trades,
		Hub:    hub,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("texchange bot running", "addr", cfg.HTTPAddr, "channel", cfg.Channel, "prefix", cfg.Prefix)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
