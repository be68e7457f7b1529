// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MarketTicks counts simulation ticks by result (ok, error).
	MarketTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "texchange_market_ticks_total",
		Help: "Market simulation ticks by result",
	}, []string{"result"})

	MarketTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "texchange_market_tick_seconds",
		Help:    "Duration of one market tick",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	// StockPrice is the latest simulated price per market and ticker.
	StockPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "texchange_stock_price",
		Help: "Latest stock price",
	}, []string{"market", "ticker"})

	LeaderboardRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "texchange_leaderboard_rebuilds_total",
		Help: "Leaderboard cache rebuilds by result",
	}, []string{"result"})

	TradeSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "texchange_trade_sessions_active",
		Help: "Open P2P trade sessions across all markets",
	})

	// TradeSettlements counts finished P2P sessions by outcome
	// (completed, failed, denied, cancelled, expired, retry).
	TradeSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "texchange_trade_settlements_total",
		Help: "P2P trade session outcomes",
	}, []string{"outcome"})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "texchange_commands_total",
		Help: "Chat commands handled by command and result",
	}, []string{"command", "result"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "texchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "texchange_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "route"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
