package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"texchange/internal/game"
	"texchange/internal/leaderboard"
	"texchange/internal/market"
	"texchange/internal/metrics"
	"texchange/internal/p2p"
	"texchange/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultLeaderboardLimit = leaderboard.DefaultPostSize
	maxLeaderboardLimit     = 100
	recentTrades            = 10
)

// Services are the domain components the HTTP surface reads and drives.
type Services struct {
	Games  *game.Service
	Engine market.Ticker
	Board  *leaderboard.Cache
	Trades *p2p.Protocol
	Hub    *Hub
}

type Server struct {
	adminToken string
	log        *slog.Logger
	svc        Services
	mux        *chi.Mux
}

// New builds the read API. Admin routes answer 403 when adminToken is empty.
func New(adminToken string, logger *slog.Logger, svc Services) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		adminToken: adminToken,
		log:        logger,
		svc:        svc,
		mux:        chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", metrics.Handler())
	if s.svc.Hub != nil {
		r.Get("/v1/ws", s.svc.Hub.HandleWS)
	}

	r.Route("/v1/markets", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/", s.handleMarkets)

		r.Route("/{market}", func(r chi.Router) {
			r.Get("/stocks", s.handleStocks)
			r.Get("/stocks/{ticker}", s.handleStockDetail)
			r.Get("/leaderboard", s.handleLeaderboard)
			r.Get("/accounts/{user}", s.handleAccount)
			r.Get("/trades", s.handleTrades)

			r.Group(func(r chi.Router) {
				r.Use(s.adminMiddleware)
				r.Post("/tick", s.handleTick)
				r.Post("/leaderboard/rebuild", s.handleRebuild)
			})
		})
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin api disabled")
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Games.Markets(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

func (s *Server) handleStocks(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Games.Quotes(r.Context(), chi.URLParam(r, "market"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stocks": out})
}

func (s *Server) handleStockDetail(w http.ResponseWriter, r *http.Request) {
	points, err := queryInt(r, "points", game.TrendWindow, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.Games.StockDetail(r.Context(), chi.URLParam(r, "market"), chi.URLParam(r, "ticker"), points)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultLeaderboardLimit, 1, maxLeaderboardLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.Board.Top(r.Context(), chi.URLParam(r, "market"), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": out})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Games.Account(r.Context(), chi.URLParam(r, "market"), chi.URLParam(r, "user"), recentTrades)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	out := s.svc.Trades.Registry().List(chi.URLParam(r, "market"))
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "market")
	if err := s.svc.Games.EnsureMarket(r.Context(), marketID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out, err := s.svc.Engine.Tick(r.Context(), marketID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "market")
	if err := s.svc.Board.Rebuild(r.Context(), marketID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out, err := s.svc.Board.Top(r.Context(), marketID, maxLeaderboardLimit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": out})
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrStockNotFound), errors.Is(err, store.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrTxConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, errors.New(key + " must be between " + strconv.Itoa(lo) + " and " + strconv.Itoa(hi))
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
