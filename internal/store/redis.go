package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// two hot read paths: stock listings and the leaderboard. Writes go to the
// primary and invalidate the affected keys; every other method is served by
// the embedded primary unchanged.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl, log: logger}
}

func stocksKey(marketID string) string {
	return fmt.Sprintf("texchange:stocks:%s", marketID)
}

func leaderboardKey(marketID string, limit int) string {
	return fmt.Sprintf("texchange:leaderboard:%s:%d", marketID, limit)
}

func leaderboardPattern(marketID string) string {
	return fmt.Sprintf("texchange:leaderboard:%s:*", marketID)
}

func (s *CachedStore) ListStocks(ctx context.Context, marketID string) ([]Stock, error) {
	var cached []Stock
	if s.get(ctx, stocksKey(marketID), &cached) {
		return cached, nil
	}
	stocks, err := s.Store.ListStocks(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, stocksKey(marketID), stocks)
	return stocks, nil
}

func (s *CachedStore) Leaderboard(ctx context.Context, marketID string, limit int) ([]LeaderboardEntry, error) {
	var cached []LeaderboardEntry
	key := leaderboardKey(marketID, limit)
	if s.get(ctx, key, &cached) {
		return cached, nil
	}
	rows, err := s.Store.Leaderboard(ctx, marketID, limit)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, rows)
	return rows, nil
}

func (s *CachedStore) SeedStocks(ctx context.Context, marketID string, seed []Stock) (int, error) {
	n, err := s.Store.SeedStocks(ctx, marketID, seed)
	if err == nil && n > 0 {
		s.invalidateStocks(ctx, marketID)
	}
	return n, err
}

func (s *CachedStore) AddStock(ctx context.Context, st Stock) error {
	if err := s.Store.AddStock(ctx, st); err != nil {
		return err
	}
	s.invalidateStocks(ctx, st.MarketID)
	return nil
}

func (s *CachedStore) SetPrice(ctx context.Context, marketID, ticker string, price float64) error {
	if err := s.Store.SetPrice(ctx, marketID, ticker, price); err != nil {
		return err
	}
	s.invalidateStocks(ctx, marketID)
	return nil
}

func (s *CachedStore) SetRisk(ctx context.Context, marketID, ticker string, risk Risk) error {
	if err := s.Store.SetRisk(ctx, marketID, ticker, risk); err != nil {
		return err
	}
	s.invalidateStocks(ctx, marketID)
	return nil
}

// TickPrices always reads through to the primary so a tick never computes
// from a cached snapshot.
func (s *CachedStore) TickPrices(ctx context.Context, marketID string, fn PriceFunc) error {
	if err := s.Store.TickPrices(ctx, marketID, fn); err != nil {
		return err
	}
	s.invalidateStocks(ctx, marketID)
	return nil
}

func (s *CachedStore) RebuildLeaderboard(ctx context.Context, marketID string, at time.Time) error {
	if err := s.Store.RebuildLeaderboard(ctx, marketID, at); err != nil {
		return err
	}
	iter := s.rdb.Scan(ctx, 0, leaderboardPattern(marketID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.log.Warn("leaderboard cache scan failed", "market", marketID, "err", err)
		return nil
	}
	if len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			s.log.Warn("leaderboard cache invalidation failed", "market", marketID, "err", err)
		}
	}
	return nil
}

func (s *CachedStore) invalidateStocks(ctx context.Context, marketID string) {
	if err := s.rdb.Del(ctx, stocksKey(marketID)).Err(); err != nil {
		s.log.Warn("stock cache invalidation failed", "market", marketID, "err", err)
	}
}

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.log.Debug("cache write failed", "key", key, "err", err)
	}
}
