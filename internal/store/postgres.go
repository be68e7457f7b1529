package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

type PostgresStore struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func NewPostgresStore(db *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, log: logger}
}

func (s *PostgresStore) Markets(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT market_id FROM market_settings ORDER BY market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Settings(ctx context.Context, marketID string) (Settings, error) {
	out := Settings{MarketID: marketID}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO market_settings (market_id) VALUES ($1)
		ON CONFLICT (market_id) DO NOTHING
	`, marketID); err != nil {
		return out, fmt.Errorf("ensure settings: %w", err)
	}
	err := s.db.QueryRow(ctx, `
		SELECT leaderboard_post_time, leaderboard_update_rate, market_update_rate,
		       starting_money, secret_profiles, market_bias, target_price
		FROM market_settings
		WHERE market_id = $1
	`, marketID).Scan(
		&out.LeaderboardPostTime,
		&out.LeaderboardUpdateRate,
		&out.MarketUpdateRate,
		&out.StartingMoney,
		&out.SecretProfiles,
		&out.MarketBias,
		&out.TargetPrice,
	)
	return out, err
}

func (s *PostgresStore) UpdateSetting(ctx context.Context, marketID, key string, value any) error {
	// Type-check against the in-memory model before touching SQL.
	if _, err := DefaultSettings(marketID).With(key, value); err != nil {
		return err
	}
	if _, err := s.Settings(ctx, marketID); err != nil {
		return err
	}
	sql := fmt.Sprintf(`UPDATE market_settings SET %s = $1 WHERE market_id = $2`, pq.QuoteIdentifier(key))
	_, err := s.db.Exec(ctx, sql, value, marketID)
	return err
}

func (s *PostgresStore) SeedStocks(ctx context.Context, marketID string, seed []Stock) (int, error) {
	inserted := 0
	err := s.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		inserted = 0
		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM stocks WHERE market_id = $1`, marketID).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		for _, st := range seed {
			if err := validatePrice(st.Price); err != nil {
				return err
			}
			cmd, err := tx.Exec(ctx, `
				INSERT INTO stocks (market_id, ticker, name, price, risk)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (market_id, ticker) DO NOTHING
			`, marketID, st.Ticker, st.Name, st.Price, string(st.Risk))
			if err != nil {
				return err
			}
			if cmd.RowsAffected() == 0 {
				continue
			}
			if err := insertHistoryTx(ctx, tx, marketID, st.Ticker, st.Price); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	return inserted, err
}

func (s *PostgresStore) ListStocks(ctx context.Context, marketID string) ([]Stock, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ticker, name, price, risk
		FROM stocks
		WHERE market_id = $1
		ORDER BY ticker
	`, marketID)
	if err != nil {
		return nil, err
	}
	return scanStocks(rows, marketID)
}

func scanStocks(rows pgx.Rows, marketID string) ([]Stock, error) {
	defer rows.Close()
	var out []Stock
	for rows.Next() {
		st := Stock{MarketID: marketID}
		var risk string
		if err := rows.Scan(&st.Ticker, &st.Name, &st.Price, &risk); err != nil {
			return nil, err
		}
		st.Risk = Risk(risk)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stock(ctx context.Context, marketID, ticker string) (Stock, error) {
	st := Stock{MarketID: marketID, Ticker: ticker}
	var risk string
	err := s.db.QueryRow(ctx, `
		SELECT name, price, risk FROM stocks WHERE market_id = $1 AND ticker = $2
	`, marketID, ticker).Scan(&st.Name, &st.Price, &risk)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, ErrStockNotFound
	}
	st.Risk = Risk(risk)
	return st, err
}

func (s *PostgresStore) AddStock(ctx context.Context, st Stock) error {
	if err := validatePrice(st.Price); err != nil {
		return err
	}
	if _, err := ParseRisk(string(st.Risk)); err != nil {
		return err
	}
	return s.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, `
			INSERT INTO stocks (market_id, ticker, name, price, risk)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (market_id, ticker) DO NOTHING
		`, st.MarketID, st.Ticker, st.Name, st.Price, string(st.Risk))
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrDuplicateTicker
		}
		return insertHistoryTx(ctx, tx, st.MarketID, st.Ticker, st.Price)
	})
}

func (s *PostgresStore) SetPrice(ctx context.Context, marketID, ticker string, price float64) error {
	if err := validatePrice(price); err != nil {
		return err
	}
	return s.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return setPriceTx(ctx, tx, marketID, ticker, price)
	})
}

func (s *PostgresStore) SetRisk(ctx context.Context, marketID, ticker string, risk Risk) error {
	if _, err := ParseRisk(string(risk)); err != nil {
		return err
	}
	cmd, err := s.db.Exec(ctx, `
		UPDATE stocks SET risk = $1 WHERE market_id = $2 AND ticker = $3
	`, string(risk), marketID, ticker)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStockNotFound
	}
	return nil
}

func (s *PostgresStore) TickPrices(ctx context.Context, marketID string, fn PriceFunc) error {
	return s.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT ticker, name, price, risk
			FROM stocks
			WHERE market_id = $1
			ORDER BY ticker
			FOR UPDATE
		`, marketID)
		if err != nil {
			return fmt.Errorf("lock stocks: %w", err)
		}
		stocks, err := scanStocks(rows, marketID)
		if err != nil {
			return fmt.Errorf("lock stocks: %w", err)
		}
		updates, err := fn(stocks)
		if err != nil {
			return err
		}
		for _, u := range updates {
			if err := validatePrice(u.Price); err != nil {
				return err
			}
			if err := setPriceTx(ctx, tx, marketID, u.Ticker, u.Price); err != nil {
				return fmt.Errorf("update %s: %w", u.Ticker, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) PriceHistory(ctx context.Context, marketID, ticker string, limit int) ([]PricePoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT price, recorded_at
		FROM (
			SELECT id, price, recorded_at
			FROM price_history
			WHERE market_id = $1 AND ticker = $2
			ORDER BY id DESC
			LIMIT $3
		) h
		ORDER BY id ASC
	`, marketID, ticker, nullableLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PricePoint
	for rows.Next() {
		p := PricePoint{MarketID: marketID, Ticker: ticker}
		if err := rows.Scan(&p.Price, &p.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Account(ctx context.Context, marketID, userID string) (Account, error) {
	acc := Account{MarketID: marketID, UserID: userID}
	err := s.db.QueryRow(ctx, `
		SELECT cash, created_at FROM users WHERE market_id = $1 AND external_id = $2
	`, marketID, userID).Scan(&acc.Cash, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return acc, ErrAccountNotFound
	}
	return acc, err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, marketID, userID string, cash float64) (Account, error) {
	acc := Account{MarketID: marketID, UserID: userID, Cash: cash}
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (market_id, external_id, cash)
		VALUES ($1, $2, $3)
		ON CONFLICT (market_id, external_id) DO NOTHING
		RETURNING created_at
	`, marketID, userID, cash).Scan(&acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return acc, ErrAccountExists
	}
	return acc, err
}

func (s *PostgresStore) AdjustCash(ctx context.Context, marketID, userID string, delta float64) error {
	return adjustCashTx(ctx, s.db, marketID, userID, delta)
}

func (s *PostgresStore) AppendTrade(ctx context.Context, tr TradeRecord) (TradeRecord, error) {
	if err := validateTrade(tr); err != nil {
		return tr, err
	}
	err := insertTradeTx(ctx, s.db, &tr)
	return tr, err
}

func (s *PostgresStore) Trades(ctx context.Context, marketID, userID string, limit int) ([]TradeRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, COALESCE(group_id::TEXT, ''), user_id, ticker, qty, side, price, executed_at
		FROM trades
		WHERE market_id = $1 AND ($2 = '' OR user_id = $2)
		ORDER BY id DESC
		LIMIT $3
	`, marketID, userID, nullableLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TradeRecord
	for rows.Next() {
		tr := TradeRecord{MarketID: marketID}
		var side string
		if err := rows.Scan(&tr.ID, &tr.GroupID, &tr.UserID, &tr.Ticker, &tr.Qty, &side, &tr.Price, &tr.ExecutedAt); err != nil {
			return nil, err
		}
		tr.Side = Side(side)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) NetHolding(ctx context.Context, marketID, userID, ticker string) (int64, error) {
	return netHoldingTx(ctx, s.db, marketID, userID, ticker)
}

func (s *PostgresStore) Holdings(ctx context.Context, marketID, userID string) ([]Holding, error) {
	rows, err := s.db.Query(ctx, `
		SELECT t.ticker,
		       COALESCE(s.name, t.ticker),
		       COALESCE(s.price, 0),
		       SUM(CASE WHEN t.side = 'BUY' THEN t.qty ELSE -t.qty END)::BIGINT AS qty
		FROM trades t
		LEFT JOIN stocks s ON s.market_id = t.market_id AND s.ticker = t.ticker
		WHERE t.market_id = $1 AND t.user_id = $2
		GROUP BY t.ticker, s.name, s.price
		HAVING SUM(CASE WHEN t.side = 'BUY' THEN t.qty ELSE -t.qty END) <> 0
		ORDER BY t.ticker
	`, marketID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Holding
	for rows.Next() {
		var h Holding
		if err := rows.Scan(&h.Ticker, &h.Name, &h.Price, &h.Qty); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExecuteOrder(ctx context.Context, o Order) (OrderResult, error) {
	var out OrderResult
	if err := validateTrade(TradeRecord{Qty: o.Qty, Side: o.Side}); err != nil {
		return out, err
	}
	err := s.inTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		out = OrderResult{}
		var price float64
		if err := tx.QueryRow(ctx, `
			SELECT price FROM stocks WHERE market_id = $1 AND ticker = $2
		`, o.MarketID, o.Ticker).Scan(&price); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrStockNotFound
			}
			return err
		}
		var cash float64
		if err := tx.QueryRow(ctx, `
			SELECT cash FROM users WHERE market_id = $1 AND external_id = $2 FOR UPDATE
		`, o.MarketID, o.UserID).Scan(&cash); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return err
		}
		holding, err := netHoldingTx(ctx, tx, o.MarketID, o.UserID, o.Ticker)
		if err != nil {
			return err
		}

		cost := price * float64(o.Qty)
		delta := cost
		switch o.Side {
		case SideBuy:
			if cash+moneyEpsilon < cost {
				return &ShortfallError{UserID: o.UserID, Have: cash, Need: cost}
			}
			delta = -cost
		case SideSell:
			if holding < o.Qty {
				return &ShortfallError{UserID: o.UserID, Ticker: o.Ticker, Have: float64(holding), Need: float64(o.Qty)}
			}
		}
		if err := adjustCashTx(ctx, tx, o.MarketID, o.UserID, delta); err != nil {
			return err
		}
		out.Trade = TradeRecord{
			MarketID: o.MarketID,
			UserID:   o.UserID,
			Ticker:   o.Ticker,
			Qty:      o.Qty,
			Side:     o.Side,
			Price:    price,
		}
		if err := insertTradeTx(ctx, tx, &out.Trade); err != nil {
			return err
		}
		out.Cash = cash + delta
		out.Holding = holding + o.Side.Signed(o.Qty)
		return nil
	})
	return out, err
}

func (s *PostgresStore) Settle(ctx context.Context, st Settlement) ([]TradeRecord, error) {
	for _, tr := range st.Trades {
		if err := validateTrade(tr); err != nil {
			return nil, err
		}
	}
	parties := partiesOf(st)
	sort.Strings(parties)

	var out []TradeRecord
	err := s.inTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		out = nil
		cash := make(map[string]float64, len(parties))
		rows, err := tx.Query(ctx, `
			SELECT external_id, cash
			FROM users
			WHERE market_id = $1 AND external_id = ANY($2)
			ORDER BY external_id
			FOR UPDATE
		`, st.MarketID, parties)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			var c float64
			if err := rows.Scan(&id, &c); err != nil {
				rows.Close()
				return err
			}
			cash[id] = c
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range parties {
			if _, ok := cash[id]; !ok {
				return Validationf("account not found for user %s", id)
			}
		}

		for _, r := range st.Requirements {
			if r.Ticker == "" {
				if cash[r.UserID]+moneyEpsilon < r.Amount {
					return &ShortfallError{UserID: r.UserID, Have: cash[r.UserID], Need: r.Amount}
				}
				continue
			}
			have, err := netHoldingTx(ctx, tx, st.MarketID, r.UserID, r.Ticker)
			if err != nil {
				return err
			}
			if float64(have) < r.Amount {
				return &ShortfallError{UserID: r.UserID, Ticker: r.Ticker, Have: float64(have), Need: r.Amount}
			}
		}

		prices := map[string]float64{}
		for _, tr := range st.Trades {
			if _, ok := prices[tr.Ticker]; ok {
				continue
			}
			var p float64
			if err := tx.QueryRow(ctx, `
				SELECT price FROM stocks WHERE market_id = $1 AND ticker = $2
			`, st.MarketID, tr.Ticker).Scan(&p); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrStockNotFound
				}
				return err
			}
			prices[tr.Ticker] = p
		}

		for _, c := range st.Cash {
			if err := adjustCashTx(ctx, tx, st.MarketID, c.UserID, c.Delta); err != nil {
				return err
			}
		}
		groupID := uuid.NewString()
		for _, tr := range st.Trades {
			tr.MarketID = st.MarketID
			tr.GroupID = groupID
			tr.Price = prices[tr.Ticker]
			if err := insertTradeTx(ctx, tx, &tr); err != nil {
				return err
			}
			out = append(out, tr)
		}
		return nil
	})
	return out, err
}

func (s *PostgresStore) RebuildLeaderboard(ctx context.Context, marketID string, at time.Time) error {
	return s.inTx(ctx, pgx.RepeatableRead, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM leaderboard_cache WHERE market_id = $1`, marketID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO leaderboard_cache (market_id, user_id, total_value, last_updated)
			SELECT u.market_id,
			       u.external_id,
			       u.cash + COALESCE(SUM(CASE WHEN t.side = 'BUY' THEN t.qty ELSE -t.qty END * s.price), 0),
			       $2::timestamptz
			FROM users u
			LEFT JOIN trades t ON t.market_id = u.market_id AND t.user_id = u.external_id
			LEFT JOIN stocks s ON s.market_id = t.market_id AND s.ticker = t.ticker
			WHERE u.market_id = $1
			GROUP BY u.market_id, u.external_id, u.cash
		`, marketID, at)
		return err
	})
}

func (s *PostgresStore) Leaderboard(ctx context.Context, marketID string, limit int) ([]LeaderboardEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, total_value, last_updated
		FROM leaderboard_cache
		WHERE market_id = $1
		ORDER BY total_value DESC, user_id ASC
		LIMIT $2
	`, marketID, nullableLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LeaderboardEntry
	for rows.Next() {
		e := LeaderboardEntry{MarketID: marketID}
		if err := rows.Scan(&e.UserID, &e.TotalValue, &e.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func setPriceTx(ctx context.Context, tx pgx.Tx, marketID, ticker string, price float64) error {
	cmd, err := tx.Exec(ctx, `
		UPDATE stocks SET price = $1 WHERE market_id = $2 AND ticker = $3
	`, price, marketID, ticker)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStockNotFound
	}
	return insertHistoryTx(ctx, tx, marketID, ticker, price)
}

func insertHistoryTx(ctx context.Context, q querier, marketID, ticker string, price float64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO price_history (market_id, ticker, price) VALUES ($1, $2, $3)
	`, marketID, ticker, price)
	return err
}

func adjustCashTx(ctx context.Context, q querier, marketID, userID string, delta float64) error {
	cmd, err := q.Exec(ctx, `
		UPDATE users SET cash = cash + $1 WHERE market_id = $2 AND external_id = $3
	`, delta, marketID, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func insertTradeTx(ctx context.Context, q querier, tr *TradeRecord) error {
	var group any
	if tr.GroupID != "" {
		group = tr.GroupID
	}
	return q.QueryRow(ctx, `
		INSERT INTO trades (group_id, market_id, user_id, ticker, qty, side, price)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, executed_at
	`, group, tr.MarketID, tr.UserID, tr.Ticker, tr.Qty, string(tr.Side), tr.Price).Scan(&tr.ID, &tr.ExecutedAt)
}

func netHoldingTx(ctx context.Context, q querier, marketID, userID, ticker string) (int64, error) {
	var n int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN side = 'BUY' THEN qty ELSE -qty END), 0)::BIGINT
		FROM trades
		WHERE market_id = $1 AND user_id = $2 AND ticker = $3
	`, marketID, userID, ticker).Scan(&n)
	return n, err
}

func nullableLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (s *PostgresStore) inTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.runTx(ctx, iso, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		s.log.Debug("retrying transaction", "attempt", attempt+1, "err", err)
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ErrTxConflict
}

func (s *PostgresStore) runTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isRetryable matches serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
