// Package leaderboard maintains the per-market net-worth cache and its
// scheduled daily post.
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"texchange/internal/metrics"
	"texchange/internal/notify"
	"texchange/internal/store"
)

type Store interface {
	Markets(ctx context.Context) ([]string, error)
	Settings(ctx context.Context, marketID string) (store.Settings, error)
	RebuildLeaderboard(ctx context.Context, marketID string, at time.Time) error
	Leaderboard(ctx context.Context, marketID string, limit int) ([]store.LeaderboardEntry, error)
}

// PostDisabled turns the daily post off.
const PostDisabled = "none"

// DefaultPostSize is how many rows the daily post shows.
const DefaultPostSize = 10

type Cache struct {
	store    Store
	notifier notify.Notifier
	log      *slog.Logger
	now      func() time.Time
	postSize int

	mu          sync.Mutex
	lastRefresh map[string]time.Time
	lastPosted  map[string]string
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithPostSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.postSize = n
		}
	}
}

func New(st Store, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	c := &Cache{
		store:       st,
		notifier:    notifier,
		log:         logger,
		now:         func() time.Time { return time.Now().UTC() },
		postSize:    DefaultPostSize,
		lastRefresh: make(map[string]time.Time),
		lastPosted:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ParsePostTime parses an "HH:MM" UTC post time. "none" (or empty) disables
// the post.
func ParsePostTime(s string) (hour, minute int, enabled bool, err error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == PostDisabled {
		return 0, 0, false, nil
	}
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, 0, false, fmt.Errorf("post time %q: want HH:MM or none", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false, fmt.Errorf("post time %q: hour out of range", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, false, fmt.Errorf("post time %q: minute out of range", s)
	}
	return hour, minute, true, nil
}

// Rebuild recomputes the market's cache wholesale.
func (c *Cache) Rebuild(ctx context.Context, marketID string) error {
	at := c.now()
	if err := c.store.RebuildLeaderboard(ctx, marketID, at); err != nil {
		metrics.LeaderboardRebuilds.WithLabelValues("error").Inc()
		return fmt.Errorf("rebuild leaderboard: %w", err)
	}
	metrics.LeaderboardRebuilds.WithLabelValues("ok").Inc()
	c.mu.Lock()
	c.lastRefresh[marketID] = at
	c.mu.Unlock()
	return nil
}

func (c *Cache) Top(ctx context.Context, marketID string, limit int) ([]store.LeaderboardEntry, error) {
	return c.store.Leaderboard(ctx, marketID, limit)
}

// Run checks every market on each interval until ctx is done.
func (c *Cache) Run(ctx context.Context, every time.Duration) {
	c.RunDue(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunDue(ctx)
		}
	}
}

// RunDue refreshes markets whose cadence elapsed and fires daily posts.
// Errors are logged per market.
func (c *Cache) RunDue(ctx context.Context) {
	ids, err := c.store.Markets(ctx)
	if err != nil {
		c.log.Error("list markets failed", "err", err)
		return
	}
	now := c.now()
	for _, id := range ids {
		settings, err := c.store.Settings(ctx, id)
		if err != nil {
			c.log.Error("leaderboard settings read failed", "market", id, "err", err)
			continue
		}
		if c.refreshDue(id, settings, now) {
			if err := c.Rebuild(ctx, id); err != nil {
				c.log.Error("leaderboard refresh failed", "market", id, "err", err)
			}
		}
		if _, err := c.PostIfDue(ctx, id, settings, now); err != nil {
			c.log.Error("daily leaderboard post failed", "market", id, "err", err)
		}
	}
}

func (c *Cache) refreshDue(marketID string, settings store.Settings, now time.Time) bool {
	c.mu.Lock()
	last, ok := c.lastRefresh[marketID]
	c.mu.Unlock()
	if !ok {
		return true
	}
	rate := settings.LeaderboardUpdateRate
	if rate < 1 {
		rate = 1
	}
	return now.Sub(last) >= time.Duration(rate)*time.Minute
}

// PostIfDue fires the daily post when now matches the configured minute and
// the market has not posted yet on now's UTC date.
func (c *Cache) PostIfDue(ctx context.Context, marketID string, settings store.Settings, now time.Time) (bool, error) {
	hour, minute, enabled, err := ParsePostTime(settings.LeaderboardPostTime)
	if err != nil {
		return false, err
	}
	now = now.UTC()
	if !enabled || now.Hour() != hour || now.Minute() != minute {
		return false, nil
	}
	today := now.Format(time.DateOnly)
	c.mu.Lock()
	posted := c.lastPosted[marketID] == today
	c.mu.Unlock()
	if posted {
		return false, nil
	}
	if err := c.Post(ctx, marketID); err != nil {
		return false, err
	}
	c.mu.Lock()
	c.lastPosted[marketID] = today
	c.mu.Unlock()
	return true, nil
}

// Post rebuilds the cache and announces the top rows.
func (c *Cache) Post(ctx context.Context, marketID string) error {
	if err := c.Rebuild(ctx, marketID); err != nil {
		return err
	}
	rows, err := c.store.Leaderboard(ctx, marketID, c.postSize)
	if err != nil {
		return fmt.Errorf("read leaderboard: %w", err)
	}
	msg := notify.Message{
		MarketID: marketID,
		Kind:     notify.KindLeaderboard,
		Title:    "🏆 Daily Leaderboard",
		Fields:   Fields(rows),
	}
	if len(rows) == 0 {
		msg.Text = "No players yet."
	}
	for _, r := range rows {
		msg.Mentions = append(msg.Mentions, r.UserID)
	}
	return c.notifier.Notify(ctx, msg)
}

// Fields renders leaderboard rows with rank medals.
func Fields(rows []store.LeaderboardEntry) []notify.Field {
	out := make([]notify.Field, 0, len(rows))
	for i, r := range rows {
		out = append(out, notify.Field{
			Name:  fmt.Sprintf("%s #%d", medal(i+1), i+1),
			Value: fmt.Sprintf("<@%s> $%.2f", r.UserID, r.TotalValue),
		})
	}
	return out
}

func medal(rank int) string {
	switch rank {
	case 1:
		return "🥇"
	case 2:
		return "🥈"
	case 3:
		return "🥉"
	default:
		return "🏅"
	}
}
