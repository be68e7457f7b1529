package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	DiscordToken string `env:"DISCORD_BOT_TOKEN"`
	DatabaseURL  string `env:"DATABASE_URL"`
	RedisURL     string `env:"REDIS_URL"`

	Port     string `env:"PORT"`
	HTTPAddr string `env:"TEX_HTTP_ADDR" envDefault:":8080"`

	AdminToken string `env:"TEX_ADMIN_TOKEN"`
	Channel    string `env:"TEX_CHANNEL" envDefault:"toilet-exchange"`
	Prefix     string `env:"TEX_PREFIX" envDefault:"!"`

	SchedulerEvery     time.Duration `env:"TEX_SCHEDULER_EVERY" envDefault:"1m"`
	SessionIdleTimeout time.Duration `env:"TEX_SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	CacheTTL           time.Duration `env:"TEX_CACHE_TTL" envDefault:"30s"`
	Engines            bool          `env:"TEX_ENGINES" envDefault:"true"`
	TickConcurrency    int           `env:"TEX_TICK_CONCURRENCY" envDefault:"4"`

	// FixedTarget makes the engine revert toward each market's target_price
	// setting instead of the median of its prices.
	FixedTarget bool `env:"TEX_FIXED_TARGET" envDefault:"false"`

	DBMaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	RunOnce    bool   `env:"RUN_ONCE" envDefault:"false"`
}

// DefaultAPIURL is used when neither the environment nor a saved profile
// names the API.
const DefaultAPIURL = "http://localhost:8080"

type CLIConfig struct {
	APIBaseURL string `env:"TEX_API_URL"`
	AdminToken string `env:"TEX_ADMIN_TOKEN"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.DiscordToken = strings.TrimSpace(cfg.DiscordToken)
	if p := strings.TrimSpace(cfg.Port); p != "" {
		if !strings.HasPrefix(p, ":") {
			p = ":" + p
		}
		cfg.HTTPAddr = p
	}
	cfg.Channel = strings.TrimPrefix(strings.TrimSpace(cfg.Channel), "#")

	if cfg.Prefix == "" {
		return cfg, fmt.Errorf("TEX_PREFIX must not be empty")
	}
	if cfg.SchedulerEvery <= 0 {
		return cfg, fmt.Errorf("TEX_SCHEDULER_EVERY must be > 0")
	}
	if cfg.SessionIdleTimeout < 0 {
		return cfg, fmt.Errorf("TEX_SESSION_IDLE_TIMEOUT must be >= 0")
	}
	if cfg.TickConcurrency < 1 {
		return cfg, fmt.Errorf("TEX_TICK_CONCURRENCY must be >= 1")
	}
	if cfg.DBMaxConns < 1 {
		return cfg, fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) RequireDiscord() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}
	return nil
}

func (c Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

func (c Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q: want debug, info, warn or error", s)
}

func LoadCLI() (CLIConfig, error) {
	var cfg CLIConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	return cfg, nil
}
