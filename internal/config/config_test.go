package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DISCORD_BOT_TOKEN", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "toilet-exchange", cfg.Channel)
	assert.Equal(t, "!", cfg.Prefix)
	assert.Equal(t, time.Minute, cfg.SchedulerEvery)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.True(t, cfg.Engines)
	assert.Equal(t, 4, cfg.TickConcurrency)
	assert.False(t, cfg.FixedTarget)
	assert.EqualValues(t, 10, cfg.DBMaxConns)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
	assert.Error(t, cfg.RequireDiscord())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TEX_CHANNEL", "#trading-floor")
	t.Setenv("TEX_SESSION_IDLE_TIMEOUT", "0")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", " postgres://localhost/tex ")
	t.Setenv("RUN_ONCE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "trading-floor", cfg.Channel)
	assert.Zero(t, cfg.SessionIdleTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, "postgres://localhost/tex", cfg.DatabaseURL)
	assert.NoError(t, cfg.RequireDatabase())
	assert.True(t, cfg.RunOnce)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"TEX_TICK_CONCURRENCY": "0",
		"TEX_SCHEDULER_EVERY":  "soon",
		"LOG_LEVEL":            "loud",
		"DB_MAX_CONNS":         "0",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadCLI(t *testing.T) {
	t.Setenv("TEX_API_URL", "http://tex.internal:8080/")
	t.Setenv("TEX_ADMIN_TOKEN", "s3cret")
	cfg, err := LoadCLI()
	require.NoError(t, err)
	assert.Equal(t, "http://tex.internal:8080", cfg.APIBaseURL)
	assert.Equal(t, "s3cret", cfg.AdminToken)
}

func TestLoadCLILeavesURLUnsetForProfile(t *testing.T) {
	t.Setenv("TEX_API_URL", "")
	cfg, err := LoadCLI()
	require.NoError(t, err)
	assert.Empty(t, cfg.APIBaseURL)
}
