package app

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"draftbot/internal/completion"
	"draftbot/internal/config"
	"draftbot/internal/session"
)

func baseConfig() *Config {
	return &Config{Telegram: config.TelegramConfig{Token: "123:abc"}}
}

func TestMapSessionConfigDefaults(t *testing.T) {
	sc, err := mapSessionConfig(baseConfig())
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, sc.Debounce)
	assert.Equal(t, 2*time.Second, sc.Cooldown)
	assert.Zero(t, sc.RequestTimeout)
	assert.Equal(t, session.DefaultIdleTTL, sc.IdleTTL)
	assert.False(t, sc.DefaultEnabled)
}

func TestMapSessionConfigValues(t *testing.T) {
	cfg := baseConfig()
	cfg.Suggest = config.SuggestConfig{
		Debounce:        "300ms",
		Cooldown:        "5s",
		RequestTimeout:  "10s",
		DefaultEnabled:  true,
		SessionIdleTTL:  "off",
		JanitorSchedule: "@every 1m",
	}
	sc, err := mapSessionConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, sc.Debounce)
	assert.Equal(t, 5*time.Second, sc.Cooldown)
	assert.Equal(t, 10*time.Second, sc.RequestTimeout)
	assert.True(t, sc.DefaultEnabled)
	assert.Less(t, sc.IdleTTL, time.Duration(0))
	assert.Equal(t, "@every 1m", sc.JanitorSchedule)
}

func TestMapCompletionConfig(t *testing.T) {
	cc, err := mapCompletionConfig(baseConfig())
	require.NoError(t, err)
	assert.Equal(t, completion.DefaultTimeout, cc.Timeout)
	assert.Zero(t, cc.RewriteRatePerSec, "unset means unlimited")

	cfg := baseConfig()
	cfg.Completion.RewriteRatePerSec = 3
	cc, err = mapCompletionConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, cc.RewriteRatePerSec)

	cfg = baseConfig()
	cfg.Completion.BaseURL = "api.example.com"
	_, err = mapCompletionConfig(cfg)
	require.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	cfg := baseConfig()
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Empty(t, sc.Driver)

	cfg.Storage = &config.StorageConfig{Driver: "SQLite", Path: "./data/draftbot.db"}
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	cfg.Storage = &config.StorageConfig{Driver: "file"}
	_, err = mapStorageConfig(cfg)
	require.Error(t, err)

	cfg.Storage = &config.StorageConfig{Driver: "redis", Path: "x"}
	_, err = mapStorageConfig(cfg)
	require.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"minimal", func(*Config) {}, true},
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, false},
		{"bad poll timeout", func(c *Config) { c.Telegram.PollTimeout = "soon" }, false},
		{"negative cooldown", func(c *Config) { c.Suggest.Cooldown = "-1s" }, false},
		{"bad janitor", func(c *Config) { c.Suggest.JanitorSchedule = "every now and then" }, false},
		{"negative rewrite rate", func(c *Config) { c.Completion.RewriteRatePerSec = -1 }, false},
		{"negative log rate", func(c *Config) { c.Logging.Telegram.RatePerSec = -1 }, false},
		{"bad storage", func(c *Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestReasonFromSignal(t *testing.T) {
	assert.Equal(t, StopSIGINT, ReasonFromSignal(os.Interrupt))
	assert.Equal(t, StopSIGTERM, ReasonFromSignal(syscall.SIGTERM))
	assert.Equal(t, StopUnknown, ReasonFromSignal(syscall.SIGHUP))
}
