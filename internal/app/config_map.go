package app

import (
	"fmt"
	"strings"
	"time"

	"draftbot/internal/completion"
	"draftbot/internal/credential"
	"draftbot/internal/session"
	"draftbot/internal/storage"
	logx "draftbot/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapSessionConfig(cfg *Config) (session.Config, error) {
	sc := cfg.Suggest
	debounce, err := parseDurationOrDefault("suggest.debounce", sc.Debounce, 500*time.Millisecond)
	if err != nil {
		return session.Config{}, err
	}
	cooldown, err := parseDurationOrDefault("suggest.cooldown", sc.Cooldown, 2*time.Second)
	if err != nil {
		return session.Config{}, err
	}
	reqTimeout, err := parseDurationField("suggest.request_timeout", sc.RequestTimeout)
	if err != nil {
		return session.Config{}, err
	}

	// "off" keeps idle sessions forever.
	idle, err := parseDurationOrOff("suggest.session_idle_ttl", sc.SessionIdleTTL, session.DefaultIdleTTL)
	if err != nil {
		return session.Config{}, err
	}

	spec := strings.TrimSpace(sc.JanitorSchedule)
	if err := session.ValidateSchedule(spec); err != nil {
		return session.Config{}, fmt.Errorf("suggest.janitor_schedule: %w", err)
	}

	return session.Config{
		Debounce:        debounce,
		Cooldown:        cooldown,
		RequestTimeout:  reqTimeout,
		DefaultEnabled:  sc.DefaultEnabled,
		IdleTTL:         idle,
		JanitorSchedule: spec,
	}, nil
}

func mapCompletionConfig(cfg *Config) (completion.Config, error) {
	cc := cfg.Completion
	timeout, err := parseDurationOrDefault("completion.timeout", cc.Timeout, completion.DefaultTimeout)
	if err != nil {
		return completion.Config{}, err
	}
	if cc.RewriteRatePerSec < 0 {
		return completion.Config{}, fmt.Errorf("completion.rewrite_rate_per_sec must be >= 0")
	}
	if base := strings.TrimSpace(cc.BaseURL); base != "" &&
		!strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return completion.Config{}, fmt.Errorf("completion.base_url must be an http(s) URL")
	}
	return completion.Config{
		BaseURL:           cc.BaseURL,
		Model:             cc.Model,
		Timeout:           timeout,
		RewriteRatePerSec: cc.RewriteRatePerSec,
	}, nil
}

func mapCredentialConfig(cfg *Config) credential.Config {
	return credential.Config{
		EnvVar:  cfg.Completion.APIKeyEnv,
		Keyring: cfg.Completion.Keyring,
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// validateConfig rejects a config before it is committed on hot reload.
func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := parseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		return fmt.Errorf("logging.telegram.rate_per_sec must be >= 0")
	}
	if _, err := mapSessionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCompletionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
