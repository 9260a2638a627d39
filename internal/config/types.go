package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "2s", "5m").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Suggest    SuggestConfig    `json:"suggest"`
	Completion CompletionConfig `json:"completion"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs restricts the bot to these users. Empty means everyone.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// LogChatID receives log lines when logging.telegram.enabled is true.
	LogChatID   int64  `json:"log_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SuggestConfig controls the live suggestion scheduler.
//
// Defaults (when fields are omitted/empty):
//   - debounce: "500ms"
//   - cooldown: "2s"
//   - request_timeout: "0s" (no timeout)
//   - session_idle_ttl: "30m"
//   - janitor_schedule: "@every 5m"
type SuggestConfig struct {
	Debounce       string `json:"debounce,omitempty"`
	Cooldown       string `json:"cooldown,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`

	// DefaultEnabled is used for chats without a persisted overlay flag.
	DefaultEnabled bool `json:"default_enabled"`

	SessionIdleTTL  string `json:"session_idle_ttl,omitempty"`
	JanitorSchedule string `json:"janitor_schedule,omitempty"`
}

// CompletionConfig controls the completion API client.
//
// The API key itself is never read from this file. See internal/credential.
type CompletionConfig struct {
	BaseURL string `json:"base_url,omitempty"` // default: https://api.openai.com/v1
	Model   string `json:"model,omitempty"`    // default: gpt-3.5-turbo
	Timeout string `json:"timeout,omitempty"`  // http client timeout; default "30s"

	APIKeyEnv string `json:"api_key_env,omitempty"` // default: OPENAI_API_KEY
	Keyring   bool   `json:"keyring,omitempty"`

	RewriteRatePerSec int `json:"rewrite_rate_per_sec,omitempty"` // 0 = unlimited
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/draftbot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}
