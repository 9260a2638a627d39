package config

import (
	"reflect"
	"sort"
	"strings"

	logx "draftbot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Secrets (bot token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", newCfg.Telegram.LogChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Suggest != newCfg.Suggest {
		changed = append(changed, "suggest")
		attrs = append(attrs,
			logx.String("suggest.debounce", newCfg.Suggest.Debounce),
			logx.String("suggest.cooldown", newCfg.Suggest.Cooldown),
			logx.String("suggest.request_timeout", newCfg.Suggest.RequestTimeout),
			logx.Bool("suggest.default_enabled", newCfg.Suggest.DefaultEnabled),
		)
	}

	if oldCfg.Completion != newCfg.Completion {
		changed = append(changed, "completion")
		attrs = append(attrs,
			logx.String("completion.base_url", newCfg.Completion.BaseURL),
			logx.String("completion.model", newCfg.Completion.Model),
			logx.Bool("completion.keyring", newCfg.Completion.Keyring),
			logx.Int("completion.rewrite_rate_per_sec", newCfg.Completion.RewriteRatePerSec),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
