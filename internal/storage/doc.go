// Package storage provides the small persistence layer used by the bot.
//
// It stores:
//   - String key/values (per-chat overlay flags, per-user API keys)
//   - An append-only audit trail of completion requests
package storage
