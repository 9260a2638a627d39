package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Store is the persistence API used by sessions and commands.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "" / "none" / "memory": in-process map, nothing survives a restart
//   - "file": JSON snapshot + append-only journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one completion request. Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	RequestID string    `json:"request_id"`
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`    // autocomplete | formal | casual
	Outcome   string    `json:"outcome"` // ok | empty | network | error | discarded
	Error     string    `json:"error,omitempty"`
	InChars   int       `json:"in_chars"`
	OutChars  int       `json:"out_chars"`
	TookMS    int64     `json:"took_ms"`
}

// Well-known keys.

// OverlayKey stores "1"/"0" for a chat's live-suggestion toggle.
func OverlayKey(chatID int64) string { return "overlay_enabled:" + itoa(chatID) }

// APIKeyKey stores a user's completion API key.
func APIKeyKey(userID int64) string { return "apikey:" + itoa(userID) }
