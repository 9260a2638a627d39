package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"

	logx "draftbot/pkg/logx"
)

// Open initializes the configured store. A disabled driver yields a memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// GetBool reads a "1"/"0" flag. Missing keys report ok=false.
func GetBool(ctx context.Context, s Store, key string) (bool, bool, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, ok, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false, nil
	}
	return b, true, nil
}

func PutBool(ctx context.Context, s Store, key string, v bool) error {
	if v {
		return s.Put(ctx, key, "1")
	}
	return s.Put(ctx, key, "0")
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
