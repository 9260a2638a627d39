// Package credential resolves the completion API key for a user.
//
// Lookup order, first non-empty wins: the key the user stored with /key,
// the OS keyring (when enabled), then an environment variable.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"

	"draftbot/internal/storage"
	logx "draftbot/pkg/logx"
)

const (
	DefaultEnvVar      = "OPENAI_API_KEY"
	DefaultKeyringApp  = "draftbot"
	DefaultKeyringUser = "api_key"
)

// Source names where a key was found.
type Source string

const (
	SourceNone    Source = "none"
	SourceUser    Source = "user"
	SourceKeyring Source = "keyring"
	SourceEnv     Source = "env"
)

type Config struct {
	EnvVar  string
	Keyring bool
	// KeyringService and KeyringUser address the keyring secret.
	KeyringService string
	KeyringUser    string
}

func (c Config) normalize() Config {
	c.EnvVar = strings.TrimSpace(c.EnvVar)
	if c.EnvVar == "" {
		c.EnvVar = DefaultEnvVar
	}
	if c.KeyringService == "" {
		c.KeyringService = DefaultKeyringApp
	}
	if c.KeyringUser == "" {
		c.KeyringUser = DefaultKeyringUser
	}
	return c
}

// swapped in tests
var (
	keyringGet = keyring.Get
	keyringSet = keyring.Set
	getenv     = os.Getenv
)

// ErrKeyringDisabled is returned by SaveToKeyring when the keyring source is off.
var ErrKeyringDisabled = errors.New("credential: keyring disabled")

type Chain struct {
	store storage.Store
	log   logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, store storage.Store, log logx.Logger) *Chain {
	c := &Chain{store: store, log: log.With(logx.String("comp", "credential"))}
	c.Apply(cfg)
	return c
}

func (c *Chain) Apply(cfg Config) {
	cfg = cfg.normalize()
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// APIKey returns "" with a nil error when no source has a key.
func (c *Chain) APIKey(ctx context.Context, userID int64) (string, error) {
	key, _, err := c.Resolve(ctx, userID)
	return key, err
}

// Resolve walks the chain and reports which source answered.
func (c *Chain) Resolve(ctx context.Context, userID int64) (string, Source, error) {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	if c.store != nil && userID != 0 {
		v, ok, err := c.store.Get(ctx, storage.APIKeyKey(userID))
		if err != nil {
			return "", SourceNone, fmt.Errorf("credential: read stored key: %w", err)
		}
		if ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), SourceUser, nil
		}
	}

	if cfg.Keyring {
		v, err := keyringGet(cfg.KeyringService, cfg.KeyringUser)
		switch {
		case err == nil && strings.TrimSpace(v) != "":
			return strings.TrimSpace(v), SourceKeyring, nil
		case err != nil && !errors.Is(err, keyring.ErrNotFound):
			// no keyring daemon is common on servers; fall through to env
			c.log.Debug("keyring lookup failed", logx.Err(err))
		}
	}

	if v := strings.TrimSpace(getenv(cfg.EnvVar)); v != "" {
		return v, SourceEnv, nil
	}
	return "", SourceNone, nil
}

// SetUserKey stores a per-user key. An empty key removes it.
func (c *Chain) SetUserKey(ctx context.Context, userID int64, key string) error {
	if c.store == nil {
		return errors.New("credential: no store")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return c.store.Delete(ctx, storage.APIKeyKey(userID))
	}
	if err := c.store.Put(ctx, storage.APIKeyKey(userID), key); err != nil {
		return fmt.Errorf("credential: store key: %w", err)
	}
	c.log.Info("user api key stored", logx.Int64("user_id", userID), logx.Redacted("key", key))
	return nil
}

// SaveToKeyring writes the shared key under the configured keyring entry.
func (c *Chain) SaveToKeyring(key string) error {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()
	if !cfg.Keyring {
		return ErrKeyringDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("credential: empty key")
	}
	if err := keyringSet(cfg.KeyringService, cfg.KeyringUser, key); err != nil {
		return fmt.Errorf("credential: keyring set: %w", err)
	}
	c.log.Info("keyring api key stored", logx.Redacted("key", key))
	return nil
}
