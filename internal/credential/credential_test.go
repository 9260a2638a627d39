package credential

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"draftbot/internal/storage"
	logx "draftbot/pkg/logx"
)

func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	prev := getenv
	getenv = func(k string) string { return env[k] }
	t.Cleanup(func() { getenv = prev })
}

func TestResolveOrder(t *testing.T) {
	keyring.MockInit()
	withEnv(t, map[string]string{"OPENAI_API_KEY": "sk-env"})
	ctx := context.Background()
	store := storage.NewMemory()
	c := New(Config{Keyring: true}, store, logx.Nop())

	key, src, err := c.Resolve(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", key)
	assert.Equal(t, SourceEnv, src)

	require.NoError(t, c.SaveToKeyring("sk-ring"))
	key, src, err = c.Resolve(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "sk-ring", key)
	assert.Equal(t, SourceKeyring, src)

	require.NoError(t, c.SetUserKey(ctx, 42, " sk-user "))
	key, src, err = c.Resolve(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "sk-user", key)
	assert.Equal(t, SourceUser, src)

	// another user still falls back to the keyring
	key, _, err = c.Resolve(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "sk-ring", key)

	require.NoError(t, c.SetUserKey(ctx, 42, ""))
	_, ok, _ := store.Get(ctx, storage.APIKeyKey(42))
	assert.False(t, ok)
}

func TestKeyringDisabledAndCustomEnv(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set(DefaultKeyringApp, DefaultKeyringUser, "sk-ring"))
	withEnv(t, map[string]string{"MY_KEY": "sk-custom"})

	c := New(Config{EnvVar: "MY_KEY"}, nil, logx.Nop())
	key, src, err := c.Resolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "sk-custom", key)
	assert.Equal(t, SourceEnv, src)
}

func TestSaveToKeyringNeedsKeyringSource(t *testing.T) {
	keyring.MockInit()
	c := New(Config{}, nil, logx.Nop())
	require.ErrorIs(t, c.SaveToKeyring("sk-ring"), ErrKeyringDisabled)
	_, err := keyring.Get(DefaultKeyringApp, DefaultKeyringUser)
	assert.ErrorIs(t, err, keyring.ErrNotFound)

	c.Apply(Config{Keyring: true})
	require.Error(t, c.SaveToKeyring("  "))
	require.NoError(t, c.SaveToKeyring(" sk-ring "))
	v, err := keyring.Get(DefaultKeyringApp, DefaultKeyringUser)
	require.NoError(t, err)
	assert.Equal(t, "sk-ring", v)
}

func TestNothingFound(t *testing.T) {
	keyring.MockInit()
	withEnv(t, nil)
	c := New(Config{Keyring: true}, storage.NewMemory(), logx.Nop())
	key, err := c.APIKey(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestKeyringFailureFallsThrough(t *testing.T) {
	keyring.MockInitWithError(errors.New("no dbus"))
	withEnv(t, map[string]string{"OPENAI_API_KEY": "sk-env"})
	c := New(Config{Keyring: true}, nil, logx.Nop())
	key, src, err := c.Resolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", key)
	assert.Equal(t, SourceEnv, src)
}

type failingStore struct{ storage.Store }

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk gone")
}

func TestStoreErrorSurfaces(t *testing.T) {
	withEnv(t, map[string]string{"OPENAI_API_KEY": "sk-env"})
	c := New(Config{}, failingStore{}, logx.Nop())
	_, err := c.APIKey(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestSetUserKeyWithoutStore(t *testing.T) {
	c := New(Config{}, nil, logx.Nop())
	require.Error(t, c.SetUserKey(context.Background(), 1, "k"))
}
