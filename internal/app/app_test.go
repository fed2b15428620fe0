package app_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherfan/internal/app"
	"cipherfan/internal/domain"
	"cipherfan/internal/relay"
)

func TestLoadConfigLayers(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, app.ConfigFileName), []byte(
		"relay:\n  url: http://file.example\n  burst: 3\nfanout:\n  concurrency: 4\n"), 0o600))
	t.Setenv("CIPHERFAN_HOME", home)
	t.Setenv("CIPHERFAN_RELAY__BURST", "7")
	t.Setenv("CIPHERFAN_DIRECTORY__CACHE_TTL", "90s")

	cfg, err := app.LoadConfig("", map[string]any{"fanout.concurrency": 9})
	require.NoError(t, err)
	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, "http://file.example", cfg.Relay.URL)
	assert.Equal(t, 7, cfg.Relay.Burst)
	assert.Equal(t, 90*time.Second, cfg.Directory.CacheTTL)
	assert.Equal(t, 9, cfg.Fanout.Concurrency)
	assert.Equal(t, 100, cfg.Fanout.LargeGroupThreshold)
	assert.True(t, cfg.Fanout.StoreForOffline)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := app.LoadConfig("", map[string]any{"home": t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Directory.CacheTTL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 100, cfg.PreKeys.BatchSize)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	_, err := app.LoadConfig("", map[string]any{"home": t.TempDir(), "prekeys.batch_size": 0})
	assert.Error(t, err)
}

func TestSaveIdentity(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, app.ConfigFileName), []byte("relay:\n  url: http://kept\n"), 0o600))

	require.NoError(t, app.SaveIdentity(home, app.IdentityConfig{UserID: "alice", DeviceID: 3, DeviceName: "laptop"}))

	cfg, err := app.LoadConfig("", map[string]any{"home": home})
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Identity.UserID)
	assert.Equal(t, uint32(3), cfg.Identity.DeviceID)
	assert.Equal(t, "http://kept", cfg.Relay.URL)
}

func newApp(t *testing.T, relayURL string, user string) *app.App {
	t.Helper()
	cfg, err := app.LoadConfig("", map[string]any{
		"home":                  t.TempDir(),
		"relay.url":             relayURL,
		"identity.user_id":      user,
		"prekeys.batch_size":    5,
		"prekeys.min_available": 3,
		"store.gc_interval":     0,
	})
	require.NoError(t, err)
	w, err := app.NewWire(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return app.New(w)
}

func TestEndToEndOverHTTP(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(relay.NewServer(relay.NewHub(nil), nil, nil))
	defer srv.Close()

	alice := newApp(t, srv.URL, "alice")
	bob := newApp(t, srv.URL, "bob")

	res, err := alice.Init(ctx, domain.LocalRegistration{UserID: "alice", DeviceID: 1})
	require.NoError(t, err)
	assert.Len(t, res.Bundle.PreKeys, 5)
	_, err = bob.Init(ctx, domain.LocalRegistration{UserID: "bob", DeviceID: 1})
	require.NoError(t, err)

	out, err := alice.Fanout.Send(ctx, "chat", []domain.UserID{"bob"}, []byte("over the wire"), domain.Metadata{})
	require.NoError(t, err)
	assert.True(t, out.Success)

	pulled, err := bob.Receive(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pulled.Messages, 1)
	assert.Equal(t, "over the wire", string(pulled.Messages[0].Plaintext))

	sessions, err := bob.Sessions.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, uint64(1), sessions[0].MessageCount)
}
