package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 50*time.Millisecond, cfg.Session.Debounce)
	assert.Equal(t, 2*time.Second, cfg.Session.SyncTimeout)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
document: sections/header.liquid
user:
  name: Alice
transport:
  kind: redis
  redis:
    addr: redis:6379
session:
  heartbeat: 10s
  presenceTimeout: 25s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sections/header.liquid", cfg.Document)
	assert.Equal(t, "Alice", cfg.User.Name)
	assert.Equal(t, TransportRedis, cfg.Transport.Kind)
	assert.Equal(t, "redis:6379", cfg.Transport.Redis.Addr)
	assert.Equal(t, "collab:", cfg.Transport.Redis.Prefix)
	assert.Equal(t, 10*time.Second, cfg.Session.Heartbeat)
	assert.Equal(t, 25*time.Second, cfg.Session.PresenceTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Session.Debounce)
}

func TestSaveRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	cfg := Default()
	cfg.History.Path = "history.sqlite3"
	require.NoError(t, Save(cfg, path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Document = ""
	cfg.Transport.Kind = "carrier-pigeon"
	cfg.Session.PresenceTimeout = cfg.Session.Heartbeat
	cfg.History = History{Path: "h.sqlite3"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "document is required")
	assert.ErrorContains(t, err, `unknown transport kind "carrier-pigeon"`)
	assert.ErrorContains(t, err, "must exceed session.heartbeat")
	assert.ErrorContains(t, err, "history.interval must be positive")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  heartbeat: soon\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}
