package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	settings, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), settings)
	require.Equal(t, 50, settings.History.MaxVersions)
	require.Equal(t, time.Second, settings.Sync.PushDebounce())
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_path: /tmp/sketch.db
user_id: alice
sync:
  push_debounce_ms: 250
  pull_limit: 50
redis:
  enabled: true
  addr: redis:6379
`), 0o600))

	settings, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/sketch.db", settings.StorePath)
	require.Equal(t, "alice", settings.UserID)
	require.Equal(t, 250*time.Millisecond, settings.Sync.PushDebounce())
	require.Equal(t, 50, settings.Sync.PullLimit)
	require.True(t, settings.Redis.Enabled)
	require.Equal(t, "redis:6379", settings.Redis.Addr)
	// Untouched sections keep their defaults.
	require.Equal(t, ":8823", settings.ListenAddr)
	require.Equal(t, 50, settings.History.MaxVersions)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store_path: [unclosed"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
