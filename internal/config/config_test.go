package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:1234", cfg.ListenAddr)
	require.Equal(t, "shared-note", cfg.DocumentName)
	require.False(t, cfg.DocumentRouting)
	require.Equal(t, 256, cfg.SendBuffer)
	require.Equal(t, int64(1<<20), cfg.MaxMessageBytes)
	require.Equal(t, 15*time.Second, cfg.SnapshotInterval)
	require.Empty(t, cfg.PostgresURL)
	require.Empty(t, cfg.RedisAddr)
}

func TestEnvironmentWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr = "127.0.0.1:4000"
document_name = "from-file"
send_buffer = 64
document_routing = true
heartbeat_interval = "10s"
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DOCUMENT_NAME", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:4000", cfg.ListenAddr)
	require.Equal(t, "from-env", cfg.DocumentName)
	require.Equal(t, 64, cfg.SendBuffer)
	require.True(t, cfg.DocumentRouting)
	require.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Run("object credentials", func(t *testing.T) {
		t.Setenv("OBJECT_ENDPOINT", "localhost:9000")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("send buffer", func(t *testing.T) {
		t.Setenv("SEND_BUFFER", "-1")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("missing file", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.toml"))
		_, err := Load()
		require.Error(t, err)
	})
}
