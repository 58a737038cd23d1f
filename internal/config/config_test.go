package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/ovsdb-server/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	require.Equal(t, "/var/run/ovsdb-server.ctl", cfg.Control.SocketPath)
	require.Equal(t, ":9100", cfg.Metrics.Addr)
	require.Equal(t, "/metrics", cfg.Metrics.Path)
	require.Equal(t, ":9101", cfg.Health.Addr)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, 0, cfg.Server.MaxSessions)
	require.Equal(t, 5*time.Second, cfg.Server.StatusInterval)
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "ovsdb-server.yaml")
	yaml := `
remotes:
  - "ptcp:6640"
dbs:
  - "/etc/ovsdb-server/conf.db"
control:
  socket_path: "/tmp/test.ctl"
log:
  level: "debug"
  format: "text"
server:
  max_sessions: 64
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"ptcp:6640"}, cfg.Remotes)
	require.Equal(t, []string{"/etc/ovsdb-server/conf.db"}, cfg.DBs)
	require.Equal(t, "/tmp/test.ctl", cfg.Control.SocketPath)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 64, cfg.Server.MaxSessions)
	// Fields left unset in the YAML still inherit defaults.
	require.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ovsdb-server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	t.Setenv("OVSDB_SERVER_LOG_LEVEL", "warn")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Log.Level)
}

func TestValidateRejectsDuplicateRemotes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Remotes = []string{"ptcp:6640", "ptcp:6640"}
	require.ErrorIs(t, config.Validate(cfg), config.ErrDuplicateRemote)
}

func TestValidateRejectsDuplicateDBs(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DBs = []string{"/a.db", "/a.db"}
	require.ErrorIs(t, config.Validate(cfg), config.ErrDuplicateDB)
}

func TestValidateRejectsBadServerConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.MaxSessions = -1
	require.ErrorIs(t, config.Validate(cfg), config.ErrInvalidMaxSessions)

	cfg = config.DefaultConfig()
	cfg.Server.StateFile = ""
	require.ErrorIs(t, config.Validate(cfg), config.ErrEmptyStateFile)

	cfg = config.DefaultConfig()
	cfg.Server.StatusInterval = 0
	require.ErrorIs(t, config.Validate(cfg), config.ErrInvalidStatusInterval)
}

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, "DEBUG", config.ParseLogLevel("debug").String())
	require.Equal(t, "INFO", config.ParseLogLevel("bogus").String())
	require.Equal(t, "WARN", config.ParseLogLevel("WARN").String())
	require.Equal(t, "ERROR", config.ParseLogLevel("error").String())
}
