package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stackplanesrv.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
format_version = "1.0"

[server]
port = "9000"
`)
	require.NoError(t, LoadConfig(path))
	require.Equal(t, "9000", Config().Server.Port)
	require.Equal(t, "memory", Config().StateStore.Backend)
	require.Equal(t, 8, Config().Operations.MaxWorkers)
	require.Equal(t, 30*time.Second, Config().Runtime.GetCallTimeout())
}

func TestLoadConfigRejectsBadFormatVersion(t *testing.T) {
	path := writeConfig(t, `
format_version = "0.9"

[server]
port = "9000"
`)
	require.Error(t, LoadConfig(path))
}

func TestLoadConfigRejectsProbeTimeoutLongerThanSweep(t *testing.T) {
	path := writeConfig(t, `
format_version = "1.0"

[server]
port = "9000"

[health]
sweep_interval = "5s"
probe_timeout = "10s"
`)
	require.Error(t, LoadConfig(path))
}

func TestLoadConfigPostgresRequiresDSN(t *testing.T) {
	path := writeConfig(t, `
format_version = "1.0"

[server]
port = "9000"

[state_store]
backend = "postgres"
`)
	require.Error(t, LoadConfig(path))
}

func TestRetentionForTier(t *testing.T) {
	TestInit()
	require.Equal(t, 7*24*time.Hour, Config().Backup.RetentionForTier("basic"))
	require.Equal(t, 90*24*time.Hour, Config().Backup.RetentionForTier("premium"))
	// unknown tiers fall back to a week
	require.Equal(t, 7*24*time.Hour, Config().Backup.RetentionForTier("unknown"))
}
