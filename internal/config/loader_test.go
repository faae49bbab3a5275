package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  host: db.internal
  password: ${TEST_DB_PASSWORD}
session:
  max_concurrent_sessions: 5
`), 0o600))

	t.Setenv("TEST_DB_PASSWORD", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "db.internal", cfg.Database.Host)
	require.Equal(t, "s3cret", cfg.Database.Password)
	require.Equal(t, 5, cfg.Session.MaxConcurrentSessions)
	// Untouched defaults survive the merge.
	require.Equal(t, 5432, cfg.Database.Port)
	require.Equal(t, 3, cfg.Session.SendMaxAttempts)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults().Server.Addr, cfg.Server.Addr)
}

func TestValidateRejectsMissingPassword(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
}
