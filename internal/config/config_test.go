package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	data := `
server:
  addr: ":9090"
scoring:
  damping: 0.5
  hop_bound: 5
rewards:
  max_attempts: 9
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, 0.5, cfg.Scoring.Damping)
	require.Equal(t, 5, cfg.Scoring.HopBound)
	require.Equal(t, 9, cfg.Rewards.MaxAttempts)
	// untouched sections keep their defaults
	require.Equal(t, "@every 1m", cfg.Leaderboard.Schedule)
	require.Equal(t, 15*time.Second, cfg.Rewards.PollInterval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o600))

	t.Setenv("TRUST_ENGINE_ADDR", ":7070")
	t.Setenv("TRUST_ENGINE_SCORING_HOP_BOUND", "7")
	t.Setenv("TRUST_ENGINE_REDIS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Server.Addr)
	require.Equal(t, 7, cfg.Scoring.HopBound)
	require.True(t, cfg.Redis.Enabled)
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
