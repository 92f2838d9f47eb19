package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesPortsDefaultFromSinglePort(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 3333\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, cfg.Server.Ports, 3333)
	assert.Equal(t, cfg.Mining.InitialDifficulty, cfg.Server.Ports[3333].Difficulty)
}

func TestLoadAppliesBanningDefaultsWhenEnabled(t *testing.T) {
	path := writeTempConfig(t, "server:\n  banning:\n    enabled: true\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Server.Banning.Time)
	assert.Equal(t, time.Minute, cfg.Server.Banning.PurgeInterval)
	assert.Equal(t, 500, cfg.Server.Banning.CheckThreshold)
	assert.Equal(t, 50.0, cfg.Server.Banning.InvalidPercent)
}

func TestLoadRejectsInvalidBanningPercent(t *testing.T) {
	path := writeTempConfig(t, "server:\n  banning:\n    enabled: true\n    invalid_percent: 150\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadAppliesPeerAndCoinDefaults(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 3333\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8333, cfg.Peer.Port)
	assert.Equal(t, "POW", cfg.Coin.Reward)
	assert.Equal(t, int32(70015), cfg.Coin.ProtocolVersion)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	os.Setenv("TEST_POSTGRES_HOST", "db.internal")
	defer os.Unsetenv("TEST_POSTGRES_HOST")

	path := writeTempConfig(t, "postgres:\n  host: \"${TEST_POSTGRES_HOST}\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
}
