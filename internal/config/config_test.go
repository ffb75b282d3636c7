package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3.0, cfg.Replication.Idle.RateHz)
	assert.Equal(t, 6.0, cfg.Replication.Walking.RateHz)
	assert.Equal(t, 12.0, cfg.Replication.Running.RateHz)
	assert.Equal(t, 10.0, cfg.Replication.TeleportThreshold)
	assert.Equal(t, 10.0, cfg.Events.RatePerSec)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "charsync.yaml")
	data := []byte(`
server:
  transport: websocket
  tick_rate: 30
session:
  default_countdown_seconds: 5
  min_players: 2
replication:
  teleport_threshold: 8
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "websocket", cfg.Server.Transport)
	assert.Equal(t, 30.0, cfg.Server.TickRate)
	assert.Equal(t, 5.0, cfg.Session.DefaultCountdown)
	assert.Equal(t, 2, cfg.Session.MinPlayers)
	assert.Equal(t, 8.0, cfg.Replication.TeleportThreshold)
	// Не указанные поля остаются дефолтными
	assert.Equal(t, 0.05, cfg.Replication.DriftThreshold)
}

func TestLoad_EmptyPathWithoutEnv(t *testing.T) {
	t.Setenv("CHARSYNC_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate_RejectsInconsistent(t *testing.T) {
	cfg := Default()
	cfg.Events.MinRadius = 10
	cfg.Events.MaxRadius = 1
	cfg.Server.Transport = "carrier-pigeon"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_radius")
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestPortFallback(t *testing.T) {
	t.Setenv("CHARSYNC_REST_PORT", "9099")
	s := ServerConfig{}
	assert.Equal(t, 9099, s.GetRESTPort())
	s.RESTPort = 8000
	assert.Equal(t, 8000, s.GetRESTPort())
	assert.Equal(t, 7778, (&ServerConfig{}).GetUnreliablePort())
}
