package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 25*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, "simulated", cfg.Adapter.Mode)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  auth_token: secret
  allowed_origins: ["https://app.example.com"]
stream:
  heartbeat_interval: 10s
adapter:
  link_delay: 1s
  restore_known: true
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset keys keep their default")
	assert.Equal(t, "secret", cfg.Server.AuthToken)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Stream.WriteTimeout)
	assert.Equal(t, time.Second, cfg.Adapter.LinkDelay)
	assert.True(t, cfg.Adapter.RestoreKnown)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"port", "server:\n  port: 70000\n"},
		{"heartbeat too long", "stream:\n  heartbeat_interval: 45s\n"},
		{"heartbeat zero", "stream:\n  heartbeat_interval: 0s\n"},
		{"send buffer", "stream:\n  send_buffer: 0\n"},
		{"adapter mode", "adapter:\n  mode: whatsapp-web\n"},
		{"conflict chance", "adapter:\n  conflict_chance: 1.5\n"},
		{"bad yaml", "server: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
