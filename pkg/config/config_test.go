package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  addr: 0.0.0.0:9000
  idle_timeout: 2m
client:
  endpoint_template: wss://example.com/d/{diagram}/ws
  heartbeat_interval: 15s
  reconnect_attempts: 0
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Server.IdleTimeout)
	assert.Equal(t, "diagrams.sqlite3", cfg.Server.DatabasePath)
	assert.Equal(t, 15*time.Second, cfg.Client.HeartbeatInterval)
	assert.Equal(t, 0, cfg.Client.ReconnectAttempts)
	assert.Equal(t, 3*time.Second, cfg.Client.ReconnectBase)
}

func TestUnknownKeysRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "client:\n  heartbeat: 1s\n"))
	assert.Error(t, err)
}

func TestHeartbeatMustBeBelowIdleTimeout(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  idle_timeout: 30s\nclient:\n  heartbeat_interval: 30s\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestFieldValidation(t *testing.T) {
	cfg := Default()
	cfg.Client.EndpointTemplate = "ws://localhost/ws"
	cfg.Client.ReconnectMax = time.Second
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpointtemplate must contain {diagram}")
	assert.Contains(t, err.Error(), "reconnectmax must not be less than reconnectbase")
}

func TestEndpointAndConnSettings(t *testing.T) {
	c := Default().Client
	assert.Equal(t, "ws://localhost:8080/diagrams/my%20diagram/ws", c.Endpoint("my diagram"))

	c.Credential = "token"
	s := c.ConnSettings("d1")
	assert.Equal(t, "ws://localhost:8080/diagrams/d1/ws", s.URL)
	assert.Equal(t, "token", s.Credential)
	assert.Equal(t, 3*time.Second, s.Backoff.Base)
	assert.Equal(t, 30*time.Second, s.Backoff.Max)
	assert.Equal(t, 5, s.Backoff.MaxAttempts)
}
