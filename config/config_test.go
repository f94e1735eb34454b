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
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"flows_path": "flows.json"}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Gateway.Port)
	assert.Equal(t, "/device", cfg.Gateway.Path)
	assert.Equal(t, 30*time.Second, cfg.Gateway.HeartbeatInterval())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "flows.json", cfg.FlowsPath)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `{
		"logging": {"level": "debug", "format": "text"},
		"gateway": {"port": 9000, "path": "/ws", "heartbeat_interval_seconds": 10, "global_key_env": "VS_GLOBAL_KEY"},
		"metrics": {"port": 9200},
		"nats": {"url": "nats://localhost:4222"},
		"speech": {"url": "ws://stt:9001/stream"},
		"synth": {"url": "ws://tts:9002/stream"},
		"devices": {"esp32-kitchen": "device-secret"}
	}`)

	t.Setenv("VS_GLOBAL_KEY", "operator-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, 10*time.Second, cfg.Gateway.HeartbeatInterval())
	assert.Equal(t, "operator-key", cfg.Gateway.GlobalKey())
	assert.Equal(t, "ws://stt:9001/stream", cfg.Speech.URL)
	assert.Equal(t, "device-secret", cfg.Devices["esp32-kitchen"])
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad json", `{not json`},
		{"port out of range", `{"gateway": {"port": 99999, "heartbeat_interval_seconds": 30}}`},
		{"zero heartbeat", `{"gateway": {"port": 8088, "heartbeat_interval_seconds": 0}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestGlobalKeyUnset(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Gateway.GlobalKey())
}
