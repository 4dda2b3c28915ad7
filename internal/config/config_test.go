package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func clearEnv(t *testing.T) {
	for _, key := range []string{EnvHubURL, EnvHubToken, EnvAPIPort, EnvLogLevel, EnvReadOnly} {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)

	t.Run("missing file uses defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.API.Port)
		assert.Equal(t, 5, cfg.Retry.MaxAttempts)
		assert.Equal(t, 2*time.Second, cfg.Retry.Delay)
		assert.Equal(t, zapcore.InfoLevel, cfg.Level())
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := writeConfig(t, `hub:
  address: ha.local
  token: secret
api:
  port: 9090
retry:
  max_attempts: 3
  delay: 500ms
log_level: debug
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, HubConfig{Address: "ha.local", Token: "secret"}, cfg.Hub)
		assert.Equal(t, 9090, cfg.API.Port)
		assert.Equal(t, 3, cfg.Retry.MaxAttempts)
		assert.Equal(t, 500*time.Millisecond, cfg.Retry.Delay)
		assert.Equal(t, zapcore.DebugLevel, cfg.Level())
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := writeConfig(t, "hub:\n  address: ha.local\n  token: secret\n")
		t.Setenv(EnvHubURL, "localhost:8124")
		t.Setenv(EnvHubToken, "envtoken")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "localhost:8124", cfg.Hub.Address)
		assert.Equal(t, "envtoken", cfg.Hub.Token)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "hub: [unclosed"))
		assert.Error(t, err)
	})
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		EnvAPIPort:  "7000",
		EnvLogLevel: "warn",
		EnvReadOnly: "true",
		EnvHubURL:   "",
	}))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.API.Port)
	assert.Equal(t, zapcore.WarnLevel, cfg.Level())
	assert.True(t, cfg.ReadOnly)
	assert.Empty(t, cfg.Hub.Address)

	err = cfg.ApplyEnv(envMap(map[string]string{EnvAPIPort: "eighty"}))
	assert.Error(t, err)

	cfg.LogLevel = "loud"
	assert.Equal(t, zapcore.InfoLevel, cfg.Level())
}

func TestHubConfig_Validate(t *testing.T) {
	assert.ErrorIs(t, HubConfig{Token: "t"}.Validate(), ErrMissingAddress)
	assert.ErrorIs(t, HubConfig{Address: "  ", Token: "t"}.Validate(), ErrMissingAddress)
	assert.ErrorIs(t, HubConfig{Address: "ha.local"}.Validate(), ErrMissingToken)
	assert.ErrorIs(t, HubConfig{Address: "ftp://ha.local", Token: "t"}.Validate(), ErrInvalidAddress)
	assert.NoError(t, HubConfig{Address: "ha.local", Token: "t"}.Validate())
}

func TestHubConfig_URLs(t *testing.T) {
	tests := []struct {
		address string
		ws      string
		base    string
	}{
		{"ha.local", "wss://ha.local:8123/api/websocket", "https://ha.local:8123"},
		{"localhost", "ws://localhost:8123/api/websocket", "http://localhost:8123"},
		{"localhost:9000", "ws://localhost:9000/api/websocket", "http://localhost:9000"},
		{"192.168.1.5", "wss://192.168.1.5:8123/api/websocket", "https://192.168.1.5:8123"},
		{"http://192.168.1.5", "ws://192.168.1.5:8123/api/websocket", "http://192.168.1.5:8123"},
		{"https://ha.example.com:443/", "wss://ha.example.com:443/api/websocket", "https://ha.example.com:443"},
		{"ws://localhost:8123/api/websocket", "ws://localhost:8123/api/websocket", "http://localhost:8123"},
		{"WSS://hub", "wss://hub:8123/api/websocket", "https://hub:8123"},
		{" ha.local ", "wss://ha.local:8123/api/websocket", "https://ha.local:8123"},
		{"[::1]:8123", "wss://[::1]:8123/api/websocket", "https://[::1]:8123"},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			h := HubConfig{Address: tt.address, Token: "t"}

			ws, err := h.WebSocketURL()
			require.NoError(t, err)
			assert.Equal(t, tt.ws, ws)

			base, err := h.BaseURL()
			require.NoError(t, err)
			assert.Equal(t, tt.base, base)
		})
	}

	_, err := HubConfig{}.WebSocketURL()
	assert.ErrorIs(t, err, ErrMissingAddress)
}
