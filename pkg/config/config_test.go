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
	path := filepath.Join(t.TempDir(), "meross.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
device:
  id: "2205"
  key: secret
  host: 192.168.1.14
  protocol: auto
  polling_period: 45s
mqtt:
  broker_url: tcp://broker.local:1883
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "2205", cfg.Device.ID)
	assert.Equal(t, "secret", cfg.Device.Key)
	assert.Equal(t, 45*time.Second, cfg.Device.PollingPeriod)
	assert.Equal(t, ProtocolAuto, cfg.Device.Protocol)
	assert.Equal(t, "tcp://broker.local:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
device:
  id: "2205"
  host: 192.168.1.14
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProtocolAuto, cfg.Device.Protocol)
	assert.Equal(t, DefaultPollingPeriod, cfg.Device.PollingPeriod)
	assert.Equal(t, DefaultHeartbeatPeriod, cfg.Device.HeartbeatPeriod)
	assert.Equal(t, AuthFailOpen, cfg.Device.AuthPolicy)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Observability.MetricsPort)
}

func TestLoadClampsPollingPeriod(t *testing.T) {
	path := writeConfig(t, `
device:
  id: "2205"
  host: 192.168.1.14
  polling_period: 1s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, MinPollingPeriod, cfg.Device.PollingPeriod)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing id",
			mutate:  func(c *Config) { c.Device.ID = "" },
			wantErr: "device.id",
		},
		{
			name:    "bad protocol",
			mutate:  func(c *Config) { c.Device.Protocol = "carrier-pigeon" },
			wantErr: "device.protocol",
		},
		{
			name:    "bad auth policy",
			mutate:  func(c *Config) { c.Device.AuthPolicy = "shrug" },
			wantErr: "auth_policy",
		},
		{
			name: "forced http without host",
			mutate: func(c *Config) {
				c.Device.Protocol = ProtocolHTTP
				c.Device.Host = ""
			},
			wantErr: "device.host",
		},
		{
			name: "forced mqtt without broker",
			mutate: func(c *Config) {
				c.Device.Protocol = ProtocolMQTT
				c.MQTT.BrokerURL = ""
			},
			wantErr: "broker_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Device.ID = "2205"
			cfg.Device.Host = "192.168.1.14"
			cfg.MQTT.BrokerURL = "tcp://broker.local:1883"
			cfg.ApplyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEROSS_DEVICE_HOST", "10.0.0.5")
	t.Setenv("MEROSS_DEVICE_KEY", "env-key")
	t.Setenv("MEROSS_LOG_LEVEL", "error")

	path := writeConfig(t, `
device:
  id: "2205"
  host: 192.168.1.14
  key: file-key
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Device.Host)
	assert.Equal(t, "env-key", cfg.Device.Key)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
