// Package config loads the module configuration from YAML with environment
// overrides and documented defaults. A missing optional field never fails a
// session; it falls back to its default instead.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol option strings accepted in configuration.
const (
	ProtocolAuto = "auto"
	ProtocolMQTT = "mqtt"
	ProtocolHTTP = "http"
)

// Auth policy option strings for signature mismatches.
const (
	AuthFailOpen   = "fail-open"
	AuthFailClosed = "fail-closed"
)

// Polling bounds. The default matches the device firmware's own refresh
// cadence; the floor protects the appliance from being hammered.
const (
	DefaultPollingPeriod = 30 * time.Second
	MinPollingPeriod     = 5 * time.Second

	// DefaultHeartbeatPeriod bounds how long the session tolerates total
	// silence before probing with a full-state request.
	DefaultHeartbeatPeriod = 295 * time.Second
)

// DeviceConfig configures one device session.
type DeviceConfig struct {
	// ID is the stable appliance identifier (uuid from the device).
	ID string `yaml:"id"`
	// Key is the shared secret used to sign and validate messages. Empty
	// enables auto-detect mode: the session echoes the device's own tags.
	Key string `yaml:"key"`
	// Host is the device LAN address, when known. A known host makes the
	// HTTP channel the preferred transport under auto protocol.
	Host string `yaml:"host"`
	// Protocol selects the transport policy: auto, mqtt or http.
	Protocol string `yaml:"protocol"`
	// PollingPeriod is the routine state refresh interval.
	PollingPeriod time.Duration `yaml:"polling_period"`
	// HeartbeatPeriod is the silence threshold for liveness probing.
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	// Timezone, when set, is pushed to the device if its reported timezone
	// drifts from it.
	Timezone string `yaml:"timezone"`
	// AuthPolicy decides what happens to a message whose signature does
	// not match Key: fail-open applies it anyway (observed device behaviour
	// treats the mismatch as a mis-encoding), fail-closed drops it. Either
	// way the mismatch is logged.
	AuthPolicy string `yaml:"auth_policy"`
	// TraceDuration enables the diagnostic traffic recorder for the given
	// duration from session start. Zero disables tracing.
	TraceDuration time.Duration `yaml:"trace_duration"`
	// TraceDir is the directory trace files are written to.
	TraceDir string `yaml:"trace_dir"`
}

// MQTTConfig configures the pub/sub transport client.
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StoreConfig configures the persistence sink.
type StoreConfig struct {
	// Path is the SQLite database file. Empty selects an in-memory store.
	Path string `yaml:"path"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPort    int    `yaml:"metrics_port"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// Config is the root configuration.
type Config struct {
	Device        DeviceConfig        `yaml:"device"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Store         StoreConfig         `yaml:"store"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads and validates a YAML configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in defaults for every optional field.
func (c *Config) ApplyDefaults() {
	d := &c.Device
	if d.Protocol == "" {
		d.Protocol = ProtocolAuto
	}
	if d.PollingPeriod <= 0 {
		d.PollingPeriod = DefaultPollingPeriod
	}
	if d.PollingPeriod < MinPollingPeriod {
		d.PollingPeriod = MinPollingPeriod
	}
	if d.HeartbeatPeriod <= 0 {
		d.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if d.AuthPolicy == "" {
		d.AuthPolicy = AuthFailOpen
	}
	if d.TraceDir == "" {
		d.TraceDir = "traces"
	}

	if c.MQTT.ConnectTimeout <= 0 {
		c.MQTT.ConnectTimeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Observability.MetricsPort == 0 {
		c.Observability.MetricsPort = 9090
	}
}

// Validate checks the fields that have no usable fallback.
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	switch c.Device.Protocol {
	case ProtocolAuto, ProtocolMQTT, ProtocolHTTP:
	default:
		return fmt.Errorf("invalid device.protocol %q", c.Device.Protocol)
	}
	switch c.Device.AuthPolicy {
	case AuthFailOpen, AuthFailClosed:
	default:
		return fmt.Errorf("invalid device.auth_policy %q", c.Device.AuthPolicy)
	}
	if c.Device.Protocol == ProtocolHTTP && c.Device.Host == "" {
		return fmt.Errorf("device.host is required when protocol is forced to http")
	}
	if c.Device.Protocol == ProtocolMQTT && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when protocol is forced to mqtt")
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("MEROSS_DEVICE_HOST"); host != "" {
		c.Device.Host = host
	}
	if key := os.Getenv("MEROSS_DEVICE_KEY"); key != "" {
		c.Device.Key = key
	}
	if broker := os.Getenv("MEROSS_MQTT_URL"); broker != "" {
		c.MQTT.BrokerURL = broker
	}
	if level := os.Getenv("MEROSS_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if port := os.Getenv("MEROSS_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Observability.MetricsPort = p
		}
	}
}
