// Package config loads the runtime configuration file. Configuration is a
// single JSON document: gateway listener settings, optional NATS telemetry,
// remote speech endpoints, the flow definition file, and the static device
// credential table used when no external secret store is wired in.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/c360/voicestreams/errors"
)

// Config is the root runtime configuration
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Gateway GatewayConfig `json:"gateway"`
	Metrics MetricsConfig `json:"metrics"`
	NATS    NATSConfig    `json:"nats"`
	Speech  RemoteConfig  `json:"speech"`
	Synth   RemoteConfig  `json:"synth"`

	// FlowsPath points at a JSON file holding the flow definitions to load
	FlowsPath string `json:"flows_path"`

	// Devices maps device client ids to their secrets for the built-in
	// credential table. An external secret store replaces this in larger
	// deployments.
	Devices map[string]string `json:"devices,omitempty"`
}

// LoggingConfig controls the structured logger
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// GatewayConfig configures the device-facing WebSocket listener
type GatewayConfig struct {
	Port                     int    `json:"port"`
	Path                     string `json:"path"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`

	// GlobalKeyEnv names the environment variable holding the operator-wide
	// shared secret. The secret itself never appears in the config file.
	GlobalKeyEnv string `json:"global_key_env,omitempty"`
}

// HeartbeatInterval returns the heartbeat interval as a duration
func (g GatewayConfig) HeartbeatInterval() time.Duration {
	return time.Duration(g.HeartbeatIntervalSeconds) * time.Second
}

// GlobalKey resolves the operator-wide shared secret, empty when unset
func (g GatewayConfig) GlobalKey() string {
	if g.GlobalKeyEnv == "" {
		return ""
	}
	return os.Getenv(g.GlobalKeyEnv)
}

// MetricsConfig configures the metrics/health HTTP endpoint
type MetricsConfig struct {
	Port int `json:"port"`
}

// NATSConfig configures optional telemetry publishing. An empty URL disables
// NATS entirely; the runtime then operates local-only.
type NATSConfig struct {
	URL string `json:"url,omitempty"`
}

// RemoteConfig configures one remote speech endpoint
type RemoteConfig struct {
	URL string `json:"url,omitempty"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Gateway: GatewayConfig{
			Port:                     8088,
			Path:                     "/device",
			HeartbeatIntervalSeconds: 30,
		},
		Metrics: MetricsConfig{Port: 9100},
	}
}

// Load reads and validates a configuration file. Missing fields fall back
// to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "file read")
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "JSON parse")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural problems
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: gateway port %d out of range", errors.ErrInvalidConfig, c.Gateway.Port),
			"config", "Validate", "gateway validation")
	}
	if c.Gateway.HeartbeatIntervalSeconds <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: heartbeat interval must be positive", errors.ErrInvalidConfig),
			"config", "Validate", "gateway validation")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: metrics port %d out of range", errors.ErrInvalidConfig, c.Metrics.Port),
			"config", "Validate", "metrics validation")
	}
	return nil
}
