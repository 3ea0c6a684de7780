// Package config handles telemetry publisher configuration loading.
//
// Every setting has a default that matches the publisher's built-in
// constants, so the program runs unchanged with no config file at all.
// A YAML file, when present, is overlaid on top of [Default].
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported MQTT protocol versions for [BrokerConfig.Protocol].
const (
	ProtocolV5   = "5"
	ProtocolV311 = "3.1.1"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/telemetry-publisher/config.yaml,
// /etc/telemetry-publisher/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "telemetry-publisher", "config.yaml"))
	}

	paths = append(paths, "/etc/telemetry-publisher/config.yaml")
	return paths
}

// ErrNoConfig is returned by [FindConfig] when no explicit path was
// given and none of the [DefaultSearchPaths] exist. Callers treat it as
// "use [Default]".
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error wrapping [ErrNoConfig] if nothing
// was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all publisher configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Device    DeviceConfig    `yaml:"device"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Status    StatusConfig    `yaml:"status"`
	Commands  CommandsConfig  `yaml:"commands"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Journal   JournalConfig   `yaml:"journal"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// BrokerConfig defines the MQTT broker connection.
type BrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// KeepAliveSec is the MQTT keep-alive interval sent in CONNECT.
	KeepAliveSec int `yaml:"keepalive_sec"`
	// Protocol selects the MQTT wire version: "3.1.1" or "5".
	Protocol string `yaml:"protocol"`
	// ClientID overrides the generated telemetry-<device>-<uuid> ID.
	ClientID string `yaml:"client_id"`
	// ConnectTimeoutSec bounds the initial dial and CONNACK wait.
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
}

// Address returns host:port suitable for net.Dial.
func (c BrokerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// KeepAlive returns the keep-alive interval as a duration.
func (c BrokerConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSec) * time.Second
}

// ConnectTimeout returns the connect timeout as a duration.
func (c BrokerConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// DeviceConfig identifies the simulated device.
type DeviceConfig struct {
	ID int `yaml:"id"`
}

// TelemetryConfig controls the publish loop.
type TelemetryConfig struct {
	// IntervalSec is the delay between consecutive publishes.
	IntervalSec int `yaml:"interval_sec"`
}

// Interval returns the publish delay as a duration.
func (c TelemetryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// StatusConfig enables the retained online/offline status topic with
// a matching will message.
type StatusConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CommandsConfig enables the inbound command listener.
type CommandsConfig struct {
	Enabled bool `yaml:"enabled"`
	// RateLimit is the maximum number of commands handled per second.
	// Excess messages are dropped.
	RateLimit int `yaml:"rate_limit"`
}

// HeartbeatConfig enables periodic liveness messages on the heartbeat
// topic, independent of the telemetry interval.
type HeartbeatConfig struct {
	Enabled     bool `yaml:"enabled"`
	IntervalSec int  `yaml:"interval_sec"`
}

// Interval returns the heartbeat period as a duration.
func (c HeartbeatConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// JournalConfig enables the local SQLite record of published samples.
// An empty Path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// Enabled reports whether a journal path is configured.
func (c JournalConfig) Enabled() bool {
	return c.Path != ""
}

// DBPath returns Path with a leading ~ expanded to the home directory.
func (c JournalConfig) DBPath() string {
	if c.Path == "~" || strings.HasPrefix(c.Path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(c.Path, "~"))
		}
	}
	return c.Path
}

// Load reads configuration from a YAML file and overlays it on
// [Default]. Environment variables in the file are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:              "localhost",
			Port:              1883,
			KeepAliveSec:      60,
			Protocol:          ProtocolV311,
			ConnectTimeoutSec: 10,
		},
		Device:    DeviceConfig{ID: 1},
		Telemetry: TelemetryConfig{IntervalSec: 3},
		Commands:  CommandsConfig{RateLimit: 10},
		Heartbeat: HeartbeatConfig{IntervalSec: 30},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate reports the first configuration problem found, or nil.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host must not be empty")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d out of range (1-65535)", c.Broker.Port)
	}
	// MQTT encodes keep-alive as a 16-bit seconds value.
	if c.Broker.KeepAliveSec < 0 || c.Broker.KeepAliveSec > 65535 {
		return fmt.Errorf("broker.keepalive_sec %d out of range (0-65535)", c.Broker.KeepAliveSec)
	}
	switch c.Broker.Protocol {
	case ProtocolV5, ProtocolV311:
	default:
		return fmt.Errorf("broker.protocol %q unsupported (valid: %s, %s)", c.Broker.Protocol, ProtocolV5, ProtocolV311)
	}
	if c.Broker.ConnectTimeoutSec <= 0 {
		return fmt.Errorf("broker.connect_timeout_sec must be positive")
	}
	if c.Device.ID < 1 {
		return fmt.Errorf("device.id must be positive, got %d", c.Device.ID)
	}
	if c.Telemetry.IntervalSec <= 0 {
		return fmt.Errorf("telemetry.interval_sec must be positive")
	}
	if c.Commands.Enabled && c.Commands.RateLimit <= 0 {
		return fmt.Errorf("commands.rate_limit must be positive when commands are enabled")
	}
	if c.Heartbeat.Enabled && c.Heartbeat.IntervalSec <= 0 {
		return fmt.Errorf("heartbeat.interval_sec must be positive when heartbeat is enabled")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (expected text or json)", c.LogFormat)
	}
	return nil
}
