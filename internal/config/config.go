// Package config handles iotbridge configuration loading and the
// credential store for gateway and device triples.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrGatewayTriple is returned when the gateway triple is missing or
// incomplete. The process must not start without a usable gateway
// identity, so this error is fatal.
var ErrGatewayTriple = errors.New("gateway triple incomplete (product_key, device_name, device_secret required)")

// OptionsPath is where the Home Assistant supervisor writes add-on
// options. When this file exists it takes precedence over YAML search.
const OptionsPath = "/data/options.json"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/iotbridge/config.yaml, /etc/iotbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "iotbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/iotbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the add-on options file is preferred, then DefaultSearchPaths.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	if _, err := os.Stat(OptionsPath); err == nil {
		return OptionsPath, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %s, %v)", OptionsPath, DefaultSearchPaths())
}

// Triple identifies a device (or the gateway) on the cloud IoT platform
// and maps it to its Home Assistant entities. Triples are immutable
// once loaded; reloading configuration replaces the whole set.
type Triple struct {
	DeviceID     string `yaml:"device_id" json:"device_id"`
	ProductKey   string `yaml:"product_key" json:"product_key"`
	DeviceName   string `yaml:"device_name" json:"device_name"`
	DeviceSecret string `yaml:"device_secret" json:"device_secret"`
	EntityPrefix string `yaml:"entity_prefix" json:"entity_prefix"`
	Enabled      bool   `yaml:"enabled" json:"enabled"`
}

// Validate checks that all fields required to bridge a device are set.
func (t Triple) Validate() error {
	switch {
	case t.DeviceID == "":
		return errors.New("device_id is empty")
	case t.ProductKey == "":
		return errors.New("product_key is empty")
	case t.DeviceName == "":
		return errors.New("device_name is empty")
	case t.EntityPrefix == "":
		return errors.New("entity_prefix is empty")
	}
	return nil
}

// HomeAssistantConfig defines HA API connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// InsecureSkipVerify disables TLS certificate verification for
	// self-signed local HA installs.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Configured reports whether the HA connection settings are usable.
func (h HomeAssistantConfig) Configured() bool {
	return h.URL != "" && h.Token != ""
}

// MQTTConfig defines the cloud broker connection settings.
type MQTTConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	KeepAliveSec int    `yaml:"keepalive_sec"`
	// Username and Password override the credentials derived from the
	// gateway triple. Normally left empty: the platform authenticates
	// with the device name and secret.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicTemplates override the default cloud platform topic layout.
	// Empty values keep the platform defaults (see cloud.Topics).
	PropertyTopic string `yaml:"property_topic"`
	CommandTopic  string `yaml:"command_topic"`
	ReplyTopic    string `yaml:"reply_topic"`
	StatusTopic   string `yaml:"status_topic"`
}

// Config holds all iotbridge configuration.
type Config struct {
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`

	Gateway Triple   `yaml:"gateway_triple"`
	Devices []Triple `yaml:"devices_triple"`

	// ReportIntervalSec is accepted for compatibility with the documented
	// options schema but has no effect: the telemetry pusher runs at a
	// fixed 60-second cadence. A warning is logged when the configured
	// value differs. See DESIGN.md.
	ReportIntervalSec int `yaml:"report_interval"`

	DiscoveryRetryIntervalSec int `yaml:"discovery_retry_interval"`
	RetryAttempts             int `yaml:"retry_attempts"`
	RetryDelaySec             int `yaml:"retry_delay"`

	NTPServer string `yaml:"ntp_server"`
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// addonOptions is the flat key set the Home Assistant supervisor writes
// to /data/options.json. The add-on schema has always been flat; only
// gateway_triple and devices_triple carry nested objects. YAML configs
// use the structured Config layout instead.
type addonOptions struct {
	HAURL                string `json:"ha_url"`
	HAToken              string `json:"ha_token"`
	HAInsecureSkipVerify bool   `json:"ha_insecure_skip_verify"`

	MQTTHost          string `json:"mqtt_host"`
	MQTTPort          int    `json:"mqtt_port"`
	MQTTKeepAliveSec  int    `json:"mqtt_keepalive_sec"`
	MQTTUsername      string `json:"mqtt_username"`
	MQTTPassword      string `json:"mqtt_password"`
	MQTTPropertyTopic string `json:"mqtt_property_topic"`
	MQTTCommandTopic  string `json:"mqtt_command_topic"`
	MQTTReplyTopic    string `json:"mqtt_reply_topic"`
	MQTTStatusTopic   string `json:"mqtt_status_topic"`

	Gateway Triple   `json:"gateway_triple"`
	Devices []Triple `json:"devices_triple"`

	ReportIntervalSec         int `json:"report_interval"`
	DiscoveryRetryIntervalSec int `json:"discovery_retry_interval"`
	RetryAttempts             int `json:"retry_attempts"`
	RetryDelaySec             int `json:"retry_delay"`

	NTPServer string `json:"ntp_server"`
	DataDir   string `json:"data_dir"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// apply copies the options into cfg. Zero values are left alone so the
// documented defaults survive keys the supervisor omits.
func (o addonOptions) apply(cfg *Config) {
	cfg.HomeAssistant.URL = o.HAURL
	cfg.HomeAssistant.Token = o.HAToken
	cfg.HomeAssistant.InsecureSkipVerify = o.HAInsecureSkipVerify

	if o.MQTTHost != "" {
		cfg.MQTT.Host = o.MQTTHost
	}
	if o.MQTTPort != 0 {
		cfg.MQTT.Port = o.MQTTPort
	}
	if o.MQTTKeepAliveSec != 0 {
		cfg.MQTT.KeepAliveSec = o.MQTTKeepAliveSec
	}
	cfg.MQTT.Username = o.MQTTUsername
	cfg.MQTT.Password = o.MQTTPassword
	cfg.MQTT.PropertyTopic = o.MQTTPropertyTopic
	cfg.MQTT.CommandTopic = o.MQTTCommandTopic
	cfg.MQTT.ReplyTopic = o.MQTTReplyTopic
	cfg.MQTT.StatusTopic = o.MQTTStatusTopic

	cfg.Gateway = o.Gateway
	cfg.Devices = o.Devices

	if o.ReportIntervalSec != 0 {
		cfg.ReportIntervalSec = o.ReportIntervalSec
	}
	if o.DiscoveryRetryIntervalSec != 0 {
		cfg.DiscoveryRetryIntervalSec = o.DiscoveryRetryIntervalSec
	}
	if o.RetryAttempts != 0 {
		cfg.RetryAttempts = o.RetryAttempts
	}
	if o.RetryDelaySec != 0 {
		cfg.RetryDelaySec = o.RetryDelaySec
	}
	if o.NTPServer != "" {
		cfg.NTPServer = o.NTPServer
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	cfg.LogLevel = o.LogLevel
	cfg.LogFormat = o.LogFormat
}

// Defaults mirror the documented add-on option defaults.
const (
	DefaultReportIntervalSec         = 60
	DefaultDiscoveryRetryIntervalSec = 300
	DefaultRetryAttempts             = 5
	DefaultRetryDelaySec             = 3
	DefaultMQTTPort                  = 1883
	DefaultKeepAliveSec              = 60
	DefaultNTPServer                 = "ntp.n.netease.com:123"
)

// Load reads configuration from a YAML or add-on options.json file,
// selected by extension. Environment variables in YAML files are
// expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if filepath.Ext(path) == ".json" {
		var opts addonOptions
		if err := json.Unmarshal(data, &opts); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		opts.apply(cfg)
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with documented defaults applied.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Host:         "device.iot.163.com",
			Port:         DefaultMQTTPort,
			KeepAliveSec: DefaultKeepAliveSec,
		},
		ReportIntervalSec:         DefaultReportIntervalSec,
		DiscoveryRetryIntervalSec: DefaultDiscoveryRetryIntervalSec,
		RetryAttempts:             DefaultRetryAttempts,
		RetryDelaySec:             DefaultRetryDelaySec,
		NTPServer:                 DefaultNTPServer,
		DataDir:                   "/data",
	}
}

// applyDefaults fills zero-valued fields after parsing, so a partial
// file inherits the documented defaults rather than zeros.
func (c *Config) applyDefaults() {
	if c.MQTT.Port == 0 {
		c.MQTT.Port = DefaultMQTTPort
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = DefaultKeepAliveSec
	}
	if c.ReportIntervalSec == 0 {
		c.ReportIntervalSec = DefaultReportIntervalSec
	}
	if c.DiscoveryRetryIntervalSec == 0 {
		c.DiscoveryRetryIntervalSec = DefaultDiscoveryRetryIntervalSec
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelaySec == 0 {
		c.RetryDelaySec = DefaultRetryDelaySec
	}
	if c.NTPServer == "" {
		c.NTPServer = DefaultNTPServer
	}
	if c.DataDir == "" {
		c.DataDir = "/data"
	}
}

// Validate checks the loaded configuration. Gateway or HA problems are
// fatal. Malformed device triples are not: they are logged and removed
// from the set so one bad entry cannot take the whole fleet down.
func (c *Config) Validate(logger *slog.Logger) error {
	if !c.HomeAssistant.Configured() {
		return errors.New("homeassistant url and token are required")
	}
	if c.MQTT.Host == "" {
		return errors.New("mqtt host is required")
	}
	if c.Gateway.ProductKey == "" || c.Gateway.DeviceName == "" || c.Gateway.DeviceSecret == "" {
		return ErrGatewayTriple
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Devices))
	valid := c.Devices[:0]
	for _, d := range c.Devices {
		if err := d.Validate(); err != nil {
			logger.Warn("device triple excluded from configuration",
				"device_id", d.DeviceID, "error", err)
			continue
		}
		if seen[d.DeviceID] {
			logger.Warn("duplicate device_id excluded from configuration",
				"device_id", d.DeviceID)
			continue
		}
		seen[d.DeviceID] = true
		valid = append(valid, d)
	}
	c.Devices = valid

	return nil
}

// EnabledDevices returns the enabled device triples. The returned slice
// is a copy; the underlying set is read-only after Load+Validate.
func (c *Config) EnabledDevices() []Triple {
	var out []Triple
	for _, d := range c.Devices {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}
