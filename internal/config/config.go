// Package config loads the service configuration from a YAML file with
// environment overrides (prefix MEROSSLINK_).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Protocol preference values accepted in device configuration.
const (
	ProtocolAuto = "auto"
	ProtocolHTTP = "http"
	ProtocolMQTT = "mqtt"
)

// Config is the root service configuration.
type Config struct {
	// LogLevel is the zap level (debug, info, warn, error)
	LogLevel string `mapstructure:"log_level"`

	// StorageDir holds the embedded profile store files
	StorageDir string `mapstructure:"storage_dir"`

	// HealthInterval is how often the aggregate health snapshot is logged
	HealthInterval time.Duration `mapstructure:"health_interval"`

	// Broker optionally points at a local MQTT broker devices are bound to
	Broker *BrokerConfig `mapstructure:"broker"`

	// Profiles are the cloud accounts to link
	Profiles []ProfileConfig `mapstructure:"profiles"`

	// Devices are the statically configured appliances
	Devices []DeviceConfig `mapstructure:"devices"`
}

// BrokerConfig describes a local (non-cloud) MQTT broker.
type BrokerConfig struct {
	// Host is the broker hostname or address
	Host string `mapstructure:"host"`

	// Port is the broker port
	Port int `mapstructure:"port"`

	// Username for broker authentication (optional)
	Username string `mapstructure:"username"`

	// Password for broker authentication (optional)
	Password string `mapstructure:"password"`

	// AllowPublish permits publishing commands through this broker.
	// When false the broker is listen-only and commands go over HTTP.
	AllowPublish bool `mapstructure:"allow_publish"`
}

// ProfileConfig describes one cloud account.
type ProfileConfig struct {
	// ID is the cloud account userid
	ID string `mapstructure:"id"`

	// Key is the account signing key shared by all its devices
	Key string `mapstructure:"key"`

	// Token is the cloud api session token
	Token string `mapstructure:"token"`

	// APIBase overrides the cloud api endpoint (optional)
	APIBase string `mapstructure:"api_base"`

	// AllowPublish permits publishing commands through the cloud brokers
	AllowPublish bool `mapstructure:"allow_publish"`
}

// DeviceConfig describes one statically configured appliance.
type DeviceConfig struct {
	// ID is the device uuid
	ID string `mapstructure:"id"`

	// Host is the LAN address ("" when the device is MQTT-only)
	Host string `mapstructure:"host"`

	// Key is the device signing key
	Key string `mapstructure:"key"`

	// Protocol is the configured preference: auto, http or mqtt
	Protocol string `mapstructure:"protocol"`

	// PollingPeriod overrides the default polling period
	PollingPeriod time.Duration `mapstructure:"polling_period"`

	// ProfileID links the device to a configured cloud profile (optional)
	ProfileID string `mapstructure:"profile_id"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:       "info",
		StorageDir:     "./data",
		HealthInterval: 60 * time.Second,
	}
}

// Load reads the configuration file at path, applying defaults and
// MEROSSLINK_* environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("log_level", "info")
	v.SetDefault("storage_dir", "./data")
	v.SetDefault("health_interval", 60*time.Second)

	v.SetEnvPrefix("MEROSSLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	profiles := map[string]struct{}{}
	for i, p := range c.Profiles {
		if p.ID == "" {
			return fmt.Errorf("profiles[%d]: missing id", i)
		}
		if p.Key == "" {
			return fmt.Errorf("profile %s: missing key", p.ID)
		}
		if _, dup := profiles[p.ID]; dup {
			return fmt.Errorf("profile %s: duplicate id", p.ID)
		}
		profiles[p.ID] = struct{}{}
	}

	devices := map[string]struct{}{}
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: missing id", i)
		}
		if _, dup := devices[d.ID]; dup {
			return fmt.Errorf("device %s: duplicate id", d.ID)
		}
		devices[d.ID] = struct{}{}
		switch d.Protocol {
		case "", ProtocolAuto, ProtocolHTTP, ProtocolMQTT:
		default:
			return fmt.Errorf("device %s: unknown protocol %q", d.ID, d.Protocol)
		}
		if d.Protocol == ProtocolHTTP && d.Host == "" {
			return fmt.Errorf("device %s: protocol http requires a host", d.ID)
		}
		if d.ProfileID != "" {
			if _, ok := profiles[d.ProfileID]; !ok {
				return fmt.Errorf("device %s: unknown profile %s", d.ID, d.ProfileID)
			}
		}
		if d.PollingPeriod != 0 && d.PollingPeriod < 5*time.Second {
			return fmt.Errorf("device %s: polling_period below 5s", d.ID)
		}
	}

	if c.Broker != nil {
		if c.Broker.Host == "" {
			return fmt.Errorf("broker: missing host")
		}
		if c.Broker.Port == 0 {
			c.Broker.Port = 1883
		}
	}
	return nil
}
