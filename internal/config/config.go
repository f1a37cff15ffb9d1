// Package config loads the EcoWatt agent's YAML configuration file and
// layers environment-variable overrides on top, the way the upstream
// platform config does it.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the full set of parameters the Supervisor needs to construct
// every engine and collaborator.
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Network     NetworkConfig     `yaml:"network"`
	Security    SecurityConfig    `yaml:"security"`
	Fota        FotaConfig        `yaml:"fota"`
	Store       StoreConfig       `yaml:"store"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// DeviceConfig identifies this device and its gateway credentials.
type DeviceConfig struct {
	ID           string `yaml:"id"`
	WifiSSID     string `yaml:"wifi_ssid"`
	WifiPassword string `yaml:"wifi_password"`
	APIKey       string `yaml:"api_key"`
	Slave        int    `yaml:"modbus_slave"`
}

// NetworkConfig holds endpoint URLs, polling cadence, and transport tuning.
type NetworkConfig struct {
	InverterURL           string `yaml:"inverter_url"`
	BackendBaseURL        string `yaml:"backend_base_url"`
	PollIntervalMs        int    `yaml:"poll_interval_ms"`
	UploadIntervalMs      int    `yaml:"upload_interval_ms"`
	ConfigCheckIntervalMs int    `yaml:"config_check_interval_ms"`
	PollGranularityMs     int    `yaml:"poll_granularity_ms"`
	RequestTimeoutSec     int    `yaml:"request_timeout_sec"`
	MaxRetries            int    `yaml:"max_retries"`
	BackoffBaseMs         int    `yaml:"backoff_base_ms"`
}

// SecurityConfig carries the HMAC anti-replay key as hex, decoded at load
// time into raw bytes by the caller.
type SecurityConfig struct {
	PSKHex string `yaml:"psk_hex"`
}

// FotaConfig configures the firmware-update check cadence and signing key.
type FotaConfig struct {
	CheckIntervalMs int    `yaml:"check_interval_ms"`
	SigningKeyHex   string `yaml:"signing_key_hex"`
	RunningVersion  string `yaml:"running_version"`
}

// StoreConfig sizes the sample buffer and upload batching target.
type StoreConfig struct {
	SampleCapacity int `yaml:"sample_capacity"`
	TargetSamples  int `yaml:"target_samples"`
}

// DiagnosticsConfig tunes the event ring and success-rate reporting.
type DiagnosticsConfig struct {
	RingSize int `yaml:"ring_size"`
}

// MaintenanceConfig configures the local maintenance API. Port 0 disables
// the listener.
type MaintenanceConfig struct {
	Port int `yaml:"port"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton Config, loading it on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("ECOWATT_CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and parses the YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets deployment-time environment variables override
// whatever the YAML file specified, taking priority over file values.
func (c *Config) applyEnvOverrides() {
	c.Device.ID = getEnv("ECOWATT_DEVICE_ID", c.Device.ID)
	c.Device.WifiSSID = getEnv("ECOWATT_WIFI_SSID", c.Device.WifiSSID)
	c.Device.WifiPassword = getEnv("ECOWATT_WIFI_PASSWORD", c.Device.WifiPassword)
	c.Device.APIKey = getEnv("ECOWATT_API_KEY", c.Device.APIKey)
	if v := getEnvInt("ECOWATT_MODBUS_SLAVE", 0); v > 0 {
		c.Device.Slave = v
	}

	c.Network.InverterURL = getEnv("ECOWATT_INVERTER_URL", c.Network.InverterURL)
	c.Network.BackendBaseURL = getEnv("ECOWATT_BACKEND_BASE_URL", c.Network.BackendBaseURL)
	if v := getEnvInt("ECOWATT_POLL_INTERVAL_MS", 0); v > 0 {
		c.Network.PollIntervalMs = v
	}
	if v := getEnvInt("ECOWATT_UPLOAD_INTERVAL_MS", 0); v > 0 {
		c.Network.UploadIntervalMs = v
	}
	if v := getEnvInt("ECOWATT_CONFIG_CHECK_INTERVAL_MS", 0); v > 0 {
		c.Network.ConfigCheckIntervalMs = v
	}
	if v := getEnvInt("ECOWATT_REQUEST_TIMEOUT_SEC", 0); v > 0 {
		c.Network.RequestTimeoutSec = v
	}
	if v := getEnvInt("ECOWATT_MAX_RETRIES", 0); v > 0 {
		c.Network.MaxRetries = v
	}

	c.Security.PSKHex = getEnv("ECOWATT_PSK_HEX", c.Security.PSKHex)

	if v := getEnvInt("ECOWATT_FOTA_CHECK_INTERVAL_MS", 0); v > 0 {
		c.Fota.CheckIntervalMs = v
	}
	c.Fota.SigningKeyHex = getEnv("ECOWATT_FOTA_SIGNING_KEY_HEX", c.Fota.SigningKeyHex)
	c.Fota.RunningVersion = getEnv("ECOWATT_FIRMWARE_VERSION", c.Fota.RunningVersion)

	if v := getEnvInt("ECOWATT_SAMPLE_CAPACITY", 0); v > 0 {
		c.Store.SampleCapacity = v
	}
	if v := getEnvInt("ECOWATT_TARGET_SAMPLES", 0); v > 0 {
		c.Store.TargetSamples = v
	}
	if v := getEnvInt("ECOWATT_MAINTENANCE_PORT", 0); v > 0 {
		c.Maintenance.Port = v
	}
}

// applyDefaults fills in reference values for anything still at its zero
// value after file load and env overrides.
func (c *Config) applyDefaults() {
	if c.Device.Slave == 0 {
		c.Device.Slave = 0x11
	}
	if c.Network.PollIntervalMs == 0 {
		c.Network.PollIntervalMs = 10_000
	}
	if c.Network.UploadIntervalMs == 0 {
		c.Network.UploadIntervalMs = 60_000
	}
	if c.Network.ConfigCheckIntervalMs == 0 {
		c.Network.ConfigCheckIntervalMs = 300_000
	}
	if c.Network.PollGranularityMs == 0 {
		c.Network.PollGranularityMs = 250
	}
	if c.Network.RequestTimeoutSec == 0 {
		c.Network.RequestTimeoutSec = 5
	}
	if c.Network.MaxRetries == 0 {
		c.Network.MaxRetries = 3
	}
	if c.Network.BackoffBaseMs == 0 {
		c.Network.BackoffBaseMs = 500
	}
	if c.Fota.CheckIntervalMs == 0 {
		c.Fota.CheckIntervalMs = 3_600_000
	}
	if c.Fota.RunningVersion == "" {
		c.Fota.RunningVersion = "0.0.0"
	}
	if c.Store.SampleCapacity == 0 {
		c.Store.SampleCapacity = 256
	}
	if c.Store.TargetSamples == 0 {
		c.Store.TargetSamples = 64
	}
	if c.Diagnostics.RingSize == 0 {
		c.Diagnostics.RingSize = 50
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
