package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceConfig identifies this device within the ledger.
type DeviceConfig struct {
	DeviceID        string        `yaml:"device_id"`
	AppID           string        `yaml:"app_id"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SyncConfig holds cloud synchronization configuration.
type SyncConfig struct {
	Pages                  []string      `yaml:"pages"`
	UploadEnabled          bool          `yaml:"upload_enabled"`
	DownloadBackoffInitial time.Duration `yaml:"download_backoff_initial"`
	DownloadBackoffMax     time.Duration `yaml:"download_backoff_max"`
	UploadBackoffInitial   time.Duration `yaml:"upload_backoff_initial"`
	UploadBackoffMax       time.Duration `yaml:"upload_backoff_max"`
}

// MergeConfig holds conflict resolution configuration.
type MergeConfig struct {
	// Policy selects the resolver; only "last_one_wins" is built in.
	Policy string `yaml:"policy"`
}

// MeshConfig holds device mesh configuration.
type MeshConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedDevices    []string      `yaml:"seed_devices"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the sync daemon.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Sync    SyncConfig    `yaml:"sync"`
	Merge   MergeConfig   `yaml:"merge"`
	Mesh    MeshConfig    `yaml:"mesh"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// LoadConfig loads configuration from a file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Device.AppID == "" {
		cfg.Device.AppID = "ledger"
	}
	if cfg.Device.ShutdownTimeout == 0 {
		cfg.Device.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Sync.DownloadBackoffInitial == 0 {
		cfg.Sync.DownloadBackoffInitial = 100 * time.Millisecond
	}
	if cfg.Sync.DownloadBackoffMax == 0 {
		cfg.Sync.DownloadBackoffMax = time.Minute
	}
	if cfg.Sync.UploadBackoffInitial == 0 {
		cfg.Sync.UploadBackoffInitial = 100 * time.Millisecond
	}
	if cfg.Sync.UploadBackoffMax == 0 {
		cfg.Sync.UploadBackoffMax = time.Minute
	}

	if cfg.Merge.Policy == "" {
		cfg.Merge.Policy = "last_one_wins"
	}

	if cfg.Mesh.BindPort == 0 {
		cfg.Mesh.BindPort = 7946
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9100
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Device.DeviceID == "" {
		return fmt.Errorf("device.device_id is required")
	}
	if len(c.Sync.Pages) == 0 {
		return fmt.Errorf("sync.pages must list at least one page")
	}
	if c.Merge.Policy != "last_one_wins" {
		return fmt.Errorf("merge.policy %q is not supported", c.Merge.Policy)
	}
	if c.Mesh.Enabled && (c.Mesh.BindPort < 1 || c.Mesh.BindPort > 65535) {
		return fmt.Errorf("mesh.bind_port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
