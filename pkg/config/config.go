// Package config loads and validates the daemon configuration from
// file, environment, and defaults, and builds the configured backends.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete stratofs daemon configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (STRATOFS_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Store Configuration Pattern:
// The Store section carries a type discriminator plus one map per
// implementation; only the section matching the selected type is
// decoded, by the factory for that store.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains daemon-wide settings.
	Server ServerConfig `mapstructure:"server"`

	// Device describes the block device the daemon serves.
	Device DeviceConfig `mapstructure:"device"`

	// Store selects and configures the block persistence backend.
	Store StoreConfig `mapstructure:"store"`

	// Volume configures the volume-manager personality.
	Volume VolumeConfig `mapstructure:"volume"`

	// Paging configures the pager worker pool.
	Paging PagingConfig `mapstructure:"paging"`

	// Devfs configures the device registry directory.
	Devfs DevfsConfig `mapstructure:"devfs"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// ServerConfig contains daemon-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// ReadOnly serves the filesystem without write access.
	ReadOnly bool `mapstructure:"read_only"`
}

// DeviceConfig describes the served block device.
type DeviceConfig struct {
	// Name is the registry entry name.
	Name string `mapstructure:"name" validate:"required"`

	// TopologicalPath is the advertised device-tree path.
	TopologicalPath string `mapstructure:"topological_path" validate:"required,startswith=/"`

	// BlockSize is the device block size in bytes.
	BlockSize uint32 `mapstructure:"block_size" validate:"required,gt=0"`

	// BlockCount is the device size in blocks.
	BlockCount uint64 `mapstructure:"block_count" validate:"required,gt=0"`

	// OpsPerSecond throttles FIFO request execution.
	// Zero disables throttling.
	OpsPerSecond uint `mapstructure:"ops_per_second"`
}

// StoreConfig selects the block persistence backend.
//
// The Type field determines which implementation is used; only the
// matching section is decoded.
type StoreConfig struct {
	// Type is the backend: memory, badger, or s3.
	Type string `mapstructure:"type" validate:"required,oneof=memory badger s3"`

	// Badger contains BadgerDB-specific configuration.
	// Only used when Type = "badger".
	Badger map[string]any `mapstructure:"badger"`

	// S3 contains S3-specific configuration.
	// Only used when Type = "s3".
	S3 map[string]any `mapstructure:"s3"`
}

// VolumeConfig configures the volume-manager personality.
type VolumeConfig struct {
	// Enabled attaches a volume personality to the device.
	Enabled bool `mapstructure:"enabled"`

	// SliceSize is the slice size in bytes. Must be a multiple of the
	// device block size.
	SliceSize uint64 `mapstructure:"slice_size"`

	// VSliceMax bounds the virtual slice address space.
	VSliceMax uint64 `mapstructure:"vslice_max"`

	// PSliceCount is the physical slice pool size.
	PSliceCount uint64 `mapstructure:"pslice_count"`

	// FormatOnStart initializes volume metadata if none is valid.
	FormatOnStart bool `mapstructure:"format_on_start"`
}

// PagingConfig configures the pager worker pool.
type PagingConfig struct {
	// Workers is the pager pool size.
	Workers int `mapstructure:"workers" validate:"gte=0"`
}

// DevfsConfig configures the device registry.
type DevfsConfig struct {
	// Root is the watchable directory entries are published under.
	Root string `mapstructure:"root" validate:"required"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled serves /metrics when true.
	Enabled bool `mapstructure:"enabled"`

	// ListenAddress is the metrics HTTP listen address.
	ListenAddress string `mapstructure:"listen_address"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper wires environment variables and the config file location.
func setupViper(v *viper.Viper, configPath string) {
	// Example: STRATOFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("STRATOFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing
// file is acceptable; defaults cover everything.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory, following
// XDG_CONFIG_HOME when set.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "stratofs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "stratofs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
