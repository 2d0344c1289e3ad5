package config

import (
	"strings"
	"time"

	"github.com/stratofs/stratofs/pkg/paging"
)

// Default values applied to unset fields.
const (
	DefaultLogLevel        = "INFO"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultDeviceName      = "000"
	DefaultTopologicalPath = "/dev/sys/platform/stratofs/block"
	DefaultBlockSize       = 512
	DefaultBlockCount      = 1 << 16
	DefaultDevfsRoot       = "/var/run/stratofs/dev"
	DefaultMetricsAddress  = ":9464"
	DefaultVSliceMax       = 1 << 10
)

// ApplyDefaults fills unset fields in place. Explicit zero values that
// are invalid anyway (block size, shutdown timeout) are treated as
// unset.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)

	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Device.Name == "" {
		cfg.Device.Name = DefaultDeviceName
	}
	if cfg.Device.TopologicalPath == "" {
		cfg.Device.TopologicalPath = DefaultTopologicalPath
	}
	if cfg.Device.BlockSize == 0 {
		cfg.Device.BlockSize = DefaultBlockSize
	}
	if cfg.Device.BlockCount == 0 {
		cfg.Device.BlockCount = DefaultBlockCount
	}

	if cfg.Store.Type == "" {
		cfg.Store.Type = "memory"
	}

	if cfg.Volume.Enabled {
		if cfg.Volume.SliceSize == 0 {
			cfg.Volume.SliceSize = 64 * uint64(cfg.Device.BlockSize)
		}
		if cfg.Volume.VSliceMax == 0 {
			cfg.Volume.VSliceMax = DefaultVSliceMax
		}
		if cfg.Volume.PSliceCount == 0 {
			deviceBytes := uint64(cfg.Device.BlockSize) * cfg.Device.BlockCount
			cfg.Volume.PSliceCount = deviceBytes / cfg.Volume.SliceSize
		}
	}

	if cfg.Paging.Workers == 0 {
		cfg.Paging.Workers = paging.DefaultWorkerCount
	}

	if cfg.Devfs.Root == "" {
		cfg.Devfs.Root = DefaultDevfsRoot
	}

	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddress == "" {
		cfg.Metrics.ListenAddress = DefaultMetricsAddress
	}
}
