package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/stratofs/stratofs/internal/logger"
	"github.com/stratofs/stratofs/pkg/block"
	"github.com/stratofs/stratofs/pkg/block/blockdev"
	"github.com/stratofs/stratofs/pkg/config"
	"github.com/stratofs/stratofs/pkg/devfs"
	"github.com/stratofs/stratofs/pkg/metrics"
	"github.com/stratofs/stratofs/pkg/paging"
	"github.com/stratofs/stratofs/pkg/vfs"
	"github.com/stratofs/stratofs/pkg/vfs/memfs"
	"github.com/stratofs/stratofs/pkg/volume"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger.SetLevel(cfg.Logging.Level)

	fmt.Println("stratofs - user-space storage daemon")
	logger.Info("Log level set to: %s", cfg.Logging.Level)
	logger.Info("Block store backend: %s", cfg.Store.Type)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blockStore, err := config.CreateBlockStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create block store: %v", err)
	}

	registry, err := devfs.NewRegistry(cfg.Devfs.Root)
	if err != nil {
		log.Fatalf("Failed to create device registry: %v", err)
	}

	devCfg := blockdev.Config{
		Store:           blockStore,
		TopologicalPath: cfg.Device.TopologicalPath,
		OpsPerSecond:    cfg.Device.OpsPerSecond,
	}
	var partitions *blockdev.PartitionService
	if cfg.Volume.Enabled {
		pool := blockdev.NewSliceVolume(cfg.Volume.SliceSize, cfg.Volume.VSliceMax, cfg.Volume.PSliceCount)
		partitions = blockdev.NewPartitionService(registry, pool, cfg.Device.TopologicalPath, cfg.Device.BlockSize)
		devCfg.Volume = pool
		devCfg.PartitionOps = partitions
		logger.Info("Volume manager enabled: slice size %d, %d physical slices", cfg.Volume.SliceSize, cfg.Volume.PSliceCount)
	}
	dev := blockdev.New(devCfg)

	if err := registry.Register(cfg.Device.Name, dev); err != nil {
		log.Fatalf("Failed to register device %q: %v", cfg.Device.Name, err)
	}
	logger.Info("Device registered: %s -> %s", cfg.Device.Name, cfg.Device.TopologicalPath)

	if cfg.Volume.Enabled && cfg.Volume.FormatOnStart {
		if err := formatIfNeeded(dev, cfg.Volume.SliceSize); err != nil {
			log.Fatalf("Failed to format device %q: %v", cfg.Device.Name, err)
		}
	}

	pager := paging.NewManager(cfg.Paging.Workers)

	fs := vfs.New()
	fs.SetReadonly(cfg.Server.ReadOnly)
	rights := vfs.ReadWrite()
	if cfg.Server.ReadOnly {
		rights = vfs.ReadOnly()
		logger.Info("Serving read-only")
	}
	if _, err := fs.ServeDirectory(memfs.NewDirectory(), rights, vfs.NewNodeChannel()); err != nil {
		log.Fatalf("Failed to serve root directory: %v", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.ListenAddress)
		group.Go(func() error {
			return metricsServer.Start(groupCtx)
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Daemon is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case <-groupCtx.Done():
		logger.Error("Background task failed, shutting down")
	}
	cancel()

	var result *multierror.Error

	vfsDone := make(chan error, 1)
	fs.Shutdown(func(err error) { vfsDone <- err })
	select {
	case err := <-vfsDone:
		if err != nil {
			result = multierror.Append(result, err)
		}
	case <-time.After(cfg.Server.ShutdownTimeout):
		result = multierror.Append(result, fmt.Errorf("vfs shutdown timed out after %v", cfg.Server.ShutdownTimeout))
	}

	pager.Shutdown()
	if partitions != nil {
		partitions.Close()
	}
	if err := registry.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	dev.Close()
	if err := blockStore.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := group.Wait(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		logger.Error("Shutdown finished with errors: %v", err)
		os.Exit(1)
	}
	logger.Info("Daemon stopped gracefully")
}

// formatIfNeeded writes fresh volume metadata when the device carries
// none that parses.
func formatIfNeeded(dev *blockdev.Device, sliceSize uint64) error {
	client, err := block.NewClient(dev)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := volume.ReadHeader(client); err == nil {
		logger.Info("Valid volume metadata found, skipping format")
		return nil
	}
	logger.Info("No valid volume metadata, formatting")
	return volume.Init(client, sliceSize)
}
