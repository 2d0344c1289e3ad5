// Package e2e assembles the full daemon stack the way cmd/stratofs
// does, from configuration down to the block store, and exercises it
// across package boundaries.
package e2e

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratofs/stratofs/pkg/block"
	"github.com/stratofs/stratofs/pkg/block/blockdev"
	"github.com/stratofs/stratofs/pkg/block/store"
	"github.com/stratofs/stratofs/pkg/config"
	"github.com/stratofs/stratofs/pkg/devfs"
	"github.com/stratofs/stratofs/pkg/paging"
	"github.com/stratofs/stratofs/pkg/vfs"
	"github.com/stratofs/stratofs/pkg/vfs/memfs"
)

// Stack is one assembled daemon instance backed by temporary state.
type Stack struct {
	Config     *config.Config
	Store      store.Store
	Registry   *devfs.Registry
	Device     *blockdev.Device
	Pool       *blockdev.SliceVolume
	Partitions *blockdev.PartitionService
	Pager      *paging.Manager
	FS         *vfs.VFS
	Root       *memfs.Directory
	RootConn   *vfs.Connection
}

// NewStack builds a stack from defaults plus the given overrides. All
// components are torn down with the test.
func NewStack(t testing.TB, mutate func(*config.Config)) *Stack {
	t.Helper()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Devfs.Root = t.TempDir()
	cfg.Device.BlockCount = 4096
	cfg.Volume.Enabled = true
	cfg.Volume.SliceSize = 32 * uint64(cfg.Device.BlockSize)
	cfg.Volume.VSliceMax = 1024
	cfg.Volume.PSliceCount = 64
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, config.Validate(cfg))

	backing, err := config.CreateBlockStore(context.Background(), cfg)
	require.NoError(t, err)

	registry, err := devfs.NewRegistry(cfg.Devfs.Root)
	require.NoError(t, err)

	pool := blockdev.NewSliceVolume(cfg.Volume.SliceSize, cfg.Volume.VSliceMax, cfg.Volume.PSliceCount)
	partitions := blockdev.NewPartitionService(registry, pool, cfg.Device.TopologicalPath, cfg.Device.BlockSize)
	dev := blockdev.New(blockdev.Config{
		Store:           backing,
		TopologicalPath: cfg.Device.TopologicalPath,
		Volume:          pool,
		PartitionOps:    partitions,
		OpsPerSecond:    cfg.Device.OpsPerSecond,
	})
	require.NoError(t, registry.Register(cfg.Device.Name, dev))

	pager := paging.NewManager(cfg.Paging.Workers)

	fs := vfs.New()
	fs.SetReadonly(cfg.Server.ReadOnly)
	root := memfs.NewDirectory()
	rootConn, err := fs.ServeDirectory(root, vfs.ReadWrite(), vfs.NewNodeChannel())
	require.NoError(t, err)

	s := &Stack{
		Config:     cfg,
		Store:      backing,
		Registry:   registry,
		Device:     dev,
		Pool:       pool,
		Partitions: partitions,
		Pager:      pager,
		FS:         fs,
		Root:       root,
		RootConn:   rootConn,
	}
	t.Cleanup(s.teardown)
	return s
}

// teardown mirrors the daemon's shutdown order.
func (s *Stack) teardown() {
	s.FS.Shutdown(nil)
	s.Pager.Shutdown()
	s.Partitions.Close()
	_ = s.Registry.Close()
	s.Device.Close()
	_ = s.Store.Close()
}

// NewBlockClient connects a client to dev and ties it to the test.
func NewBlockClient(t testing.TB, dev *blockdev.Device) *block.Client {
	t.Helper()
	client, err := block.NewClient(dev)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}
