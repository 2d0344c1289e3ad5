package devfs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratofs/stratofs/pkg/block/blockdev"
	"github.com/stratofs/stratofs/pkg/block/store"
	"github.com/stratofs/stratofs/pkg/devfs"
	"github.com/stratofs/stratofs/pkg/status"
)

func newDevice(t *testing.T, topo string) *blockdev.Device {
	t.Helper()
	backing, err := store.NewMemoryStore(512, 16)
	require.NoError(t, err)
	dev := blockdev.New(blockdev.Config{Store: backing, TopologicalPath: topo})
	t.Cleanup(dev.Close)
	return dev
}

func TestRegisterPublishesEntryFile(t *testing.T) {
	root := t.TempDir()
	registry, err := devfs.NewRegistry(root)
	require.NoError(t, err)

	dev := newDevice(t, "/dev/sys/ramctl/block")
	require.NoError(t, registry.Register("000", dev))

	content, err := os.ReadFile(filepath.Join(root, "000"))
	require.NoError(t, err)
	assert.Equal(t, "/dev/sys/ramctl/block", string(content))

	found, err := registry.Lookup("000")
	require.NoError(t, err)
	assert.Same(t, dev, found)
	assert.Equal(t, []string{"000"}, registry.List())

	// Duplicate names are rejected.
	err = registry.Register("000", dev)
	require.Error(t, err)
	assert.Equal(t, status.AlreadyExists, status.CodeOf(err))
}

func TestRegisterRejectsPathyNames(t *testing.T) {
	registry, err := devfs.NewRegistry(t.TempDir())
	require.NoError(t, err)

	dev := newDevice(t, "/dev/x")
	for _, name := range []string{"", "a/b", `a\b`} {
		err := registry.Register(name, dev)
		require.Error(t, err, "name %q", name)
		assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	}
}

func TestUnregisterRemovesEntry(t *testing.T) {
	root := t.TempDir()
	registry, err := devfs.NewRegistry(root)
	require.NoError(t, err)

	dev := newDevice(t, "/dev/x")
	require.NoError(t, registry.Register("blk", dev))
	require.NoError(t, registry.Unregister("blk"))

	_, err = os.Stat(filepath.Join(root, "blk"))
	assert.True(t, os.IsNotExist(err))
	_, err = registry.Lookup("blk")
	require.Error(t, err)
	assert.Equal(t, status.NotFound, status.CodeOf(err))

	err = registry.Unregister("blk")
	require.Error(t, err)
}

func TestRebindCyclesEntry(t *testing.T) {
	root := t.TempDir()
	registry, err := devfs.NewRegistry(root)
	require.NoError(t, err)

	dev := newDevice(t, "/dev/x")
	require.NoError(t, registry.Register("blk", dev))

	// The device-side trigger lands in the registry hook.
	dev.Rebind()

	content, err := os.ReadFile(filepath.Join(root, "blk"))
	require.NoError(t, err)
	assert.Equal(t, "/dev/x", string(content))
	_, err = registry.Lookup("blk")
	assert.NoError(t, err)
}

func TestCloseUnpublishesEverything(t *testing.T) {
	root := t.TempDir()
	registry, err := devfs.NewRegistry(root)
	require.NoError(t, err)

	require.NoError(t, registry.Register("a", newDevice(t, "/dev/a")))
	require.NoError(t, registry.Register("b", newDevice(t, "/dev/b")))
	require.NoError(t, registry.Close())

	assert.Empty(t, registry.List())
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
