package e2e

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratofs/stratofs/pkg/block"
	"github.com/stratofs/stratofs/pkg/config"
	"github.com/stratofs/stratofs/pkg/status"
	"github.com/stratofs/stratofs/pkg/vfs"
	"github.com/stratofs/stratofs/pkg/volume"
)

func TestVolumeProvisioningLifecycle(t *testing.T) {
	s := NewStack(t, nil)
	client := NewBlockClient(t, s.Device)

	// Fresh device: no metadata yet.
	_, err := volume.ReadHeader(client)
	require.Error(t, err)

	require.NoError(t, volume.Init(client, s.Config.Volume.SliceSize))
	hdr, err := volume.ReadHeader(client)
	require.NoError(t, err)
	assert.Equal(t, s.Config.Volume.SliceSize, hdr.SliceSize)

	info, err := volume.Query(client)
	require.NoError(t, err)
	assert.Equal(t, s.Config.Volume.SliceSize, info.SliceSize)
	assert.Zero(t, info.PSliceAllocatedCount)

	// Provision a partition and push data through it.
	req := block.PartitionRequest{
		TypeGUID:     uuid.New(),
		InstanceGUID: uuid.New(),
		Name:         "userdata",
		SliceCount:   4,
	}
	child, entry, err := volume.AllocatePartition(context.Background(), client, s.Registry, req, 2*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, entry)
	require.NotNil(t, child.Partition())
	assert.Equal(t, "userdata", child.Partition().Name)

	childClient := NewBlockClient(t, child)
	childInfo, err := childClient.BlockGetInfo()
	require.NoError(t, err)
	wantBlocks := 4 * s.Config.Volume.SliceSize / uint64(s.Config.Device.BlockSize)
	assert.Equal(t, wantBlocks, childInfo.BlockCount)

	vmo := block.NewBufferVmo(uint64(s.Config.Device.BlockSize))
	vmoid, err := childClient.AttachVmo(vmo)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0x5a}, int(s.Config.Device.BlockSize))
	require.NoError(t, vmo.WriteAt(payload, 0))
	require.NoError(t, childClient.Transaction([]block.Request{
		{Opcode: block.OpWrite, Vmoid: vmoid, Length: 1, VmoOffset: 0, DevOffset: 0},
		{Opcode: block.OpFlush},
	}))

	got, err := childClient.ReadBlock(0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Destroying through the partition's own channel unpublishes it.
	require.NoError(t, volume.DestroyPartition(childClient))
	_, err = s.Registry.Lookup(entry)
	assert.Equal(t, status.NotFound, status.CodeOf(err))
}

func TestPartitionDiscoveryAcrossAllocation(t *testing.T) {
	s := NewStack(t, nil)
	client := NewBlockClient(t, s.Device)
	require.NoError(t, volume.Init(client, s.Config.Volume.SliceSize))

	instance := uuid.New()
	found := make(chan error, 1)
	go func() {
		_, _, err := volume.OpenPartition(context.Background(), s.Registry, volume.PartitionMatcher{
			InstanceGUID: &instance,
		}, 3*time.Second)
		found <- err
	}()

	// Allocate after the watcher is (very likely) in place; the initial
	// scan plus the backoff rescan cover the race either way.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.VolumeAllocatePartition(block.PartitionRequest{
		TypeGUID:     uuid.New(),
		InstanceGUID: instance,
		Name:         "blob",
		SliceCount:   1,
	}))

	select {
	case err := <-found:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("discovery did not observe the new partition")
	}
}

func TestFilesystemEndToEnd(t *testing.T) {
	s := NewStack(t, nil)

	docs, err := s.RootConn.Open("docs", vfs.OpenOptions{
		Flags:  vfs.FlagCreate | vfs.FlagDirectory,
		Rights: vfs.ReadWrite(),
	}, vfs.NewNodeChannel())
	require.NoError(t, err)

	file, err := docs.Open("notes.txt", vfs.OpenOptions{
		Flags:  vfs.FlagCreate,
		Rights: vfs.ReadWrite(),
	}, vfs.NewNodeChannel())
	require.NoError(t, err)

	payload := []byte("line one\nline two\n")
	n, err := file.Write(payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = file.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])

	// Rename the directory through the token protocol.
	token, err := s.RootConn.GetToken()
	require.NoError(t, err)
	require.NoError(t, s.RootConn.Rename("docs", token, "archive"))

	_, err = s.Root.Lookup("docs")
	assert.Equal(t, status.NotFound, status.CodeOf(err))
	_, err = s.Root.Lookup("archive")
	require.NoError(t, err)

	// The open file connection survives the rename.
	_, err = file.Read(buf, 0)
	require.NoError(t, err)

	archive, err := s.RootConn.Open("archive", vfs.OpenOptions{
		Flags:  vfs.FlagDirectory,
		Rights: vfs.ReadWrite(),
	}, vfs.NewNodeChannel())
	require.NoError(t, err)
	dirents, err := archive.ReadDirents(16)
	require.NoError(t, err)
	names := make([]string, 0, len(dirents))
	for _, d := range dirents {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "notes.txt")

	require.NoError(t, file.Close())
	require.NoError(t, archive.Unlink("notes.txt"))
	_, err = archive.Open("notes.txt", vfs.OpenOptions{Rights: vfs.ReadOnly()}, vfs.NewNodeChannel())
	assert.Equal(t, status.NotFound, status.CodeOf(err))
}

func TestReadOnlyStackRejectsCreate(t *testing.T) {
	s := NewStack(t, func(cfg *config.Config) {
		cfg.Server.ReadOnly = true
	})

	_, err := s.RootConn.Open("scratch", vfs.OpenOptions{
		Flags:  vfs.FlagCreate,
		Rights: vfs.ReadWrite(),
	}, vfs.NewNodeChannel())
	assert.Equal(t, status.AccessDenied, status.CodeOf(err))
}
