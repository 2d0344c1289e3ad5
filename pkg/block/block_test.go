package block_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratofs/stratofs/pkg/block"
	"github.com/stratofs/stratofs/pkg/block/blockdev"
	"github.com/stratofs/stratofs/pkg/block/store"
	"github.com/stratofs/stratofs/pkg/status"
)

const (
	testBlockSize  = 512
	testBlockCount = 128
)

func newTestDevice(t *testing.T, volume blockdev.VolumeHandler) (*blockdev.Device, *block.Client) {
	t.Helper()
	backing, err := store.NewMemoryStore(testBlockSize, testBlockCount)
	require.NoError(t, err)

	dev := blockdev.New(blockdev.Config{
		Store:           backing,
		TopologicalPath: "/dev/sys/platform/ram-disk/ramctl/block",
		Volume:          volume,
	})
	t.Cleanup(dev.Close)

	client, err := block.NewClient(dev)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return dev, client
}

func TestReadWriteRoundTrip(t *testing.T) {
	_, client := newTestDevice(t, nil)

	vmo := block.NewBufferVmo(4 * testBlockSize)
	vmoid, err := client.AttachVmo(vmo)
	require.NoError(t, err)
	require.NotEqual(t, block.VmoidInvalid, vmoid)

	payload := bytes.Repeat([]byte{0xab, 0xcd}, testBlockSize)
	require.NoError(t, vmo.WriteAt(payload, 0))

	err = client.Transaction([]block.Request{
		{Opcode: block.OpWrite, Vmoid: vmoid, Length: 2, VmoOffset: 0, DevOffset: 10},
		{Opcode: block.OpFlush},
	})
	require.NoError(t, err)

	// Scribble over the buffer, then read the blocks back into it.
	require.NoError(t, vmo.WriteAt(make([]byte, len(payload)), 0))
	err = client.Transaction([]block.Request{
		{Opcode: block.OpRead, Vmoid: vmoid, Length: 2, VmoOffset: 0, DevOffset: 10},
	})
	require.NoError(t, err)

	got := make([]byte, len(payload))
	require.NoError(t, vmo.ReadAt(got, 0))
	assert.Equal(t, payload, got)
}

func TestReadBlockLegacyPath(t *testing.T) {
	_, client := newTestDevice(t, nil)

	vmo := block.NewBufferVmo(testBlockSize)
	vmoid, err := client.AttachVmo(vmo)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x42}, testBlockSize)
	require.NoError(t, vmo.WriteAt(payload, 0))
	require.NoError(t, client.Transaction([]block.Request{
		{Opcode: block.OpWrite, Vmoid: vmoid, Length: 1, DevOffset: 7},
	}))

	data, err := client.ReadBlock(7)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = client.ReadBlock(testBlockCount)
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestTransactionValidation(t *testing.T) {
	_, client := newTestDevice(t, nil)

	err := client.Transaction(nil)
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	// Out-of-range transfers fail the whole group.
	vmo := block.NewBufferVmo(testBlockSize)
	vmoid, err := client.AttachVmo(vmo)
	require.NoError(t, err)
	err = client.Transaction([]block.Request{
		{Opcode: block.OpRead, Vmoid: vmoid, Length: 1, DevOffset: testBlockCount},
	})
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	// An unattached vmoid is rejected.
	err = client.Transaction([]block.Request{
		{Opcode: block.OpRead, Vmoid: 999, Length: 1},
	})
	require.Error(t, err)
}

func TestGroupFailurePreservesNeighbors(t *testing.T) {
	_, client := newTestDevice(t, nil)

	vmo := block.NewBufferVmo(2 * testBlockSize)
	vmoid, err := client.AttachVmo(vmo)
	require.NoError(t, err)

	// Second request of the group fails; the batch reports the error
	// exactly once and later batches are unaffected.
	err = client.Transaction([]block.Request{
		{Opcode: block.OpRead, Vmoid: vmoid, Length: 1, DevOffset: 0},
		{Opcode: block.OpRead, Vmoid: vmoid, Length: 1, DevOffset: testBlockCount, VmoOffset: 1},
	})
	require.Error(t, err)

	require.NoError(t, client.Transaction([]block.Request{
		{Opcode: block.OpRead, Vmoid: vmoid, Length: 1, DevOffset: 0},
	}))
	assert.Equal(t, 0, client.GroupsInUse())
}

func TestConcurrentTransactionsDoNotShareGroups(t *testing.T) {
	_, client := newTestDevice(t, nil)

	// Twice the group pool size, so callers must recycle freed groups.
	workers := 2 * block.MaxTxnGroupCount
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = client.Transaction([]block.Request{{Opcode: block.OpFlush}})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	assert.Equal(t, 0, client.GroupsInUse())
}

// gateStore delays reads until released, to hold transactions in
// flight.
type gateStore struct {
	*store.MemoryStore
	gate chan struct{}
}

func (s *gateStore) ReadAt(ctx context.Context, p []byte, off uint64) error {
	<-s.gate
	return s.MemoryStore.ReadAt(ctx, p, off)
}

func TestFifoCloseUnblocksAllCallers(t *testing.T) {
	backing, err := store.NewMemoryStore(testBlockSize, testBlockCount)
	require.NoError(t, err)
	gated := &gateStore{MemoryStore: backing, gate: make(chan struct{})}

	dev := blockdev.New(blockdev.Config{Store: gated})
	client, err := block.NewClient(dev)
	require.NoError(t, err)

	vmo := block.NewBufferVmo(testBlockSize)
	vmoid, err := client.AttachVmo(vmo)
	require.NoError(t, err)

	const callers = 4
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			errCh <- client.Transaction([]block.Request{
				{Opcode: block.OpRead, Vmoid: vmoid, Length: 1},
			})
		}()
	}
	time.Sleep(50 * time.Millisecond)

	// Severing the transport wakes every blocked caller, not just the
	// one holding the reader role.
	dev.Fifo().Close()
	for i := 0; i < callers; i++ {
		select {
		case err := <-errCh:
			require.Error(t, err)
			assert.Equal(t, status.PeerClosed, status.CodeOf(err))
		case <-time.After(2 * time.Second):
			t.Fatal("caller still blocked after transport close")
		}
	}

	// A fresh transaction fails fast rather than hanging.
	err = client.Transaction([]block.Request{{Opcode: block.OpFlush}})
	require.Error(t, err)

	close(gated.gate)
	dev.Close()
}

func TestDetachVmoInvalidatesID(t *testing.T) {
	_, client := newTestDevice(t, nil)

	vmo := block.NewBufferVmo(testBlockSize)
	vmoid, err := client.AttachVmo(vmo)
	require.NoError(t, err)

	require.NoError(t, client.DetachVmo(vmoid))
	err = client.Transaction([]block.Request{
		{Opcode: block.OpRead, Vmoid: vmoid, Length: 1},
	})
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestBlockGetInfoAndDevicePath(t *testing.T) {
	_, client := newTestDevice(t, nil)

	info, err := client.BlockGetInfo()
	require.NoError(t, err)
	assert.Equal(t, uint32(testBlockSize), info.BlockSize)
	assert.Equal(t, uint64(testBlockCount), info.BlockCount)
	assert.NotZero(t, info.MaxTransferSize)

	path, err := client.GetDevicePath()
	require.NoError(t, err)
	assert.Equal(t, "/dev/sys/platform/ram-disk/ramctl/block", path)
}

func TestTrimZeroesBlocks(t *testing.T) {
	_, client := newTestDevice(t, nil)

	vmo := block.NewBufferVmo(testBlockSize)
	vmoid, err := client.AttachVmo(vmo)
	require.NoError(t, err)

	require.NoError(t, vmo.WriteAt(bytes.Repeat([]byte{0xff}, testBlockSize), 0))
	require.NoError(t, client.Transaction([]block.Request{
		{Opcode: block.OpWrite, Vmoid: vmoid, Length: 1, DevOffset: 3},
	}))
	require.NoError(t, client.Transaction([]block.Request{
		{Opcode: block.OpTrim, Length: 1, DevOffset: 3},
	}))

	data, err := client.ReadBlock(3)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testBlockSize), data)
}

func TestVolumeProbeIsSafeOnPlainDevice(t *testing.T) {
	_, client := newTestDevice(t, nil)

	// The probe runs on its own channel; a plain block device closing
	// it must not disturb the primary connection.
	_, err := client.VolumeGetInfo()
	require.Error(t, err)
	assert.Equal(t, status.NotSupported, status.CodeOf(err))

	_, err = client.BlockGetInfo()
	assert.NoError(t, err)
}

func TestVolumeMutationKillsPrimaryChannelOnPlainDevice(t *testing.T) {
	_, client := newTestDevice(t, nil)

	// Extend rides the primary channel. A plain device answers by
	// closing it, and everything else on that channel dies with it.
	err := client.VolumeExtend(0, 1)
	require.Error(t, err)
	assert.Equal(t, status.PeerClosed, status.CodeOf(err))

	_, err = client.BlockGetInfo()
	require.Error(t, err)
	assert.Equal(t, status.PeerClosed, status.CodeOf(err))
}

func TestVolumeOperations(t *testing.T) {
	volume := blockdev.NewSliceVolume(32*1024, 64, 16)
	_, client := newTestDevice(t, volume)

	info, err := client.VolumeGetInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(32*1024), info.SliceSize)
	assert.Equal(t, uint64(64), info.VSliceMax)
	assert.Equal(t, uint64(16), info.PSliceTotalCount)
	assert.Zero(t, info.PSliceAllocatedCount)

	require.NoError(t, client.VolumeExtend(0, 4))
	require.NoError(t, client.VolumeExtend(8, 2))

	info, err = client.VolumeGetInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), info.PSliceAllocatedCount)

	ranges, err := client.VolumeQuerySlices([]uint64{0, 4, 8})
	require.NoError(t, err)
	require.Len(t, ranges, 3)
	assert.True(t, ranges[0].Allocated)
	assert.Equal(t, uint64(4), ranges[0].Count)
	assert.False(t, ranges[1].Allocated)
	assert.True(t, ranges[2].Allocated)
	assert.Equal(t, uint64(2), ranges[2].Count)

	// The pool bounds allocation.
	err = client.VolumeExtend(16, 32)
	require.Error(t, err)
	assert.Equal(t, status.NoSpace, status.CodeOf(err))

	require.NoError(t, client.VolumeShrink(0, 4))
	info, err = client.VolumeGetInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.PSliceAllocatedCount)

	// Addressing past the virtual maximum is rejected outright.
	err = client.VolumeExtend(64, 1)
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestFifoBackpressure(t *testing.T) {
	fifo := block.NewFifo(2)
	n, err := fifo.TryWriteRequests([]block.Request{{}, {}, {}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = fifo.TryWriteRequests([]block.Request{{}})
	require.Error(t, err)
	assert.Equal(t, status.ShouldWait, status.CodeOf(err))

	reqs, err := fifo.ReadRequests(10)
	require.NoError(t, err)
	assert.Len(t, reqs, 2)

	fifo.Close()
	_, err = fifo.ReadRequests(1)
	require.Error(t, err)
	assert.Equal(t, status.PeerClosed, status.CodeOf(err))
}

func TestOpsPerSecondThrottlesRequests(t *testing.T) {
	backing, err := store.NewMemoryStore(testBlockSize, testBlockCount)
	require.NoError(t, err)

	// Burst covers the first second worth of tokens, so issue enough
	// flushes to spill past it and measure the paced tail.
	dev := blockdev.New(blockdev.Config{
		Store:           backing,
		TopologicalPath: "/dev/sys/platform/ram-disk/ramctl/block",
		OpsPerSecond:    20,
	})
	t.Cleanup(dev.Close)

	client, err := block.NewClient(dev)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	start := time.Now()
	for i := 0; i < 25; i++ {
		require.NoError(t, client.Transaction([]block.Request{{Opcode: block.OpFlush}}))
	}
	elapsed := time.Since(start)
	assert.Greater(t, elapsed, 200*time.Millisecond, "5 requests past the burst at 20 ops/s")
}
