package volume

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stratofs/stratofs/internal/logger"
	"github.com/stratofs/stratofs/pkg/block"
	"github.com/stratofs/stratofs/pkg/status"
)

// Init formats a volume manager across the whole device.
func Init(c *block.Client, sliceSize uint64) error {
	info, err := c.BlockGetInfo()
	if err != nil {
		return err
	}
	return InitWithSize(c, info.BlockCount*uint64(info.BlockSize), sliceSize)
}

// InitWithSize formats a volume manager of a fixed size.
func InitWithSize(c *block.Client, volumeSize, sliceSize uint64) error {
	return InitPreallocated(c, volumeSize, volumeSize, sliceSize)
}

// InitPreallocated formats a volume manager sized for initialSize now
// and maxSize eventually. Both metadata copies are written and then
// read back; success is only declared once a valid header round-trips.
func InitPreallocated(c *block.Client, initialSize, maxSize, sliceSize uint64) error {
	info, err := c.BlockGetInfo()
	if err != nil {
		return err
	}

	if sliceSize == 0 || sliceSize%uint64(info.BlockSize) != 0 {
		return status.Errorf(status.InvalidArgument, "slice size not block aligned")
	}
	if (sliceSize*MaxVSlices)/MaxVSlices != sliceSize {
		return status.Errorf(status.InvalidArgument, "slice size overflows address space")
	}
	if initialSize > maxSize || initialSize == 0 || maxSize == 0 {
		return status.Errorf(status.InvalidArgument, "invalid volume size")
	}

	header := HeaderFromGrowableDiskSize(initialSize, maxSize, sliceSize, info.BlockSize)
	if header.PSliceCount == 0 {
		return status.Errorf(status.NoSpace, "disk too small for any slice")
	}

	if err := writeMetadata(c, info.BlockSize, header.Serialize(info.BlockSize)); err != nil {
		return err
	}

	// Round trip: the device must hand back a header we accept.
	if _, err := ReadHeader(c); err != nil {
		return status.Errorf(status.IO, "metadata verification failed after init")
	}
	logger.Info("volume: formatted %d slices of %d bytes", header.PSliceCount, sliceSize)
	return nil
}

// writeMetadata writes one serialized copy to every metadata slot and
// flushes.
func writeMetadata(c *block.Client, blockSize uint32, copyBlock []byte) error {
	vmo := block.NewBufferVmo(MetadataBytes(blockSize))
	vmoid, err := c.AttachVmo(vmo)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.DetachVmo(vmoid); err != nil {
			logger.Debug("volume: detach after metadata write: %v", err)
		}
	}()

	for i := uint64(0); i < MetadataCopies; i++ {
		if err := vmo.WriteAt(copyBlock, i*uint64(blockSize)); err != nil {
			return err
		}
	}
	return c.Transaction([]block.Request{
		{Opcode: block.OpWrite, Vmoid: vmoid, Length: MetadataCopies, VmoOffset: 0, DevOffset: 0},
		{Opcode: block.OpFlush},
	})
}

// ReadHeader reads back both metadata copies and picks the valid one.
func ReadHeader(c *block.Client) (Header, error) {
	primary, err := c.ReadBlock(0)
	if err != nil {
		return Header{}, err
	}
	backup, err := c.ReadBlock(1)
	if err != nil {
		return Header{}, err
	}
	header, ok := PickValidHeader(primary, backup)
	if !ok {
		return Header{}, status.Errorf(status.BadState, "no valid metadata copy")
	}
	return header, nil
}

// Query is the VolumeGetInfo passthrough.
func Query(c *block.Client) (block.VolumeInfo, error) {
	return c.VolumeGetInfo()
}

// Overwrite zeroes the entire metadata region and rebinds the device,
// destroying the volume state unconditionally.
func Overwrite(c *block.Client, sliceSize uint64) error {
	info, err := c.BlockGetInfo()
	if err != nil {
		return err
	}
	if sliceSize == 0 || sliceSize%uint64(info.BlockSize) != 0 {
		return status.Errorf(status.InvalidArgument, "slice size not block aligned")
	}

	zeros := make([]byte, info.BlockSize)
	if err := writeMetadata(c, info.BlockSize, zeros); err != nil {
		return err
	}
	return c.Rebind()
}

// Destroy confirms the device speaks the volume protocol, wipes its
// metadata, and waits for the registry entry to disappear as the
// rebind takes it down. The entry cycling back later is a different
// device as far as watchers are concerned.
func Destroy(ctx context.Context, c *block.Client, registryDir, entry string, timeout time.Duration) error {
	volInfo, err := c.VolumeGetInfo()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(registryDir); err != nil {
		return err
	}

	if err := Overwrite(c, volInfo.SliceSize); err != nil {
		return err
	}
	return waitRemoved(ctx, watcher, entry, timeout)
}

// waitRemoved blocks until the watcher reports the entry's removal.
func waitRemoved(ctx context.Context, watcher *fsnotify.Watcher, entry string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return status.Errorf(status.PeerClosed, "registry watch closed")
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && filepath.Base(ev.Name) == entry {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				return err
			}
		case <-deadline.C:
			return status.PathError(status.TimedOut, "entry still present", entry)
		case <-ctx.Done():
			return status.PathError(status.TimedOut, "entry still present", entry)
		}
	}
}
