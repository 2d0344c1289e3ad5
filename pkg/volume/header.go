// Package volume implements the volume-manager client: metadata
// formatting with dual headers, destroy-and-rebind, and partition
// discovery over a watchable device registry.
package volume

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/stratofs/stratofs/pkg/status"
)

const (
	// HeaderMagic is "STRATFVM" read little-endian.
	HeaderMagic uint64 = 0x4d56465441525453

	// HeaderVersion is the current metadata format version.
	HeaderVersion uint64 = 1

	// MaxVSlices bounds the virtual slice address space; used for the
	// slice-size overflow check during init.
	MaxVSlices uint64 = 1 << 32

	// MetadataCopies is the number of redundant header copies, laid out
	// in consecutive blocks from the start of the device.
	MetadataCopies = 2

	// headerLength is the serialized header prefix within its block.
	headerLength = 6*8 + sha256.Size
)

// Header is the volume-manager superblock. It is serialized
// little-endian into one block, with a sha256 of the block (hash field
// zeroed) as the integrity check, and written twice: a primary copy at
// block zero and a backup right after it.
type Header struct {
	Magic       uint64
	Version     uint64
	SliceSize   uint64
	PSliceCount uint64
	VolumeSize  uint64
	Generation  uint64
	Hash        [sha256.Size]byte
}

// MetadataBytes is the size of the full metadata region, both copies.
func MetadataBytes(blockSize uint32) uint64 {
	return MetadataCopies * uint64(blockSize)
}

// HeaderFromDiskSize sizes a volume that fills the disk.
func HeaderFromDiskSize(diskSize, sliceSize uint64, blockSize uint32) Header {
	return HeaderFromGrowableDiskSize(diskSize, diskSize, sliceSize, blockSize)
}

// HeaderFromGrowableDiskSize sizes a volume that starts at initialSize
// and may grow to maxSize. The physical slice count covers the initial
// size only; growth extends it later.
func HeaderFromGrowableDiskSize(initialSize, maxSize, sliceSize uint64, blockSize uint32) Header {
	metadata := MetadataBytes(blockSize)
	var pslices uint64
	if sliceSize > 0 && initialSize > metadata {
		pslices = (initialSize - metadata) / sliceSize
	}
	return Header{
		Magic:       HeaderMagic,
		Version:     HeaderVersion,
		SliceSize:   sliceSize,
		PSliceCount: pslices,
		VolumeSize:  maxSize,
		Generation:  1,
	}
}

// Serialize renders the header into one zero-padded block and stamps
// the integrity hash.
func (h *Header) Serialize(blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint64(buf[0:], h.Magic)
	binary.LittleEndian.PutUint64(buf[8:], h.Version)
	binary.LittleEndian.PutUint64(buf[16:], h.SliceSize)
	binary.LittleEndian.PutUint64(buf[24:], h.PSliceCount)
	binary.LittleEndian.PutUint64(buf[32:], h.VolumeSize)
	binary.LittleEndian.PutUint64(buf[40:], h.Generation)
	sum := sha256.Sum256(buf)
	copy(buf[48:], sum[:])
	return buf
}

// ParseHeader decodes and validates one serialized copy.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < headerLength {
		return Header{}, status.Errorf(status.InvalidArgument, "metadata block too small")
	}
	var h Header
	h.Magic = binary.LittleEndian.Uint64(buf[0:])
	h.Version = binary.LittleEndian.Uint64(buf[8:])
	h.SliceSize = binary.LittleEndian.Uint64(buf[16:])
	h.PSliceCount = binary.LittleEndian.Uint64(buf[24:])
	h.VolumeSize = binary.LittleEndian.Uint64(buf[32:])
	h.Generation = binary.LittleEndian.Uint64(buf[40:])
	copy(h.Hash[:], buf[48:])

	if h.Magic != HeaderMagic {
		return Header{}, status.Errorf(status.BadState, "bad metadata magic")
	}
	if h.Version != HeaderVersion {
		return Header{}, status.Errorf(status.NotSupported, "unsupported metadata version")
	}

	check := make([]byte, len(buf))
	copy(check, buf)
	for i := 0; i < sha256.Size; i++ {
		check[48+i] = 0
	}
	sum := sha256.Sum256(check)
	if sum != h.Hash {
		return Header{}, status.Errorf(status.IO, "metadata hash mismatch")
	}
	return h, nil
}

// PickValidHeader chooses between the primary and backup copies: both
// valid picks the higher generation (primary wins ties), one valid
// picks it, neither reports failure.
func PickValidHeader(primary, backup []byte) (Header, bool) {
	p, perr := ParseHeader(primary)
	b, berr := ParseHeader(backup)
	switch {
	case perr == nil && berr == nil:
		if b.Generation > p.Generation {
			return b, true
		}
		return p, true
	case perr == nil:
		return p, true
	case berr == nil:
		return b, true
	default:
		return Header{}, false
	}
}
