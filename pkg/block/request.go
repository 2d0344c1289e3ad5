// Package block implements the client side of the block-device
// protocol: a fixed-depth FIFO transport carrying request batches
// correlated by group id, vmoid-based buffer registration, and an
// XDR-encoded control channel for administrative and volume calls.
package block

import (
	"sync"

	"github.com/stratofs/stratofs/pkg/status"
)

const (
	// FifoDepth is the slot count of the request/response rings.
	FifoDepth = 256

	// MaxTxnGroupCount bounds concurrently-outstanding request groups.
	MaxTxnGroupCount = 512

	// VmoidInvalid is never handed out by attach.
	VmoidInvalid uint16 = 0
)

// Opcode selects the block operation.
type Opcode uint32

const (
	OpRead Opcode = iota + 1
	OpWrite
	OpFlush
	OpTrim
	OpCloseVmo
)

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpTrim:
		return "trim"
	case OpCloseVmo:
		return "close-vmo"
	default:
		return "unknown"
	}
}

// RequestFlag bits tag requests on the FIFO.
type RequestFlag uint32

const (
	// FlagGroupItem marks a request as part of a group batch.
	FlagGroupItem RequestFlag = 1 << iota

	// FlagGroupLast marks the final request of a batch; the device
	// responds once per group when it completes.
	FlagGroupLast
)

// Request is one fixed-size FIFO request slot. Length and the offsets
// are in blocks, not bytes.
type Request struct {
	Opcode    Opcode
	Flags     RequestFlag
	Group     uint16
	Vmoid     uint16
	Length    uint32
	VmoOffset uint64
	DevOffset uint64
}

// Response is one fixed-size FIFO response slot.
type Response struct {
	Status status.Code
	Group  uint16
	Count  uint32
}

// Info answers BlockGetInfo.
type Info struct {
	BlockSize       uint32
	BlockCount      uint64
	MaxTransferSize uint32
	Flags           uint32
}

// BufferVmo is the registered data buffer block I/O copies through.
// The client owns it; the device reaches it through the handle table
// after attach.
type BufferVmo struct {
	mu   sync.RWMutex
	data []byte
}

// NewBufferVmo allocates a zeroed buffer of the given byte size.
func NewBufferVmo(size uint64) *BufferVmo {
	return &BufferVmo{data: make([]byte, size)}
}

// Size returns the buffer size in bytes.
func (v *BufferVmo) Size() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return uint64(len(v.data))
}

// ReadAt copies from the buffer at off into p.
func (v *BufferVmo) ReadAt(p []byte, off uint64) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if off+uint64(len(p)) > uint64(len(v.data)) {
		return status.Errorf(status.InvalidArgument, "vmo read out of range")
	}
	copy(p, v.data[off:])
	return nil
}

// WriteAt copies p into the buffer at off.
func (v *BufferVmo) WriteAt(p []byte, off uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if off+uint64(len(p)) > uint64(len(v.data)) {
		return status.Errorf(status.InvalidArgument, "vmo write out of range")
	}
	copy(v.data[off:], p)
	return nil
}

// vmoHandles is the process-wide handle table standing in for kernel
// handle transfer on attach.
var vmoHandles = struct {
	mu   sync.Mutex
	next uint64
	m    map[uint64]*BufferVmo
}{m: make(map[uint64]*BufferVmo)}

// RegisterVmoHandle places a buffer in the handle table and returns its
// transferable id.
func RegisterVmoHandle(v *BufferVmo) uint64 {
	vmoHandles.mu.Lock()
	defer vmoHandles.mu.Unlock()
	vmoHandles.next++
	id := vmoHandles.next
	vmoHandles.m[id] = v
	return id
}

// ResolveVmoHandle looks a handle up without consuming it.
func ResolveVmoHandle(id uint64) (*BufferVmo, bool) {
	vmoHandles.mu.Lock()
	defer vmoHandles.mu.Unlock()
	v, ok := vmoHandles.m[id]
	return v, ok
}

// ReleaseVmoHandle drops a handle from the table.
func ReleaseVmoHandle(id uint64) {
	vmoHandles.mu.Lock()
	defer vmoHandles.mu.Unlock()
	delete(vmoHandles.m, id)
}
