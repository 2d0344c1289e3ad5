package block

import (
	"bytes"
	"fmt"
	"sync"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/stratofs/stratofs/pkg/status"
)

// Control-channel methods. Attach, info, and the legacy single-block
// read ride the same channel as the volume sub-protocol; a device that
// does not recognize a method closes the channel, which is exactly the
// behavior the volume-probe asymmetry inherits.
const (
	MethodBlockGetInfo uint32 = iota + 1
	MethodAttachVmo
	MethodGetDevicePath
	MethodReadBlock
	MethodVolumeGetInfo
	MethodVolumeExtend
	MethodVolumeShrink
	MethodVolumeQuerySlices
	MethodVolumeAllocatePartition
	MethodVolumeDestroyPartition
	MethodRebind
)

// ControlCall is the XDR-framed request envelope.
type ControlCall struct {
	Method uint32
	Body   []byte
}

// ControlReply is the XDR-framed response envelope.
type ControlReply struct {
	Status uint32
	Body   []byte
}

// Wire bodies. All integers are XDR-encoded big endian by the codec.

type blockInfoReply struct {
	BlockSize       uint32
	BlockCount      uint64
	MaxTransferSize uint32
	Flags           uint32
}

type attachVmoCall struct {
	Handle uint64
}

type attachVmoReply struct {
	Vmoid uint32
}

type devicePathReply struct {
	Path string
}

type readBlockCall struct {
	BlockOffset uint64
}

type readBlockReply struct {
	Data []byte
}

// VolumeInfo mirrors the volume manager's per-partition accounting.
type VolumeInfo struct {
	SliceSize            uint64
	VSliceMax            uint64
	PSliceTotalCount     uint64
	PSliceAllocatedCount uint64
}

type volumeRangeCall struct {
	StartSlice uint64
	SliceCount uint64
}

type querySlicesCall struct {
	Slices []uint64
}

// SliceRange describes one run of virtual slices.
type SliceRange struct {
	Allocated bool
	Count     uint64
}

type querySlicesReply struct {
	Ranges []SliceRange
}

type allocatePartitionCall struct {
	TypeGUID     [16]byte
	InstanceGUID [16]byte
	Name         string
	SliceCount   uint64
}

// encodeXDR marshals v into a fresh buffer.
func encodeXDR(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, fmt.Errorf("xdr marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeXDR unmarshals data into v.
func decodeXDR(data []byte, v any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("xdr unmarshal: %w", err)
	}
	return nil
}

// ControlChannel is one logical administrative channel to a device. It
// carries one XDR call at a time; either side may close it, and a
// closed channel fails all further traffic with PeerClosed.
type ControlChannel struct {
	calls   chan []byte
	replies chan []byte
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	pending bool
}

// NewControlChannel returns an open channel.
func NewControlChannel() *ControlChannel {
	return &ControlChannel{
		calls:   make(chan []byte),
		replies: make(chan []byte),
		done:    make(chan struct{}),
	}
}

// Call sends one request and blocks for its reply. Channel closure at
// any point surfaces as PeerClosed.
func (c *ControlChannel) Call(method uint32, body []byte) (status.Code, []byte, error) {
	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return 0, nil, status.Errorf(status.BadState, "control call already in flight")
	}
	c.pending = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = false
		c.mu.Unlock()
	}()

	raw, err := encodeXDR(&ControlCall{Method: method, Body: body})
	if err != nil {
		return 0, nil, err
	}

	select {
	case c.calls <- raw:
	case <-c.done:
		return 0, nil, status.Errorf(status.PeerClosed, "control channel closed")
	}

	select {
	case rawReply := <-c.replies:
		var reply ControlReply
		if err := decodeXDR(rawReply, &reply); err != nil {
			return 0, nil, err
		}
		return status.Code(reply.Status), reply.Body, nil
	case <-c.done:
		return 0, nil, status.Errorf(status.PeerClosed, "control channel closed")
	}
}

// Recv blocks for the next call. The device side of the channel.
func (c *ControlChannel) Recv() (*ControlCall, error) {
	select {
	case raw := <-c.calls:
		var call ControlCall
		if err := decodeXDR(raw, &call); err != nil {
			return nil, err
		}
		return &call, nil
	case <-c.done:
		return nil, status.Errorf(status.PeerClosed, "control channel closed")
	}
}

// Reply answers the call most recently received.
func (c *ControlChannel) Reply(st status.Code, body []byte) error {
	raw, err := encodeXDR(&ControlReply{Status: uint32(st), Body: body})
	if err != nil {
		return err
	}
	select {
	case c.replies <- raw:
		return nil
	case <-c.done:
		return status.Errorf(status.PeerClosed, "control channel closed")
	}
}

// Close severs the channel. Idempotent.
func (c *ControlChannel) Close() {
	c.once.Do(func() { close(c.done) })
}

// Closed reports whether the channel is severed.
func (c *ControlChannel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
