// Package blockdev implements an in-process block device: it serves the
// FIFO request protocol and the control channel against a store.Store
// backend, optionally with a volume-manager personality on top.
package blockdev

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratofs/stratofs/internal/logger"
	"github.com/stratofs/stratofs/internal/ratelimiter"
	"github.com/stratofs/stratofs/pkg/block"
	"github.com/stratofs/stratofs/pkg/block/store"
	"github.com/stratofs/stratofs/pkg/metrics"
	"github.com/stratofs/stratofs/pkg/status"
)

// VolumeHandler is the volume-manager personality of a device. A device
// without one rejects the volume protocol by closing the control
// channel that asked.
type VolumeHandler interface {
	VolumeInfo() block.VolumeInfo
	Extend(startSlice, count uint64) status.Code
	Shrink(startSlice, count uint64) status.Code
	QuerySlices(slices []uint64) ([]block.SliceRange, status.Code)
}

// PartitionOps extends a device with partition lifecycle calls. A
// volume manager allocates children; a partition destroys itself.
type PartitionOps interface {
	AllocatePartition(req block.PartitionRequest) status.Code
	DestroyPartition() status.Code
}

// PartitionInfo is the identity a partition advertises for matching.
type PartitionInfo struct {
	TypeGUID     uuid.UUID
	InstanceGUID uuid.UUID
	Name         string
}

// Config describes a device to serve.
type Config struct {
	// Store is the persistence backend. Required.
	Store store.Store

	// TopologicalPath answers GetDevicePath.
	TopologicalPath string

	// MaxTransferSize advertised in BlockGetInfo. Zero means one FIFO
	// depth worth of blocks.
	MaxTransferSize uint32

	// Volume enables the volume-manager personality when non-nil.
	Volume VolumeHandler

	// PartitionOps enables partition lifecycle calls when non-nil.
	PartitionOps PartitionOps

	// OpsPerSecond throttles FIFO request execution. Zero means
	// unlimited.
	OpsPerSecond uint

	// Partition is the identity advertised to partition matchers.
	Partition *PartitionInfo
}

// groupAgg accumulates one in-flight request group. The first error
// sticks; the device still consumes the rest of the group and responds
// exactly once, on the request flagged last.
type groupAgg struct {
	status status.Code
	count  uint32
}

// Device is an in-process block device. It implements block.Transport,
// so block.NewClient connects to it directly.
type Device struct {
	store     store.Store
	fifo      *block.Fifo
	topoPath  string
	maxXfer   uint32
	volume    VolumeHandler
	partOps   PartitionOps
	partition *PartitionInfo
	metrics   metrics.BlockMetrics
	limiter   *ratelimiter.RateLimiter

	// serveCtx bounds limiter waits to the device lifetime.
	serveCtx    context.Context
	serveCancel context.CancelFunc

	mu        sync.Mutex
	vmoids    map[uint16]*block.BufferVmo
	nextVmoid uint16
	groups    map[uint16]*groupAgg
	ctrls     []*block.ControlChannel
	rebind    func()
	closed    bool

	wg sync.WaitGroup
}

// New starts serving the FIFO immediately.
func New(cfg Config) *Device {
	maxXfer := cfg.MaxTransferSize
	if maxXfer == 0 {
		maxXfer = uint32(block.FifoDepth) * cfg.Store.BlockSize()
	}
	d := &Device{
		store:     cfg.Store,
		fifo:      block.NewFifo(block.FifoDepth),
		topoPath:  cfg.TopologicalPath,
		maxXfer:   maxXfer,
		volume:    cfg.Volume,
		partOps:   cfg.PartitionOps,
		partition: cfg.Partition,
		metrics:   metrics.NewBlockMetrics(),
		limiter:   ratelimiter.New(cfg.OpsPerSecond, 0),
		vmoids:    make(map[uint16]*block.BufferVmo),
		groups:    make(map[uint16]*groupAgg),
	}
	d.serveCtx, d.serveCancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.serveFifo()
	return d
}

// Fifo exposes the request transport. Part of block.Transport.
func (d *Device) Fifo() *block.Fifo { return d.fifo }

// TopologicalPath locates the device in the device tree.
func (d *Device) TopologicalPath() string { return d.topoPath }

// Partition returns the advertised partition identity, nil for devices
// that are not partitions.
func (d *Device) Partition() *PartitionInfo { return d.partition }

// OpenControl opens a fresh control channel served by its own
// goroutine. Part of block.Transport.
func (d *Device) OpenControl() (*block.ControlChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, status.Errorf(status.PeerClosed, "device closed")
	}
	ch := block.NewControlChannel()
	d.ctrls = append(d.ctrls, ch)
	d.wg.Add(1)
	go d.serveControl(ch)
	return ch, nil
}

// SetRebindHook installs the callback Rebind fires, typically the devfs
// entry cycling its registration.
func (d *Device) SetRebindHook(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rebind = fn
}

// Rebind simulates a driver rebind: the registered hook runs, which in
// a published device removes and re-adds its registry entry.
func (d *Device) Rebind() {
	d.mu.Lock()
	fn := d.rebind
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close severs the FIFO and every control channel, then joins the
// serving goroutines. The backing store stays open; its owner closes it.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	ctrls := d.ctrls
	d.mu.Unlock()

	d.serveCancel()
	d.fifo.Close()
	for _, ch := range ctrls {
		ch.Close()
	}
	d.wg.Wait()
}

func (d *Device) serveFifo() {
	defer d.wg.Done()
	for {
		reqs, err := d.fifo.ReadRequests(block.FifoDepth)
		if err != nil {
			return
		}
		for _, req := range reqs {
			if err := d.limiter.Wait(d.serveCtx); err != nil {
				return
			}
			d.handleRequest(req)
		}
	}
}

func (d *Device) handleRequest(req block.Request) {
	start := time.Now()
	st := d.execute(req)
	d.metrics.RecordTransaction(strings.ToLower(req.Opcode.String()), time.Since(start), st.AsError())

	if req.Flags&block.FlagGroupItem == 0 {
		d.respond(block.Response{Status: st, Group: req.Group, Count: 1})
		return
	}

	d.mu.Lock()
	agg, ok := d.groups[req.Group]
	if !ok {
		agg = &groupAgg{status: status.OK}
		d.groups[req.Group] = agg
	}
	agg.count++
	if st != status.OK && agg.status == status.OK {
		agg.status = st
	}
	last := req.Flags&block.FlagGroupLast != 0
	var resp block.Response
	if last {
		resp = block.Response{Status: agg.status, Group: req.Group, Count: agg.count}
		delete(d.groups, req.Group)
	}
	groups := len(d.groups)
	d.mu.Unlock()
	d.metrics.SetGroupsInFlight(groups)

	if last {
		d.respond(resp)
	}
}

func (d *Device) respond(resp block.Response) {
	if err := d.fifo.WriteResponses([]block.Response{resp}); err != nil {
		logger.Debug("block device: dropping response for group %d: %v", resp.Group, err)
	}
}

func (d *Device) execute(req block.Request) status.Code {
	switch req.Opcode {
	case block.OpRead, block.OpWrite:
		return d.transfer(req)
	case block.OpFlush:
		if err := d.store.Flush(context.Background()); err != nil {
			return status.IO
		}
		return status.OK
	case block.OpTrim:
		return d.trim(req)
	case block.OpCloseVmo:
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.vmoids[req.Vmoid]; !ok {
			return status.InvalidArgument
		}
		delete(d.vmoids, req.Vmoid)
		return status.OK
	default:
		return status.NotSupported
	}
}

func (d *Device) transfer(req block.Request) status.Code {
	d.mu.Lock()
	vmo, ok := d.vmoids[req.Vmoid]
	d.mu.Unlock()
	if !ok {
		return status.InvalidArgument
	}

	bs := uint64(d.store.BlockSize())
	if req.DevOffset+uint64(req.Length) > d.store.BlockCount() {
		return status.InvalidArgument
	}
	buf := make([]byte, uint64(req.Length)*bs)

	switch req.Opcode {
	case block.OpRead:
		if err := d.store.ReadAt(context.Background(), buf, req.DevOffset*bs); err != nil {
			return status.CodeOf(err)
		}
		if err := vmo.WriteAt(buf, req.VmoOffset*bs); err != nil {
			return status.CodeOf(err)
		}
		d.metrics.RecordBlocksTransferred("read", uint64(req.Length))
	case block.OpWrite:
		if err := vmo.ReadAt(buf, req.VmoOffset*bs); err != nil {
			return status.CodeOf(err)
		}
		if err := d.store.WriteAt(context.Background(), buf, req.DevOffset*bs); err != nil {
			return status.CodeOf(err)
		}
		d.metrics.RecordBlocksTransferred("write", uint64(req.Length))
	}
	return status.OK
}

func (d *Device) trim(req block.Request) status.Code {
	bs := uint64(d.store.BlockSize())
	if req.DevOffset+uint64(req.Length) > d.store.BlockCount() {
		return status.InvalidArgument
	}
	zeros := make([]byte, uint64(req.Length)*bs)
	if err := d.store.WriteAt(context.Background(), zeros, req.DevOffset*bs); err != nil {
		return status.CodeOf(err)
	}
	return status.OK
}
