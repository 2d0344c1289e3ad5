package block

import (
	"sync"

	"github.com/stratofs/stratofs/pkg/status"
)

// responseBatch bounds how many responses one reader drains per FIFO
// read.
const responseBatch = 8

// Transport is what a block device hands a connecting client: the
// shared FIFO and the ability to open control channels. Every control
// channel is an independent logical connection; closing one never
// affects the others or the FIFO.
type Transport interface {
	Fifo() *Fifo
	OpenControl() (*ControlChannel, error)
}

type groupState struct {
	inUse bool
	done  bool
	err   error
}

// Client multiplexes arbitrarily many caller goroutines over one FIFO.
// Callers acquire a group id from a bounded pool (blocking on
// exhaustion), tag their batch with it, and block until the batch's
// response arrives. There is no dedicated reader: whichever blocked
// caller finds the reader role free takes it, drains responses, and
// wakes the groups that completed. A transport error observed by the
// reader is broadcast to every blocked caller.
type Client struct {
	transport Transport
	fifo      *Fifo
	ctrl      *ControlChannel

	mu      sync.Mutex
	cond    *sync.Cond
	groups  [MaxTxnGroupCount]groupState
	reading bool
	broken  error
}

// NewClient connects to a device, opening its primary control channel.
func NewClient(transport Transport) (*Client, error) {
	ctrl, err := transport.OpenControl()
	if err != nil {
		return nil, err
	}
	c := &Client{
		transport: transport,
		fifo:      transport.Fifo(),
		ctrl:      ctrl,
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// Close severs the FIFO and the primary control channel. Blocked
// transactions unblock with PeerClosed.
func (c *Client) Close() {
	c.fifo.Close()
	c.ctrl.Close()
}

// Transaction submits one batch of requests as a single unit and
// blocks until the device completes it, returning the batch status.
func (c *Client) Transaction(reqs []Request) error {
	if len(reqs) == 0 {
		return status.Errorf(status.InvalidArgument, "empty request batch")
	}

	group, err := c.acquireGroup()
	if err != nil {
		return err
	}

	for i := range reqs {
		reqs[i].Group = group
		reqs[i].Flags |= FlagGroupItem
		reqs[i].Flags &^= FlagGroupLast
	}
	reqs[len(reqs)-1].Flags |= FlagGroupLast

	if err := c.fifo.WriteRequests(reqs); err != nil {
		c.mu.Lock()
		c.groups[group].inUse = false
		c.cond.Broadcast()
		c.mu.Unlock()
		return err
	}

	return c.waitGroup(group)
}

// acquireGroup blocks until a group slot frees up. Backpressure, not
// failure: exhaustion of the pool parks the caller.
func (c *Client) acquireGroup() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.broken != nil {
			return 0, c.broken
		}
		for g := range c.groups {
			if !c.groups[g].inUse {
				c.groups[g] = groupState{inUse: true}
				return uint16(g), nil
			}
		}
		c.cond.Wait()
	}
}

// waitGroup blocks until the group completes. Whichever waiter finds
// the reader role free performs the blocking FIFO read and fans the
// completions out; everyone else waits on the condition.
func (c *Client) waitGroup(group uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.groups[group].done {
		if c.broken != nil {
			err := c.broken
			c.groups[group].inUse = false
			c.cond.Broadcast()
			return err
		}
		if c.reading {
			c.cond.Wait()
			continue
		}

		c.reading = true
		c.mu.Unlock()
		resps, err := c.fifo.ReadResponses(responseBatch)
		c.mu.Lock()
		c.reading = false

		if err != nil {
			// Transport severed: every blocked caller gets the error,
			// not just the thread that observed it.
			c.broken = err
			c.groups[group].inUse = false
			c.cond.Broadcast()
			return err
		}
		for _, r := range resps {
			if int(r.Group) >= len(c.groups) {
				continue
			}
			c.groups[r.Group].done = true
			if r.Status != status.OK {
				c.groups[r.Group].err = status.Errorf(r.Status, "block request failed")
			}
		}
		c.cond.Broadcast()
	}

	err := c.groups[group].err
	c.groups[group] = groupState{}
	c.cond.Broadcast()
	return err
}

// GroupsInUse counts live group slots, for tests sampling the
// no-shared-id invariant.
func (c *Client) GroupsInUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for g := range c.groups {
		if c.groups[g].inUse {
			n++
		}
	}
	return n
}

// AttachVmo registers a buffer with the device, yielding the vmoid
// requests reference it by.
func (c *Client) AttachVmo(v *BufferVmo) (uint16, error) {
	handle := RegisterVmoHandle(v)
	body, err := encodeXDR(&attachVmoCall{Handle: handle})
	if err != nil {
		ReleaseVmoHandle(handle)
		return VmoidInvalid, err
	}
	st, replyBody, err := c.ctrl.Call(MethodAttachVmo, body)
	if err != nil {
		ReleaseVmoHandle(handle)
		return VmoidInvalid, err
	}
	if st != status.OK {
		ReleaseVmoHandle(handle)
		return VmoidInvalid, status.Errorf(st, "attach vmo rejected")
	}
	var reply attachVmoReply
	if err := decodeXDR(replyBody, &reply); err != nil {
		return VmoidInvalid, err
	}
	return uint16(reply.Vmoid), nil
}

// DetachVmo releases a vmoid with a synthetic close request on the
// FIFO. The default detach path; devices with special teardown wants
// override at the device, not here.
func (c *Client) DetachVmo(vmoid uint16) error {
	return c.Transaction([]Request{{Opcode: OpCloseVmo, Vmoid: vmoid}})
}

// BlockGetInfo queries device geometry over the control channel.
func (c *Client) BlockGetInfo() (Info, error) {
	st, body, err := c.ctrl.Call(MethodBlockGetInfo, nil)
	if err != nil {
		return Info{}, err
	}
	if st != status.OK {
		return Info{}, status.Errorf(st, "block get info failed")
	}
	var reply blockInfoReply
	if err := decodeXDR(body, &reply); err != nil {
		return Info{}, err
	}
	return Info{
		BlockSize:       reply.BlockSize,
		BlockCount:      reply.BlockCount,
		MaxTransferSize: reply.MaxTransferSize,
		Flags:           reply.Flags,
	}, nil
}

// GetDevicePath returns the device's topological path.
func (c *Client) GetDevicePath() (string, error) {
	st, body, err := c.ctrl.Call(MethodGetDevicePath, nil)
	if err != nil {
		return "", err
	}
	if st != status.OK {
		return "", status.Errorf(st, "get device path failed")
	}
	var reply devicePathReply
	if err := decodeXDR(body, &reply); err != nil {
		return "", err
	}
	return reply.Path, nil
}

// ReadBlock reads one block over the control channel.
//
// Deprecated: this is the slow compatibility path; performance-minded
// callers attach a buffer and use Transaction.
func (c *Client) ReadBlock(blockOffset uint64) ([]byte, error) {
	body, err := encodeXDR(&readBlockCall{BlockOffset: blockOffset})
	if err != nil {
		return nil, err
	}
	st, replyBody, err := c.ctrl.Call(MethodReadBlock, body)
	if err != nil {
		return nil, err
	}
	if st != status.OK {
		return nil, status.Errorf(st, "read block failed")
	}
	var reply readBlockReply
	if err := decodeXDR(replyBody, &reply); err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// VolumeGetInfo probes for volume-manager support. The probe runs on a
// freshly opened control channel so a device without the volume
// protocol can slam that channel shut without harming the primary
// connection; such devices report NotSupported here.
func (c *Client) VolumeGetInfo() (VolumeInfo, error) {
	probe, err := c.transport.OpenControl()
	if err != nil {
		return VolumeInfo{}, err
	}
	defer probe.Close()

	st, body, err := probe.Call(MethodVolumeGetInfo, nil)
	if err != nil {
		if status.Is(err, status.PeerClosed) {
			return VolumeInfo{}, status.Errorf(status.NotSupported, "device has no volume protocol")
		}
		return VolumeInfo{}, err
	}
	if st != status.OK {
		return VolumeInfo{}, status.Errorf(st, "volume get info failed")
	}
	var info VolumeInfo
	if err := decodeXDR(body, &info); err != nil {
		return VolumeInfo{}, err
	}
	return info, nil
}

// VolumeExtend allocates slices for [startSlice, startSlice+count).
// Runs on the primary control channel: against a device without the
// volume protocol this closes that channel. GetInfo is the safe probe;
// the mutating calls are not.
func (c *Client) VolumeExtend(startSlice, count uint64) error {
	return c.volumeRangeCall(MethodVolumeExtend, startSlice, count)
}

// VolumeShrink frees slices in [startSlice, startSlice+count). Same
// channel contract as VolumeExtend.
func (c *Client) VolumeShrink(startSlice, count uint64) error {
	return c.volumeRangeCall(MethodVolumeShrink, startSlice, count)
}

func (c *Client) volumeRangeCall(method uint32, startSlice, count uint64) error {
	body, err := encodeXDR(&volumeRangeCall{StartSlice: startSlice, SliceCount: count})
	if err != nil {
		return err
	}
	st, _, err := c.ctrl.Call(method, body)
	if err != nil {
		return err
	}
	if st != status.OK {
		return status.Errorf(st, "volume call failed")
	}
	return nil
}

// VolumeAllocatePartition asks a volume manager to carve out a new
// partition. Same channel contract as VolumeExtend.
func (c *Client) VolumeAllocatePartition(req PartitionRequest) error {
	body, err := encodeXDR(&allocatePartitionCall{
		TypeGUID:     req.TypeGUID,
		InstanceGUID: req.InstanceGUID,
		Name:         req.Name,
		SliceCount:   req.SliceCount,
	})
	if err != nil {
		return err
	}
	st, _, err := c.ctrl.Call(MethodVolumeAllocatePartition, body)
	if err != nil {
		return err
	}
	if st != status.OK {
		return status.Errorf(st, "allocate partition failed")
	}
	return nil
}

// VolumeDestroyPartition destroys the partition this client is
// connected to. Same channel contract as VolumeExtend.
func (c *Client) VolumeDestroyPartition() error {
	st, _, err := c.ctrl.Call(MethodVolumeDestroyPartition, nil)
	if err != nil {
		return err
	}
	if st != status.OK {
		return status.Errorf(st, "destroy partition failed")
	}
	return nil
}

// Rebind asks the device to rebind its driver, cycling its registry
// entry. Supported by every block device.
func (c *Client) Rebind() error {
	st, _, err := c.ctrl.Call(MethodRebind, nil)
	if err != nil {
		return err
	}
	if st != status.OK {
		return status.Errorf(st, "rebind failed")
	}
	return nil
}

// VolumeQuerySlices reports allocation runs for the given virtual
// slice starts. Same channel contract as VolumeExtend.
func (c *Client) VolumeQuerySlices(slices []uint64) ([]SliceRange, error) {
	body, err := encodeXDR(&querySlicesCall{Slices: slices})
	if err != nil {
		return nil, err
	}
	st, replyBody, err := c.ctrl.Call(MethodVolumeQuerySlices, body)
	if err != nil {
		return nil, err
	}
	if st != status.OK {
		return nil, status.Errorf(st, "query slices failed")
	}
	var reply querySlicesReply
	if err := decodeXDR(replyBody, &reply); err != nil {
		return nil, err
	}
	return reply.Ranges, nil
}
