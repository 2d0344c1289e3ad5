package blockdev

import (
	"context"

	"github.com/stratofs/stratofs/internal/logger"
	"github.com/stratofs/stratofs/pkg/block"
	"github.com/stratofs/stratofs/pkg/status"
)

// serveControl answers calls on one control channel until it closes.
// A method the device does not implement closes the channel without a
// reply; clients probing for optional protocols rely on that.
func (d *Device) serveControl(ch *block.ControlChannel) {
	defer d.wg.Done()
	for {
		call, err := ch.Recv()
		if err != nil {
			return
		}
		if !d.dispatchControl(ch, call) {
			ch.Close()
			return
		}
	}
}

// dispatchControl handles one call. False means the method is unknown
// or outside this device's protocols.
func (d *Device) dispatchControl(ch *block.ControlChannel, call *block.ControlCall) bool {
	switch call.Method {
	case block.MethodBlockGetInfo:
		d.replyWith(ch, status.OK, block.BlockInfoReplyBody(block.Info{
			BlockSize:       d.store.BlockSize(),
			BlockCount:      d.store.BlockCount(),
			MaxTransferSize: d.maxXfer,
		}))

	case block.MethodAttachVmo:
		st, body := d.attachVmo(call.Body)
		d.replyWith(ch, st, body)

	case block.MethodGetDevicePath:
		d.replyWith(ch, status.OK, block.DevicePathReplyBody(d.topoPath))

	case block.MethodReadBlock:
		st, body := d.readBlock(call.Body)
		d.replyWith(ch, st, body)

	case block.MethodVolumeGetInfo:
		if d.volume == nil {
			return false
		}
		d.replyWith(ch, status.OK, block.VolumeInfoReplyBody(d.volume.VolumeInfo()))

	case block.MethodVolumeExtend, block.MethodVolumeShrink:
		if d.volume == nil {
			return false
		}
		start, count, err := block.DecodeVolumeRangeCall(call.Body)
		if err != nil {
			d.replyWith(ch, status.InvalidArgument, nil)
			return true
		}
		if call.Method == block.MethodVolumeExtend {
			d.replyWith(ch, d.volume.Extend(start, count), nil)
		} else {
			d.replyWith(ch, d.volume.Shrink(start, count), nil)
		}

	case block.MethodVolumeQuerySlices:
		if d.volume == nil {
			return false
		}
		slices, err := block.DecodeQuerySlicesCall(call.Body)
		if err != nil {
			d.replyWith(ch, status.InvalidArgument, nil)
			return true
		}
		ranges, st := d.volume.QuerySlices(slices)
		if st != status.OK {
			d.replyWith(ch, st, nil)
			return true
		}
		d.replyWith(ch, status.OK, block.QuerySlicesReplyBody(ranges))

	case block.MethodVolumeAllocatePartition:
		if d.partOps == nil {
			return false
		}
		req, err := block.DecodeAllocatePartitionCall(call.Body)
		if err != nil {
			d.replyWith(ch, status.InvalidArgument, nil)
			return true
		}
		d.replyWith(ch, d.partOps.AllocatePartition(req), nil)

	case block.MethodVolumeDestroyPartition:
		if d.partOps == nil {
			return false
		}
		d.replyWith(ch, d.partOps.DestroyPartition(), nil)

	case block.MethodRebind:
		d.Rebind()
		d.replyWith(ch, status.OK, nil)

	default:
		return false
	}
	return true
}

func (d *Device) replyWith(ch *block.ControlChannel, st status.Code, body []byte) {
	if err := ch.Reply(st, body); err != nil {
		logger.Debug("block device: dropping control reply: %v", err)
	}
}

func (d *Device) attachVmo(body []byte) (status.Code, []byte) {
	handle, err := block.DecodeAttachVmoCall(body)
	if err != nil {
		return status.InvalidArgument, nil
	}
	vmo, ok := block.ResolveVmoHandle(handle)
	if !ok {
		return status.BadHandle, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextVmoid++
	if d.nextVmoid == block.VmoidInvalid {
		d.nextVmoid++
	}
	id := d.nextVmoid
	d.vmoids[id] = vmo
	return status.OK, block.AttachVmoReplyBody(id)
}

func (d *Device) readBlock(body []byte) (status.Code, []byte) {
	blockOffset, err := block.DecodeReadBlockCall(body)
	if err != nil {
		return status.InvalidArgument, nil
	}
	if blockOffset >= d.store.BlockCount() {
		return status.InvalidArgument, nil
	}
	buf := make([]byte, d.store.BlockSize())
	bs := uint64(d.store.BlockSize())
	if err := d.store.ReadAt(context.Background(), buf, blockOffset*bs); err != nil {
		return status.CodeOf(err), nil
	}
	return status.OK, block.ReadBlockReplyBody(buf)
}
