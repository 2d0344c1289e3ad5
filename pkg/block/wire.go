package block

import "github.com/stratofs/stratofs/internal/logger"

// Device-side codec helpers. The structs here are fixed-shape, so
// encoding cannot fail for well-formed inputs; an encode error is a
// programming bug and surfaces as a logged empty body.

func mustEncode(v any) []byte {
	body, err := encodeXDR(v)
	if err != nil {
		logger.Error("block wire: encode failed: %v", err)
		return nil
	}
	return body
}

// BlockInfoReplyBody encodes a BlockGetInfo reply.
func BlockInfoReplyBody(info Info) []byte {
	return mustEncode(&blockInfoReply{
		BlockSize:       info.BlockSize,
		BlockCount:      info.BlockCount,
		MaxTransferSize: info.MaxTransferSize,
		Flags:           info.Flags,
	})
}

// DecodeAttachVmoCall extracts the transferred vmo handle.
func DecodeAttachVmoCall(body []byte) (uint64, error) {
	var call attachVmoCall
	if err := decodeXDR(body, &call); err != nil {
		return 0, err
	}
	return call.Handle, nil
}

// AttachVmoReplyBody encodes the vmoid assigned by attach.
func AttachVmoReplyBody(vmoid uint16) []byte {
	return mustEncode(&attachVmoReply{Vmoid: uint32(vmoid)})
}

// DevicePathReplyBody encodes a GetDevicePath reply.
func DevicePathReplyBody(path string) []byte {
	return mustEncode(&devicePathReply{Path: path})
}

// DecodeReadBlockCall extracts the block offset of a legacy read.
func DecodeReadBlockCall(body []byte) (uint64, error) {
	var call readBlockCall
	if err := decodeXDR(body, &call); err != nil {
		return 0, err
	}
	return call.BlockOffset, nil
}

// ReadBlockReplyBody encodes the data of a legacy read.
func ReadBlockReplyBody(data []byte) []byte {
	return mustEncode(&readBlockReply{Data: data})
}

// VolumeInfoReplyBody encodes a VolumeGetInfo reply.
func VolumeInfoReplyBody(info VolumeInfo) []byte {
	return mustEncode(&info)
}

// DecodeVolumeRangeCall extracts the slice range of an extend or
// shrink call.
func DecodeVolumeRangeCall(body []byte) (startSlice, count uint64, err error) {
	var call volumeRangeCall
	if err := decodeXDR(body, &call); err != nil {
		return 0, 0, err
	}
	return call.StartSlice, call.SliceCount, nil
}

// DecodeQuerySlicesCall extracts the queried virtual slice starts.
func DecodeQuerySlicesCall(body []byte) ([]uint64, error) {
	var call querySlicesCall
	if err := decodeXDR(body, &call); err != nil {
		return nil, err
	}
	return call.Slices, nil
}

// QuerySlicesReplyBody encodes allocation runs.
func QuerySlicesReplyBody(ranges []SliceRange) []byte {
	return mustEncode(&querySlicesReply{Ranges: ranges})
}

// PartitionRequest names a partition to allocate.
type PartitionRequest struct {
	TypeGUID     [16]byte
	InstanceGUID [16]byte
	Name         string
	SliceCount   uint64
}

// DecodeAllocatePartitionCall extracts an allocation request.
func DecodeAllocatePartitionCall(body []byte) (PartitionRequest, error) {
	var call allocatePartitionCall
	if err := decodeXDR(body, &call); err != nil {
		return PartitionRequest{}, err
	}
	return PartitionRequest{
		TypeGUID:     call.TypeGUID,
		InstanceGUID: call.InstanceGUID,
		Name:         call.Name,
		SliceCount:   call.SliceCount,
	}, nil
}
