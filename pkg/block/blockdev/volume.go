package blockdev

import (
	"sync"

	"github.com/stratofs/stratofs/pkg/block"
	"github.com/stratofs/stratofs/pkg/status"
)

// SliceVolume is a volume-manager personality backed by an in-memory
// slice table: a virtual slice address space drawing physical slices
// from a shared pool. Extend and shrink are idempotent per slice.
type SliceVolume struct {
	mu        sync.Mutex
	sliceSize uint64
	vsliceMax uint64
	poolTotal uint64
	poolUsed  uint64
	allocated map[uint64]bool
}

// NewSliceVolume builds a volume with vsliceMax addressable virtual
// slices drawing from a pool of poolTotal physical slices.
func NewSliceVolume(sliceSize, vsliceMax, poolTotal uint64) *SliceVolume {
	return &SliceVolume{
		sliceSize: sliceSize,
		vsliceMax: vsliceMax,
		poolTotal: poolTotal,
		allocated: make(map[uint64]bool),
	}
}

func (v *SliceVolume) VolumeInfo() block.VolumeInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return block.VolumeInfo{
		SliceSize:            v.sliceSize,
		VSliceMax:            v.vsliceMax,
		PSliceTotalCount:     v.poolTotal,
		PSliceAllocatedCount: v.poolUsed,
	}
}

func (v *SliceVolume) Extend(startSlice, count uint64) status.Code {
	v.mu.Lock()
	defer v.mu.Unlock()
	if count == 0 || startSlice+count > v.vsliceMax || startSlice+count < startSlice {
		return status.InvalidArgument
	}
	need := uint64(0)
	for s := startSlice; s < startSlice+count; s++ {
		if !v.allocated[s] {
			need++
		}
	}
	if v.poolUsed+need > v.poolTotal {
		return status.NoSpace
	}
	for s := startSlice; s < startSlice+count; s++ {
		if !v.allocated[s] {
			v.allocated[s] = true
			v.poolUsed++
		}
	}
	return status.OK
}

func (v *SliceVolume) Shrink(startSlice, count uint64) status.Code {
	v.mu.Lock()
	defer v.mu.Unlock()
	if count == 0 || startSlice+count > v.vsliceMax || startSlice+count < startSlice {
		return status.InvalidArgument
	}
	for s := startSlice; s < startSlice+count; s++ {
		if v.allocated[s] {
			delete(v.allocated, s)
			v.poolUsed--
		}
	}
	return status.OK
}

// AllocateRun finds and allocates a free run of count virtual slices,
// returning its start.
func (v *SliceVolume) AllocateRun(count uint64) (uint64, status.Code) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if count == 0 {
		return 0, status.InvalidArgument
	}
	if v.poolUsed+count > v.poolTotal {
		return 0, status.NoSpace
	}
	run := uint64(0)
	for s := uint64(0); s < v.vsliceMax; s++ {
		if v.allocated[s] {
			run = 0
			continue
		}
		run++
		if run == count {
			start := s + 1 - count
			for i := start; i <= s; i++ {
				v.allocated[i] = true
			}
			v.poolUsed += count
			return start, status.OK
		}
	}
	return 0, status.NoSpace
}

func (v *SliceVolume) QuerySlices(slices []uint64) ([]block.SliceRange, status.Code) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ranges := make([]block.SliceRange, 0, len(slices))
	for _, start := range slices {
		if start >= v.vsliceMax {
			return nil, status.InvalidArgument
		}
		state := v.allocated[start]
		n := uint64(0)
		for s := start; s < v.vsliceMax && v.allocated[s] == state; s++ {
			n++
		}
		ranges = append(ranges, block.SliceRange{Allocated: state, Count: n})
	}
	return ranges, status.OK
}
