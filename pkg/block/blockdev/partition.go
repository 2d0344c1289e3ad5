package blockdev

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/stratofs/stratofs/internal/logger"
	"github.com/stratofs/stratofs/pkg/block"
	"github.com/stratofs/stratofs/pkg/block/store"
	"github.com/stratofs/stratofs/pkg/status"
)

// DeviceRegistrar publishes devices for discovery. Implemented by the
// devfs registry.
type DeviceRegistrar interface {
	Register(name string, dev *Device) error
	Unregister(name string) error
}

// PartitionService is the volume-manager side of partition lifecycle:
// AllocatePartition carves a child device out of the slice pool and
// publishes it; each child destroys itself by unregistering. A
// destroyed child keeps serving channels already open to it, matching
// device-node semantics where unbind does not revoke open handles.
type PartitionService struct {
	mu         sync.Mutex
	registrar  DeviceRegistrar
	pool       *SliceVolume
	parentPath string
	blockSize  uint32
	next       int
	children   map[string]*Device
}

// NewPartitionService builds a service drawing physical slices from
// pool and registering children under the manager's topological path.
func NewPartitionService(registrar DeviceRegistrar, pool *SliceVolume, parentPath string, blockSize uint32) *PartitionService {
	return &PartitionService{
		registrar:  registrar,
		pool:       pool,
		parentPath: parentPath,
		blockSize:  blockSize,
		children:   make(map[string]*Device),
	}
}

// AllocatePartition implements PartitionOps for the manager device.
func (s *PartitionService) AllocatePartition(req block.PartitionRequest) status.Code {
	if req.SliceCount == 0 || req.Name == "" {
		return status.InvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info := s.pool.VolumeInfo()
	childBlocks := req.SliceCount * info.SliceSize / uint64(s.blockSize)
	if childBlocks == 0 {
		return status.InvalidArgument
	}

	// The child's slices come out of the manager's pool; allocation
	// failure here is the pool running dry.
	if _, st := s.pool.AllocateRun(req.SliceCount); st != status.OK {
		return st
	}
	childVolume := NewSliceVolume(info.SliceSize, info.VSliceMax, req.SliceCount)
	if st := childVolume.Extend(0, req.SliceCount); st != status.OK {
		return st
	}

	backing, err := store.NewMemoryStore(s.blockSize, childBlocks)
	if err != nil {
		return status.CodeOf(err)
	}

	s.next++
	entry := fmt.Sprintf("%s-%03d", req.Name, s.next)
	child := New(Config{
		Store:           backing,
		TopologicalPath: fmt.Sprintf("%s/fvm/%s/block", s.parentPath, entry),
		Volume:          childVolume,
		Partition: &PartitionInfo{
			TypeGUID:     uuid.UUID(req.TypeGUID),
			InstanceGUID: uuid.UUID(req.InstanceGUID),
			Name:         req.Name,
		},
	})
	child.partOps = &childPartition{service: s, entry: entry}

	if err := s.registrar.Register(entry, child); err != nil {
		child.Close()
		logger.Warn("partition service: failed to publish %s: %v", entry, err)
		return status.CodeOf(err)
	}
	s.children[entry] = child
	return status.OK
}

// DestroyPartition implements PartitionOps for the manager device
// itself, which cannot be destroyed this way.
func (s *PartitionService) DestroyPartition() status.Code {
	return status.NotSupported
}

// destroyChild unpublishes a partition. Channels already open to it
// stay live; only the registry entry goes away.
func (s *PartitionService) destroyChild(entry string) status.Code {
	s.mu.Lock()
	_, ok := s.children[entry]
	delete(s.children, entry)
	s.mu.Unlock()
	if !ok {
		return status.NotFound
	}
	if err := s.registrar.Unregister(entry); err != nil {
		logger.Warn("partition service: failed to unpublish %s: %v", entry, err)
		return status.CodeOf(err)
	}
	return status.OK
}

// Close tears down all published children.
func (s *PartitionService) Close() {
	s.mu.Lock()
	children := s.children
	s.children = make(map[string]*Device)
	s.mu.Unlock()
	for entry, child := range children {
		if err := s.registrar.Unregister(entry); err != nil {
			logger.Debug("partition service: unpublish %s on close: %v", entry, err)
		}
		child.Close()
	}
}

// childPartition routes a partition's own lifecycle calls back to the
// service that allocated it.
type childPartition struct {
	service *PartitionService
	entry   string
}

func (p *childPartition) AllocatePartition(block.PartitionRequest) status.Code {
	return status.NotSupported
}

func (p *childPartition) DestroyPartition() status.Code {
	return p.service.destroyChild(p.entry)
}
