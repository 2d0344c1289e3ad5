package volume

import (
	"context"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/stratofs/stratofs/internal/logger"
	"github.com/stratofs/stratofs/pkg/block"
	"github.com/stratofs/stratofs/pkg/block/blockdev"
	"github.com/stratofs/stratofs/pkg/devfs"
	"github.com/stratofs/stratofs/pkg/status"
)

// PartitionMatcher selects a partition. At least one criterion must be
// set; all set criteria must match.
type PartitionMatcher struct {
	// TypeGUID matches the partition type when non-nil.
	TypeGUID *uuid.UUID

	// InstanceGUID matches the partition instance when non-nil.
	InstanceGUID *uuid.UUID

	// Labels matches when the partition name equals any entry.
	Labels []string

	// ParentDevice matches topological paths with this prefix.
	ParentDevice string
}

func (m *PartitionMatcher) validate() error {
	if m.TypeGUID == nil && m.InstanceGUID == nil && len(m.Labels) == 0 && m.ParentDevice == "" {
		return status.Errorf(status.InvalidArgument, "matcher has no criteria")
	}
	return nil
}

// Matches tests one device against the matcher.
func Matches(dev *blockdev.Device, m PartitionMatcher) bool {
	part := dev.Partition()
	if m.TypeGUID != nil && (part == nil || part.TypeGUID != *m.TypeGUID) {
		return false
	}
	if m.InstanceGUID != nil && (part == nil || part.InstanceGUID != *m.InstanceGUID) {
		return false
	}
	if len(m.Labels) > 0 {
		if part == nil || part.Name == "" {
			return false
		}
		found := false
		for _, label := range m.Labels {
			if part.Name == label {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.ParentDevice != "" && !strings.HasPrefix(dev.TopologicalPath(), m.ParentDevice) {
		return false
	}
	return true
}

// OpenPartition waits for a matching partition to appear in the
// registry: one initial scan, then directory-watch events with
// backoff-paced rescans to cover anything the watch misses.
func OpenPartition(ctx context.Context, registry *devfs.Registry, m PartitionMatcher, timeout time.Duration) (*blockdev.Device, string, error) {
	if err := m.validate(); err != nil {
		return nil, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scan := func() (*blockdev.Device, string, bool) {
		for _, name := range registry.List() {
			dev, err := registry.Lookup(name)
			if err != nil {
				continue
			}
			if Matches(dev, m) {
				return dev, name, true
			}
		}
		return nil, "", false
	}

	if dev, name, ok := scan(); ok {
		return dev, name, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, "", err
	}
	defer watcher.Close()
	if err := watcher.Add(registry.Root()); err != nil {
		return nil, "", err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = timeout

	for {
		if dev, name, ok := scan(); ok {
			return dev, name, nil
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, "", status.Errorf(status.TimedOut, "no matching partition appeared")
		}
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil, "", status.Errorf(status.PeerClosed, "registry watch closed")
			}
			if ev.Op&fsnotify.Create == 0 {
				continue
			}
			// Fall through to rescan.
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				logger.Debug("volume: registry watch error: %v", err)
			}
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, "", status.Errorf(status.TimedOut, "no matching partition appeared")
		}
	}
}

// AllocatePartition asks the volume manager for a new partition and
// waits for it to surface in the registry.
func AllocatePartition(ctx context.Context, c *block.Client, registry *devfs.Registry, req block.PartitionRequest, timeout time.Duration) (*blockdev.Device, string, error) {
	if err := c.VolumeAllocatePartition(req); err != nil {
		return nil, "", err
	}
	instance := uuid.UUID(req.InstanceGUID)
	return OpenPartition(ctx, registry, PartitionMatcher{
		InstanceGUID: &instance,
		Labels:       []string{req.Name},
	}, timeout)
}

// DestroyPartition releases the partition this client is connected to.
func DestroyPartition(c *block.Client) error {
	return c.VolumeDestroyPartition()
}
