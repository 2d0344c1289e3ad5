// Package devfs publishes block devices as entry files under a root
// directory. Each entry's content is the device's topological path, so
// discovery can run on plain directory watching: an entry appearing
// means a device arrived, an entry disappearing means it went away.
package devfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/stratofs/stratofs/internal/logger"
	"github.com/stratofs/stratofs/pkg/block/blockdev"
	"github.com/stratofs/stratofs/pkg/status"
)

// Registry maps entry names to live devices and mirrors them as files
// under Root for watchers.
type Registry struct {
	root string

	mu      sync.Mutex
	devices map[string]*blockdev.Device
}

// NewRegistry creates the root directory if needed.
func NewRegistry(root string) (*Registry, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry root %s: %w", root, err)
	}
	return &Registry{
		root:    root,
		devices: make(map[string]*blockdev.Device),
	}, nil
}

// Root is the watchable directory entries are published under.
func (r *Registry) Root() string { return r.root }

func (r *Registry) entryPath(name string) string {
	return filepath.Join(r.root, name)
}

func validateEntryName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return status.PathError(status.InvalidArgument, "invalid entry name", name)
	}
	return nil
}

// Register publishes a device under name and wires the device's rebind
// hook to cycle the entry.
func (r *Registry) Register(name string, dev *blockdev.Device) error {
	if err := validateEntryName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[name]; ok {
		return status.PathError(status.AlreadyExists, "entry already registered", name)
	}
	if err := r.writeEntry(name, dev); err != nil {
		return err
	}
	r.devices[name] = dev
	dev.SetRebindHook(func() {
		if err := r.Rebind(name); err != nil {
			logger.Warn("devfs: rebind of %s failed: %v", name, err)
		}
	})
	logger.Debug("devfs: registered %s -> %s", name, dev.TopologicalPath())
	return nil
}

func (r *Registry) writeEntry(name string, dev *blockdev.Device) error {
	if err := os.WriteFile(r.entryPath(name), []byte(dev.TopologicalPath()), 0o644); err != nil {
		return fmt.Errorf("failed to publish entry %s: %w", name, err)
	}
	return nil
}

// Unregister removes the entry. The device itself is untouched.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[name]
	if !ok {
		return status.PathError(status.NotFound, "entry not registered", name)
	}
	delete(r.devices, name)
	dev.SetRebindHook(nil)
	if err := os.Remove(r.entryPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove entry %s: %w", name, err)
	}
	logger.Debug("devfs: unregistered %s", name)
	return nil
}

// Rebind cycles an entry: watchers observe a removal followed by a
// re-publication, the way a driver rebind looks from the device tree.
func (r *Registry) Rebind(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[name]
	if !ok {
		return status.PathError(status.NotFound, "entry not registered", name)
	}
	if err := os.Remove(r.entryPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove entry %s: %w", name, err)
	}
	return r.writeEntry(name, dev)
}

// Lookup resolves an entry to its device.
func (r *Registry) Lookup(name string) (*blockdev.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[name]
	if !ok {
		return nil, status.PathError(status.NotFound, "entry not registered", name)
	}
	return dev, nil
}

// List returns registered entry names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close unpublishes every entry. Devices are left running.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, dev := range r.devices {
		dev.SetRebindHook(nil)
		if err := os.Remove(r.entryPath(name)); err != nil && !os.IsNotExist(err) {
			logger.Warn("devfs: failed to remove entry %s on close: %v", name, err)
		}
	}
	r.devices = make(map[string]*blockdev.Device)
	return nil
}
