// Package memfs provides in-memory directory and file vnodes. It backs
// the daemon's root filesystem and the vfs package tests.
package memfs

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratofs/stratofs/pkg/status"
	"github.com/stratofs/stratofs/pkg/vfs"
)

var nextID atomic.Uint64

func allocID() uint64 {
	return nextID.Add(1)
}

func now() uint64 {
	return uint64(time.Now().UnixNano())
}

// File is an in-memory regular file.
type File struct {
	vfs.VnodeBase

	mu       sync.RWMutex
	id       uint64
	data     []byte
	links    uint64
	created  uint64
	modified uint64
}

// NewFile returns an empty file.
func NewFile() *File {
	t := now()
	return &File{
		VnodeBase: vfs.NewVnodeBase(vfs.ProtocolSet(vfs.ProtocolFile)),
		id:        allocID(),
		links:     1,
		created:   t,
		modified:  t,
	}
}

func (f *File) Read(p []byte, off uint64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if off >= uint64(len(f.data)) {
		return 0, nil
	}
	return copy(p, f.data[off:]), nil
}

func (f *File) Write(p []byte, off uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + uint64(len(p))
	if end > uint64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	n := copy(f.data[off:], p)
	f.modified = now()
	return n, nil
}

func (f *File) Append(p []byte) (int, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, p...)
	f.modified = now()
	return len(p), uint64(len(f.data)), nil
}

func (f *File) Truncate(size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size <= uint64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}
	f.modified = now()
	return nil
}

func (f *File) GetAttributes() (vfs.Attributes, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return vfs.Attributes{
		Mode:             0o644,
		ID:               f.id,
		ContentSize:      uint64(len(f.data)),
		StorageSize:      uint64(cap(f.data)),
		LinkCount:        f.links,
		CreationTime:     f.created,
		ModificationTime: f.modified,
	}, nil
}

func (f *File) SetAttributes(attr vfs.Attributes) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if attr.CreationTime != 0 {
		f.created = attr.CreationTime
	}
	if attr.ModificationTime != 0 {
		f.modified = attr.ModificationTime
	}
	return nil
}

func (f *File) addLink() {
	f.mu.Lock()
	f.links++
	f.mu.Unlock()
}

func (f *File) dropLink() {
	f.mu.Lock()
	if f.links > 0 {
		f.links--
	}
	f.mu.Unlock()
}

// Directory is an in-memory directory.
type Directory struct {
	vfs.VnodeBase

	mu      sync.RWMutex
	id      uint64
	entries map[string]vfs.Vnode
	created uint64
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		VnodeBase: vfs.NewVnodeBase(vfs.ProtocolSet(vfs.ProtocolDirectory)),
		id:        allocID(),
		entries:   make(map[string]vfs.Vnode),
		created:   now(),
	}
}

func (d *Directory) Lookup(name string) (vfs.Vnode, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	vn, ok := d.entries[name]
	if !ok {
		return nil, status.PathError(status.NotFound, "no such entry", name)
	}
	return vn, nil
}

func (d *Directory) Create(name string, protocol vfs.Protocol) (vfs.Vnode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.entries[name]; exists {
		return nil, status.PathError(status.AlreadyExists, "entry already exists", name)
	}
	var vn vfs.Vnode
	switch protocol {
	case vfs.ProtocolDirectory:
		vn = NewDirectory()
	case vfs.ProtocolFile:
		vn = NewFile()
	default:
		return nil, status.Errorf(status.NotSupported, "cannot create this node type")
	}
	d.entries[name] = vn
	return vn, nil
}

func (d *Directory) Readdir(cookie *vfs.DirCookie, limit int) ([]vfs.Dirent, error) {
	d.mu.RLock()
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)

	all := make([]vfs.Dirent, 0, len(names)+1)
	all = append(all, vfs.Dirent{Name: ".", Type: vfs.DirentDirectory, ID: d.id})
	for _, name := range names {
		d.mu.RLock()
		vn, ok := d.entries[name]
		d.mu.RUnlock()
		if !ok {
			continue
		}
		ent := vfs.Dirent{Name: name, Type: vfs.DirentFile}
		if vn.Protocols().Has(vfs.ProtocolDirectory) {
			ent.Type = vfs.DirentDirectory
		}
		if attr, err := vn.GetAttributes(); err == nil {
			ent.ID = attr.ID
		}
		all = append(all, ent)
	}

	start := cookie.Offset
	if start >= uint64(len(all)) {
		return nil, nil
	}
	end := start + uint64(limit)
	if end > uint64(len(all)) {
		end = uint64(len(all))
	}
	cookie.Offset = end
	return all[start:end], nil
}

func (d *Directory) Unlink(name string, mustBeDir bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	vn, ok := d.entries[name]
	if !ok {
		return status.PathError(status.NotFound, "no such entry", name)
	}
	isDir := vn.Protocols().Has(vfs.ProtocolDirectory)
	if mustBeDir && !isDir {
		return status.PathError(status.NotDir, "entry is not a directory", name)
	}
	if sub, isSubdir := vn.(*Directory); isSubdir {
		sub.mu.RLock()
		empty := len(sub.entries) == 0
		sub.mu.RUnlock()
		if !empty {
			return status.PathError(status.NotEmpty, "directory not empty", name)
		}
	}
	delete(d.entries, name)
	if f, isFile := vn.(*File); isFile {
		f.dropLink()
	}
	return nil
}

func (d *Directory) Rename(newParent vfs.Vnode, oldName, newName string) error {
	dst, ok := newParent.(*Directory)
	if !ok {
		return status.Errorf(status.InvalidArgument, "rename destination is not a memfs directory")
	}

	// Lock both directories in a stable order to avoid deadlock with a
	// concurrent rename in the opposite direction.
	first, second := d, dst
	if first.id > second.id {
		first, second = second, first
	}
	first.mu.Lock()
	if first != second {
		second.mu.Lock()
		defer second.mu.Unlock()
	}
	defer first.mu.Unlock()

	vn, exists := d.entries[oldName]
	if !exists {
		return status.PathError(status.NotFound, "no such entry", oldName)
	}
	delete(d.entries, oldName)
	dst.entries[newName] = vn
	return nil
}

func (d *Directory) Link(name string, target vfs.Vnode) error {
	f, ok := target.(*File)
	if !ok {
		return status.Errorf(status.NotSupported, "hard links are file-only")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.entries[name]; exists {
		return status.PathError(status.AlreadyExists, "entry already exists", name)
	}
	d.entries[name] = f
	f.addLink()
	return nil
}

func (d *Directory) WatchDir(mask uint32, watcher *vfs.Watcher) error {
	d.mu.RLock()
	existing := make([]string, 0, len(d.entries))
	for name := range d.entries {
		existing = append(existing, name)
	}
	d.mu.RUnlock()
	sort.Strings(existing)

	d.Watchers().Add(watcher, existing)
	return nil
}

func (d *Directory) Notify(name string, event uint32) {
	d.Watchers().Notify(name, event)
}

func (d *Directory) GetAttributes() (vfs.Attributes, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return vfs.Attributes{
		Mode:         0o755 | 0o040000,
		ID:           d.id,
		LinkCount:    1,
		CreationTime: d.created,
	}, nil
}

func (d *Directory) QueryFilesystem() (vfs.FilesystemInfo, error) {
	return vfs.FilesystemInfo{
		BlockSize:       4096,
		MaxFilenameSize: vfs.NameMax,
		Name:            "memfs",
	}, nil
}

// EntryCount reports the number of entries, for tests.
func (d *Directory) EntryCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
