package vfs

import (
	"sync"

	"github.com/stratofs/stratofs/pkg/status"
)

// MemoryObject is the handle returned by GetVmo. Paged vnodes hand out
// clones of their backing memory object through this interface.
type MemoryObject interface {
	Size() uint64
	Release()
}

// Vnode is one filesystem object, independent of any client connection.
//
// Content operations default to NotSupported through VnodeBase;
// filesystem implementations override what they actually support.
// All implementations must embed VnodeBase.
type Vnode interface {
	// Base exposes the shared lifecycle state every vnode carries.
	Base() *VnodeBase

	// Protocols returns the protocol set this vnode can speak.
	Protocols() ProtocolSet

	// Negotiate picks one concrete protocol out of the intersection of
	// the vnode's protocols and the requested set.
	Negotiate(requested ProtocolSet) (Protocol, error)

	// ValidateRights lets a vnode reject rights it cannot grant
	// (e.g., write on an immutable object).
	ValidateRights(rights Rights) error

	// OpenNode is the per-open hook. A non-nil return redirects the
	// connection to a different vnode (lazy-created children).
	OpenNode(options OpenOptions) (Vnode, error)

	// CloseNode is the per-close hook, invoked once per successful open.
	CloseNode() error

	Read(p []byte, off uint64) (int, error)
	Write(p []byte, off uint64) (int, error)
	Append(p []byte) (n int, end uint64, err error)
	Truncate(size uint64) error
	GetAttributes() (Attributes, error)
	SetAttributes(attr Attributes) error

	Lookup(name string) (Vnode, error)
	Create(name string, protocol Protocol) (Vnode, error)
	Readdir(cookie *DirCookie, limit int) ([]Dirent, error)
	Rename(newParent Vnode, oldName, newName string) error
	Link(name string, target Vnode) error
	Unlink(name string, mustBeDir bool) error

	Sync() error
	GetVmo(rights Rights) (MemoryObject, error)
	WatchDir(mask uint32, watcher *Watcher) error
	Notify(name string, event uint32)
	QueryFilesystem() (FilesystemInfo, error)
	GetDevicePath() (string, error)
	ConnectService(channel *NodeChannel) error
}

// VnodeBase carries the state shared by every vnode: open and in-flight
// accounting, the nullable back-reference to the owning VFS, advisory
// locks, the directory-watcher list, and the remote mount attachment.
type VnodeBase struct {
	mu        sync.Mutex
	protocols ProtocolSet
	openCount int64
	inflight  int64
	vfs       *VFS
	remote    Remote
	locks     lockTable
	watchers  WatcherList
}

// NewVnodeBase returns base state for a vnode speaking the given
// protocol set.
func NewVnodeBase(protocols ProtocolSet) VnodeBase {
	return VnodeBase{protocols: protocols}
}

func (b *VnodeBase) Base() *VnodeBase { return b }

func (b *VnodeBase) Protocols() ProtocolSet { return b.protocols }

func (b *VnodeBase) Negotiate(requested ProtocolSet) (Protocol, error) {
	// Every vnode can serve a node-reference connection, so the node
	// protocol is negotiable even when not advertised.
	both := (b.protocols | ProtocolSet(ProtocolNode)).Intersect(requested)
	p, ok := both.First()
	if !ok {
		return 0, status.Errorf(status.NotSupported, "no common protocol")
	}
	return p, nil
}

func (b *VnodeBase) ValidateRights(Rights) error { return nil }

func (b *VnodeBase) OpenNode(OpenOptions) (Vnode, error) { return nil, nil }

func (b *VnodeBase) CloseNode() error { return nil }

func (b *VnodeBase) Read([]byte, uint64) (int, error) {
	return 0, status.Errorf(status.NotSupported, "read not supported")
}

func (b *VnodeBase) Write([]byte, uint64) (int, error) {
	return 0, status.Errorf(status.NotSupported, "write not supported")
}

func (b *VnodeBase) Append([]byte) (int, uint64, error) {
	return 0, 0, status.Errorf(status.NotSupported, "append not supported")
}

func (b *VnodeBase) Truncate(uint64) error {
	return status.Errorf(status.NotSupported, "truncate not supported")
}

func (b *VnodeBase) GetAttributes() (Attributes, error) {
	return Attributes{}, status.Errorf(status.NotSupported, "attributes not supported")
}

func (b *VnodeBase) SetAttributes(Attributes) error {
	return status.Errorf(status.NotSupported, "attributes not supported")
}

func (b *VnodeBase) Lookup(string) (Vnode, error) {
	return nil, status.Errorf(status.NotSupported, "lookup not supported")
}

func (b *VnodeBase) Create(string, Protocol) (Vnode, error) {
	return nil, status.Errorf(status.NotSupported, "create not supported")
}

func (b *VnodeBase) Readdir(*DirCookie, int) ([]Dirent, error) {
	return nil, status.Errorf(status.NotSupported, "readdir not supported")
}

func (b *VnodeBase) Rename(Vnode, string, string) error {
	return status.Errorf(status.NotSupported, "rename not supported")
}

func (b *VnodeBase) Link(string, Vnode) error {
	return status.Errorf(status.NotSupported, "link not supported")
}

func (b *VnodeBase) Unlink(string, bool) error {
	return status.Errorf(status.NotSupported, "unlink not supported")
}

func (b *VnodeBase) Sync() error { return nil }

func (b *VnodeBase) GetVmo(Rights) (MemoryObject, error) {
	return nil, status.Errorf(status.NotSupported, "vnode is not memory backed")
}

func (b *VnodeBase) WatchDir(uint32, *Watcher) error {
	return status.Errorf(status.NotSupported, "watch not supported")
}

func (b *VnodeBase) Notify(name string, event uint32) {
	b.watchers.Notify(name, event)
}

func (b *VnodeBase) QueryFilesystem() (FilesystemInfo, error) {
	return FilesystemInfo{}, status.Errorf(status.NotSupported, "not a filesystem root")
}

func (b *VnodeBase) GetDevicePath() (string, error) {
	return "", status.Errorf(status.NotSupported, "not a device")
}

func (b *VnodeBase) ConnectService(*NodeChannel) error {
	return status.Errorf(status.NotSupported, "not a service node")
}

// Watchers exposes the vnode's directory-watcher list to
// implementations that support WatchDir.
func (b *VnodeBase) Watchers() *WatcherList { return &b.watchers }

// OpenCount returns the number of successful opens not yet closed.
func (b *VnodeBase) OpenCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openCount
}

func (b *VnodeBase) openCountAdd(delta int64) {
	b.mu.Lock()
	b.openCount += delta
	b.mu.Unlock()
}

// RegisterInflight marks one transaction in progress on this vnode.
func (b *VnodeBase) RegisterInflight() {
	b.mu.Lock()
	b.inflight++
	b.mu.Unlock()
}

// UnregisterInflight marks one transaction finished.
func (b *VnodeBase) UnregisterInflight() {
	b.mu.Lock()
	b.inflight--
	b.mu.Unlock()
}

// InflightCount returns the number of transactions in progress.
func (b *VnodeBase) InflightCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight
}

// VerifyTeardown checks the destruction invariant: no open references
// and no in-flight transactions may remain.
func (b *VnodeBase) VerifyTeardown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openCount != 0 {
		return status.Errorf(status.BadState, "vnode torn down with open references")
	}
	if b.inflight != 0 {
		return status.Errorf(status.BadState, "vnode torn down with in-flight transactions")
	}
	return nil
}

// SetVfs installs the back-reference to the owning dispatcher.
func (b *VnodeBase) SetVfs(v *VFS) {
	b.mu.Lock()
	b.vfs = v
	b.mu.Unlock()
}

// Vfs returns the owning dispatcher, or nil after WillDestroyVfs.
// Callers must tolerate nil: vnodes may outlive their dispatcher.
func (b *VnodeBase) Vfs() *VFS {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vfs
}

// WillDestroyVfs clears the dispatcher back-reference. Called by the
// dispatcher during shutdown while vnodes remain alive.
func (b *VnodeBase) WillDestroyVfs() {
	b.mu.Lock()
	b.vfs = nil
	b.mu.Unlock()
}

// AcquireLock takes an advisory lock on behalf of owner.
func (b *VnodeBase) AcquireLock(owner any, exclusive bool) error {
	return b.locks.acquire(owner, exclusive)
}

// ReleaseLock drops owner's advisory lock, if any.
func (b *VnodeBase) ReleaseLock(owner any) {
	b.locks.release(owner)
}

// AttachRemote installs a mounted filesystem on this vnode.
// At most one remote may be attached at a time.
func (b *VnodeBase) AttachRemote(r Remote) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remote != nil {
		return status.Errorf(status.AlreadyExists, "vnode already has a remote")
	}
	b.remote = r
	return nil
}

// DetachRemote removes and returns the attached remote, if any.
func (b *VnodeBase) DetachRemote() Remote {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.remote
	b.remote = nil
	return r
}

// IsRemote reports whether a remote filesystem is mounted here.
func (b *VnodeBase) IsRemote() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remote != nil
}

// GetRemote returns the attached remote without detaching it.
func (b *VnodeBase) GetRemote() Remote {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remote
}

// OpenVnode runs the open hook and increments the open count only on
// success. The returned vnode is the redirect target when the hook
// supplies one, otherwise vn itself.
func OpenVnode(vn Vnode, options OpenOptions) (Vnode, error) {
	redirect, err := vn.OpenNode(options)
	if err != nil {
		return nil, err
	}
	opened := vn
	if redirect != nil {
		opened = redirect
	}
	opened.Base().openCountAdd(1)
	return opened, nil
}

// CloseVnode decrements the open count exactly once and then runs the
// close hook. A hook error is surfaced but never skips the decrement.
func CloseVnode(vn Vnode) error {
	vn.Base().openCountAdd(-1)
	return vn.CloseNode()
}
