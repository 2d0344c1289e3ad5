package paging

import (
	"sync"

	"github.com/stratofs/stratofs/pkg/status"
	"github.com/stratofs/stratofs/pkg/vfs"
)

// PagedVnode is a vnode whose content is produced on demand through
// the pager. Implementations embed PagedVnodeBase and provide VmoRead.
type PagedVnode interface {
	vfs.Vnode
	PagedNode
}

// PagedVnodeBase carries the paged side of a vnode: the lazily created
// backing object, its registration id, and the clone watch. The state
// progression is no-vmo, vmo-created, has-clones, zero-clones; the last
// step either frees the object or runs a custom hook.
type PagedVnodeBase struct {
	vfs.VnodeBase

	pagedMu  sync.Mutex
	manager  *Manager
	vmo      *Vmo
	id       uint64
	watching bool

	// noClonesHook replaces the default cleanup (freeing the backing
	// object) for vnodes that keep it alive as a cache.
	noClonesHook func()
}

// NewPagedVnodeBase builds base state bound to a manager.
func NewPagedVnodeBase(manager *Manager, protocols vfs.ProtocolSet) PagedVnodeBase {
	return PagedVnodeBase{
		VnodeBase: vfs.NewVnodeBase(protocols),
		manager:   manager,
	}
}

// SetOnNoClones overrides the zero-clones cleanup.
func (b *PagedVnodeBase) SetOnNoClones(hook func()) {
	b.pagedMu.Lock()
	b.noClonesHook = hook
	b.pagedMu.Unlock()
}

// EnsureCreateVmo creates the backing object sized to size and
// registers node with the pager. Idempotent: a second call observes
// the existing object and allocates nothing.
func (b *PagedVnodeBase) EnsureCreateVmo(node PagedNode, size uint64) error {
	b.pagedMu.Lock()
	defer b.pagedMu.Unlock()
	if b.vmo != nil {
		return nil
	}
	vmo, id, err := b.manager.Register(node, size)
	if err != nil {
		return err
	}
	b.vmo = vmo
	b.id = id
	return nil
}

// PagedVmo returns the backing object, or nil before EnsureCreateVmo.
func (b *PagedVnodeBase) PagedVmo() *Vmo {
	b.pagedMu.Lock()
	defer b.pagedMu.Unlock()
	return b.vmo
}

// PagerID returns the registration id, zero before EnsureCreateVmo.
func (b *PagedVnodeBase) PagerID() uint64 {
	b.pagedMu.Lock()
	defer b.pagedMu.Unlock()
	return b.id
}

// ClonePagedVmo hands out a clone and arms the zero-children watch.
func (b *PagedVnodeBase) ClonePagedVmo() (*VmoClone, error) {
	b.pagedMu.Lock()
	defer b.pagedMu.Unlock()
	if b.vmo == nil {
		return nil, status.Errorf(status.BadState, "no backing memory object")
	}
	clone := b.vmo.Clone()
	if !b.watching {
		b.watching = true
		b.vmo.WatchZeroChildren(b.onNoClonesMessage)
	}
	return clone, nil
}

// onNoClonesMessage handles the zero-children signal. Delivery races
// with new clones, so the live count is re-checked under the lock; a
// spurious wakeup with clones present just re-arms the watch.
func (b *PagedVnodeBase) onNoClonesMessage() {
	b.pagedMu.Lock()
	if b.vmo == nil {
		b.watching = false
		b.pagedMu.Unlock()
		return
	}
	if b.vmo.ChildCount() > 0 {
		b.vmo.WatchZeroChildren(b.onNoClonesMessage)
		b.pagedMu.Unlock()
		return
	}
	b.watching = false
	hook := b.noClonesHook
	b.pagedMu.Unlock()

	if hook != nil {
		hook()
		return
	}
	b.FreePagedVmo()
}

// FreePagedVmo unregisters and detaches the backing object. The
// default zero-clones cleanup.
func (b *PagedVnodeBase) FreePagedVmo() {
	b.pagedMu.Lock()
	vmo, id := b.vmo, b.id
	b.vmo = nil
	b.watching = false
	manager := b.manager
	b.pagedMu.Unlock()

	if vmo == nil {
		return
	}
	manager.Unregister(id)
	manager.Detach(vmo)
}

// SupplyPages forwards produced bytes to the backing object.
func (b *PagedVnodeBase) SupplyPages(off, length uint64, data []byte) error {
	vmo := b.PagedVmo()
	if vmo == nil {
		return status.Errorf(status.BadState, "no backing memory object")
	}
	if err := vmo.SupplyPages(off, length, data); err != nil {
		return err
	}
	b.manager.metrics.RecordSupply((length + PageSize - 1) / PageSize)
	return nil
}

// ReportPagerError fails an outstanding fault range.
func (b *PagedVnodeBase) ReportPagerError(off, length uint64, code status.Code) {
	vmo := b.PagedVmo()
	if vmo == nil {
		return
	}
	b.manager.metrics.RecordPagerError()
	vmo.ReportError(off, length, code)
}
