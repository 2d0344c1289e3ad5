package paging

import (
	"sync"

	"github.com/stratofs/stratofs/pkg/status"
)

// PageSize is the granularity of fault and supply operations.
const PageSize = 4096

// Vmo is an in-process demand-paged memory object. Reads of ranges not
// yet supplied post a fault packet to the pager port and block until
// the owning vnode supplies the pages or reports an error.
type Vmo struct {
	key  uint64
	port *Port
	size uint64

	mu       sync.Mutex
	cond     *sync.Cond
	data     []byte
	supplied []bool
	faulted  []bool
	pageErr  map[uint64]status.Code
	detached bool

	clones    int
	zeroWatch func()
}

func newVmo(port *Port, key, size uint64) *Vmo {
	pages := (size + PageSize - 1) / PageSize
	v := &Vmo{
		key:      key,
		port:     port,
		size:     size,
		data:     make([]byte, size),
		supplied: make([]bool, pages),
		faulted:  make([]bool, pages),
		pageErr:  make(map[uint64]status.Code),
	}
	v.cond = sync.NewCond(&v.mu)
	return v
}

// Key returns the registration id faults are tagged with.
func (v *Vmo) Key() uint64 { return v.key }

// Size returns the object size in bytes.
func (v *Vmo) Size() uint64 { return v.size }

// Read copies bytes at off into p, faulting in missing pages first.
// Blocks until every touched page is supplied, an error is reported for
// one of them, or the object is detached.
func (v *Vmo) Read(p []byte, off uint64) (int, error) {
	if off >= v.size || len(p) == 0 {
		return 0, nil
	}
	if off+uint64(len(p)) > v.size {
		p = p[:v.size-off]
	}
	first := off / PageSize
	last := (off + uint64(len(p)) - 1) / PageSize

	v.mu.Lock()
	defer v.mu.Unlock()
	for {
		if v.detached {
			return 0, status.Errorf(status.BadState, "memory object detached from pager")
		}
		for page := first; page <= last; page++ {
			if code, bad := v.pageErr[page]; bad {
				delete(v.pageErr, page)
				return 0, status.Errorf(code, "page fault failed")
			}
		}
		if v.postFaultsLocked(first, last) {
			copy(p, v.data[off:off+uint64(len(p))])
			return len(p), nil
		}
		v.cond.Wait()
	}
}

// postFaultsLocked queues fault packets for unsupplied pages in
// [first,last] that have no fault outstanding, coalescing contiguous
// runs. Returns true when every page in the range is already supplied.
func (v *Vmo) postFaultsLocked(first, last uint64) bool {
	complete := true
	var runStart uint64
	inRun := false
	flush := func(end uint64) {
		if !inRun {
			return
		}
		v.port.Queue(Packet{
			Key:     v.key,
			Command: CommandVmoRead,
			Offset:  runStart * PageSize,
			Length:  (end - runStart) * PageSize,
		})
		inRun = false
	}
	for page := first; page <= last; page++ {
		if v.supplied[int(page)] {
			flush(page)
			continue
		}
		complete = false
		if v.faulted[int(page)] {
			flush(page)
			continue
		}
		v.faulted[int(page)] = true
		if !inRun {
			runStart = page
			inRun = true
		}
	}
	flush(last + 1)
	return complete
}

// SupplyPages fills [off, off+length) with data (zeros when data is
// nil), marks the pages resident, and wakes blocked readers. Offsets
// must be page aligned.
func (v *Vmo) SupplyPages(off, length uint64, data []byte) error {
	if off%PageSize != 0 {
		return status.Errorf(status.InvalidArgument, "supply offset must be page aligned")
	}
	if off+length > uint64(len(v.supplied))*PageSize {
		return status.Errorf(status.InvalidArgument, "supply range out of bounds")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	end := off + length
	if end > v.size {
		end = v.size
	}
	if data != nil {
		copy(v.data[off:end], data)
	}
	for page := off / PageSize; page*PageSize < end; page++ {
		v.supplied[int(page)] = true
		v.faulted[int(page)] = false
		delete(v.pageErr, page)
	}
	v.cond.Broadcast()
	return nil
}

// ReportError fails the pages in [off, off+length), waking blocked
// readers with the given code.
func (v *Vmo) ReportError(off, length uint64, code status.Code) {
	v.mu.Lock()
	defer v.mu.Unlock()
	end := off + length
	if end > v.size {
		end = v.size
	}
	for page := off / PageSize; page*PageSize < end; page++ {
		if !v.supplied[int(page)] {
			v.pageErr[page] = code
			v.faulted[int(page)] = false
		}
	}
	v.cond.Broadcast()
}

// Supplied reports whether every page of [off, off+length) is resident.
func (v *Vmo) Supplied(off, length uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	end := off + length
	if end > v.size {
		end = v.size
	}
	for page := off / PageSize; page*PageSize < end; page++ {
		if !v.supplied[int(page)] {
			return false
		}
	}
	return true
}

// detach severs the object from its pager, failing blocked readers.
func (v *Vmo) detach() {
	v.mu.Lock()
	already := v.detached
	v.detached = true
	v.cond.Broadcast()
	v.mu.Unlock()
	if !already {
		v.port.Queue(Packet{Key: v.key, Command: CommandVmoComplete})
	}
}

// Clone hands out a new reference to the object's content. Clone
// lifecycle drives the zero-children signal.
func (v *Vmo) Clone() *VmoClone {
	v.mu.Lock()
	v.clones++
	v.mu.Unlock()
	return &VmoClone{vmo: v}
}

// ChildCount returns the number of live clones.
func (v *Vmo) ChildCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.clones
}

// WatchZeroChildren arms a one-shot callback fired when the clone count
// drops to zero, immediately if it already is zero. The callback runs
// on its own goroutine; delivery can race with a new clone, so handlers
// must re-check ChildCount.
func (v *Vmo) WatchZeroChildren(fn func()) {
	v.mu.Lock()
	if v.clones == 0 && fn != nil {
		v.mu.Unlock()
		go fn()
		return
	}
	v.zeroWatch = fn
	v.mu.Unlock()
}

// ClearZeroChildrenWatch disarms the pending watch, if any.
func (v *Vmo) ClearZeroChildrenWatch() {
	v.mu.Lock()
	v.zeroWatch = nil
	v.mu.Unlock()
}

func (v *Vmo) releaseClone() {
	v.mu.Lock()
	v.clones--
	var fire func()
	if v.clones == 0 && v.zeroWatch != nil {
		fire = v.zeroWatch
		v.zeroWatch = nil
	}
	v.mu.Unlock()
	if fire != nil {
		go fire()
	}
}

// VmoClone is one outstanding reference to a Vmo's content. It
// satisfies the vfs memory-object surface.
type VmoClone struct {
	vmo  *Vmo
	once sync.Once
}

// Read delegates to the backing object, faulting pages in as needed.
func (c *VmoClone) Read(p []byte, off uint64) (int, error) {
	return c.vmo.Read(p, off)
}

// Size returns the backing object size.
func (c *VmoClone) Size() uint64 { return c.vmo.Size() }

// Release drops this clone. Releasing twice is a no-op.
func (c *VmoClone) Release() {
	c.once.Do(c.vmo.releaseClone)
}

// Pager is the in-process stand-in for the kernel pager: it creates
// paged memory objects whose faults arrive on a port.
type Pager struct {
	mu      sync.Mutex
	created int
}

// NewPager returns a pager.
func NewPager() *Pager {
	return &Pager{}
}

// CreateVmo builds a paged object of the given size whose fault
// packets carry key on port.
func (p *Pager) CreateVmo(port *Port, key, size uint64) (*Vmo, error) {
	if size == 0 {
		return nil, status.Errorf(status.InvalidArgument, "zero-sized memory object")
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return newVmo(port, key, size), nil
}

// Detach severs a vmo from the pager. Blocked readers fail with
// BadState and a completion packet is posted.
func (p *Pager) Detach(v *Vmo) {
	v.detach()
}

// CreatedCount reports how many objects this pager has created.
func (p *Pager) CreatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}
