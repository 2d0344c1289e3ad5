package paging

import (
	"sync"

	"github.com/stratofs/stratofs/internal/logger"
	"github.com/stratofs/stratofs/pkg/metrics"
)

// PagedNode is what the manager routes faults to. VmoRead must
// eventually call SupplyPages or ReportError on the node's vmo, from
// any goroutine; never replying hangs the faulting reader.
type PagedNode interface {
	VmoRead(offset, length uint64)
}

// registration pairs a node with the vmo created for it, so shutdown
// can detach every live object.
type registration struct {
	node PagedNode
	vmo  *Vmo
}

// Manager owns the pager, the fault port, the worker pool, and the
// id-to-vnode registration map. Ids are never reused for the life of
// the manager, so a fault racing an unregistration misses cleanly.
type Manager struct {
	pager   *Pager
	port    *Port
	pool    *Pool
	metrics metrics.PagerMetrics

	mu     sync.Mutex
	nodes  map[uint64]*registration
	nextID uint64
}

// NewManager builds a manager with the given worker-pool size and
// starts the pool.
func NewManager(workers int) *Manager {
	m := &Manager{
		pager:   NewPager(),
		port:    NewPort(),
		metrics: metrics.NewPagerMetrics(),
		nodes:   make(map[uint64]*registration),
	}
	m.pool = NewPool(m.port, workers, m.dispatch)
	m.pool.Start()
	return m
}

// Register assigns a fresh id to node and creates its backing memory
// object. The returned vmo's faults route to node.VmoRead.
func (m *Manager) Register(node PagedNode, size uint64) (*Vmo, uint64, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	reg := &registration{node: node}
	m.nodes[id] = reg
	count := len(m.nodes)
	m.mu.Unlock()

	vmo, err := m.pager.CreateVmo(m.port, id, size)
	if err != nil {
		m.mu.Lock()
		delete(m.nodes, id)
		count = len(m.nodes)
		m.mu.Unlock()
		m.metrics.SetRegisteredNodes(count)
		return nil, 0, err
	}
	m.mu.Lock()
	reg.vmo = vmo
	m.mu.Unlock()
	m.metrics.SetRegisteredNodes(count)
	return vmo, id, nil
}

// Unregister drops the id-to-node mapping. In-flight faults for the id
// are dropped when they arrive; the id itself is never handed out
// again.
func (m *Manager) Unregister(id uint64) {
	m.mu.Lock()
	delete(m.nodes, id)
	count := len(m.nodes)
	m.mu.Unlock()
	m.metrics.SetRegisteredNodes(count)
}

// RegisteredCount reports live registrations, for introspection.
func (m *Manager) RegisteredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

// Detach severs a vmo from the pager explicitly.
func (m *Manager) Detach(v *Vmo) {
	m.pager.Detach(v)
}

// dispatch routes one fault packet. A lookup miss after unregistration
// is a benign race, not an error; the request is dropped.
func (m *Manager) dispatch(pkt Packet) {
	m.mu.Lock()
	reg, ok := m.nodes[pkt.Key]
	m.mu.Unlock()
	if !ok {
		logger.Debug("paging: dropping fault for unregistered id %d", pkt.Key)
		return
	}
	m.metrics.RecordFault((pkt.Length + PageSize - 1) / PageSize)
	reg.node.VmoRead(pkt.Offset, pkt.Length)
}

// Shutdown stops the worker pool. Registered nodes' vmos are detached
// first so no reader blocks forever on a port nobody drains.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	vmos := make([]*Vmo, 0, len(m.nodes))
	for _, reg := range m.nodes {
		if reg.vmo != nil {
			vmos = append(vmos, reg.vmo)
		}
	}
	m.mu.Unlock()

	for _, vmo := range vmos {
		m.pager.Detach(vmo)
	}
	m.pool.Shutdown()
}

// Pager exposes the underlying pager.
func (m *Manager) Pager() *Pager { return m.pager }
