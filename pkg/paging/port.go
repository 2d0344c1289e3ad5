// Package paging bridges demand-paging faults to vnode-level data
// production: a wait-multiplexer port, a fixed worker pool draining it,
// in-process paged memory objects with clone-lifecycle tracking, and
// the manager routing faults to their owning vnode.
package paging

import "sync"

// Command discriminates packets delivered on a Port.
type Command int

const (
	// CommandVmoRead asks the owning vnode to produce a byte range.
	CommandVmoRead Command = iota

	// CommandVmoComplete reports an explicit detach finished. Currently
	// a no-op downstream; natural zero-clone detection handles teardown.
	CommandVmoComplete

	// commandQuit is the shutdown sentinel, one per worker.
	commandQuit
)

// Packet is one notification. Key identifies the target vnode
// registration; it is an opaque id, never a live reference, so the
// worker pool needs no lock of its own to route it.
type Packet struct {
	Key     uint64
	Command Command
	Offset  uint64
	Length  uint64
}

// Port is the shared wait-multiplexer every pool worker blocks on.
type Port struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Packet
	closed bool
}

// NewPort returns an empty port.
func NewPort() *Port {
	p := &Port{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Queue appends a packet and wakes one waiter. Packets queued after
// Close are dropped.
func (p *Port) Queue(pkt Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, pkt)
	p.cond.Signal()
}

// Wait blocks until a packet arrives or the port closes. The second
// return is false once the port is closed and drained.
func (p *Port) Wait() (Packet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 {
		if p.closed {
			return Packet{}, false
		}
		p.cond.Wait()
	}
	pkt := p.queue[0]
	p.queue = p.queue[1:]
	return pkt, true
}

// Close drains nothing: queued packets are still delivered, then
// waiters observe closure.
func (p *Port) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}
