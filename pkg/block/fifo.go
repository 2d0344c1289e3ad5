package block

import (
	"sync"

	"github.com/stratofs/stratofs/pkg/status"
)

// Fifo is the in-process fixed-depth ring pair connecting one client to
// one device: requests flow one way, responses the other. Nonblocking
// variants report ShouldWait; the blocking variants wait for readiness
// internally. Close severs both directions and wakes every waiter with
// PeerClosed.
type Fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	depth  int
	reqs   []Request
	resps  []Response
	closed bool
}

// NewFifo builds a ring pair of the given depth.
func NewFifo(depth int) *Fifo {
	if depth <= 0 {
		depth = FifoDepth
	}
	f := &Fifo{depth: depth}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// TryWriteRequests appends as many requests as fit, returning how many
// were written. Zero with ShouldWait means the ring is full.
func (f *Fifo) TryWriteRequests(reqs []Request) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, status.Errorf(status.PeerClosed, "fifo closed")
	}
	room := f.depth - len(f.reqs)
	if room == 0 {
		return 0, status.Errorf(status.ShouldWait, "request ring full")
	}
	n := len(reqs)
	if n > room {
		n = room
	}
	f.reqs = append(f.reqs, reqs[:n]...)
	f.cond.Broadcast()
	return n, nil
}

// WriteRequests writes the whole batch, blocking for ring space as
// needed. The batch may take several underlying writes.
func (f *Fifo) WriteRequests(reqs []Request) error {
	for len(reqs) > 0 {
		n, err := f.TryWriteRequests(reqs)
		if err != nil && !status.Is(err, status.ShouldWait) {
			return err
		}
		reqs = reqs[n:]
		if len(reqs) == 0 {
			return nil
		}
		if err := f.waitWritableRequests(); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fifo) waitWritableRequests() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.closed && len(f.reqs) == f.depth {
		f.cond.Wait()
	}
	if f.closed {
		return status.Errorf(status.PeerClosed, "fifo closed")
	}
	return nil
}

// ReadRequests blocks until at least one request is available and
// returns up to max of them. The device side of the ring.
func (f *Fifo) ReadRequests(max int) ([]Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.reqs) == 0 {
		if f.closed {
			return nil, status.Errorf(status.PeerClosed, "fifo closed")
		}
		f.cond.Wait()
	}
	n := len(f.reqs)
	if max > 0 && n > max {
		n = max
	}
	out := make([]Request, n)
	copy(out, f.reqs[:n])
	f.reqs = f.reqs[n:]
	f.cond.Broadcast()
	return out, nil
}

// WriteResponses appends responses, blocking for ring space.
func (f *Fifo) WriteResponses(resps []Response) error {
	for len(resps) > 0 {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return status.Errorf(status.PeerClosed, "fifo closed")
		}
		room := f.depth - len(f.resps)
		if room == 0 {
			f.cond.Wait()
			f.mu.Unlock()
			continue
		}
		n := len(resps)
		if n > room {
			n = room
		}
		f.resps = append(f.resps, resps[:n]...)
		f.cond.Broadcast()
		f.mu.Unlock()
		resps = resps[n:]
	}
	return nil
}

// ReadResponses blocks until at least one response is available and
// returns up to max of them. The client side of the ring.
func (f *Fifo) ReadResponses(max int) ([]Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.resps) == 0 {
		if f.closed {
			return nil, status.Errorf(status.PeerClosed, "fifo closed")
		}
		f.cond.Wait()
	}
	n := len(f.resps)
	if max > 0 && n > max {
		n = max
	}
	out := make([]Response, n)
	copy(out, f.resps[:n])
	f.resps = f.resps[n:]
	f.cond.Broadcast()
	return out, nil
}

// Close severs the transport. Every blocked reader and writer on either
// side wakes with PeerClosed. Closing twice is a no-op.
func (f *Fifo) Close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Closed reports whether the transport is severed.
func (f *Fifo) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
