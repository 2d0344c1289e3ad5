package paging

import (
	"sync"

	"github.com/stratofs/stratofs/internal/logger"
)

// DefaultWorkerCount is the pool size when the configuration does not
// say otherwise.
const DefaultWorkerCount = 1

// Pool runs a fixed set of workers all blocked on one shared port.
type Pool struct {
	port     *Port
	dispatch func(Packet)
	wg       sync.WaitGroup
	workers  int

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool builds a pool of the given size delivering packets to
// dispatch. Sizes below one are clamped to the default.
func NewPool(port *Port, workers int, dispatch func(Packet)) *Pool {
	if workers < 1 {
		workers = DefaultWorkerCount
	}
	return &Pool{port: port, dispatch: dispatch, workers: workers}
}

// Start launches the workers. Starting twice is an error kept loud in
// logs rather than silent.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		logger.Warn("paging: pool started twice")
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		pkt, ok := p.port.Wait()
		if !ok {
			return
		}
		switch pkt.Command {
		case commandQuit:
			return
		case CommandVmoComplete:
			// Explicit-detach completion; nothing to do on this path.
		case CommandVmoRead:
			p.dispatch(pkt)
		default:
			logger.Warn("paging: unknown pager command %d", pkt.Command)
		}
	}
}

// Shutdown queues exactly one quit sentinel per worker, joins them all,
// and closes the port. Safe to call once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.port.Queue(Packet{Command: commandQuit})
	}
	p.wg.Wait()
	p.port.Close()
}

// WorkerCount reports the configured pool size.
func (p *Pool) WorkerCount() int {
	return p.workers
}
