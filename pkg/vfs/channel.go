package vfs

import (
	"sync"

	"github.com/stratofs/stratofs/pkg/status"
)

// OpenEvent is the single on-open notification delivered when a client
// opens with FlagDescribe. Protocol is meaningful only when Status is OK.
type OpenEvent struct {
	Status   status.Code
	Protocol Protocol
}

// NodeChannel stands in for the transport endpoint handed to Open and
// Clone. It carries at most one on-open event and observes closure from
// either side. The wire encoding itself lives outside this layer.
type NodeChannel struct {
	mu      sync.Mutex
	event   *OpenEvent
	closed  bool
	onClose []func()
}

// NewNodeChannel returns an open channel with no pending event.
func NewNodeChannel() *NodeChannel {
	return &NodeChannel{}
}

// SendOnOpen queues the on-open event. Only the first event is kept;
// the contract is exactly one event per open attempt.
func (c *NodeChannel) SendOnOpen(ev OpenEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.event != nil {
		return
	}
	c.event = &ev
}

// TakeEvent returns the pending on-open event, if any.
func (c *NodeChannel) TakeEvent() (OpenEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.event == nil {
		return OpenEvent{}, false
	}
	ev := *c.event
	c.event = nil
	return ev, true
}

// Close severs the channel and runs any registered close hooks.
// Closing twice is a no-op.
func (c *NodeChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

// Closed reports whether either side has severed the channel.
func (c *NodeChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// OnClose registers a hook invoked once when the channel closes.
// If the channel is already closed the hook runs immediately.
func (c *NodeChannel) OnClose(hook func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		hook()
		return
	}
	c.onClose = append(c.onClose, hook)
	c.mu.Unlock()
}

// Remote is the client end of a mounted filesystem's root directory.
//
// OpenRemote forwards an open that crossed a mount point; the remaining
// path is resolved entirely by the remote. A severed remote reports
// status.PeerClosed, which the dispatcher treats as grounds to uninstall
// the mount.
type Remote interface {
	OpenRemote(options OpenOptions, path string, channel *NodeChannel) error
	Unmount() error
}
