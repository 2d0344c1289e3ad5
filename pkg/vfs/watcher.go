package vfs

import (
	"sync"

	"github.com/stratofs/stratofs/pkg/status"
)

// Directory-watch event kinds.
const (
	WatchEventDeleted uint32 = iota
	WatchEventAdded
	WatchEventRemoved
	WatchEventExisting
	WatchEventIdle
)

// Watch masks select which event kinds a watcher receives.
const (
	WatchMaskDeleted  uint32 = 1 << WatchEventDeleted
	WatchMaskAdded    uint32 = 1 << WatchEventAdded
	WatchMaskRemoved  uint32 = 1 << WatchEventRemoved
	WatchMaskExisting uint32 = 1 << WatchEventExisting
	WatchMaskIdle     uint32 = 1 << WatchEventIdle
	WatchMaskAll      uint32 = WatchMaskDeleted | WatchMaskAdded | WatchMaskRemoved | WatchMaskExisting | WatchMaskIdle
)

// WatchEvent is one directory change notification.
type WatchEvent struct {
	Event uint32
	Name  string
}

// watcherChannelDepth bounds how far a slow watcher may lag before
// events are dropped.
const watcherChannelDepth = 64

// Watcher receives directory change notifications. Events that cannot
// be delivered without blocking are dropped; a watcher that cares about
// completeness must drain promptly.
type Watcher struct {
	mask   uint32
	events chan WatchEvent
	once   sync.Once
}

// NewWatcher builds a watcher for the given event mask.
func NewWatcher(mask uint32) *Watcher {
	return &Watcher{mask: mask, events: make(chan WatchEvent, watcherChannelDepth)}
}

// Events is the notification stream. Closed when the watcher is removed.
func (w *Watcher) Events() <-chan WatchEvent {
	return w.events
}

func (w *Watcher) send(event uint32, name string) {
	if w.mask&(1<<event) == 0 {
		return
	}
	select {
	case w.events <- WatchEvent{Event: event, Name: name}:
	default:
	}
}

func (w *Watcher) close() {
	w.once.Do(func() { close(w.events) })
}

// WatcherList is the per-vnode inotify-style filter list. The side state
// lives on the vnode itself, not in a global table keyed by identity.
type WatcherList struct {
	mu       sync.Mutex
	watchers []*Watcher
}

// Add registers a watcher. existing lists the current directory entries,
// replayed to watchers that asked for WatchMaskExisting before the idle
// marker is sent.
func (l *WatcherList) Add(w *Watcher, existing []string) {
	l.mu.Lock()
	l.watchers = append(l.watchers, w)
	l.mu.Unlock()

	for _, name := range existing {
		w.send(WatchEventExisting, name)
	}
	w.send(WatchEventIdle, "")
}

// Remove unregisters a watcher and closes its stream.
func (l *WatcherList) Remove(w *Watcher) {
	l.mu.Lock()
	for i, cur := range l.watchers {
		if cur == w {
			l.watchers = append(l.watchers[:i], l.watchers[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	w.close()
}

// Notify fans one event out to every watcher whose mask selects it.
func (l *WatcherList) Notify(name string, event uint32) {
	l.mu.Lock()
	watchers := make([]*Watcher, len(l.watchers))
	copy(watchers, l.watchers)
	l.mu.Unlock()

	for _, w := range watchers {
		w.send(event, name)
	}
}

// CloseAll drops every watcher, closing their streams.
func (l *WatcherList) CloseAll() {
	l.mu.Lock()
	watchers := l.watchers
	l.watchers = nil
	l.mu.Unlock()

	for _, w := range watchers {
		w.close()
	}
}

// lockKind is the advisory-lock state held by one owner.
type lockKind int

const (
	lockShared lockKind = iota + 1
	lockExclusive
)

// lockTable is the per-vnode advisory-lock map keyed by owning
// connection. All access goes through the vnode's own methods.
type lockTable struct {
	mu     sync.Mutex
	owners map[any]lockKind
}

func (t *lockTable) acquire(owner any, exclusive bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owners == nil {
		t.owners = make(map[any]lockKind)
	}
	for cur, kind := range t.owners {
		if cur == owner {
			continue
		}
		if exclusive || kind == lockExclusive {
			return status.Errorf(status.BadState, "conflicting advisory lock held")
		}
	}
	if exclusive {
		t.owners[owner] = lockExclusive
	} else {
		t.owners[owner] = lockShared
	}
	return nil
}

func (t *lockTable) release(owner any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.owners, owner)
}
