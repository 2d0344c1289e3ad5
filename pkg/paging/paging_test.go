package paging

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratofs/stratofs/pkg/status"
	"github.com/stratofs/stratofs/pkg/vfs"
)

// testNode supplies pages according to mode.
type testNode struct {
	PagedVnodeBase
	mode string // "supply", "error", "never"

	reads atomic.Int64
}

func newTestNode(m *Manager, mode string) *testNode {
	n := &testNode{mode: mode}
	n.PagedVnodeBase = NewPagedVnodeBase(m, vfs.ProtocolSet(vfs.ProtocolFile))
	return n
}

func (n *testNode) VmoRead(offset, length uint64) {
	n.reads.Add(1)
	switch n.mode {
	case "supply":
		data := make([]byte, length)
		for i := range data {
			data[i] = byte(offset / PageSize)
		}
		_ = n.SupplyPages(offset, length, data)
	case "error":
		n.ReportPagerError(offset, length, status.IO)
	case "never":
	}
}

func TestPortDeliversInOrder(t *testing.T) {
	port := NewPort()
	port.Queue(Packet{Key: 1, Command: CommandVmoRead})
	port.Queue(Packet{Key: 2, Command: CommandVmoRead})

	pkt, ok := port.Wait()
	require.True(t, ok)
	assert.Equal(t, uint64(1), pkt.Key)
	pkt, ok = port.Wait()
	require.True(t, ok)
	assert.Equal(t, uint64(2), pkt.Key)

	port.Close()
	_, ok = port.Wait()
	assert.False(t, ok)
}

func TestPoolShutdownJoinsAllWorkers(t *testing.T) {
	port := NewPort()
	var dispatched atomic.Int64
	pool := NewPool(port, 4, func(Packet) { dispatched.Add(1) })
	pool.Start()

	for i := 0; i < 10; i++ {
		port.Queue(Packet{Command: CommandVmoRead})
	}
	// Shutdown queues one sentinel per worker and joins; queued work
	// ahead of the sentinels still drains.
	pool.Shutdown()
	assert.Equal(t, int64(10), dispatched.Load())

	// A second shutdown is a no-op.
	pool.Shutdown()
}

func TestFaultSuppliesPages(t *testing.T) {
	m := NewManager(2)
	defer m.Shutdown()

	node := newTestNode(m, "supply")
	require.NoError(t, node.EnsureCreateVmo(node, 3*PageSize))

	buf := make([]byte, PageSize)
	n, err := node.PagedVmo().Read(buf, PageSize)
	require.NoError(t, err)
	assert.Equal(t, PageSize, n)
	assert.Equal(t, byte(1), buf[0])
	assert.True(t, node.PagedVmo().Supplied(PageSize, PageSize))
}

func TestFaultReportsError(t *testing.T) {
	m := NewManager(1)
	defer m.Shutdown()

	node := newTestNode(m, "error")
	require.NoError(t, node.EnsureCreateVmo(node, PageSize))

	buf := make([]byte, 16)
	_, err := node.PagedVmo().Read(buf, 0)
	require.Error(t, err)
	assert.Equal(t, status.IO, status.CodeOf(err))
}

// A VmoRead hook that never replies must be caught by a bounded wait,
// not accepted silently.
func TestVmoReadLiveness(t *testing.T) {
	m := NewManager(1)
	defer m.Shutdown()

	node := newTestNode(m, "never")
	require.NoError(t, node.EnsureCreateVmo(node, PageSize))

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 8)
		_, _ = node.PagedVmo().Read(buf, 0)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("read completed although nothing supplied pages")
	case <-time.After(200 * time.Millisecond):
	}

	// Supplying late releases the reader.
	require.NoError(t, node.SupplyPages(0, PageSize, nil))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader still blocked after pages were supplied")
	}
}

func TestEnsureCreateVmoIdempotent(t *testing.T) {
	m := NewManager(1)
	defer m.Shutdown()

	node := newTestNode(m, "supply")
	require.NoError(t, node.EnsureCreateVmo(node, PageSize))
	first := node.PagedVmo()
	firstID := node.PagerID()

	require.NoError(t, node.EnsureCreateVmo(node, PageSize))
	assert.Same(t, first, node.PagedVmo())
	assert.Equal(t, firstID, node.PagerID())
	assert.Equal(t, 1, m.Pager().CreatedCount())
	assert.Equal(t, 1, m.RegisteredCount())
}

func TestZeroClonesFreesVmo(t *testing.T) {
	m := NewManager(1)
	defer m.Shutdown()

	node := newTestNode(m, "supply")
	require.NoError(t, node.EnsureCreateVmo(node, PageSize))

	clone, err := node.ClonePagedVmo()
	require.NoError(t, err)
	clone.Release()

	require.Eventually(t, func() bool {
		return node.PagedVmo() == nil
	}, 2*time.Second, 5*time.Millisecond, "backing object should be freed once clones reach zero")
	assert.Equal(t, 0, m.RegisteredCount())
}

func TestZeroClonesRaceWithNewClone(t *testing.T) {
	m := NewManager(1)
	defer m.Shutdown()

	node := newTestNode(m, "supply")
	require.NoError(t, node.EnsureCreateVmo(node, PageSize))

	// Interleave releases with fresh clones; the handler must never
	// free memory that a live clone still references.
	for i := 0; i < 50; i++ {
		require.NoError(t, node.EnsureCreateVmo(node, PageSize))

		a, err := node.ClonePagedVmo()
		require.NoError(t, err)
		b, err := node.ClonePagedVmo()
		require.NoError(t, err)

		// a's release may deliver a zero-children signal that races
		// with b being alive; reading through b must stay valid.
		a.Release()
		buf := make([]byte, 8)
		_, rerr := b.Read(buf, 0)
		assert.NoError(t, rerr)
		b.Release()

		require.Eventually(t, func() bool {
			return node.PagedVmo() == nil
		}, 2*time.Second, time.Millisecond)
	}
}

func TestOnNoClonesHookOverridesFree(t *testing.T) {
	m := NewManager(1)
	defer m.Shutdown()

	node := newTestNode(m, "supply")
	require.NoError(t, node.EnsureCreateVmo(node, PageSize))

	var kept atomic.Bool
	node.SetOnNoClones(func() { kept.Store(true) })

	clone, err := node.ClonePagedVmo()
	require.NoError(t, err)
	clone.Release()

	require.Eventually(t, kept.Load, 2*time.Second, 5*time.Millisecond)
	assert.NotNil(t, node.PagedVmo(), "hook replaces the default free")
}

func TestUnregisteredFaultIsDropped(t *testing.T) {
	m := NewManager(1)
	defer m.Shutdown()

	node := newTestNode(m, "supply")
	require.NoError(t, node.EnsureCreateVmo(node, PageSize))
	id := node.PagerID()
	m.Unregister(id)

	// A fault for an unregistered id is dropped, not crashed on.
	m.dispatch(Packet{Key: id, Command: CommandVmoRead, Offset: 0, Length: PageSize})
	assert.Equal(t, int64(0), node.reads.Load())
}

func TestDetachFailsBlockedReaders(t *testing.T) {
	m := NewManager(1)
	defer m.Shutdown()

	node := newTestNode(m, "never")
	require.NoError(t, node.EnsureCreateVmo(node, PageSize))
	vmo := node.PagedVmo()

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		_, err := vmo.Read(buf, 0)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	node.FreePagedVmo()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, status.BadState, status.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("reader not released by detach")
	}
}

// Shutdown must detach every registered vmo so readers blocked on a
// fault fail instead of waiting on a port nobody drains.
func TestShutdownDetachesRegisteredVmos(t *testing.T) {
	m := NewManager(1)

	node := newTestNode(m, "never")
	require.NoError(t, node.EnsureCreateVmo(node, PageSize))
	vmo := node.PagedVmo()

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		_, err := vmo.Read(buf, 0)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	m.Shutdown()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, status.BadState, status.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("reader not released by shutdown")
	}
}

func TestSupplyRangeBoundedByVmoSize(t *testing.T) {
	m := NewManager(1)
	defer m.Shutdown()

	node := newTestNode(m, "never")
	require.NoError(t, node.EnsureCreateVmo(node, PageSize+100))
	vmo := node.PagedVmo()

	// Up to the page-rounded size is fine, the partial last page
	// included.
	require.NoError(t, vmo.SupplyPages(0, 2*PageSize, nil))

	// One page past the end is not.
	err := vmo.SupplyPages(2*PageSize, PageSize, nil)
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}
