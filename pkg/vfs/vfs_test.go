package vfs_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratofs/stratofs/pkg/status"
	"github.com/stratofs/stratofs/pkg/vfs"
	"github.com/stratofs/stratofs/pkg/vfs/memfs"
)

func serveRoot(t *testing.T, rights vfs.Rights) (*vfs.VFS, *memfs.Directory, *vfs.Connection) {
	t.Helper()
	v := vfs.New()
	root := memfs.NewDirectory()
	conn, err := v.ServeDirectory(root, rights, vfs.NewNodeChannel())
	require.NoError(t, err)
	return v, root, conn
}

func TestOpenCloseBalancesOpenCount(t *testing.T) {
	_, root, dir := serveRoot(t, vfs.AllRights())

	_, err := root.Create("data", vfs.ProtocolFile)
	require.NoError(t, err)
	file, err := root.Lookup("data")
	require.NoError(t, err)
	base := file.Base().OpenCount()

	// Successful opens increment, closes balance them.
	ch1 := vfs.NewNodeChannel()
	_, err = dir.Open("data", vfs.OpenOptions{Rights: vfs.ReadOnly()}, ch1)
	require.NoError(t, err)
	ch2 := vfs.NewNodeChannel()
	_, err = dir.Open("data", vfs.OpenOptions{Rights: vfs.ReadOnly()}, ch2)
	require.NoError(t, err)
	assert.Equal(t, base+2, file.Base().OpenCount())

	// Failed opens must not increment.
	_, err = dir.Open("data", vfs.OpenOptions{Flags: vfs.FlagDirectory, Rights: vfs.ReadOnly()}, vfs.NewNodeChannel())
	require.Error(t, err)
	assert.Equal(t, base+2, file.Base().OpenCount())

	// Closing the channel tears the connection down.
	ch1.Close()
	ch2.Close()
	assert.Equal(t, base, file.Base().OpenCount())
}

func TestOpenValidation(t *testing.T) {
	_, _, dir := serveRoot(t, vfs.ReadWrite())

	tests := []struct {
		name    string
		path    string
		options vfs.OpenOptions
		code    status.Code
	}{
		{
			name:    "empty path",
			path:    "",
			options: vfs.OpenOptions{Rights: vfs.ReadOnly()},
			code:    status.InvalidArgument,
		},
		{
			name:    "oversized path",
			path:    string(make([]byte, vfs.PathMax+1)),
			options: vfs.OpenOptions{Rights: vfs.ReadOnly()},
			code:    status.BadPath,
		},
		{
			name:    "self open demanding non-directory",
			path:    ".",
			options: vfs.OpenOptions{Flags: vfs.FlagNotDirectory, Rights: vfs.ReadOnly()},
			code:    status.InvalidArgument,
		},
		{
			name:    "same-rights flag on open",
			path:    "whatever",
			options: vfs.OpenOptions{Flags: vfs.FlagCloneSameRights, Rights: vfs.ReadOnly()},
			code:    status.InvalidArgument,
		},
		{
			name:    "zero rights without node reference",
			path:    "whatever",
			options: vfs.OpenOptions{},
			code:    status.InvalidArgument,
		},
		{
			name:    "rights beyond connection",
			path:    "whatever",
			options: vfs.OpenOptions{Rights: vfs.AllRights()},
			code:    status.AccessDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dir.Open(tt.path, tt.options, vfs.NewNodeChannel())
			require.Error(t, err)
			assert.Equal(t, tt.code, status.CodeOf(err))
		})
	}
}

func TestDescribeContractOnError(t *testing.T) {
	_, _, dir := serveRoot(t, vfs.ReadWrite())

	ch := vfs.NewNodeChannel()
	_, err := dir.Open("missing", vfs.OpenOptions{Flags: vfs.FlagDescribe, Rights: vfs.ReadOnly()}, ch)
	require.Error(t, err)

	ev, ok := ch.TakeEvent()
	require.True(t, ok, "describe must deliver exactly one on-open event")
	assert.Equal(t, status.NotFound, ev.Status)
	assert.True(t, ch.Closed())

	_, again := ch.TakeEvent()
	assert.False(t, again)
}

func TestDescribeContractOnSuccess(t *testing.T) {
	_, root, dir := serveRoot(t, vfs.ReadWrite())
	_, err := root.Create("f", vfs.ProtocolFile)
	require.NoError(t, err)

	ch := vfs.NewNodeChannel()
	_, err = dir.Open("f", vfs.OpenOptions{Flags: vfs.FlagDescribe, Rights: vfs.ReadOnly()}, ch)
	require.NoError(t, err)

	ev, ok := ch.TakeEvent()
	require.True(t, ok)
	assert.Equal(t, status.OK, ev.Status)
	assert.Equal(t, vfs.ProtocolFile, ev.Protocol)
	assert.False(t, ch.Closed())
}

func TestRightsNeverExpandExceptPosix(t *testing.T) {
	v, root, _ := serveRoot(t, vfs.AllRights())

	subVn, err := root.Create("sub", vfs.ProtocolDirectory)
	require.NoError(t, err)
	_, err = subVn.(*memfs.Directory).Create("leaf", vfs.ProtocolFile)
	require.NoError(t, err)

	roConn, err := v.ServeDirectory(root, vfs.ReadOnly(), vfs.NewNodeChannel())
	require.NoError(t, err)

	// Asking for write through a read-only connection is denied.
	_, err = roConn.Open("sub/leaf", vfs.OpenOptions{Rights: vfs.ReadWrite()}, vfs.NewNodeChannel())
	require.Error(t, err)
	assert.Equal(t, status.AccessDenied, status.CodeOf(err))

	// posix_write through a read-only connection silently degrades.
	degraded, err := roConn.Open("sub/leaf", vfs.OpenOptions{Flags: vfs.FlagPosixWrite, Rights: vfs.ReadOnly()}, vfs.NewNodeChannel())
	require.NoError(t, err)
	_, err = degraded.Write([]byte("x"), 0)
	require.Error(t, err)
	assert.Equal(t, status.BadHandle, status.CodeOf(err))

	// posix_write through a writable connection expands.
	rwConn, err := v.ServeDirectory(root, vfs.ReadWrite(), vfs.NewNodeChannel())
	require.NoError(t, err)
	expanded, err := rwConn.Open("sub/leaf", vfs.OpenOptions{Flags: vfs.FlagPosixWrite, Rights: vfs.ReadOnly()}, vfs.NewNodeChannel())
	require.NoError(t, err)
	_, err = expanded.Write([]byte("x"), 0)
	assert.NoError(t, err)
}

func TestCloneRights(t *testing.T) {
	_, _, dir := serveRoot(t, vfs.ReadWrite())

	t.Run("same rights clone must not name rights", func(t *testing.T) {
		_, err := dir.Clone(vfs.OpenOptions{Flags: vfs.FlagCloneSameRights, Rights: vfs.ReadOnly()}, vfs.NewNodeChannel())
		require.Error(t, err)
		assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	})

	t.Run("clone may narrow rights", func(t *testing.T) {
		clone, err := dir.Clone(vfs.OpenOptions{Rights: vfs.ReadOnly()}, vfs.NewNodeChannel())
		require.NoError(t, err)
		assert.Equal(t, vfs.ReadOnly(), clone.Options().Rights)
	})

	t.Run("clone may not widen rights", func(t *testing.T) {
		_, err := dir.Clone(vfs.OpenOptions{Rights: vfs.AllRights()}, vfs.NewNodeChannel())
		require.Error(t, err)
		assert.Equal(t, status.AccessDenied, status.CodeOf(err))
	})

	t.Run("same rights clone inherits verbatim", func(t *testing.T) {
		clone, err := dir.Clone(vfs.OpenOptions{Flags: vfs.FlagCloneSameRights}, vfs.NewNodeChannel())
		require.NoError(t, err)
		assert.Equal(t, vfs.ReadWrite(), clone.Options().Rights)
	})
}

func TestRenameLinkEmptyNames(t *testing.T) {
	// Full rights: the empty-name rejection must fire before any
	// rights check.
	_, root, dir := serveRoot(t, vfs.AllRights())
	_, err := root.Create("a", vfs.ProtocolFile)
	require.NoError(t, err)

	tok, err := dir.GetToken()
	require.NoError(t, err)

	for _, names := range [][2]string{{"", "b"}, {"a", ""}, {"", ""}} {
		err := dir.Rename(names[0], tok, names[1])
		require.Error(t, err)
		assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

		err = dir.Link(names[0], tok, names[1])
		require.Error(t, err)
		assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	}
}

func TestRenameAcrossDirectories(t *testing.T) {
	v, root, dir := serveRoot(t, vfs.AllRights())

	_, err := root.Create("src", vfs.ProtocolFile)
	require.NoError(t, err)
	dstDir, err := root.Create("dst", vfs.ProtocolDirectory)
	require.NoError(t, err)

	dstConn, err := v.ServeDirectory(dstDir, vfs.ReadWrite(), vfs.NewNodeChannel())
	require.NoError(t, err)
	tok, err := dstConn.GetToken()
	require.NoError(t, err)

	require.NoError(t, dir.Rename("src", tok, "moved"))

	_, err = root.Lookup("src")
	assert.Equal(t, status.NotFound, status.CodeOf(err))
	_, err = dstDir.(*memfs.Directory).Lookup("moved")
	assert.NoError(t, err)
}

func TestLinkKeepsSource(t *testing.T) {
	_, root, dir := serveRoot(t, vfs.AllRights())

	_, err := root.Create("orig", vfs.ProtocolFile)
	require.NoError(t, err)
	tok, err := dir.GetToken()
	require.NoError(t, err)

	require.NoError(t, dir.Link("orig", tok, "alias"))

	_, err = root.Lookup("orig")
	assert.NoError(t, err)
	_, err = root.Lookup("alias")
	assert.NoError(t, err)
}

func TestTokenInvalidatedOnClose(t *testing.T) {
	v, root, dir := serveRoot(t, vfs.AllRights())

	dstDir, err := root.Create("dst", vfs.ProtocolDirectory)
	require.NoError(t, err)
	dstConn, err := v.ServeDirectory(dstDir, vfs.ReadWrite(), vfs.NewNodeChannel())
	require.NoError(t, err)

	tok, err := dstConn.GetToken()
	require.NoError(t, err)
	require.NoError(t, dstConn.Close())

	_, err = root.Create("src", vfs.ProtocolFile)
	require.NoError(t, err)
	err = dir.Rename("src", tok, "moved")
	require.Error(t, err)
	assert.Equal(t, status.BadHandle, status.CodeOf(err))
}

func TestNodeReferenceRejectsContentOps(t *testing.T) {
	_, _, dir := serveRoot(t, vfs.ReadWrite())

	node, err := dir.Clone(vfs.OpenOptions{Flags: vfs.FlagNodeReference | vfs.FlagCloneSameRights}, vfs.NewNodeChannel())
	require.NoError(t, err)

	_, err = node.ReadDirents(0)
	assert.Equal(t, status.BadHandle, status.CodeOf(err))

	_, err = node.Open("x", vfs.OpenOptions{Rights: vfs.ReadOnly()}, vfs.NewNodeChannel())
	assert.Error(t, err)

	_, err = node.Watch(vfs.WatchMaskAll)
	assert.Equal(t, status.BadHandle, status.CodeOf(err))

	// Attribute reads stay valid on a node reference.
	_, err = node.GetAttributes()
	assert.NoError(t, err)
}

func TestNodeReferenceOpen(t *testing.T) {
	_, root, dir := serveRoot(t, vfs.ReadWrite())

	_, err := root.Create("data", vfs.ProtocolFile)
	require.NoError(t, err)

	// Zero rights plus the node-reference flag is a valid open, on
	// files and directories alike, and negotiates the node protocol.
	file, err := dir.Open("data", vfs.OpenOptions{Flags: vfs.FlagNodeReference}, vfs.NewNodeChannel())
	require.NoError(t, err)
	assert.Equal(t, vfs.ProtocolNode, file.Protocol())

	self, err := dir.Open(".", vfs.OpenOptions{Flags: vfs.FlagNodeReference | vfs.FlagDirectory}, vfs.NewNodeChannel())
	require.NoError(t, err)
	assert.Equal(t, vfs.ProtocolNode, self.Protocol())

	_, err = file.GetAttributes()
	assert.NoError(t, err)

	// Content operations answer BadHandle, not a protocol mismatch.
	_, err = file.Read(make([]byte, 4), 0)
	assert.Equal(t, status.BadHandle, status.CodeOf(err))
	_, err = self.ReadDirents(0)
	assert.Equal(t, status.BadHandle, status.CodeOf(err))
	_, err = self.GetToken()
	assert.Equal(t, status.BadHandle, status.CodeOf(err))
}

func TestCloseAllConnectionsForVnode(t *testing.T) {
	v, root, _ := serveRoot(t, vfs.ReadOnly())

	t.Run("zero connections invokes callback exactly once", func(t *testing.T) {
		orphan := memfs.NewFile()
		calls := 0
		v.CloseAllConnectionsForVnode(orphan, func() { calls++ })
		assert.Equal(t, 1, calls)
	})

	t.Run("live connections are closed before callback", func(t *testing.T) {
		before := v.ConnectionCount()
		extra, err := v.ServeDirectory(root, vfs.ReadOnly(), vfs.NewNodeChannel())
		require.NoError(t, err)
		_ = extra
		require.Equal(t, before+1, v.ConnectionCount())

		var mu sync.Mutex
		calls := 0
		v.CloseAllConnectionsForVnode(root, func() {
			mu.Lock()
			calls++
			mu.Unlock()
		})
		assert.Equal(t, 1, calls)
		assert.Equal(t, 0, v.ConnectionCount())
	})
}

type fakeRemote struct {
	mu       sync.Mutex
	opens    int
	unmounts int
	openErr  error
}

func (r *fakeRemote) OpenRemote(options vfs.OpenOptions, path string, channel *vfs.NodeChannel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opens++
	return r.openErr
}

func (r *fakeRemote) Unmount() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unmounts++
	return nil
}

func (r *fakeRemote) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens, r.unmounts
}

func TestMountRequiresAdminAndShutsDownRejectedRemote(t *testing.T) {
	v, root, _ := serveRoot(t, vfs.AllRights())

	conn, err := v.ServeDirectory(root, vfs.ReadWrite(), vfs.NewNodeChannel())
	require.NoError(t, err)

	remote := &fakeRemote{}
	err = conn.Mount(remote)
	require.Error(t, err)
	assert.Equal(t, status.AccessDenied, status.CodeOf(err))
	_, unmounts := remote.counts()
	assert.Equal(t, 1, unmounts, "rejected mount must not leak the remote")
}

func TestOpenForwardsAcrossMountAndSelfHeals(t *testing.T) {
	v, root, dir := serveRoot(t, vfs.AllRights())

	mnt, err := root.Create("mnt", vfs.ProtocolDirectory)
	require.NoError(t, err)

	remote := &fakeRemote{}
	require.NoError(t, v.InstallRemote(mnt, remote))

	// Opening through the mount forwards to the remote.
	_, err = dir.Open("mnt/inner/file", vfs.OpenOptions{Rights: vfs.ReadOnly()}, vfs.NewNodeChannel())
	require.NoError(t, err)
	opens, _ := remote.counts()
	assert.Equal(t, 1, opens)

	// A severed remote is uninstalled on the next forward.
	remote.mu.Lock()
	remote.openErr = status.Errorf(status.PeerClosed, "remote gone")
	remote.mu.Unlock()

	_, err = dir.Open("mnt/inner/file", vfs.OpenOptions{Rights: vfs.ReadOnly()}, vfs.NewNodeChannel())
	require.Error(t, err)
	assert.False(t, mnt.Base().IsRemote(), "dead mount must be uninstalled")
}

func TestMountMkdirReplace(t *testing.T) {
	v, root, _ := serveRoot(t, vfs.AllRights())

	first := &fakeRemote{}
	require.NoError(t, v.MountMkdir(root, "m", first, false))

	second := &fakeRemote{}
	err := v.MountMkdir(root, "m", second, false)
	require.Error(t, err)
	assert.Equal(t, status.BadState, status.CodeOf(err))

	require.NoError(t, v.MountMkdir(root, "m", second, true))
	_, unmounts := first.counts()
	assert.Equal(t, 1, unmounts, "displaced remote receives its unmount signal")
}

func TestShutdownTerminatesConnections(t *testing.T) {
	v, _, dir := serveRoot(t, vfs.ReadWrite())

	done := make(chan error, 1)
	v.Shutdown(func(err error) { done <- err })
	require.NoError(t, <-done)
	assert.True(t, v.IsTerminating())

	_, err := dir.Open("anything", vfs.OpenOptions{Rights: vfs.ReadOnly()}, vfs.NewNodeChannel())
	require.Error(t, err)
	assert.Equal(t, 0, v.ConnectionCount())
}

func TestDirectoryWatch(t *testing.T) {
	_, root, dir := serveRoot(t, vfs.ReadWrite())

	_, err := root.Create("pre", vfs.ProtocolFile)
	require.NoError(t, err)

	w, err := dir.Watch(vfs.WatchMaskAll)
	require.NoError(t, err)

	ev := <-w.Events()
	assert.Equal(t, vfs.WatchEventExisting, ev.Event)
	assert.Equal(t, "pre", ev.Name)
	ev = <-w.Events()
	assert.Equal(t, vfs.WatchEventIdle, ev.Event)

	_, err = dir.Open("newfile", vfs.OpenOptions{Flags: vfs.FlagCreate, Rights: vfs.ReadWrite()}, vfs.NewNodeChannel())
	require.NoError(t, err)
	ev = <-w.Events()
	assert.Equal(t, vfs.WatchEventAdded, ev.Event)
	assert.Equal(t, "newfile", ev.Name)

	require.NoError(t, dir.Unlink("newfile"))
	ev = <-w.Events()
	assert.Equal(t, vfs.WatchEventRemoved, ev.Event)
}

func TestReaddirAndRewind(t *testing.T) {
	_, root, dir := serveRoot(t, vfs.ReadWrite())

	for _, name := range []string{"a", "b", "c"} {
		_, err := root.Create(name, vfs.ProtocolFile)
		require.NoError(t, err)
	}

	first, err := dir.ReadDirents(2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ".", first[0].Name)

	rest, err := dir.ReadDirents(0)
	require.NoError(t, err)
	require.Len(t, rest, 2)

	require.NoError(t, dir.Rewind())
	again, err := dir.ReadDirents(0)
	require.NoError(t, err)
	assert.Len(t, again, 4)
}

func TestFileReadWriteThroughConnection(t *testing.T) {
	_, _, dir := serveRoot(t, vfs.ReadWrite())

	file, err := dir.Open("f", vfs.OpenOptions{Flags: vfs.FlagCreate, Rights: vfs.ReadWrite()}, vfs.NewNodeChannel())
	require.NoError(t, err)

	n, err := file.Write([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = file.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	// Read-only opens reject writes with a rights error.
	ro, err := dir.Open("f", vfs.OpenOptions{Rights: vfs.ReadOnly()}, vfs.NewNodeChannel())
	require.NoError(t, err)
	_, err = ro.Write([]byte("x"), 0)
	assert.Equal(t, status.BadHandle, status.CodeOf(err))

	// Append connections write at the end regardless of offset.
	ap, err := dir.Open("f", vfs.OpenOptions{Flags: vfs.FlagAppend, Rights: vfs.ReadWrite()}, vfs.NewNodeChannel())
	require.NoError(t, err)
	_, err = ap.Write([]byte("!"), 0)
	require.NoError(t, err)
	n, err = file.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello!", string(buf[:n]))
}

func TestUnlinkValidation(t *testing.T) {
	_, root, dir := serveRoot(t, vfs.ReadWrite())

	_, err := root.Create("f", vfs.ProtocolFile)
	require.NoError(t, err)

	err = dir.Unlink("a/b")
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	err = dir.Unlink("f/")
	require.Error(t, err)
	assert.Equal(t, status.NotDir, status.CodeOf(err))

	require.NoError(t, dir.Unlink("f"))
	_, err = root.Lookup("f")
	assert.Equal(t, status.NotFound, status.CodeOf(err))
}

func TestAdvisoryLocks(t *testing.T) {
	_, _, dir := serveRoot(t, vfs.ReadWrite())

	a, err := dir.Open("f", vfs.OpenOptions{Flags: vfs.FlagCreate, Rights: vfs.ReadWrite()}, vfs.NewNodeChannel())
	require.NoError(t, err)
	b, err := dir.Open("f", vfs.OpenOptions{Rights: vfs.ReadWrite()}, vfs.NewNodeChannel())
	require.NoError(t, err)

	require.NoError(t, a.AdvisoryLock(true))
	err = b.AdvisoryLock(false)
	require.Error(t, err)
	assert.Equal(t, status.BadState, status.CodeOf(err))

	a.AdvisoryUnlock()
	assert.NoError(t, b.AdvisoryLock(false))
}
