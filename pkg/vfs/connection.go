package vfs

import (
	"strings"
	"sync"
	"time"

	"github.com/stratofs/stratofs/pkg/status"
)

type connState int

const (
	connActive connState = iota
	connTornDown
)

// Connection binds one vnode, one negotiated protocol, and one
// validated options snapshot. Operations for every protocol shape
// dispatch through this single type, gated by the protocol tag.
//
// Connections are tracked by identity; they are created by the
// dispatcher and torn down exactly once.
type Connection struct {
	vfs      *VFS
	vnode    Vnode
	protocol Protocol
	options  OpenOptions
	channel  *NodeChannel

	// mu guards the mutable tail: state, token, cookie, append flag.
	// The VFS lock is never taken while mu is held.
	mu       sync.Mutex
	state    connState
	token    Token
	hasToken bool
	cookie   DirCookie
}

func newConnection(v *VFS, vn Vnode, protocol Protocol, options OpenOptions, channel *NodeChannel) *Connection {
	return &Connection{
		vfs:      v,
		vnode:    vn,
		protocol: protocol,
		options:  options,
		channel:  channel,
	}
}

// Protocol returns the negotiated protocol tag.
func (c *Connection) Protocol() Protocol { return c.protocol }

// Options returns the validated options snapshot.
func (c *Connection) Options() OpenOptions { return c.options }

// Node returns the bound vnode.
func (c *Connection) Node() Vnode { return c.vnode }

// ensureActive rejects operations racing with teardown or dispatcher
// shutdown. Rejected, never crashed.
func (c *Connection) ensureActive() error {
	if c.vfs.IsTerminating() {
		return status.Errorf(status.Unavailable, "vfs is shutting down")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == connTornDown {
		return status.Errorf(status.PeerClosed, "connection is torn down")
	}
	return nil
}

func (c *Connection) isNodeReference() bool {
	return c.options.Has(FlagNodeReference)
}

// Close tears the connection down. The vnode's open count is
// decremented exactly once even when the close hook errors; closing an
// already-closed connection is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == connTornDown {
		c.mu.Unlock()
		return nil
	}
	c.state = connTornDown
	tok, hasToken := c.token, c.hasToken
	c.hasToken = false
	c.mu.Unlock()

	if hasToken {
		c.vfs.FreeToken(tok)
	}
	c.vnode.Base().ReleaseLock(c)
	c.vfs.unregisterConnection(c)
	err := CloseVnode(c.vnode)
	if c.channel != nil {
		c.channel.Close()
	}
	return err
}

// Open serves path relative to this directory connection onto channel.
// Validation failures are reported both as the return value and, when
// FlagDescribe is set, as the single on-open event before the channel
// is dropped. The returned connection is nil when the open crossed a
// mount point and was forwarded.
func (c *Connection) Open(path string, options OpenOptions, channel *NodeChannel) (*Connection, error) {
	validated, err := c.validateOpen(path, options)
	if err != nil {
		c.vfs.sendOpenError(options, channel, err)
		return nil, err
	}
	return c.vfs.open(c.vnode, path, validated, channel)
}

func (c *Connection) validateOpen(path string, options OpenOptions) (OpenOptions, error) {
	if err := c.ensureActive(); err != nil {
		return OpenOptions{}, err
	}
	if c.isNodeReference() {
		return OpenOptions{}, status.Errorf(status.BadHandle, "open through a node reference")
	}
	if c.protocol != ProtocolDirectory {
		return OpenOptions{}, status.Errorf(status.NotDir, "open requires a directory connection")
	}
	if len(path) > PathMax {
		return OpenOptions{}, status.Errorf(status.BadPath, "path exceeds maximum length")
	}
	if len(path) == 0 {
		return OpenOptions{}, status.Errorf(status.InvalidArgument, "empty path")
	}
	if (path == "." || path == "/") && options.Has(FlagNotDirectory) {
		return OpenOptions{}, status.Errorf(status.InvalidArgument, "self-open cannot demand a non-directory")
	}
	if strings.HasSuffix(path, "/") {
		options.Flags |= FlagDirectory
	}
	if err := options.Prevalidate(); err != nil {
		return OpenOptions{}, err
	}
	if options.Has(FlagCloneSameRights) {
		return OpenOptions{}, status.Errorf(status.InvalidArgument, "same-rights flag is only valid on clone")
	}
	if !options.Rights.Any() && !options.Has(FlagNodeReference) &&
		!options.Has(FlagPosixWrite) && !options.Has(FlagPosixExecute) {
		return OpenOptions{}, status.Errorf(status.InvalidArgument, "no rights requested")
	}
	return EnforceHierarchicalRights(c.options.Rights, options)
}

// Clone serves a second connection to the same vnode. Append and
// node-reference semantics carry over from this connection; the clone's
// rights must not exceed this connection's unless FlagCloneSameRights
// inherits them verbatim.
func (c *Connection) Clone(options OpenOptions, channel *NodeChannel) (*Connection, error) {
	conn, err := c.cloneInner(options, channel)
	if err != nil {
		c.vfs.sendOpenError(options, channel, err)
	}
	return conn, err
}

func (c *Connection) cloneInner(options OpenOptions, channel *NodeChannel) (*Connection, error) {
	if err := c.ensureActive(); err != nil {
		return nil, err
	}
	if options.Has(FlagCloneSameRights) {
		if options.Rights.Any() {
			return nil, status.Errorf(status.InvalidArgument, "same-rights clone must not name rights")
		}
		options.Rights = c.options.Rights
	} else if !options.Rights.StricterOrSameAs(c.options.Rights) {
		return nil, status.Errorf(status.AccessDenied, "clone rights exceed source connection")
	}
	options.Flags |= c.options.Flags & (FlagAppend | FlagNodeReference)
	options.Flags &^= FlagCloneSameRights

	opened, err := OpenVnode(c.vnode, options)
	if err != nil {
		return nil, err
	}
	conn, err := c.vfs.serve(opened, options, channel)
	if err != nil {
		_ = CloseVnode(opened)
		return nil, err
	}
	return conn, nil
}

// Read reads up to len(p) bytes at offset off.
func (c *Connection) Read(p []byte, off uint64) (n int, err error) {
	start := time.Now()
	defer func() { c.vfs.observe("read", start, err) }()
	if err := c.ensureContent(ProtocolFile, Rights{Read: true}); err != nil {
		return 0, err
	}
	c.vnode.Base().RegisterInflight()
	defer c.vnode.Base().UnregisterInflight()
	return c.vnode.Read(p, off)
}

// Write writes p at offset off, or at the end of the file for append
// connections.
func (c *Connection) Write(p []byte, off uint64) (n int, err error) {
	start := time.Now()
	defer func() { c.vfs.observe("write", start, err) }()
	if err := c.ensureContent(ProtocolFile, Rights{Write: true}); err != nil {
		return 0, err
	}
	c.vnode.Base().RegisterInflight()
	defer c.vnode.Base().UnregisterInflight()
	if c.options.Has(FlagAppend) {
		n, _, err := c.vnode.Append(p)
		return n, err
	}
	return c.vnode.Write(p, off)
}

// Truncate resizes the file.
func (c *Connection) Truncate(size uint64) error {
	if err := c.ensureContent(ProtocolFile, Rights{Write: true}); err != nil {
		return err
	}
	return c.vnode.Truncate(size)
}

// Sync flushes pending writes.
func (c *Connection) Sync() error {
	if err := c.ensureActive(); err != nil {
		return err
	}
	if c.isNodeReference() {
		return status.Errorf(status.BadHandle, "sync through a node reference")
	}
	return c.vnode.Sync()
}

// GetAttributes is valid on every connection shape, node references
// included.
func (c *Connection) GetAttributes() (Attributes, error) {
	if err := c.ensureActive(); err != nil {
		return Attributes{}, err
	}
	return c.vnode.GetAttributes()
}

// SetAttributes requires the write right.
func (c *Connection) SetAttributes(attr Attributes) error {
	if err := c.ensureActive(); err != nil {
		return err
	}
	if c.isNodeReference() || !c.options.Rights.Write {
		return status.Errorf(status.BadHandle, "set-attributes requires a writable connection")
	}
	return c.vnode.SetAttributes(attr)
}

// GetVmo hands out a memory object backed by the file content. The
// requested rights must not exceed the connection's.
func (c *Connection) GetVmo(rights Rights) (MemoryObject, error) {
	if err := c.ensureContent(ProtocolFile, Rights{Read: true}); err != nil {
		return nil, err
	}
	if !rights.StricterOrSameAs(c.options.Rights) {
		return nil, status.Errorf(status.BadHandle, "vmo rights exceed connection rights")
	}
	return c.vnode.GetVmo(rights)
}

// ReadDirents returns the next batch of directory entries, advancing
// the connection's iteration cookie.
func (c *Connection) ReadDirents(limit int) ([]Dirent, error) {
	if err := c.ensureActive(); err != nil {
		return nil, err
	}
	if c.isNodeReference() {
		return nil, status.Errorf(status.BadHandle, "readdir through a node reference")
	}
	if c.protocol != ProtocolDirectory {
		return nil, status.Errorf(status.NotDir, "not a directory connection")
	}
	if limit <= 0 || limit > ReaddirBufferMax {
		limit = ReaddirBufferMax
	}
	c.mu.Lock()
	cookie := c.cookie
	c.mu.Unlock()

	entries, err := c.vnode.Readdir(&cookie, limit)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cookie = cookie
	c.mu.Unlock()
	return entries, nil
}

// Rewind resets directory iteration to the start.
func (c *Connection) Rewind() error {
	if err := c.ensureActive(); err != nil {
		return err
	}
	if c.isNodeReference() {
		return status.Errorf(status.BadHandle, "rewind through a node reference")
	}
	if c.protocol != ProtocolDirectory {
		return status.Errorf(status.NotDir, "not a directory connection")
	}
	c.mu.Lock()
	c.cookie = DirCookie{}
	c.mu.Unlock()
	return nil
}

// GetToken mints (or returns the already-minted) token authorizing this
// directory as a rename/link destination.
func (c *Connection) GetToken() (Token, error) {
	if err := c.ensureActive(); err != nil {
		return Token{}, err
	}
	if c.isNodeReference() {
		return Token{}, status.Errorf(status.BadHandle, "token through a node reference")
	}
	if c.protocol != ProtocolDirectory {
		return Token{}, status.Errorf(status.NotDir, "tokens are minted on directories")
	}
	if !c.options.Rights.Write {
		return Token{}, status.Errorf(status.BadHandle, "token requires a writable connection")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasToken {
		return c.token, nil
	}
	c.token = c.vfs.MintToken(c.vnode)
	c.hasToken = true
	return c.token, nil
}

// Rename moves src under this directory to dst under the directory the
// token authorizes. Empty names fail before any rights check.
func (c *Connection) Rename(src string, dstToken Token, dst string) error {
	if err := c.ensureActive(); err != nil {
		return err
	}
	if src == "" || dst == "" {
		return status.Errorf(status.InvalidArgument, "rename requires non-empty names")
	}
	if err := c.requireMutableDir(); err != nil {
		return err
	}
	if err := validateName(src); err != nil {
		return err
	}
	if err := validateName(dst); err != nil {
		return err
	}
	dstDir, err := c.vfs.TokenToVnode(dstToken)
	if err != nil {
		return err
	}
	if err := c.vnode.Rename(dstDir, src, dst); err != nil {
		return err
	}
	c.vnode.Notify(src, WatchEventRemoved)
	dstDir.Notify(dst, WatchEventAdded)
	return nil
}

// Link creates dst under the token's directory referring to src here.
// The source entry remains.
func (c *Connection) Link(src string, dstToken Token, dst string) error {
	if err := c.ensureActive(); err != nil {
		return err
	}
	if src == "" || dst == "" {
		return status.Errorf(status.InvalidArgument, "link requires non-empty names")
	}
	if err := c.requireMutableDir(); err != nil {
		return err
	}
	if err := validateName(src); err != nil {
		return err
	}
	if err := validateName(dst); err != nil {
		return err
	}
	dstDir, err := c.vfs.TokenToVnode(dstToken)
	if err != nil {
		return err
	}
	target, err := c.vnode.Lookup(src)
	if err != nil {
		return err
	}
	if err := dstDir.Link(dst, target); err != nil {
		return err
	}
	dstDir.Notify(dst, WatchEventAdded)
	return nil
}

// Unlink removes the named leaf entry. A trailing slash demands that
// the entry be a directory.
func (c *Connection) Unlink(name string) error {
	if err := c.ensureActive(); err != nil {
		return err
	}
	if err := c.requireMutableDir(); err != nil {
		return err
	}
	mustBeDir := strings.HasSuffix(name, "/")
	name = strings.TrimSuffix(name, "/")
	if err := validateName(name); err != nil {
		return err
	}
	if strings.ContainsRune(name, '/') {
		return status.Errorf(status.InvalidArgument, "unlink takes a leaf name")
	}
	if err := c.vnode.Unlink(name, mustBeDir); err != nil {
		return err
	}
	c.vnode.Notify(name, WatchEventRemoved)
	return nil
}

// Watch registers a directory watcher for the given event mask.
func (c *Connection) Watch(mask uint32) (*Watcher, error) {
	if err := c.ensureActive(); err != nil {
		return nil, err
	}
	if c.isNodeReference() {
		return nil, status.Errorf(status.BadHandle, "watch through a node reference")
	}
	if c.protocol != ProtocolDirectory {
		return nil, status.Errorf(status.NotDir, "not a directory connection")
	}
	w := NewWatcher(mask)
	if err := c.vnode.WatchDir(mask, w); err != nil {
		return nil, err
	}
	return w, nil
}

// QueryFilesystem never requires elevated rights beyond connection
// validity.
func (c *Connection) QueryFilesystem() (FilesystemInfo, error) {
	if err := c.ensureActive(); err != nil {
		return FilesystemInfo{}, err
	}
	return c.vnode.QueryFilesystem()
}

// Mount installs remote on this connection's vnode. On a rights
// failure the candidate remote is still sent its unmount signal before
// the error returns; a rejected mount must not leak a live filesystem.
func (c *Connection) Mount(remote Remote) error {
	if err := c.ensureActive(); err != nil {
		c.unmountBestEffort(remote)
		return err
	}
	if !c.options.Rights.Admin {
		c.unmountBestEffort(remote)
		return status.Errorf(status.AccessDenied, "mount requires the admin right")
	}
	if c.protocol != ProtocolDirectory {
		c.unmountBestEffort(remote)
		return status.Errorf(status.NotDir, "mount point must be a directory")
	}
	if err := c.vfs.InstallRemote(c.vnode, remote); err != nil {
		c.unmountBestEffort(remote)
		return err
	}
	return nil
}

func (c *Connection) unmountBestEffort(remote Remote) {
	if remote == nil {
		return
	}
	_ = remote.Unmount()
}

// Unmount removes the remote mounted on this vnode and sends it the
// unmount signal.
func (c *Connection) Unmount() error {
	if err := c.ensureActive(); err != nil {
		return err
	}
	if !c.options.Rights.Admin {
		return status.Errorf(status.AccessDenied, "unmount requires the admin right")
	}
	remote, err := c.vfs.UninstallRemote(c.vnode)
	if err != nil {
		return err
	}
	return remote.Unmount()
}

// GetDevicePath reports the topological path of the device backing this
// filesystem.
func (c *Connection) GetDevicePath() (string, error) {
	if err := c.ensureActive(); err != nil {
		return "", err
	}
	if !c.options.Rights.Admin {
		return "", status.Errorf(status.AccessDenied, "device path requires the admin right")
	}
	return c.vnode.GetDevicePath()
}

// GetFlags returns the connection's option flags.
func (c *Connection) GetFlags() Flag {
	return c.options.Flags
}

// SetFlags updates the mutable option bits. Only append may change
// after creation; rights are frozen at open time.
func (c *Connection) SetFlags(flags Flag) error {
	if err := c.ensureActive(); err != nil {
		return err
	}
	if flags&^FlagAppend != 0 {
		return status.Errorf(status.InvalidArgument, "only the append flag is mutable")
	}
	c.mu.Lock()
	c.options.Flags = (c.options.Flags &^ FlagAppend) | flags
	c.mu.Unlock()
	return nil
}

// AdvisoryLock takes an advisory lock on the vnode on behalf of this
// connection.
func (c *Connection) AdvisoryLock(exclusive bool) error {
	if err := c.ensureActive(); err != nil {
		return err
	}
	if c.isNodeReference() {
		return status.Errorf(status.BadHandle, "lock through a node reference")
	}
	return c.vnode.Base().AcquireLock(c, exclusive)
}

// AdvisoryUnlock releases this connection's advisory lock.
func (c *Connection) AdvisoryUnlock() {
	c.vnode.Base().ReleaseLock(c)
}

func (c *Connection) ensureContent(protocol Protocol, need Rights) error {
	if err := c.ensureActive(); err != nil {
		return err
	}
	if c.isNodeReference() {
		return status.Errorf(status.BadHandle, "content operation on a node reference")
	}
	if c.protocol == ProtocolDirectory && protocol == ProtocolFile {
		return status.Errorf(status.NotFile, "content operation on a directory")
	}
	if !need.StricterOrSameAs(c.options.Rights) {
		return status.Errorf(status.BadHandle, "operation exceeds connection rights")
	}
	return nil
}

func (c *Connection) requireMutableDir() error {
	if c.isNodeReference() {
		return status.Errorf(status.BadHandle, "operation requires a writable directory connection")
	}
	if c.protocol != ProtocolDirectory {
		return status.Errorf(status.NotDir, "not a directory connection")
	}
	if !c.options.Rights.Write {
		return status.Errorf(status.BadHandle, "operation requires a writable directory connection")
	}
	return nil
}
