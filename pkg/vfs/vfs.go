// Package vfs implements the connection and rights layer of the
// filesystem service: vnodes, per-connection protocol state, the path
// walk with mount-point handoff, and dispatcher-wide lifecycle.
package vfs

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratofs/stratofs/internal/logger"
	"github.com/stratofs/stratofs/pkg/metrics"
	"github.com/stratofs/stratofs/pkg/status"
)

// OpenResultKind classifies the outcome of one path walk.
type OpenResultKind int

const (
	// OpenOk resolved a local vnode; the open hook already ran.
	OpenOk OpenResultKind = iota

	// OpenRemote crossed a mount point with path left to resolve.
	OpenRemote

	// OpenRemoteRoot addressed a mount point itself.
	OpenRemoteRoot

	// OpenError carries a terminal status.
	OpenError
)

// OpenResult is the four-outcome result of a path walk.
type OpenResult struct {
	Kind          OpenResultKind
	Vnode         Vnode
	Options       OpenOptions
	RemainingPath string
	Err           error
}

func openError(err error) OpenResult {
	return OpenResult{Kind: OpenError, Err: err}
}

// VFS owns all live connections, the mount table, and the token table.
// One lock guards all three; it is always taken before any vnode lock.
type VFS struct {
	mu          sync.Mutex
	connections map[*Connection]struct{}
	mounts      map[Vnode]Remote
	tokens      tokenTable
	metrics     metrics.VFSMetrics

	readonly    atomic.Bool
	terminating atomic.Bool
}

// New returns an empty dispatcher.
func New() *VFS {
	return &VFS{
		connections: make(map[*Connection]struct{}),
		mounts:      make(map[Vnode]Remote),
		metrics:     metrics.NewVFSMetrics(),
	}
}

// observe records one completed operation.
func (v *VFS) observe(op string, start time.Time, err error) {
	v.metrics.RecordOperation(op, time.Since(start), err)
}

// SetReadonly switches the dispatcher-wide readonly mode. Create and
// mutation paths consult it before touching vnodes.
func (v *VFS) SetReadonly(ro bool) {
	v.readonly.Store(ro)
}

// Readonly reports the dispatcher-wide readonly mode.
func (v *VFS) Readonly() bool {
	return v.readonly.Load()
}

// IsTerminating reports whether Shutdown has been initiated. Running
// connections consult it to abandon in-flight work cooperatively.
func (v *VFS) IsTerminating() bool {
	return v.terminating.Load()
}

// ServeDirectory serves a new directory connection on the given root.
// The usual way a filesystem goes live.
func (v *VFS) ServeDirectory(root Vnode, rights Rights, channel *NodeChannel) (*Connection, error) {
	options := OpenOptions{Flags: FlagDirectory, Rights: rights}
	opened, err := OpenVnode(root, options)
	if err != nil {
		return nil, err
	}
	conn, err := v.serve(opened, options, channel)
	if err != nil {
		_ = CloseVnode(opened)
		return nil, err
	}
	return conn, nil
}

// serve negotiates a protocol, registers a connection, and honors the
// describe contract. The vnode must already be opened; the caller
// balances the open on error.
func (v *VFS) serve(vn Vnode, options OpenOptions, channel *NodeChannel) (*Connection, error) {
	if v.IsTerminating() {
		return nil, status.Errorf(status.Unavailable, "vfs is shutting down")
	}

	protocol, err := vn.Negotiate(requestedProtocols(options))
	if err != nil {
		return nil, err
	}

	conn := newConnection(v, vn, protocol, options.FilterForNewConnection(), channel)

	v.mu.Lock()
	if v.terminating.Load() {
		v.mu.Unlock()
		return nil, status.Errorf(status.Unavailable, "vfs is shutting down")
	}
	v.connections[conn] = struct{}{}
	count := len(v.connections)
	v.mu.Unlock()
	v.metrics.SetConnections(count)

	if channel != nil {
		channel.OnClose(func() { _ = conn.Close() })
	}
	if options.Has(FlagDescribe) && channel != nil {
		channel.SendOnOpen(OpenEvent{Status: status.OK, Protocol: protocol})
	}
	return conn, nil
}

// requestedProtocols translates open options into the protocol set the
// client will accept.
func requestedProtocols(options OpenOptions) ProtocolSet {
	if options.Has(FlagNodeReference) {
		return ProtocolSet(ProtocolNode)
	}
	all := ^ProtocolSet(0)
	if options.Has(FlagDirectory) {
		return ProtocolSet(ProtocolDirectory)
	}
	if options.Has(FlagNotDirectory) {
		return all &^ ProtocolSet(ProtocolDirectory)
	}
	return all
}

func (v *VFS) unregisterConnection(c *Connection) {
	v.mu.Lock()
	delete(v.connections, c)
	count := len(v.connections)
	v.mu.Unlock()
	v.metrics.SetConnections(count)
}

// open runs the walk for one validated Open request and completes the
// describe contract on every outcome. The returned connection is nil
// when the open was forwarded to a remote filesystem.
func (v *VFS) open(parent Vnode, path string, options OpenOptions, channel *NodeChannel) (conn *Connection, err error) {
	start := time.Now()
	defer func() { v.observe("open", start, err) }()
	result := v.Walk(parent, path, options)
	switch result.Kind {
	case OpenOk:
		conn, err := v.serve(result.Vnode, result.Options, channel)
		if err != nil {
			_ = CloseVnode(result.Vnode)
			v.sendOpenError(options, channel, err)
			return nil, err
		}
		return conn, nil
	case OpenRemote:
		return nil, v.ForwardOpenRemote(result.Vnode, result.Options, result.RemainingPath, channel)
	case OpenRemoteRoot:
		return nil, v.ForwardOpenRemote(result.Vnode, result.Options, ".", channel)
	default:
		v.sendOpenError(options, channel, result.Err)
		return nil, result.Err
	}
}

// sendOpenError delivers the single status-carrying event promised by
// FlagDescribe, then drops the channel.
func (v *VFS) sendOpenError(options OpenOptions, channel *NodeChannel, err error) {
	if channel == nil {
		return
	}
	if options.Has(FlagDescribe) {
		channel.SendOnOpen(OpenEvent{Status: status.CodeOf(err)})
	}
	channel.Close()
}

// Walk resolves path starting at parent and classifies the outcome.
// On OpenOk the returned vnode's open hook has run and its open count
// is incremented; the caller owns balancing it.
func (v *VFS) Walk(parent Vnode, path string, options OpenOptions) OpenResult {
	vn := parent
	rest := strings.Trim(path, "/")
	if rest == "" {
		rest = "."
	}

	for {
		if vn.Base().IsRemote() && !options.Has(FlagNoRemote) {
			if rest == "." {
				return OpenResult{Kind: OpenRemoteRoot, Vnode: vn, Options: options}
			}
			return OpenResult{Kind: OpenRemote, Vnode: vn, Options: options, RemainingPath: rest}
		}
		if rest == "." {
			break
		}

		name, remainder := splitFirstComponent(rest)
		if err := validateName(name); err != nil {
			return openError(err)
		}

		next, err := vn.Lookup(name)
		if remainder == "" && options.Has(FlagCreate) {
			if err != nil && status.Is(err, status.NotFound) {
				next, err = v.createAt(vn, name, options)
			} else if err == nil && options.Has(FlagFailIfExists) {
				return openError(status.PathError(status.AlreadyExists, "target already exists", name))
			}
		}
		if err != nil {
			return openError(err)
		}

		vn = next
		if remainder == "" {
			rest = "."
		} else {
			rest = remainder
		}
	}

	return v.finishWalk(vn, options)
}

func (v *VFS) createAt(parent Vnode, name string, options OpenOptions) (Vnode, error) {
	if v.Readonly() {
		return nil, status.Errorf(status.AccessDenied, "filesystem is read-only")
	}
	protocol := ProtocolFile
	if options.Has(FlagDirectory) {
		protocol = ProtocolDirectory
	}
	vn, err := parent.Create(name, protocol)
	if err != nil {
		return nil, err
	}
	parent.Notify(name, WatchEventAdded)
	return vn, nil
}

// finishWalk applies the final protocol constraints and runs the open
// hook on the resolved vnode.
func (v *VFS) finishWalk(vn Vnode, options OpenOptions) OpenResult {
	protocols := vn.Protocols()
	if options.Has(FlagDirectory) && !protocols.Has(ProtocolDirectory) {
		return openError(status.Errorf(status.NotDir, "target is not a directory"))
	}
	if options.Has(FlagNotDirectory) && protocols == ProtocolSet(ProtocolDirectory) {
		return openError(status.Errorf(status.NotFile, "target is a directory"))
	}
	if err := vn.ValidateRights(options.Rights); err != nil {
		return openError(err)
	}
	if options.Has(FlagTruncate) {
		if err := vn.Truncate(0); err != nil {
			return openError(err)
		}
	}
	opened, err := OpenVnode(vn, options)
	if err != nil {
		return openError(err)
	}
	return OpenResult{Kind: OpenOk, Vnode: opened, Options: options}
}

func splitFirstComponent(path string) (name, remainder string) {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], strings.TrimLeft(path[i+1:], "/")
	}
	return path, ""
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return status.Errorf(status.InvalidArgument, "invalid path component")
	}
	if len(name) > NameMax {
		return status.Errorf(status.BadPath, "path component too long")
	}
	return nil
}

// MintToken registers a fresh token for vn.
func (v *VFS) MintToken(vn Vnode) Token {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tokens.mint(vn)
}

// TokenToVnode resolves a token minted by MintToken.
func (v *VFS) TokenToVnode(tok Token) (Vnode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tokens.lookup(tok)
}

// FreeToken invalidates a token. Dropping the handle that minted it
// must free it; resolution afterwards fails with BadHandle.
func (v *VFS) FreeToken(tok Token) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens.free(tok)
}

// Shutdown tears the dispatcher down: all connections are closed, all
// remotes unmounted, and callback invoked once with the aggregate
// result. Connections observe IsTerminating immediately.
func (v *VFS) Shutdown(callback func(error)) {
	v.terminating.Store(true)

	v.mu.Lock()
	conns := make([]*Connection, 0, len(v.connections))
	for c := range v.connections {
		conns = append(conns, c)
	}
	v.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			logger.Warn("vfs: connection close during shutdown: %v", err)
		}
	}

	err := v.UninstallAll()

	// Vnodes may outlive the dispatcher; drop their back-references so
	// later access observes nil instead of a dead VFS.
	for _, c := range conns {
		c.vnode.Base().WillDestroyVfs()
	}

	if callback != nil {
		callback(err)
	}
}

// CloseAllConnectionsForVnode closes every connection bound to vn and
// invokes callback exactly once, synchronously when no connection
// exists.
func (v *VFS) CloseAllConnectionsForVnode(vn Vnode, callback func()) {
	v.mu.Lock()
	var matched []*Connection
	for c := range v.connections {
		if c.vnode == vn {
			matched = append(matched, c)
		}
	}
	v.mu.Unlock()

	for _, c := range matched {
		if err := c.Close(); err != nil {
			logger.Warn("vfs: close connection for vnode: %v", err)
		}
	}
	if callback != nil {
		callback()
	}
}

// ConnectionCount reports the number of live connections.
func (v *VFS) ConnectionCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.connections)
}
