package vfs

// Path and name bounds checked at every protocol boundary.
const (
	// PathMax is the longest path accepted by Open.
	PathMax = 4096

	// NameMax is the longest single path component.
	NameMax = 255

	// ReaddirBufferMax bounds the dirent batch returned by one
	// ReadDirents call.
	ReaddirBufferMax = 8192
)

// Protocol identifies the negotiated shape of one connection.
type Protocol uint32

const (
	ProtocolNode Protocol = 1 << iota
	ProtocolFile
	ProtocolDirectory
	ProtocolConnector
	ProtocolPipe
	ProtocolMemory
	ProtocolDevice
	ProtocolTty
	ProtocolDatagramSocket
	ProtocolStreamSocket
)

// ProtocolSet is the set of protocols a vnode can speak.
type ProtocolSet uint32

// Has reports whether p is in the set.
func (s ProtocolSet) Has(p Protocol) bool {
	return uint32(s)&uint32(p) != 0
}

// Intersect returns the protocols present in both sets.
func (s ProtocolSet) Intersect(other ProtocolSet) ProtocolSet {
	return s & other
}

// First returns an arbitrary-but-stable protocol from the set,
// preferring directory over file over the rest.
func (s ProtocolSet) First() (Protocol, bool) {
	ordered := []Protocol{
		ProtocolDirectory, ProtocolFile, ProtocolMemory, ProtocolDevice,
		ProtocolConnector, ProtocolPipe, ProtocolTty,
		ProtocolDatagramSocket, ProtocolStreamSocket, ProtocolNode,
	}
	for _, p := range ordered {
		if s.Has(p) {
			return p, true
		}
	}
	return 0, false
}

// Attributes is the metadata snapshot of one vnode.
type Attributes struct {
	Mode             uint32
	ID               uint64
	ContentSize      uint64
	StorageSize      uint64
	LinkCount        uint64
	CreationTime     uint64
	ModificationTime uint64
}

// DirentType tags one directory entry.
type DirentType uint8

const (
	DirentUnknown DirentType = iota
	DirentFile
	DirentDirectory
	DirentBlockDevice
	DirentService
)

// Dirent is one directory entry as returned by Readdir.
type Dirent struct {
	Name string
	Type DirentType
	ID   uint64
}

// DirCookie is the opaque readdir position owned by a connection.
// The zero value means "start of directory"; Rewind resets to it.
type DirCookie struct {
	Offset uint64
	Seen   uint64
}

// FilesystemInfo answers QueryFilesystem.
type FilesystemInfo struct {
	TotalBytes      uint64
	UsedBytes       uint64
	TotalNodes      uint64
	UsedNodes       uint64
	BlockSize       uint32
	MaxFilenameSize uint32
	FsType          uint32
	Name            string
}
