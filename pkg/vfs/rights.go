package vfs

import "github.com/stratofs/stratofs/pkg/status"

// Rights is the immutable access-rights set attached to a connection.
//
// A connection's effective rights never grow across Open or Clone; the
// single exception is the POSIX compatibility expansion applied by
// EnforceHierarchicalRights below.
type Rights struct {
	Read    bool
	Write   bool
	Execute bool
	Admin   bool
}

// ReadOnly returns rights carrying only read.
func ReadOnly() Rights {
	return Rights{Read: true}
}

// ReadWrite returns rights carrying read and write.
func ReadWrite() Rights {
	return Rights{Read: true, Write: true}
}

// ReadExec returns rights carrying read and execute.
func ReadExec() Rights {
	return Rights{Read: true, Execute: true}
}

// AllRights returns the full rights set, admin included.
func AllRights() Rights {
	return Rights{Read: true, Write: true, Execute: true, Admin: true}
}

// Any reports whether at least one right is present.
func (r Rights) Any() bool {
	return r.Read || r.Write || r.Execute || r.Admin
}

// StricterOrSameAs reports whether r is a subset of other.
func (r Rights) StricterOrSameAs(other Rights) bool {
	if r.Read && !other.Read {
		return false
	}
	if r.Write && !other.Write {
		return false
	}
	if r.Execute && !other.Execute {
		return false
	}
	if r.Admin && !other.Admin {
		return false
	}
	return true
}

// Intersect returns the rights present in both r and other.
func (r Rights) Intersect(other Rights) Rights {
	return Rights{
		Read:    r.Read && other.Read,
		Write:   r.Write && other.Write,
		Execute: r.Execute && other.Execute,
		Admin:   r.Admin && other.Admin,
	}
}

// Flag is one connection option bit.
type Flag uint32

const (
	// FlagNodeReference requests a metadata-only handle. No content
	// operation is valid through a node-reference connection.
	FlagNodeReference Flag = 1 << iota

	// FlagDirectory requires the target to be a directory.
	FlagDirectory

	// FlagNotDirectory requires the target to not be a directory.
	FlagNotDirectory

	// FlagAppend positions every write at the end of the file.
	FlagAppend

	// FlagDescribe requests a single on-open event carrying the open
	// status (and the negotiated protocol on success).
	FlagDescribe

	// FlagCloneSameRights asks Clone to inherit the source connection's
	// rights verbatim. Mutually exclusive with naming explicit rights.
	FlagCloneSameRights

	// FlagPosixWrite allows the write right to be inherited from the
	// parent connection even when not explicitly requested.
	FlagPosixWrite

	// FlagPosixExecute allows the execute right to be inherited from the
	// parent connection even when not explicitly requested.
	FlagPosixExecute

	// FlagCreate creates the target if it is absent.
	FlagCreate

	// FlagFailIfExists makes Create fail on an existing target.
	FlagFailIfExists

	// FlagTruncate truncates the target to zero length on open.
	FlagTruncate

	// FlagNoRemote resolves mount points to the mount vnode itself
	// instead of forwarding into the mounted filesystem.
	FlagNoRemote
)

// nodeReferenceAllowed is the flag whitelist for node-reference opens.
const nodeReferenceAllowed = FlagNodeReference | FlagDirectory | FlagNotDirectory | FlagDescribe

// OpenOptions is the validated flag+rights snapshot carried by a
// connection and by every Open request.
type OpenOptions struct {
	Flags  Flag
	Rights Rights
}

// Has reports whether all bits of f are set.
func (o OpenOptions) Has(f Flag) bool {
	return o.Flags&f == f
}

// Prevalidate rejects option combinations that are malformed regardless
// of the target vnode.
func (o OpenOptions) Prevalidate() error {
	if o.Has(FlagNodeReference) {
		if o.Flags&^nodeReferenceAllowed != 0 {
			return status.Errorf(status.InvalidArgument, "flags not allowed on a node reference")
		}
	}
	if o.Has(FlagDirectory) && o.Has(FlagNotDirectory) {
		return status.Errorf(status.InvalidArgument, "directory and not_directory are mutually exclusive")
	}
	if o.Has(FlagTruncate) && !o.Rights.Write {
		return status.Errorf(status.InvalidArgument, "truncate requires the write right")
	}
	return nil
}

// EnforceHierarchicalRights applies the inheritance rule at one path
// traversal step. POSIX flags are dropped where the parent lacks the
// corresponding right and expand the child's rights where it has it.
// After expansion the child's rights must be a subset of the parent's.
func EnforceHierarchicalRights(parent Rights, child OpenOptions) (OpenOptions, error) {
	if child.Has(FlagPosixWrite) {
		if parent.Write {
			child.Rights.Write = true
		} else {
			child.Flags &^= FlagPosixWrite
		}
	}
	if child.Has(FlagPosixExecute) {
		if parent.Execute {
			child.Rights.Execute = true
		} else {
			child.Flags &^= FlagPosixExecute
		}
	}
	if !child.Rights.StricterOrSameAs(parent) {
		return OpenOptions{}, status.Errorf(status.AccessDenied, "requested rights exceed those of the parent connection")
	}
	return child, nil
}

// FilterForNewConnection strips the options that only affect the open
// itself, keeping what a live connection carries.
func (o OpenOptions) FilterForNewConnection() OpenOptions {
	return OpenOptions{
		Flags:  o.Flags & (FlagAppend | FlagNodeReference),
		Rights: o.Rights,
	}
}
