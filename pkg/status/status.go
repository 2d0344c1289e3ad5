// Package status defines the error taxonomy shared by the VFS, paging,
// block, and volume packages.
//
// These are protocol-level error categories (rights violation, malformed
// request, severed transport, etc.) as opposed to infrastructure errors.
// Transport adapters translate a Code to whatever their wire format uses.
package status

import "errors"

// Error is the domain error carried across package boundaries.
//
// Code classifies the failure; Message is human-readable; Path names the
// filesystem path or device entry involved, when one applies.
type Error struct {
	// Code is the error category
	Code Code

	// Message is a human-readable error description
	Message string

	// Path is the path or device entry related to the error (if applicable)
	Path string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

// Code represents the category of a status error.
type Code int

const (
	// OK is the zero value; never carried inside an Error.
	OK Code = iota

	// BadHandle indicates a rights or protocol mismatch on an otherwise
	// valid connection (e.g., write through a read-only connection).
	BadHandle

	// InvalidArgument indicates a malformed request shape:
	// empty path, conflicting flags, zero requested rights.
	InvalidArgument

	// BadPath indicates a path that exceeds the maximum length.
	BadPath

	// AccessDenied indicates a specifically missing right
	// (admin for mount operations, hierarchical rights on open).
	AccessDenied

	// NotSupported indicates the operation is not implemented by this
	// vnode or device.
	NotSupported

	// NotFound indicates the target does not exist, or discovery was
	// exhausted without a match.
	NotFound

	// TimedOut indicates a bounded wait elapsed.
	TimedOut

	// PeerClosed indicates the transport was severed.
	PeerClosed

	// ShouldWait indicates a transport is momentarily full or empty.
	// Internal backpressure signal; never returned to callers.
	ShouldWait

	// IO indicates an underlying storage transport failure.
	IO

	// NoSpace indicates a capacity or layout exhaustion.
	NoSpace

	// BadState indicates inconsistent on-device metadata or an operation
	// invalid in the current lifecycle state.
	BadState

	// NotDir indicates the operation expected a directory.
	NotDir

	// NotFile indicates the operation expected a file.
	NotFile

	// AlreadyExists indicates a name collision on create.
	AlreadyExists

	// NotEmpty indicates a directory still has entries.
	NotEmpty

	// Unavailable indicates the component is shutting down.
	Unavailable
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case BadHandle:
		return "bad handle"
	case InvalidArgument:
		return "invalid argument"
	case BadPath:
		return "bad path"
	case AccessDenied:
		return "access denied"
	case NotSupported:
		return "not supported"
	case NotFound:
		return "not found"
	case TimedOut:
		return "timed out"
	case PeerClosed:
		return "peer closed"
	case ShouldWait:
		return "should wait"
	case IO:
		return "io error"
	case NoSpace:
		return "no space"
	case BadState:
		return "bad state"
	case NotDir:
		return "not a directory"
	case NotFile:
		return "not a file"
	case AlreadyExists:
		return "already exists"
	case NotEmpty:
		return "not empty"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// AsError converts a bare code to an error. OK maps to nil.
func (c Code) AsError() error {
	if c == OK {
		return nil
	}
	return &Error{Code: c, Message: c.String()}
}

// Errorf builds an *Error with the given code and message.
func Errorf(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// PathError builds an *Error that names the path it failed on.
func PathError(code Code, message, path string) *Error {
	return &Error{Code: code, Message: message, Path: path}
}

// CodeOf extracts the Code from err, unwrapping as needed.
// A nil error maps to OK; a foreign error maps to IO.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return IO
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
