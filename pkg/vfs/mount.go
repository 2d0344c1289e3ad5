package vfs

import (
	"github.com/hashicorp/go-multierror"

	"github.com/stratofs/stratofs/internal/logger"
	"github.com/stratofs/stratofs/pkg/status"
)

// InstallRemote mounts a remote filesystem on vn. At most one remote
// per vnode; uninstalling later requires the exact same vnode.
func (v *VFS) InstallRemote(vn Vnode, remote Remote) error {
	if vn == nil {
		return status.Errorf(status.AccessDenied, "no mount point vnode")
	}
	if err := vn.Base().AttachRemote(remote); err != nil {
		return err
	}
	v.mu.Lock()
	v.mounts[vn] = remote
	count := len(v.mounts)
	v.mu.Unlock()
	v.metrics.SetMounts(count)
	return nil
}

// UninstallRemote removes the remote mounted on vn and returns it so
// the caller can shut it down.
func (v *VFS) UninstallRemote(vn Vnode) (Remote, error) {
	v.mu.Lock()
	_, ok := v.mounts[vn]
	if ok {
		delete(v.mounts, vn)
	}
	count := len(v.mounts)
	v.mu.Unlock()
	if !ok {
		return nil, status.Errorf(status.NotFound, "no remote mounted on vnode")
	}
	v.metrics.SetMounts(count)
	remote := vn.Base().DetachRemote()
	if remote == nil {
		return nil, status.Errorf(status.BadState, "mount table out of sync with vnode")
	}
	return remote, nil
}

// UninstallAll unmounts every remote, sending each its unmount signal.
// Errors are aggregated; teardown never stops at the first failure.
func (v *VFS) UninstallAll() error {
	v.mu.Lock()
	vnodes := make([]Vnode, 0, len(v.mounts))
	for vn := range v.mounts {
		vnodes = append(vnodes, vn)
	}
	v.mu.Unlock()

	var result *multierror.Error
	for _, vn := range vnodes {
		remote, err := v.UninstallRemote(vn)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := remote.Unmount(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// MountMkdir resolves (creating if needed) a directory under parent and
// mounts remote on it. With replace set, an existing remote on the
// target is uninstalled and sent its unmount signal first.
func (v *VFS) MountMkdir(parent Vnode, name string, remote Remote, replace bool) error {
	options := OpenOptions{
		Flags:  FlagCreate | FlagDirectory | FlagNoRemote,
		Rights: ReadWrite(),
	}
	result := v.Walk(parent, name, options)
	if result.Kind == OpenError {
		return result.Err
	}
	if result.Kind != OpenOk {
		return status.Errorf(status.BadState, "mount target resolution crossed a mount")
	}
	vn := result.Vnode
	defer func() {
		if err := CloseVnode(vn); err != nil {
			logger.Warn("vfs: close mount target: %v", err)
		}
	}()

	if vn.Base().IsRemote() {
		if !replace {
			return status.Errorf(status.BadState, "mount point already has a remote")
		}
		old, err := v.UninstallRemote(vn)
		if err != nil {
			return err
		}
		// Fire-and-forget teardown of the displaced filesystem.
		if err := old.Unmount(); err != nil {
			logger.Warn("vfs: unmount displaced remote: %v", err)
		}
	}
	return v.InstallRemote(vn, remote)
}

// ForwardOpenRemote hands an open that crossed a mount point to the
// mounted filesystem. A severed remote is uninstalled on the spot so a
// dead mount entry never lingers.
func (v *VFS) ForwardOpenRemote(vn Vnode, options OpenOptions, path string, channel *NodeChannel) error {
	remote := vn.Base().GetRemote()
	if remote == nil {
		v.sendOpenError(options, channel, status.Errorf(status.NotFound, "mount point has no remote"))
		return status.Errorf(status.NotFound, "mount point has no remote")
	}
	err := remote.OpenRemote(options, path, channel)
	if status.Is(err, status.PeerClosed) {
		if _, uerr := v.UninstallRemote(vn); uerr != nil {
			logger.Warn("vfs: uninstall dead remote: %v", uerr)
		}
	}
	return err
}
