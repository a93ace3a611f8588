// Package defs holds the error, permission, and access-type vocabulary
// shared by every layer of the virtual-memory core.
package defs

import (
	"golang.org/x/sys/unix"

	"vmcore/internal/klog"
)

// Errno is the kernel-internal analogue of Err_t: zero means success,
// a negative value is a POSIX errno the syscall surface hands back to
// user space unchanged.
type Errno int

// Recognized errno values, pinned to the Linux numbering the syscall
// ABI promises (spec.md §6). Values come straight from golang.org/x/sys/unix
// so they match the host's errno table rather than a hand-copied constant.
const (
	EINVAL  Errno = -Errno(unix.EINVAL)
	ENOMEM  Errno = -Errno(unix.ENOMEM)
	EFAULT  Errno = -Errno(unix.EFAULT)
	ENOENT  Errno = -Errno(unix.ENOENT)
	ENOEXEC Errno = -Errno(unix.ENOEXEC)
	EACCES  Errno = -Errno(unix.EACCES)
	EEXIST  Errno = -Errno(unix.EEXIST)
)

// Error lets Errno satisfy the error interface so it composes with
// ordinary Go error handling at package boundaries that aren't on the
// syscall-return hot path.
func (e Errno) Error() string {
	if e == 0 {
		return "success"
	}
	return unix.Errno(-e).Error()
}

// KernelBug marks an invariant violation: a situation the design says
// can only arise from a programming error (e.g. mapping an already
// mapped leaf). Callers panic with it rather than propagating an Errno.
type KernelBug struct {
	Where string
	Why   string
}

func (b KernelBug) Error() string {
	return b.Where + ": " + b.Why
}

// Bug panics with a KernelBug, used at the small number of call sites
// spec.md §7 identifies as "internal bug, not observable by the caller".
func Bug(where, why string) {
	klog.Bug(where, why)
	panic(KernelBug{Where: where, Why: why})
}
