// Package syscallmm implements the Syscall Surface (SC, spec.md §4.7):
// the five memory-management syscalls (mmap, munmap, mprotect, mremap,
// brk) as thin translators between the Linux ABI's flag/errno
// vocabulary and the vmspace.AddressSpace operations that actually do
// the work.
package syscallmm

import (
	"golang.org/x/sys/unix"

	"vmcore/internal/defs"
	"vmcore/internal/mem"
	"vmcore/internal/pagetable"
	"vmcore/internal/shm"
	"vmcore/internal/vfsiface"
	"vmcore/internal/vmspace"
)

// FdTable is the slice of task.Handle.with_fd_table (spec.md §6) this
// package actually needs: resolving a file descriptor to the inode a
// file-backed mapping demand-loads from. Out of scope collaborators
// (the task/scheduler layer, the real fd table) satisfy this with one
// method; tests supply a map-backed stub.
type FdTable interface {
	Inode(fd int) (vfsiface.Inode, bool)
}

// mmapTypeMask isolates the MAP_SHARED/MAP_PRIVATE bits from the rest
// of an mmap flags word, mirroring original_source/os/src/syscall/mm.rs's
// MmapFlags::MAP_TYPE_MASK.
const mmapTypeMask = unix.MAP_SHARED | unix.MAP_PRIVATE

// ProtToPerm translates an mmap(2)/mprotect(2) PROT_* bitmask into the
// abstract permission set the VM layer understands (spec.md §4.7,
// original_source/os/src/syscall/mm.rs's "impl From<MmapProt> for
// MapFlags"). Every user mapping carries U; there is no unprivileged
// mapping that doesn't.
func ProtToPerm(prot int32) pagetable.MapPerm {
	perm := pagetable.PermU
	if prot&unix.PROT_READ != 0 {
		perm = perm.With(pagetable.PermR)
	}
	if prot&unix.PROT_WRITE != 0 {
		perm = perm.With(pagetable.PermW)
	}
	if prot&unix.PROT_EXEC != 0 {
		perm = perm.With(pagetable.PermX)
	}
	return perm
}

// FlagsToMmapFlags translates an mmap(2) MAP_* bitmask into defs.MmapFlags.
func FlagsToMmapFlags(flags int32) defs.MmapFlags {
	var f defs.MmapFlags
	if flags&unix.MAP_SHARED != 0 {
		f = f.With(defs.MmapShared)
	}
	if flags&unix.MAP_PRIVATE != 0 {
		f = f.With(defs.MmapPrivate)
	}
	if flags&unix.MAP_FIXED != 0 {
		f = f.With(defs.MmapFixed)
	}
	if flags&unix.MAP_ANON != 0 {
		f = f.With(defs.MmapAnonymous)
	}
	if flags&unix.MAP_NORESERVE != 0 {
		f = f.With(defs.MmapNoReserve)
	}
	return f
}

// mremapFlagsFromRaw translates an mremap(2) flags word into
// defs.MremapFlags.
func mremapFlagsFromRaw(flags int32) defs.MremapFlags {
	var f defs.MremapFlags
	if flags&unix.MREMAP_MAYMOVE != 0 {
		f = f.With(defs.MremapMayMove)
	}
	if flags&unix.MREMAP_FIXED != 0 {
		f = f.With(defs.MremapFixed)
	}
	if flags&unix.MREMAP_DONTUNMAP != 0 {
		f = f.With(defs.MremapDontUnmap)
	}
	return f
}

// Mmap implements sys_mmap (spec.md §4.7). registry backs shared
// anonymous mappings with a new shm segment (SPEC_FULL.md §4.9); private
// anonymous mappings use no segment; fds
// resolves a file descriptor to the inode a file-backed mapping reads
// through (SPEC_FULL.md §6).
func Mmap(as *vmspace.AddressSpace, registry *shm.Registry, fds FdTable, addr mem.VirtAddr, length uint64, prot, rawFlags int32, fd int, offset uint64) (mem.VirtAddr, error) {
	if length == 0 {
		return 0, defs.EINVAL
	}
	if addr == 0 && rawFlags&unix.MAP_FIXED != 0 {
		return 0, defs.EINVAL
	}
	if offset%mem.PageSize != 0 {
		return 0, defs.EINVAL
	}

	flags := FlagsToMmapFlags(rawFlags)
	perm := ProtToPerm(prot)

	if flags.Has(defs.MmapFixed) {
		// Best-effort: a FIXED mapping silently replaces whatever used to
		// be there. Absence of a prior mapping is not an error here.
		as.Unmap(addr, length)
	}

	anonymous := flags.Has(defs.MmapAnonymous)
	switch rawFlags & mmapTypeMask {
	case unix.MAP_SHARED:
		if anonymous {
			id := uint64(0)
			return as.AllocAnonArea(addr, length, perm, flags, registry, &id)
		}
		inode, ok := fds.Inode(fd)
		if !ok {
			return 0, defs.EINVAL
		}
		return as.AllocMmapArea(addr, length, perm, flags, inode, offset)

	case unix.MAP_PRIVATE:
		if anonymous {
			return as.AllocAnonArea(addr, length, perm, flags, registry, nil)
		}
		inode, ok := fds.Inode(fd)
		if !ok {
			return 0, defs.EINVAL
		}
		return as.AllocMmapArea(addr, length, perm, flags, inode, offset)

	default:
		return 0, defs.EINVAL
	}
}

// Munmap implements sys_munmap (spec.md §4.7).
func Munmap(as *vmspace.AddressSpace, addr mem.VirtAddr, length uint64) error {
	_, err := as.Unmap(addr, length)
	return err
}

// Mprotect implements sys_mprotect (spec.md §4.7), rewriting permission
// on already-resident pages in place rather than dropping them (see
// vmspace.AddressSpace.Mprotect's doc comment and DESIGN.md).
func Mprotect(as *vmspace.AddressSpace, addr mem.VirtAddr, length uint64, prot int32) error {
	if addr.PageOffset() != 0 || length == 0 || length%mem.PageSize != 0 {
		return defs.EINVAL
	}
	return as.Mprotect(addr, length, ProtToPerm(prot))
}

// Mremap implements sys_mremap (spec.md §4.7).
func Mremap(as *vmspace.AddressSpace, oldAddr mem.VirtAddr, oldSize, newSize uint64, rawFlags int32, newAddr mem.VirtAddr) (mem.VirtAddr, error) {
	return as.Mremap(oldAddr, oldSize, newSize, mremapFlagsFromRaw(rawFlags), newAddr)
}

// Brk implements sys_brk (spec.md §4.7): a thin pass-through to
// ResetHeapBreak, which already performs the four-way dispatch.
func Brk(as *vmspace.AddressSpace, newBrk mem.VirtAddr) mem.VirtAddr {
	return as.ResetHeapBreak(newBrk)
}
