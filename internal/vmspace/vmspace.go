// Package vmspace implements UserVmSpace (VM, spec.md §4.4): the
// per-process page table plus range map of VMAs, heap-break management,
// and the anonymous/file mmap helpers the syscall surface calls into.
package vmspace

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"vmcore/internal/defs"
	"vmcore/internal/mem"
	"vmcore/internal/pagetable"
	"vmcore/internal/shm"
	"vmcore/internal/util"
	"vmcore/internal/vfsiface"
	"vmcore/internal/vmarea"
)

// ShootdownFunc models one hardware thread acknowledging a TLB
// invalidation IPI (spec.md §5's "issue an IPI to every other thread
// ... and await acknowledgment"). A real boot wires this to the
// architecture's actual cross-CPU interrupt; tests supply a no-op or a
// counting stub.
type ShootdownFunc func(ctx context.Context, hartID int, vpn mem.VirtPageNum) error

// AddressSpace is UserVmSpace: one PageTable, one range map of Areas,
// and the heap-break bookkeeping, all serialized behind a single mutex
// (spec.md §5 "Multi-threaded address-space mutation ... is serialized
// by the address-space mutex").
type AddressSpace struct {
	mu sync.Mutex

	pt      *pagetable.PageTable
	ranges  *rangeMap
	alloc   *mem.Allocator
	backing *mem.Backing

	heapBottom mem.VirtAddr
	heapArea   *vmarea.Area

	// kernelTemplate is consulted on construction (to copy the kernel
	// half, on a KernelSplit architecture) and on Install (to supply the
	// second hardware root, on a non-split architecture).
	kernelTemplate *pagetable.PageTable

	activeHarts []int
	shoot       ShootdownFunc
}

// New builds an empty user address space cloned from the kernel
// template (spec.md §4.4 "new() ... copies kernel root entries"). shoot
// may be nil, meaning TLB shootdown is a no-op (single-hart tests).
func New(format pagetable.Format, alloc *mem.Allocator, backing *mem.Backing, kernelTemplate *pagetable.PageTable, shoot ShootdownFunc) *AddressSpace {
	pt := pagetable.New(format, alloc, backing)
	if kernelTemplate != nil && format.KernelSplit() {
		pt.CopyRootEntries(kernelTemplate, pagetable.EntriesPerLevel/2, pagetable.EntriesPerLevel)
	}
	return &AddressSpace{
		pt:             pt,
		ranges:         newRangeMap(),
		alloc:          alloc,
		backing:        backing,
		kernelTemplate: kernelTemplate,
		shoot:          shoot,
	}
}

// Lock / Unlock expose the address-space mutex directly to the
// page-fault engine, which must hold it across the "walk, dispatch,
// install" sequence (spec.md §5 lock ordering position 2).
func (as *AddressSpace) Lock()   { as.mu.Lock() }
func (as *AddressSpace) Unlock() { as.mu.Unlock() }

func (as *AddressSpace) PageTable() *pagetable.PageTable { return as.pt }
func (as *AddressSpace) Allocator() *mem.Allocator       { return as.alloc }
func (as *AddressSpace) Backing() *mem.Backing           { return as.backing }

// Find returns the VMA covering vpn, if any — the lookup
// handle_page_fault and the syscall surface both need (spec.md §4.4
// "handle_page_fault ... finds the covering VMA").
func (as *AddressSpace) Find(vpn mem.VirtPageNum) (*vmarea.Area, bool) {
	return as.ranges.Get(vpn)
}

// NoteActive/NoteInactive record which hardware threads currently run
// with this address space installed, the shootdown fan-out target set
// (spec.md §5 "IPI to every other thread that has this address space
// active").
func (as *AddressSpace) NoteActive(hartID int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, h := range as.activeHarts {
		if h == hartID {
			return
		}
	}
	as.activeHarts = append(as.activeHarts, hartID)
}

func (as *AddressSpace) NoteInactive(hartID int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i, h := range as.activeHarts {
		if h == hartID {
			as.activeHarts = append(as.activeHarts[:i], as.activeHarts[i+1:]...)
			return
		}
	}
}

// Shootdown issues a single-page TLB invalidation to every other active
// hart and awaits every acknowledgment before returning (spec.md §5).
// Implemented with errgroup so a failing acknowledgment cancels the
// others' context rather than leaking goroutines.
func (as *AddressSpace) Shootdown(vpn mem.VirtPageNum) {
	if as.shoot == nil || len(as.activeHarts) == 0 {
		return
	}
	g, ctx := errgroup.WithContext(context.Background())
	for _, hart := range as.activeHarts {
		hart := hart
		g.Go(func() error { return as.shoot(ctx, hart, vpn) })
	}
	if err := g.Wait(); err != nil {
		defs.Bug("vmspace.AddressSpace.Shootdown", err.Error())
	}
}

// Install installs this address space's page table as the active root,
// plus the kernel template's as the high half on a non-split
// architecture (spec.md §4.8 "two roots where the architecture
// partitions ... a single root where it doesn't").
func (as *AddressSpace) Install(installer pagetable.Installer) {
	as.pt.EnableLow(installer)
	if !as.pt.Format().KernelSplit() && as.kernelTemplate != nil {
		as.kernelTemplate.EnableHigh(installer)
	}
}

// PushArea inserts a into the range map and, if data is non-nil, eagerly
// allocates frames for the whole area and copies data into them
// page-by-page (spec.md §4.4 "push_area"). Panics on overlap: the
// caller is required to have pre-checked with CheckFree/FindFreeRange.
func (as *AddressSpace) PushArea(a *vmarea.Area, data []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.ranges.Insert(a) {
		defs.Bug("vmspace.AddressSpace.PushArea", "overlapping VMA insertion")
	}
	if data != nil {
		vpns := a.Range.ToVPN()
		off := 0
		for vpn := vpns.Start; vpn < vpns.End; vpn++ {
			run, ok := as.alloc.Alloc(1)
			if !ok {
				return defs.ENOMEM
			}
			as.backing.Zero(run.Start)
			page := as.backing.Page(run.Start)
			n := copy(page, data[off:])
			off += n
			a.Frames[vpn] = mem.NewFrameTracker(as.alloc, run)
		}
	}
	return a.Map(as.pt)
}

// Unmap removes the unique VMA covering [va, va+length), splitting it
// at va and va+length as needed, and returns the discarded middle piece
// for inspection (spec.md §4.4 "unmap").
func (as *AddressSpace) Unmap(va mem.VirtAddr, length uint64) (*vmarea.Area, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	vpn := va.Floor()
	a, ok := as.ranges.Get(vpn)
	if !ok {
		return nil, defs.EINVAL
	}
	end := mem.VirtAddr(uint64(va) + length)
	if end > a.Range.End {
		return nil, defs.EINVAL
	}

	as.ranges.Remove(a)

	var left, right *vmarea.Area
	if a.Range.Start < va {
		// SplitOff mutates `a` into the left remainder and returns the
		// rest; `a` must keep referring to the piece still to be
		// discarded, so the returned piece takes over as `a`.
		rest := a.SplitOff(va.Floor())
		left, a = a, rest
	}
	if end < a.Range.End {
		right = a.SplitOff(end.Ceil())
	}

	a.Unmap(as.pt, as.Shootdown)

	if left != nil {
		as.ranges.Insert(left)
	}
	if right != nil {
		as.ranges.Insert(right)
	}
	return a, nil
}

// Mprotect rewrites the permission of [va, va+length), splitting the
// covering VMA at its boundaries exactly as Unmap does (spec.md §4.7
// mprotect). Unlike Unmap, the middle piece keeps its frames: already
// resident pages are rewritten in place via Area.SetPerm rather than
// dropped and left to refault, the "explicit rewrite" alternative
// spec.md §4.7 offers in place of the simplification that would lose a
// resident anonymous page's content (see DESIGN.md).
func (as *AddressSpace) Mprotect(va mem.VirtAddr, length uint64, perm pagetable.MapPerm) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	vpn := va.Floor()
	a, ok := as.ranges.Get(vpn)
	if !ok {
		return defs.EINVAL
	}
	end := mem.VirtAddr(uint64(va) + length)
	if end > a.Range.End {
		return defs.EINVAL
	}

	as.ranges.Remove(a)

	var left, right *vmarea.Area
	if a.Range.Start < va {
		rest := a.SplitOff(va.Floor())
		left, a = a, rest
	}
	if end < a.Range.End {
		right = a.SplitOff(end.Ceil())
	}

	a.SetPerm(as.pt, perm, as.Shootdown)

	if !as.ranges.Insert(a) {
		defs.Bug("vmspace.AddressSpace.Mprotect", "rewritten VMA collides with an existing VMA")
	}
	if left != nil {
		as.ranges.Insert(left)
	}
	if right != nil {
		as.ranges.Insert(right)
	}
	return nil
}

// roundUpPages rounds a byte length up to a whole number of pages.
func roundUpPages(n uint64) uint64 { return util.Roundup(n, uint64(mem.PageSize)) }

// Mremap implements spec.md §4.7's relocate/grow/shrink dispatch. Only a
// single mmap-origin VMA spanning the whole old range is supported, as
// is the only legal caller per spec.md §4.7's precondition.
//
// The relocate path clears the old mapping's hardware PTEs
// (Area.ClearRange) and then carries its still-intact frame bookkeeping
// across to the new area (Area.MoveFramesTo), mirroring
// original_source/os/src/mm/vm/uvm.rs's UserVmArea::unmap, which only
// tears down page-table entries and flushes the TLB — frame bookkeeping
// survives on the returned area struct for sys_mremap's
// move_frames_to call to pick up afterward. Area.Unmap is the wrong
// primitive here: it also Unrefs and drains a.Frames, which would have
// nothing left for MoveFramesTo to carry across.
func (as *AddressSpace) Mremap(oldAddr mem.VirtAddr, oldSize, newSize uint64, flags defs.MremapFlags, fixedAddr mem.VirtAddr) (mem.VirtAddr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if oldAddr.PageOffset() != 0 {
		return 0, defs.EINVAL
	}
	if (flags.Has(defs.MremapFixed) || flags.Has(defs.MremapDontUnmap)) && !flags.Has(defs.MremapMayMove) {
		return 0, defs.EINVAL
	}
	oldSize = roundUpPages(oldSize)
	newSize = roundUpPages(newSize)

	area, ok := as.ranges.Get(oldAddr.Floor())
	if !ok || area.Range.Start != oldAddr || uint64(area.Range.End-oldAddr) != oldSize {
		return 0, defs.EINVAL
	}
	if area.Type != defs.VmaMmap {
		return 0, defs.EINVAL
	}
	if flags.Has(defs.MremapDontUnmap) && !(area.MmapFlags.Has(defs.MmapPrivate) && area.MmapFlags.Has(defs.MmapAnonymous)) {
		return 0, defs.EINVAL
	}

	// The in-place fast path only applies with neither FIXED nor
	// DONTUNMAP requested (original_source/os/src/syscall/mm.rs's
	// sys_mremap: "if flags.is_empty() || flags == MAYMOVE") — DONTUNMAP
	// always relocates, even to a same-size mapping, since its entire
	// purpose is leaving the old mapping in place under a new one.
	if !flags.Has(defs.MremapFixed) && !flags.Has(defs.MremapDontUnmap) {
		switch {
		case newSize == oldSize:
			return oldAddr, nil
		case newSize < oldSize:
			area.Shrink(int64(oldSize-newSize)/mem.PageSize, as.pt, as.Shootdown)
			return oldAddr, nil
		default:
			grow := int64(newSize-oldSize) / mem.PageSize
			growRange := mem.VARange{Start: area.Range.End, End: area.Range.End + mem.VirtAddr(newSize-oldSize)}
			if as.ranges.CheckFree(growRange) && as.ranges.ExtendBack(area, grow) {
				return oldAddr, nil
			}
			if !flags.Has(defs.MremapMayMove) {
				return 0, defs.ENOMEM
			}
		}
	}

	var destStart mem.VirtAddr
	if flags.Has(defs.MremapFixed) {
		rng := mem.VARange{Start: fixedAddr.Floor().Addr(), End: fixedAddr.Floor().Addr() + mem.VirtAddr(newSize)}
		if rng.Start != oldAddr && !as.ranges.CheckFree(rng) {
			return 0, defs.ENOMEM
		}
		destStart = rng.Start
	} else {
		start, ok := as.FindFreeRange(mem.VARange{Start: UserShareBeg, End: UserShareEnd}, newSize)
		if !ok {
			return 0, defs.ENOMEM
		}
		destStart = start
	}

	destRange := mem.VARange{Start: destStart, End: destStart + mem.VirtAddr(newSize)}
	dest := vmarea.NewMmap(destRange, area.Perm, area.MmapFlags, area.BackingKind, area.Inode, area.Offset, newSize)

	as.ranges.Remove(area)
	area.ClearRange(as.pt, as.Shootdown)
	area.MoveFramesTo(dest)

	if !as.ranges.Insert(dest) {
		defs.Bug("vmspace.AddressSpace.Mremap", "relocated mapping collides with an existing VMA")
	}
	if err := dest.Map(as.pt); err != nil {
		return 0, defs.ENOMEM
	}
	if flags.Has(defs.MremapDontUnmap) {
		if !as.ranges.Insert(area) {
			defs.Bug("vmspace.AddressSpace.Mremap", "DONTUNMAP source collides after relocation")
		}
	}
	return destStart, nil
}

// CheckFree reports whether no VMA intersects [va, va+length).
func (as *AddressSpace) CheckFree(va mem.VirtAddr, length uint64) bool {
	return as.ranges.CheckFree(mem.VARange{Start: va, End: mem.VirtAddr(uint64(va) + length)})
}

// FindFreeRange locates a free hole of length bytes within search.
func (as *AddressSpace) FindFreeRange(search mem.VARange, length uint64) (mem.VirtAddr, bool) {
	pages := int64(mem.VirtAddr(length).Ceil())
	return as.ranges.FindFreeRange(search, pages)
}

// SetHeapBottom fixes heap_bottom_va once, at ELF-load time (spec.md
// §4.4 "heap_bottom_va is fixed at ELF-load time").
func (as *AddressSpace) SetHeapBottom(va mem.VirtAddr) { as.heapBottom = va }

// ResetHeapBreak implements brk()'s four-way dispatch (spec.md §4.4).
func (as *AddressSpace) ResetHeapBreak(newBrk mem.VirtAddr) mem.VirtAddr {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.heapArea == nil {
		if newBrk <= as.heapBottom {
			return as.heapBottom
		}
		area := vmarea.New(mem.VARange{Start: as.heapBottom, End: newBrk}, defs.VmaHeap,
			pagetable.PermR|pagetable.PermW|pagetable.PermU, as.alloc, as.backing)
		if !as.ranges.Insert(area) {
			defs.Bug("vmspace.AddressSpace.ResetHeapBreak", "heap region collides with an existing VMA")
		}
		as.heapArea = area
		return newBrk
	}

	cur := as.heapArea.Range.End
	switch {
	case newBrk > cur:
		grow := int64(mem.VirtAddr(uint64(newBrk)-uint64(cur)).Ceil())
		if !as.ranges.ExtendBack(as.heapArea, grow) {
			return cur
		}
		return as.heapArea.Range.End
	case newBrk > as.heapArea.Range.Start && newBrk < cur:
		atVpn := newBrk.Ceil()
		as.heapArea.Shrink(as.heapArea.Range.ToVPN().End.Sub(atVpn), as.pt, as.Shootdown)
		return as.heapArea.Range.End
	case newBrk <= as.heapArea.Range.Start:
		return cur
	default: // newBrk == cur
		return cur
	}
}

// AllocAnonArea implements the anonymous-mmap helper (spec.md §4.4
// "alloc_anon_area"). shmID nil means purely anonymous; a value of 0
// creates a new shm object via registry; any other value attaches to an
// existing one.
func (as *AddressSpace) AllocAnonArea(hint mem.VirtAddr, length uint64, perm pagetable.MapPerm, flags defs.MmapFlags, registry *shm.Registry, shmID *uint64) (mem.VirtAddr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	rng, err := as.resolveRange(hint, length, flags)
	if err != nil {
		return 0, err
	}

	var kind vmarea.BackingKind
	var inode vfsiface.Inode
	if shmID != nil {
		kind = vmarea.BackingShm
		if *shmID == 0 {
			_, seg := registry.Create(length, as.alloc, as.backing)
			inode = seg
		} else {
			seg, ok := registry.Attach(*shmID)
			if !ok {
				return 0, defs.EINVAL
			}
			inode = seg
		}
	}

	area := vmarea.NewMmap(rng, perm, flags, kind, inode, 0, length)
	if !as.ranges.Insert(area) {
		defs.Bug("vmspace.AddressSpace.AllocAnonArea", "resolved range collides with an existing VMA")
	}
	return rng.Start, nil
}

// AllocMmapArea implements the file-backed mmap helper (spec.md §4.4
// "alloc_mmap_area"). No frames are installed; faults demand-load from
// inode's page cache.
func (as *AddressSpace) AllocMmapArea(hint mem.VirtAddr, length uint64, perm pagetable.MapPerm, flags defs.MmapFlags, inode vfsiface.Inode, offset uint64) (mem.VirtAddr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	rng, err := as.resolveRange(hint, length, flags)
	if err != nil {
		return 0, err
	}
	area := vmarea.NewMmap(rng, perm, flags, vmarea.BackingFile, inode, offset, length)
	if !as.ranges.Insert(area) {
		defs.Bug("vmspace.AddressSpace.AllocMmapArea", "resolved range collides with an existing VMA")
	}
	return rng.Start, nil
}

// UserShareBeg/UserShareEnd bound the region alloc_anon_area/alloc_mmap_area
// search for a free hole when the caller did not request FIXED (spec.md
// §4.4 step 2, "the anonymous-mmap region [USER_SHARE_BEG,
// USER_SHARE_END)"). Values are an arbitrary but roomy slice of the
// lower half of a Sv39/LoongArch64 user address space.
const (
	UserShareBeg = mem.VirtAddr(0x0000_1000_0000_0000)
	UserShareEnd = mem.VirtAddr(0x0000_2000_0000_0000)
)

func (as *AddressSpace) resolveRange(hint mem.VirtAddr, length uint64, flags defs.MmapFlags) (mem.VARange, error) {
	lenPages := mem.VirtAddr(length).Ceil()
	if flags.Has(defs.MmapFixed) {
		rng := mem.VARange{Start: hint.Floor().Addr(), End: hint.Floor().Addr() + mem.VirtAddr(uint64(lenPages)*mem.PageSize)}
		if !as.ranges.CheckFree(rng) {
			return mem.VARange{}, defs.EINVAL
		}
		return rng, nil
	}
	start, ok := as.FindFreeRange(mem.VARange{Start: UserShareBeg, End: UserShareEnd}, length)
	if !ok {
		return mem.VARange{}, defs.ENOMEM
	}
	return mem.VARange{Start: start, End: start + mem.VirtAddr(uint64(lenPages)*mem.PageSize)}, nil
}

// FromExisted clones a running address space for fork() (spec.md §4.4
// "from_existed"): each VMA attempts clone_cow except TrapContext, which
// is always deep-copied.
func FromExisted(parent *AddressSpace, format pagetable.Format, alloc *mem.Allocator, backing *mem.Backing, kernelTemplate *pagetable.PageTable, shoot ShootdownFunc) (*AddressSpace, error) {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	child := New(format, alloc, backing, kernelTemplate, shoot)
	child.heapBottom = parent.heapBottom

	for _, area := range parent.ranges.areas {
		var cloned *vmarea.Area
		if area.Type == defs.VmaTrapContext {
			cloned = area.DeepClone(alloc, backing)
		} else {
			cloned = area.CloneCow(parent.pt, parent.Shootdown)
		}
		if !child.ranges.Insert(cloned) {
			defs.Bug("vmspace.FromExisted", "cloned VMA collides in the new address space")
		}
		if err := cloned.Map(child.pt); err != nil {
			return nil, defs.ENOMEM
		}
		if area == parent.heapArea {
			child.heapArea = cloned
		}
	}
	return child, nil
}
