// Package kernvm is KernVmSpace (spec.md §4.8): the kernel's own page
// table plus a range map of the VMAs that back it — the kernel image's
// segments, the direct-mapped physical-memory window, MMIO device
// regions, per-hart kernel stacks, the signal-return trampoline, and a
// pool of kernel-internal read-only file mappings. Every user address
// space's page table starts life as a clone of this one's kernel half
// (vmspace.New's kernelTemplate parameter is a *Space's PageTable()).
package kernvm

import (
	"vmcore/internal/defs"
	"vmcore/internal/mem"
	"vmcore/internal/pagetable"
	"vmcore/internal/vfsiface"
)

// AreaType tags one kernel VMA's role (spec.md §4.8's KernVmArea list).
type AreaType int

const (
	AreaData AreaType = iota
	AreaPhysMem
	AreaMemMappedReg
	AreaKernelStack
	AreaSigretTrampoline
	AreaMmap
)

func (t AreaType) String() string {
	switch t {
	case AreaData:
		return "data"
	case AreaPhysMem:
		return "physmem"
	case AreaMemMappedReg:
		return "mmio"
	case AreaKernelStack:
		return "kernel-stack"
	case AreaSigretTrampoline:
		return "sigret-trampoline"
	case AreaMmap:
		return "mmap"
	default:
		return "unknown"
	}
}

// Area is one kernel VMA. Frames holds the per-page frames this area
// owns outright (Data, KernelStack, SigretTrampoline — eagerly
// allocated, never demand-faulted); PhysBase is valid only for
// PhysMem/MemMappedReg, whose PTEs alias physical memory the kernel
// already owns unconditionally rather than owning a tracked frame of
// their own; Inode/Offset/Len are valid only for Mmap, resolved lazily
// through HandleFault.
type Area struct {
	Range mem.VARange
	Type  AreaType
	Perm  pagetable.MapPerm

	Frames   map[mem.VirtPageNum]*mem.FrameTracker
	PhysBase mem.PhysAddr

	Inode  vfsiface.Inode
	Offset uint64
	Len    uint64
}

// MMIORegion is one device-tree-discovered MMIO window (spec.md §6).
type MMIORegion struct {
	Base mem.PhysAddr
	Len  uint64
}

// Space is KernVmSpace. Boot code builds one by calling the push
// methods below in sequence; everything after that is read-only except
// Mmap/HandleFault, the one runtime-growing piece.
type Space struct {
	pt     *pagetable.PageTable
	ranges *rangeMap
	alloc  *mem.Allocator

	backing *mem.Backing
}

// New allocates an empty kernel page table and range map.
func New(format pagetable.Format, alloc *mem.Allocator, backing *mem.Backing) *Space {
	return &Space{
		pt:      pagetable.New(format, alloc, backing),
		ranges:  newRangeMap(),
		alloc:   alloc,
		backing: backing,
	}
}

// PageTable exposes the kernel's root page table, e.g. as
// vmspace.New's kernelTemplate argument.
func (s *Space) PageTable() *pagetable.PageTable { return s.pt }

func (s *Space) leafLevel() int { return s.pt.Format().Levels() - 1 }

// insertAndMap pushes a into the range map and installs every frame it
// already owns — the kernel-VMA analogue of vmarea.Area.Map.
func (s *Space) insertAndMap(a *Area) error {
	if !s.ranges.Insert(a) {
		defs.Bug("kernvm.Space", "overlapping kernel VMA insertion")
	}
	for vpn, frame := range a.Frames {
		if _, err := s.pt.Map(vpn, frame.PPN(), a.Perm, s.leafLevel()); err != nil {
			return err
		}
	}
	return nil
}

// allocEager allocates and zero-fills one frame per page of rng,
// copying data's content page by page (nil data leaves the range
// zeroed) and returns the populated Frames map.
func (s *Space) allocEager(rng mem.VARange, data []byte) (map[mem.VirtPageNum]*mem.FrameTracker, error) {
	vpns := rng.ToVPN()
	frames := make(map[mem.VirtPageNum]*mem.FrameTracker, vpns.Len())
	off := 0
	for vpn := vpns.Start; vpn < vpns.End; vpn++ {
		run, ok := s.alloc.Alloc(1)
		if !ok {
			return nil, defs.ENOMEM
		}
		s.backing.Zero(run.Start)
		if data != nil && off < len(data) {
			off += copy(s.backing.Page(run.Start), data[off:])
		}
		frames[vpn] = mem.NewFrameTracker(s.alloc, run)
	}
	return frames, nil
}

// PushData maps one kernel ELF segment: eager frames zero-filled then
// overwritten with data's content (spec.md §4.8 "VMAs for each ELF
// segment of the kernel image").
func (s *Space) PushData(rng mem.VARange, perm pagetable.MapPerm, data []byte) error {
	frames, err := s.allocEager(rng, data)
	if err != nil {
		return err
	}
	return s.insertAndMap(&Area{Range: rng, Type: AreaData, Perm: perm, Frames: frames})
}

// PushKernelStack allocates one hart's or task's kernel stack: eager,
// zero-filled, read-write, never user-accessible.
func (s *Space) PushKernelStack(rng mem.VARange) error {
	frames, err := s.allocEager(rng, nil)
	if err != nil {
		return err
	}
	perm := pagetable.PermR.With(pagetable.PermW)
	return s.insertAndMap(&Area{Range: rng, Type: AreaKernelStack, Perm: perm, Frames: frames})
}

// PushSigretTrampoline installs the single-page signal-return
// trampoline at va, user-executable and read-only (spec.md §4.8).
func (s *Space) PushSigretTrampoline(va mem.VirtAddr, code []byte) error {
	rng := mem.VARange{Start: va, End: va + mem.PageSize}
	frames, err := s.allocEager(rng, code)
	if err != nil {
		return err
	}
	perm := pagetable.PermR.With(pagetable.PermX).With(pagetable.PermU)
	return s.insertAndMap(&Area{Range: rng, Type: AreaSigretTrampoline, Perm: perm, Frames: frames})
}

// MapTrampolineInto installs the already-pushed trampoline page into
// another page table at the same fixed virtual address (spec.md §4.8:
// the trampoline is reachable from every user address space, not only
// the kernel's own). Panics if no trampoline has been pushed yet, a
// boot-ordering bug rather than a runtime condition.
func (s *Space) MapTrampolineInto(pt *pagetable.PageTable) error {
	for _, a := range s.ranges.areas {
		if a.Type != AreaSigretTrampoline {
			continue
		}
		vpn := a.Range.Start.Floor()
		frame := a.Frames[vpn]
		_, err := pt.Map(vpn, frame.PPN(), a.Perm, pt.Format().Levels()-1)
		return err
	}
	panic("kernvm.Space.MapTrampolineInto: no trampoline pushed yet")
}

// installDirectMap walks a.Range installing vpn -> PhysBase+offset for
// every page, with no frame allocated or owned: these PTEs alias
// physical memory the kernel already owns for its entire lifetime.
func (s *Space) installDirectMap(a *Area) error {
	vpns := a.Range.ToVPN()
	basePPN := a.PhysBase.Floor()
	for vpn := vpns.Start; vpn < vpns.End; vpn++ {
		ppn := basePPN.Add(vpn.Sub(vpns.Start))
		if _, err := s.pt.Map(vpn, ppn, a.Perm, s.leafLevel()); err != nil {
			return err
		}
	}
	return nil
}

// PushPhysMem installs the contiguous physical-memory direct map
// (spec.md §4.8): rng.Start maps to physBase and every following page
// maps to the next physical page in sequence.
func (s *Space) PushPhysMem(rng mem.VARange, physBase mem.PhysAddr, perm pagetable.MapPerm) error {
	a := &Area{Range: rng, Type: AreaPhysMem, Perm: perm, PhysBase: physBase}
	if !s.ranges.Insert(a) {
		defs.Bug("kernvm.Space.PushPhysMem", "overlapping kernel VMA insertion")
	}
	return s.installDirectMap(a)
}

// PushMMIO maps one device-tree MMIO region at va with the
// cache-disable attribute applied to every installed leaf (spec.md
// §4.8: "MMIO ranges ... with R|W permission and the cache-disable
// attribute applied by the PT layer").
func (s *Space) PushMMIO(region MMIORegion, va mem.VirtAddr) error {
	rng := mem.VARange{Start: va, End: va + mem.VirtAddr(region.Len)}
	perm := pagetable.PermR.With(pagetable.PermW)
	a := &Area{Range: rng, Type: AreaMemMappedReg, Perm: perm, PhysBase: region.Base}
	if !s.ranges.Insert(a) {
		defs.Bug("kernvm.Space.PushMMIO", "overlapping kernel VMA insertion")
	}
	if err := s.installDirectMap(a); err != nil {
		return err
	}
	vpns := rng.ToVPN()
	for vpn := vpns.Start; vpn < vpns.End; vpn++ {
		entry, ok := s.pt.FindPTE(vpn)
		if !ok {
			defs.Bug("kernvm.Space.PushMMIO", "just-installed MMIO leaf missing on readback")
		}
		entry.SetCacheDisable(true)
	}
	return nil
}

// Mmap is the kernel-internal convenience of spec.md §4.8: reserves a
// range for inode, read-only, resolved lazily by HandleFault.
func (s *Space) Mmap(search mem.VARange, inode vfsiface.Inode, length uint64) (mem.VirtAddr, error) {
	pages := int64(mem.VirtAddr(length).Ceil())
	start, ok := s.ranges.FindFreeRange(search, pages)
	if !ok {
		return 0, defs.ENOMEM
	}
	rng := mem.VARange{Start: start, End: start + mem.VirtAddr(uint64(pages)*mem.PageSize)}
	a := &Area{Range: rng, Type: AreaMmap, Perm: pagetable.PermR, Inode: inode, Len: length}
	if !s.ranges.Insert(a) {
		defs.Bug("kernvm.Space.Mmap", "overlapping kernel VMA insertion")
	}
	return start, nil
}

// HandleFault resolves a fault on a kernel Mmap area: the
// private-read-only-file case of spec.md §4.5's dispatch, the only one
// a kernel mapping ever needs.
func (s *Space) HandleFault(va mem.VirtAddr) error {
	vpn := va.Floor()
	a, ok := s.ranges.Get(vpn)
	if !ok || a.Type != AreaMmap {
		return defs.EFAULT
	}
	if _, ok := s.pt.FindPTE(vpn); ok {
		return nil
	}

	pageOffset := uint64(vpn.Sub(a.Range.Start.Floor())) * mem.PageSize
	page, ok := a.Inode.ReadPageAt(pageOffset)
	if !ok {
		return defs.EFAULT
	}
	_, err := s.pt.Map(vpn, page.PPN(), a.Perm, s.leafLevel())
	return err
}
