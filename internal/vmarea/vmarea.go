// Package vmarea implements the VMA component (spec.md §4.3): a single
// contiguous virtual-memory-area's bookkeeping over a page table, with
// the clone/split/move operations fork() and mremap() drive.
package vmarea

import (
	"vmcore/internal/defs"
	"vmcore/internal/mem"
	"vmcore/internal/pagetable"
	"vmcore/internal/vfsiface"
)

// BackingKind tags what, if anything, an Area's pages come from on
// first fault (spec.md §3 "file ∈ {None, File(f), Shm(s)}").
type BackingKind int

const (
	BackingNone BackingKind = iota
	BackingFile
	BackingShm
)

// Area is the Go form of UserVmArea. frames holds only the pages
// actually resident; everything else is demand-faulted (spec.md §3
// invariant 1).
type Area struct {
	Range  mem.VARange
	Type   defs.VmaType
	Perm   pagetable.MapPerm
	Frames map[mem.VirtPageNum]*mem.FrameTracker

	BackingKind BackingKind
	Inode       vfsiface.Inode // nil iff BackingKind == BackingNone
	MmapFlags   defs.MmapFlags
	Offset      uint64 // valid iff BackingKind != BackingNone; page-aligned
	Len         uint64 // valid iff BackingKind != BackingNone
}

// New builds a VMA over an already page-aligned range. TrapContext is
// the one eager type: its frames are allocated and zeroed immediately
// (spec.md §3 invariant 5, §4.3 "Eager types ... pre-allocate during
// construction"); every other type starts with an empty frame map and
// is populated lazily by the fault engine.
func New(rng mem.VARange, vtype defs.VmaType, perm pagetable.MapPerm, alloc *mem.Allocator, backing *mem.Backing) *Area {
	a := &Area{
		Range:  rng,
		Type:   vtype,
		Perm:   perm,
		Frames: make(map[mem.VirtPageNum]*mem.FrameTracker),
	}
	if vtype == defs.VmaTrapContext {
		a.allocFrames(alloc, backing)
	}
	return a
}

// NewMmap builds an mmap-origin VMA (spec.md §4.3 "new_mmap"). No
// frames are installed; the fault engine demand-loads them.
func NewMmap(rng mem.VARange, perm pagetable.MapPerm, flags defs.MmapFlags, kind BackingKind, inode vfsiface.Inode, offset, length uint64) *Area {
	return &Area{
		Range:       rng,
		Type:        defs.VmaMmap,
		Perm:        perm,
		Frames:      make(map[mem.VirtPageNum]*mem.FrameTracker),
		BackingKind: kind,
		Inode:       inode,
		MmapFlags:   flags,
		Offset:      offset,
		Len:         length,
	}
}

// allocFrames eagerly backs every page of the range with a freshly
// zeroed frame, used by TrapContext construction.
func (a *Area) allocFrames(alloc *mem.Allocator, backing *mem.Backing) {
	vpns := a.Range.ToVPN()
	for vpn := vpns.Start; vpn < vpns.End; vpn++ {
		run, ok := alloc.Alloc(1)
		if !ok {
			panic("vmarea.Area: out of physical memory allocating eager frames")
		}
		backing.Zero(run.Start)
		a.Frames[vpn] = mem.NewFrameTracker(alloc, run)
	}
}

// Map installs PTEs for every frame already present in a.Frames
// (spec.md §4.3 "map"). For lazy types this is a no-op at construction
// time; the fault engine installs pages one at a time as they fault in.
func (a *Area) Map(pt *pagetable.PageTable) error {
	level := pt.Format().Levels() - 1
	for vpn, frame := range a.Frames {
		if _, err := pt.Map(vpn, frame.PPN(), a.Perm, level); err != nil {
			return err
		}
	}
	return nil
}

// Unmap tears down every installed PTE in the area, flushing the TLB
// for each page via shootdown, and releases the area's hold on every
// frame (spec.md §4.3 "unmap").
func (a *Area) Unmap(pt *pagetable.PageTable, shootdown func(mem.VirtPageNum)) {
	for vpn, frame := range a.Frames {
		pt.Unmap(vpn)
		if shootdown != nil {
			shootdown(vpn)
		}
		frame.Unref()
		delete(a.Frames, vpn)
	}
}

// SplitOff partitions the area at atVpn: a retains [start, atVpn), the
// returned area owns [atVpn, end) (spec.md §4.3 "split_off"). File
// backing, if any, is recomputed for the right half; frames that fall
// in the right half move across without touching their refcounts.
func (a *Area) SplitOff(atVpn mem.VirtPageNum) *Area {
	rightStart := atVpn.Addr()
	right := &Area{
		Range:       mem.VARange{Start: rightStart, End: a.Range.End},
		Type:        a.Type,
		Perm:        a.Perm,
		Frames:      make(map[mem.VirtPageNum]*mem.FrameTracker),
		BackingKind: a.BackingKind,
		Inode:       a.Inode,
		MmapFlags:   a.MmapFlags,
	}

	selfVpn := a.Range.ToVPN().Start
	advance := uint64(atVpn.Sub(selfVpn)) * mem.PageSize
	if a.BackingKind != BackingNone {
		right.Offset = a.Offset + advance
		if advance >= a.Len {
			right.Len = 0
		} else {
			right.Len = a.Len - advance
		}
		a.Len = advance
	}

	for vpn, frame := range a.Frames {
		if vpn >= atVpn {
			right.Frames[vpn] = frame
			delete(a.Frames, vpn)
		}
	}

	a.Range.End = rightStart
	return right
}

// CloneCow implements the four-way fork() dispatch of spec.md §4.3.
// TrapContext never takes this path (callers must route it to
// DeepClone instead, per the spec's explicit override).
func (a *Area) CloneCow(pt *pagetable.PageTable, shootdown func(mem.VirtPageNum)) *Area {
	if a.Type == defs.VmaTrapContext {
		panic("vmarea.Area.CloneCow: TrapContext must be deep-cloned, never COW'd")
	}

	child := &Area{
		Range:       a.Range,
		Type:        a.Type,
		Frames:      make(map[mem.VirtPageNum]*mem.FrameTracker),
		BackingKind: a.BackingKind,
		Inode:       a.Inode,
		MmapFlags:   a.MmapFlags,
		Offset:      a.Offset,
		Len:         a.Len,
	}

	switch {
	case a.MmapFlags.Has(defs.MmapShared):
		// 1. SHARED: no COW, frames and permissions pass through verbatim.
		child.Perm = a.Perm

	case a.Perm.Has(pagetable.PermW):
		// 2. Writable private: clear W, set C on both parent and child.
		newPerm := a.Perm.Without(pagetable.PermW).With(pagetable.PermC)
		a.rewritePerm(pt, newPerm, shootdown)
		a.Perm = newPerm
		child.Perm = newPerm

	case a.Perm.Has(pagetable.PermC):
		// 3. Already COW: share as-is, no perm rewrite needed.
		child.Perm = a.Perm

	default:
		// 4. Read-only: share verbatim.
		child.Perm = a.Perm
	}

	for vpn, frame := range a.Frames {
		child.Frames[vpn] = frame.Ref()
	}
	return child
}

// rewritePerm rewrites every installed leaf PTE of the area to perm,
// flushing the TLB per page (spec.md §4.3 case 2's "every leaf PTE for
// this VMA is rewritten ... TLB flushed per page").
func (a *Area) rewritePerm(pt *pagetable.PageTable, perm pagetable.MapPerm, shootdown func(mem.VirtPageNum)) {
	for vpn := range a.Frames {
		entry, ok := pt.FindPTE(vpn)
		if !ok {
			continue
		}
		entry.SetPerm(perm)
		if shootdown != nil {
			shootdown(vpn)
		}
	}
}

// SetPerm changes the area's declared permission and rewrites every
// already-installed PTE to match, preserving frame contents (spec.md
// §4.7 mprotect's "explicit rewrite" alternative, chosen over the
// drop-and-refault simplification the spec also allows: dropping
// resident anonymous frames would destroy content with no backing
// store to refault from, violating invariant 5).
func (a *Area) SetPerm(pt *pagetable.PageTable, perm pagetable.MapPerm, shootdown func(mem.VirtPageNum)) {
	a.Perm = perm
	a.rewritePerm(pt, perm, shootdown)
}

// ClearRange unmaps every PTE across a's full range directly against the
// page table, independent of a.Frames bookkeeping. Used by mremap just
// before MoveFramesTo relocates a's frames: unlike Unmap, it clears the
// source mapping's hardware entries while leaving a.Frames and the
// frames' refcounts intact for MoveFramesTo to carry across.
func (a *Area) ClearRange(pt *pagetable.PageTable, shootdown func(mem.VirtPageNum)) {
	vpns := a.Range.ToVPN()
	for vpn := vpns.Start; vpn < vpns.End; vpn++ {
		if _, ok := pt.Unmap(vpn); ok && shootdown != nil {
			shootdown(vpn)
		}
	}
}

// DeepClone allocates an entirely fresh set of frames and copies the
// parent's page contents byte for byte (spec.md §4.3 "Deep clone
// (non-COW path)"), used by from_existed for TrapContext, which is
// always deep-copied rather than COW-shared.
func (a *Area) DeepClone(alloc *mem.Allocator, backing *mem.Backing) *Area {
	child := &Area{
		Range:       a.Range,
		Type:        a.Type,
		Perm:        a.Perm,
		Frames:      make(map[mem.VirtPageNum]*mem.FrameTracker),
		BackingKind: a.BackingKind,
		Inode:       a.Inode,
		MmapFlags:   a.MmapFlags,
		Offset:      a.Offset,
		Len:         a.Len,
	}
	for vpn, frame := range a.Frames {
		run, ok := alloc.Alloc(1)
		if !ok {
			panic("vmarea.Area.DeepClone: out of physical memory")
		}
		copy(backing.Page(run.Start), backing.Page(frame.PPN()))
		child.Frames[vpn] = mem.NewFrameTracker(alloc, run)
	}
	return child
}

// MoveFramesTo reassigns every (vpn, frame) pair from a into dst,
// translating each VPN by the page offset between the two areas'
// starting pages (spec.md §4.3 "move_frames_to"), used by mremap when
// a mapping physically relocates.
func (a *Area) MoveFramesTo(dst *Area) {
	shift := dst.Range.ToVPN().Start.Sub(a.Range.ToVPN().Start)
	for vpn, frame := range a.Frames {
		dst.Frames[vpn.Add(shift)] = frame
		delete(a.Frames, vpn)
	}
}

// Extend grows the area by n pages without allocating frames (spec.md
// §4.3 "extend").
func (a *Area) Extend(n int64) {
	a.Range.End = mem.VirtAddr(uint64(a.Range.End) + uint64(n)*mem.PageSize)
}

// Shrink discards the trailing n pages of the area, unmapping and
// releasing whatever frames had been installed there (spec.md §4.3
// "shrink ... calls split_off to discard the tail").
func (a *Area) Shrink(n int64, pt *pagetable.PageTable, shootdown func(mem.VirtPageNum)) {
	vpns := a.Range.ToVPN()
	atVpn := mem.VirtPageNum(int64(vpns.End) - n)
	tail := a.SplitOff(atVpn)
	tail.Unmap(pt, shootdown)
}
