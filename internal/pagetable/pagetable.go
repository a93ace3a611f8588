package pagetable

import (
	"sync"

	"vmcore/internal/mem"
)

const entriesPerPage = mem.PageSize / 8 // 512 eight-byte words per level

// EntriesPerLevel exposes entriesPerPage so callers that need to know
// where a root page's upper half begins (vmspace.New, cloning the
// kernel/user split on a KernelSplit() architecture) don't have to
// hardcode 512.
const EntriesPerLevel = entriesPerPage

// PageTable owns a root physical frame plus the interior (non-leaf)
// frames the walk has allocated so far, and the architecture Format
// that gives those frames meaning (spec.md §3 PageTable, §4.2).
type PageTable struct {
	mu sync.Mutex

	format  Format
	alloc   *mem.Allocator
	backing *mem.Backing

	root     *mem.FrameTracker
	interior []*mem.FrameTracker // kept alive only; reclaimed when pt itself is dropped
}

// New allocates a zeroed root frame and returns an empty page table
// (spec.md §4.2 "new() — allocates a zeroed root frame").
func New(format Format, alloc *mem.Allocator, backing *mem.Backing) *PageTable {
	r, ok := alloc.Alloc(1)
	if !ok {
		panic("pagetable.New: out of physical memory for root frame")
	}
	backing.Zero(r.Start)
	return &PageTable{
		format:  format,
		alloc:   alloc,
		backing: backing,
		root:    mem.NewFrameTracker(alloc, r),
	}
}

// RootPPN exposes the root frame's page number, e.g. for KernVmSpace to
// copy top-half entries into a freshly created user root.
func (pt *PageTable) RootPPN() mem.PhysPageNum { return pt.root.PPN() }

// CopyRootEntries copies root-page-table word indices [from, to) from
// src's root page into pt's root page. Used once, at construction, to
// implement the RISC-V "kernel pre-allocates top-half interior frames
// and shares them by copying root entries" split (spec.md §4.2); callers
// on the architecture where KernelSplit() is false never call this.
func (pt *PageTable) CopyRootEntries(src *PageTable, from, to int) {
	srcPage := src.backing.Page(src.RootPPN())
	dstPage := pt.backing.Page(pt.RootPPN())
	copy(dstPage[from*8:to*8], srcPage[from*8:to*8])
}

// wordSlot returns the live 8-byte slice for index idx of the
// page-table page rooted at ppn.
func (pt *PageTable) wordSlot(ppn mem.PhysPageNum, idx uint64) []byte {
	page := pt.backing.Page(ppn)
	off := int(idx) * 8
	return page[off : off+8]
}

// walk descends from the root toward vpn, allocating interior pages
// along the way when alloc is true (spec.md §4.2 "walk allocating
// interior frames for missing levels, zero-filling each newly
// allocated interior page"). It stops either at the deepest level or at
// the first entry that is either invalid (walk can go no further
// without allocating) or a leaf (walk is already resolved). The
// returned level is the level the returned entry lives at.
func (pt *PageTable) walk(vpn mem.VirtPageNum, alloc bool) (Entry, bool) {
	ppn := pt.root.PPN()
	levels := pt.format.Levels()
	for level := 0; level < levels; level++ {
		idx := pt.format.Index(vpn, level)
		slot := pt.wordSlot(ppn, idx)
		entry := newEntry(slot, pt.format, level)

		last := level == levels-1
		if last {
			return entry, true
		}
		if entry.IsLeaf() {
			// a huge-page leaf short-circuits the walk early; the
			// current mapper never installs one (spec.md §1 Non-goals)
			// but find_pte must still report it correctly.
			return entry, true
		}
		if !entry.IsValid() {
			if !alloc {
				return Entry{}, false
			}
			child, ok := pt.alloc.Alloc(1)
			if !ok {
				return Entry{}, false
			}
			pt.backing.Zero(child.Start)
			tracker := mem.NewFrameTracker(pt.alloc, child)
			pt.interior = append(pt.interior, tracker)
			entry.SetPPN(child.Start)
			entry.SetValid(true)
		}
		ppn = entry.PPN()
	}
	// unreachable: levels > 0 always returns inside the loop at `last`.
	return Entry{}, false
}

// Map installs vpn -> ppn with perm, creating interior pages as needed.
// level must be the lowest (4 KiB) level; this is the only level the
// mapper currently installs at (spec.md §4.2 "requires level be the
// lowest level in the current implementation").
func (pt *PageTable) Map(vpn mem.VirtPageNum, ppn mem.PhysPageNum, perm MapPerm, level int) (Entry, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if level != pt.format.Levels()-1 {
		panic("pagetable.Map: only the lowest level is supported by this mapper")
	}
	entry, ok := pt.walk(vpn, true)
	if !ok {
		return Entry{}, errOOM
	}
	if entry.IsValid() {
		// The VMA layer is supposed to know whether a page is already
		// mapped before calling Map; finding one here is the "map
		// collision" internal bug spec.md §7 names.
		panic("pagetable.Map: target leaf already mapped")
	}
	entry.setRaw(pt.format.Encode(ppn, perm, true))
	return entry, nil
}

// Unmap zeroes the leaf for vpn and returns the entry's prior value by
// copy (spec.md §4.2 "zeros the leaf; returns prior entry by value").
func (pt *PageTable) Unmap(vpn mem.VirtPageNum) (Entry, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	entry, ok := pt.walk(vpn, false)
	if !ok || !entry.IsValid() {
		return Entry{}, false
	}
	prior := entry.Raw()
	entry.Clear()
	return newEntry(copySlot(prior), pt.format, entry.level), true
}

// copySlot snapshots a raw word into a detached byte slice so the
// "prior entry returned by value" really is a value, independent of the
// (now-cleared) live slot.
func copySlot(raw uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(raw >> (8 * i))
	}
	return b
}

// FindPTE returns the deepest valid entry found while walking toward
// vpn, without allocating (spec.md §4.2 "returns the deepest valid
// entry found"). ok is false when the walk reaches no valid entry,
// including a leaf slot whose mapping has been removed.
func (pt *PageTable) FindPTE(vpn mem.VirtPageNum) (Entry, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.walk(vpn, false)
	if !ok || !e.IsValid() {
		return Entry{}, false
	}
	return e, true
}

// TranslateVPN resolves vpn to the physical page it maps to, if any.
func (pt *PageTable) TranslateVPN(vpn mem.VirtPageNum) (mem.PhysPageNum, bool) {
	e, ok := pt.FindPTE(vpn)
	if !ok || !e.IsValid() {
		return 0, false
	}
	return e.PPN(), true
}

// TranslateVA resolves a full virtual address, preserving the in-page
// offset.
func (pt *PageTable) TranslateVA(va mem.VirtAddr) (mem.PhysAddr, bool) {
	ppn, ok := pt.TranslateVPN(va.Floor())
	if !ok {
		return 0, false
	}
	return mem.PhysAddr(ppn.Addr()) + mem.PhysAddr(va.PageOffset()), true
}

// Token returns the opaque hardware-installable handle for this table's
// root (spec.md §4.2 "token()").
func (pt *PageTable) Token() Token {
	return pt.format.MakeToken(pt.root.PPN())
}

// EnableLow installs this table as the active (user-half) root and
// asks installer to perform the hardware switch plus full TLB flush
// (spec.md §4.2 "installs the table into the hardware root register").
func (pt *PageTable) EnableLow(installer Installer) {
	installer.InstallLow(pt.Token())
}

// EnableHigh installs this table as the active kernel-half root; only
// meaningful on an architecture where KernelSplit() is false (separate
// hardware root registers for kernel/user, e.g. LoongArch64's PGDH).
func (pt *PageTable) EnableHigh(installer Installer) {
	installer.InstallHigh(pt.Token())
}

// Format exposes the architecture plugin, e.g. so VM code can branch on
// KernelSplit() when cloning the kernel template into a new address
// space.
func (pt *PageTable) Format() Format { return pt.format }

var errOOM = &pageTableError{"out of physical memory while mapping"}

type pageTableError struct{ msg string }

func (e *pageTableError) Error() string { return e.msg }
