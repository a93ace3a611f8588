package mem

import "sync/atomic"

// FrameTracker owns a physical page run and is the unique path by which
// that run returns to its allocator. RC<FrameTracker> from spec.md §3 is
// folded directly into this type (refcount plus payload) rather than a
// separate generic wrapper: Go has no Drop, so the reference count has
// to live on the object itself for Unref to know when to call Dealloc.
type FrameTracker struct {
	Range PPNRange

	alloc    *Allocator
	refcount int32 // atomic; observable via Owners for COW decisions
	static   bool  // true only for the global zero frame; Unref is then a no-op
}

// NewFrameTracker wraps a freshly allocated run with an initial owner.
// It is the only way to construct a *FrameTracker over allocator-owned
// memory (spec.md §4.1: "created exclusively from a successful
// allocation"); NewStaticFrame below covers the drop-free zero frame.
func NewFrameTracker(alloc *Allocator, r PPNRange) *FrameTracker {
	return &FrameTracker{Range: r, alloc: alloc, refcount: 1}
}

// Owners reports the current number of references sharing this frame.
// COW resolution reads this to distinguish "sole owner, upgrade in
// place" from "shared, must copy" (spec.md §4.5).
func (f *FrameTracker) Owners() int32 { return atomic.LoadInt32(&f.refcount) }

// Ref adds a reference and returns f, for call-site chaining at the
// point a frame becomes shared (fork, shared mmap, page-cache insert).
func (f *FrameTracker) Ref() *FrameTracker {
	if atomic.AddInt32(&f.refcount, 1) <= 1 {
		panic("mem.FrameTracker.Ref: resurrecting a freed frame")
	}
	return f
}

// Unref drops a reference, returning the run to the allocator once the
// last owner releases it. The design note in spec.md §9 treats the
// global zero page as a 'static frame with no drop, not an RC at all' to
// sidestep the refcount-never-checked hazard the source has; `static`
// implements exactly that escape hatch.
func (f *FrameTracker) Unref() {
	if f.static {
		return
	}
	if atomic.AddInt32(&f.refcount, -1) == 0 {
		f.alloc.Dealloc(f.Range)
	}
}

// PPN returns the base page number of a single-page tracker; used
// pervasively since most trackers in this design own exactly one page
// (PT interior pages, VMA frames). Panics if the tracker spans more
// than one page, catching accidental misuse.
func (f *FrameTracker) PPN() PhysPageNum {
	if f.Range.Len() != 1 {
		panic("mem.FrameTracker.PPN: tracker does not own exactly one page")
	}
	return f.Range.Start
}

// NewStaticFrame builds a frame tracker over memory the allocator does
// not own and that Unref must never free — used for the global
// read-only zero page (spec.md §5 "Global zero-page frame ... wrapped
// in an RC with a baked-in count greater than all possible uses so it
// is never dropped"). We model that literally as a static, drop-free
// frame rather than an artificially huge refcount.
func NewStaticFrame(ppn PhysPageNum) *FrameTracker {
	return &FrameTracker{Range: PPNRange{Start: ppn, End: ppn.Add(1)}, refcount: 1, static: true}
}
