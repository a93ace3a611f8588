// Package shm supplements spec.md's "shm object" reference (§4.4
// alloc_anon_area's shm_id, §4.5's map_shared_memory) with a concrete
// process-wide registry of shared segments, grounded on
// original_source/os/src/mm/vm/vm_area.rs's shm handling (SPEC_FULL.md
// §4.9). A Segment presents the same read_page_at contract a VFS inode
// does, so the fault engine's shared-memory path and its shared-file
// path share one code path.
package shm

import (
	"sync"

	"vmcore/internal/mem"
	"vmcore/internal/vfsiface"
)

// Registry hands out and tracks shared-memory segments by integer id,
// the "process-wide table of shared segments" SPEC_FULL.md §4.9 calls
// for.
type Registry struct {
	mu       sync.Mutex
	nextID   uint64
	segments map[uint64]*Segment
}

// NewRegistry returns an empty registry. id 0 is reserved by spec.md
// §4.4's convention (shm_id == Some(0) means "create new"); the
// registry itself starts handing out ids at 1.
func NewRegistry() *Registry {
	return &Registry{nextID: 1, segments: make(map[uint64]*Segment)}
}

// Create allocates a fresh segment of length bytes (rounded up to whole
// pages) and registers it under a new id.
func (r *Registry) Create(length uint64, alloc *mem.Allocator, backing *mem.Backing) (uint64, *Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	pages := mem.VirtAddr(length).Ceil()
	seg := &Segment{
		id:      id,
		alloc:   alloc,
		backing: backing,
		size:    uint64(pages) * mem.PageSize,
		pages:   make(map[uint64]*segPage),
	}
	r.segments[id] = seg
	return id, seg
}

// Attach looks up an existing segment by id.
func (r *Registry) Attach(id uint64) (*Segment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seg, ok := r.segments[id]
	return seg, ok
}

// Drop removes a segment from the registry. Frames already shared into
// VMAs stay alive via their own reference counts; this only stops new
// Attach calls from finding the segment.
func (r *Registry) Drop(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.segments, id)
}

// Segment is one shared-memory object: a page-indexed, lazily
// zero-filled store, the same frame returned to every attacher who
// faults the same offset.
type Segment struct {
	mu      sync.Mutex
	id      uint64
	alloc   *mem.Allocator
	backing *mem.Backing
	size    uint64
	pages   map[uint64]*segPage
}

type segPage struct {
	tracker *mem.FrameTracker
	backing *mem.Backing
	dirty   bool
}

func (p *segPage) PPN() mem.PhysPageNum     { return p.tracker.PPN() }
func (p *segPage) Frame() *mem.FrameTracker { return p.tracker }
func (p *segPage) Slice() []byte            { return p.backing.Page(p.tracker.PPN()) }
func (p *segPage) SetDirty()                { p.dirty = true }

var _ vfsiface.Page = (*segPage)(nil)

func (s *Segment) ID() uint64   { return s.id }
func (s *Segment) Size() uint64 { return s.size }

// ReadPageAt returns the page at offset, allocating and zero-filling it
// on first touch by any attacher; subsequent attachers of the same
// offset see the same frame.
func (s *Segment) ReadPageAt(offset uint64) (vfsiface.Page, bool) {
	if offset%mem.PageSize != 0 {
		panic("shm.Segment.ReadPageAt: offset not page-aligned")
	}
	if offset >= s.size {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pages[offset]; ok {
		return p, true
	}
	run, ok := s.alloc.Alloc(1)
	if !ok {
		return nil, false
	}
	s.backing.Zero(run.Start)
	p := &segPage{tracker: mem.NewFrameTracker(s.alloc, run), backing: s.backing}
	s.pages[offset] = p
	return p, true
}

var _ vfsiface.Inode = (*Segment)(nil)
