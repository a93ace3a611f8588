// Package pagecache supplements spec.md's abstract "VFS page cache"
// collaborator with a minimal concrete implementation (SPEC_FULL.md
// §4.10): an in-memory Inode backed by mem.FrameTracker pages, used by
// this module's own tests and by KernVmSpace.Mmap's "kernel-internal
// convenience" mapping. A production boot substitutes the real VFS's
// inode; the vfsiface.Inode contract is what actually matters.
package pagecache

import (
	"sync"

	"vmcore/internal/mem"
	"vmcore/internal/vfsiface"
)

// Cache is a page-aligned, offset-indexed cache of file content. Pages
// are allocated and filled lazily on first ReadPageAt, mirroring the
// real page cache's read-through behavior.
type Cache struct {
	mu      sync.Mutex
	alloc   *mem.Allocator
	backing *mem.Backing
	size    uint64
	source  []byte // the file's canonical content this cache reads through from
	pages   map[uint64]*page
}

type page struct {
	tracker *mem.FrameTracker
	backing *mem.Backing
	dirty   bool
}

func (p *page) PPN() mem.PhysPageNum      { return p.tracker.PPN() }
func (p *page) Frame() *mem.FrameTracker  { return p.tracker }
func (p *page) Slice() []byte             { return p.backing.Page(p.tracker.PPN()) }
func (p *page) SetDirty()                 { p.dirty = true }

var _ vfsiface.Page = (*page)(nil)

// New creates a cache over content, sized exactly len(content) bytes.
func New(alloc *mem.Allocator, backing *mem.Backing, content []byte) *Cache {
	c := &Cache{
		alloc:   alloc,
		backing: backing,
		size:    uint64(len(content)),
		source:  content,
		pages:   make(map[uint64]*page),
	}
	return c
}

func (c *Cache) Size() uint64 { return c.size }

// ReadPageAt returns the cache page covering offset (which must be
// page-aligned, per spec.md §6), allocating and filling it from source
// on first access.
func (c *Cache) ReadPageAt(offset uint64) (vfsiface.Page, bool) {
	if offset%mem.PageSize != 0 {
		panic("pagecache.Cache.ReadPageAt: offset not page-aligned")
	}
	if offset >= c.size {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pages[offset]; ok {
		return p, true
	}

	run, ok := c.alloc.Alloc(1)
	if !ok {
		return nil, false
	}
	c.backing.Zero(run.Start)
	dst := c.backing.Page(run.Start)
	end := offset + mem.PageSize
	if end > c.size {
		end = c.size
	}
	copy(dst, c.source[offset:end])

	p := &page{tracker: mem.NewFrameTracker(c.alloc, run), backing: c.backing}
	c.pages[offset] = p
	return p, true
}

// Flush writes every dirty page back into source, modeling writeback
// (used by the shared-file-mmap test scenario in spec.md §8).
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for off, p := range c.pages {
		if !p.dirty {
			continue
		}
		end := off + mem.PageSize
		if end > c.size {
			end = c.size
		}
		copy(c.source[off:end], p.Slice()[:end-off])
		p.dirty = false
	}
}

var _ vfsiface.Inode = (*Cache)(nil)
