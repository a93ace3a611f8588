package mem

// Backing is the direct-map: the byte-addressable view of physical RAM
// that every layer above FA uses to read or write a page's contents
// once it knows the page's PPN, mirroring biscuit/src/mem/dmap.go's
// Dmap (a "direct mapped virtual address" for a physical page) without
// that file's bare-metal pointer arithmetic — here it is an ordinary Go
// byte slice indexed by page number, since this module runs as a
// regular process rather than with its own page tables underneath it.
type Backing struct {
	base PhysPageNum
	ram  []byte
}

// NewBacking allocates n pages of simulated RAM starting at base.
func NewBacking(base PhysPageNum, n uint64) *Backing {
	return &Backing{base: base, ram: make([]byte, n*PageSize)}
}

// Page returns the PageSize-byte slice backing ppn. Panics if ppn is
// outside the backed window, matching Dmap's "direct map not large
// enough" panic.
func (b *Backing) Page(ppn PhysPageNum) []byte {
	idx := int64(ppn) - int64(b.base)
	if idx < 0 || uint64(idx)*PageSize >= uint64(len(b.ram)) {
		panic("mem.Backing.Page: ppn outside backed window")
	}
	off := idx * PageSize
	return b.ram[off : off+PageSize]
}

// Zero clears a page's contents, used when the allocator hands out a
// fresh run that must read as zero-filled (spec.md §4.1 notes FA itself
// does not zero-fill; callers that need zeroed pages call this).
func (b *Backing) Zero(ppn PhysPageNum) {
	p := b.Page(ppn)
	for i := range p {
		p[i] = 0
	}
}
