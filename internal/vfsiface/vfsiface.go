// Package vfsiface is the thin boundary this module shares with its
// external collaborator, the VFS (spec.md §6 "out of scope ... provides
// File and Inode that can produce cached Page objects"). Nothing here
// is implemented by this module except the in-memory stand-ins under
// internal/pagecache used by its own tests; production boot wires a
// real VFS's types against these interfaces instead.
package vfsiface

import "vmcore/internal/mem"

// Page is a page cache entry. The returned frame is owned by the page
// cache and shared into a VMA by reference count (spec.md §6).
type Page interface {
	PPN() mem.PhysPageNum
	Frame() *mem.FrameTracker
	Slice() []byte
	SetDirty()
}

// Inode is the read side of a VFS inode the fault engine demand-loads
// pages from. Offsets are always page-aligned (spec.md §6).
type Inode interface {
	ReadPageAt(offset uint64) (Page, bool)
	Size() uint64
}

// File is a VFS file handle; its inode is what actually produces pages.
type File interface {
	Inode() Inode
}
