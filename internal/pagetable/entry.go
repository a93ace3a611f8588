package pagetable

import (
	"encoding/binary"

	"vmcore/internal/mem"
)

// Entry is a live view onto one 8-byte word of page-table memory: the
// generic accessor contract spec.md §3 lists against PageTableEntry
// (new/ppn/set_ppn/perm/set_perm/is_valid/set_valid/is_dirty/set_dirty/
// is_cow/set_cow/is_leaf). slot is a sub-slice of the owning PageTable's
// Backing page, so every read/write here goes straight through to the
// live page table — there is no separate write-back step, matching the
// source's "&mut PageTableEntry" return from find_pte.
type Entry struct {
	slot   []byte // exactly 8 bytes, aliasing backing memory
	format Format
	level  int
}

func newEntry(slot []byte, format Format, level int) Entry {
	return Entry{slot: slot, format: format, level: level}
}

func (e Entry) Raw() uint64 { return binary.LittleEndian.Uint64(e.slot) }

func (e Entry) setRaw(v uint64) { binary.LittleEndian.PutUint64(e.slot, v) }

func (e Entry) PPN() mem.PhysPageNum   { return e.format.PPNOf(e.Raw()) }
func (e Entry) SetPPN(ppn mem.PhysPageNum) { e.setRaw(e.format.WithPPN(e.Raw(), ppn)) }

func (e Entry) Perm() MapPerm     { return e.format.PermOf(e.Raw()) }
func (e Entry) SetPerm(p MapPerm) { e.setRaw(e.format.WithPerm(e.Raw(), p)) }

func (e Entry) IsValid() bool   { return e.format.IsValid(e.Raw()) }
func (e Entry) SetValid(v bool) { e.setRaw(e.format.WithValid(e.Raw(), v)) }

func (e Entry) IsDirty() bool   { return e.format.IsDirty(e.Raw()) }
func (e Entry) SetDirty(v bool) { e.setRaw(e.format.WithDirty(e.Raw(), v)) }

func (e Entry) IsCow() bool   { return e.format.IsCow(e.Raw()) }
func (e Entry) SetCow(v bool) { e.setRaw(e.format.WithCow(e.Raw(), v)) }

// IsCacheDisable and SetCacheDisable expose the architecture's MMIO
// no-cache encoding (spec.md §6, §4.8), set on KernVmArea MemMappedReg
// leaves once installed.
func (e Entry) IsCacheDisable() bool   { return e.format.CacheDisable(e.Raw()) }
func (e Entry) SetCacheDisable(v bool) { e.setRaw(e.format.WithCacheDisable(e.Raw(), v)) }

// IsLeaf reports whether this entry terminates the walk. The level is
// captured at lookup time since LoongArch64's leaf test depends on walk
// depth rather than bits (spec.md §4.2).
func (e Entry) IsLeaf() bool { return e.format.IsLeaf(e.Raw(), e.level) }

// Level reports the page-table level this entry was found at.
func (e Entry) Level() int { return e.level }

// Clear zeroes the entry in place (used by Unmap).
func (e Entry) Clear() { e.setRaw(0) }
