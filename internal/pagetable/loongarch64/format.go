// Package loongarch64 implements the pagetable.Format for LoongArch64's
// 4-level page table: V/D/PLV/MAT/GH/P/W/C status bits plus inverted
// NR/NX permission bits, PPN in bits [47:12]. Leaves exist only at the
// deepest level — unlike Sv39, permission bits never distinguish a leaf
// from an interior pointer (spec.md §4.2). Bit layout is grounded on
// original_source/hal/src/component/pagetable/loongarch64.rs's
// PTEFlags and PageTableEntryHal impl.
package loongarch64

import (
	"vmcore/internal/mem"
	"vmcore/internal/pagetable"
)

const (
	bitV    = 1 << 0
	bitD    = 1 << 1
	bitPLVL = 1 << 2
	bitPLVH = 1 << 3
	bitMATL = 1 << 4
	bitMATH = 1 << 5
	bitGH   = 1 << 6
	bitP    = 1 << 7
	bitW    = 1 << 8
	bitC    = 1 << 9
	bitNR   = uint64(1) << 61
	bitNX   = uint64(1) << 62

	ppnShift = 12
	ppnMask  = uint64(0x0000_FFFF_FFFF_F000)
)

type format struct{}

// Format returns the LoongArch64 4-level architecture plugin.
func Format() pagetable.Format { return format{} }

func (format) Name() string { return "loongarch64" }
func (format) Levels() int  { return 4 }

func (format) Index(vpn mem.VirtPageNum, level int) uint64 {
	shift := uint(9 * (3 - level))
	return (uint64(vpn) >> shift) & 0x1ff
}

func (format) Encode(ppn mem.PhysPageNum, perm pagetable.MapPerm, valid bool) uint64 {
	raw := uint64(ppn) << ppnShift
	raw |= permBits(perm)
	raw |= bitMATL // MAT=0b01: coherent cached
	if valid {
		raw |= bitV | bitP
	}
	return raw
}

func permBits(p pagetable.MapPerm) uint64 {
	var raw uint64
	if p.Has(pagetable.PermU) {
		raw |= bitPLVL | bitPLVH
	}
	if !p.Has(pagetable.PermR) {
		raw |= bitNR
	}
	if p.Has(pagetable.PermW) {
		raw |= bitW
	}
	if !p.Has(pagetable.PermX) {
		raw |= bitNX
	}
	if p.Has(pagetable.PermC) {
		raw |= bitC
	}
	return raw
}

func (format) PPNOf(raw uint64) mem.PhysPageNum { return mem.PhysPageNum((raw & ppnMask) >> ppnShift) }

func (format) WithPPN(raw uint64, ppn mem.PhysPageNum) uint64 {
	return (raw &^ ppnMask) | (uint64(ppn) << ppnShift)
}

func (format) PermOf(raw uint64) pagetable.MapPerm {
	var p pagetable.MapPerm
	if raw&bitPLVL != 0 && raw&bitPLVH != 0 {
		p = p.With(pagetable.PermU)
	}
	if raw&bitNR == 0 {
		p = p.With(pagetable.PermR)
	}
	if raw&bitW != 0 {
		p = p.With(pagetable.PermW)
	}
	if raw&bitNX == 0 {
		p = p.With(pagetable.PermX)
	}
	if raw&bitC != 0 {
		p = p.With(pagetable.PermC)
	}
	return p
}

func (format) WithPerm(raw uint64, p pagetable.MapPerm) uint64 {
	const permMask = uint64(bitPLVL | bitPLVH | bitNR | bitW | bitNX | bitC)
	return (raw &^ permMask) | permBits(p)
}

func (format) IsValid(raw uint64) bool { return raw&bitV != 0 }
func (format) WithValid(raw uint64, v bool) uint64 {
	if v {
		return raw | bitV | bitP
	}
	return raw &^ (bitV | bitP)
}

func (format) IsDirty(raw uint64) bool { return raw&bitD != 0 }
func (format) WithDirty(raw uint64, v bool) uint64 {
	if v {
		return raw | bitD
	}
	return raw &^ bitD
}

func (format) IsCow(raw uint64) bool { return raw&bitC != 0 }
func (format) WithCow(raw uint64, v bool) uint64 {
	if v {
		return raw | bitC
	}
	return raw &^ bitC
}

// IsLeaf ignores the bit pattern entirely: LoongArch64's page tables
// have four uniform levels and only the deepest one is ever a leaf
// (spec.md §4.2 "the walk depth implicitly identifies leaves").
func (format) IsLeaf(_ uint64, level int) bool { return level == 3 }

func (format) KernelSplit() bool { return false }

func (format) MakeToken(root mem.PhysPageNum) pagetable.Token {
	return pagetable.Token{RootPPN: root}
}

// WithCacheDisable encodes "strongly ordered, uncached" into the MAT
// field, used by KV for MMIO regions (spec.md §6).
func WithCacheDisable(raw uint64, disable bool) uint64 {
	if disable {
		return raw &^ (bitMATL | bitMATH) // MAT=0b00: strongly-ordered uncached
	}
	return raw | bitMATL // MAT=0b01: coherent cached, the default Encode applies
}

// IsCacheDisable reports whether the MAT field currently encodes
// strongly-ordered uncached (MAT=0b00).
func IsCacheDisable(raw uint64) bool { return raw&(bitMATL|bitMATH) == 0 }

func (format) CacheDisable(raw uint64) bool              { return IsCacheDisable(raw) }
func (format) WithCacheDisable(raw uint64, v bool) uint64 { return WithCacheDisable(raw, v) }
