// Package riscv64 implements the pagetable.Format for the RISC-V Sv39
// MMU: three 9-bit levels, permission and status bits packed into the
// low 10 bits of each 8-byte PTE, PPN in bits [53:10]. Bit layout is
// grounded on original_source/hal/src/component/pagetable/riscv64.rs's
// PTEFlags (V/R/W/X/U/G/A/D/C) and PPN_MASK.
package riscv64

import (
	"vmcore/internal/mem"
	"vmcore/internal/pagetable"
)

const (
	bitV = 1 << 0
	bitR = 1 << 1
	bitW = 1 << 2
	bitX = 1 << 3
	bitU = 1 << 4
	bitG = 1 << 5
	bitA = 1 << 6
	bitD = 1 << 7
	bitC = 1 << 8
	// bit 9 is reserved-for-software (RSW) in the real ISA; this mapper
	// borrows it as a software cache-disable hint for MMIO mappings,
	// since Sv39 itself has no per-PTE cache-attribute bit (caching is
	// governed by the PMA table, outside this module's scope).
	bitCacheDisable = 1 << 9

	ppnShift = 10
	ppnMask  = uint64(0x003F_FFFF_FFFF_FC00)
)

// satpModeSv39 is the value the `MODE` field of RISC-V's satp register
// takes to select Sv39 translation.
const satpModeSv39 = 8

type format struct{}

// Format returns the Sv39 architecture plugin.
func Format() pagetable.Format { return format{} }

func (format) Name() string { return "riscv64-sv39" }
func (format) Levels() int  { return 3 }

func (format) Index(vpn mem.VirtPageNum, level int) uint64 {
	shift := uint(9 * (2 - level))
	return (uint64(vpn) >> shift) & 0x1ff
}

func (format) Encode(ppn mem.PhysPageNum, perm pagetable.MapPerm, valid bool) uint64 {
	raw := uint64(ppn) << ppnShift
	raw |= permBits(perm)
	if valid {
		raw |= bitV
	}
	raw |= bitA
	if perm.Has(pagetable.PermW) {
		raw |= bitD
	}
	return raw
}

func permBits(p pagetable.MapPerm) uint64 {
	var raw uint64
	if p.Has(pagetable.PermR) {
		raw |= bitR
	}
	if p.Has(pagetable.PermW) {
		raw |= bitW
	}
	if p.Has(pagetable.PermX) {
		raw |= bitX
	}
	if p.Has(pagetable.PermU) {
		raw |= bitU
	}
	if p.Has(pagetable.PermC) {
		raw |= bitC
	}
	return raw
}

func (format) PPNOf(raw uint64) mem.PhysPageNum { return mem.PhysPageNum((raw & ppnMask) >> ppnShift) }

func (f format) WithPPN(raw uint64, ppn mem.PhysPageNum) uint64 {
	return (raw &^ ppnMask) | (uint64(ppn) << ppnShift)
}

func (format) PermOf(raw uint64) pagetable.MapPerm {
	var p pagetable.MapPerm
	if raw&bitR != 0 {
		p = p.With(pagetable.PermR)
	}
	if raw&bitW != 0 {
		p = p.With(pagetable.PermW)
	}
	if raw&bitX != 0 {
		p = p.With(pagetable.PermX)
	}
	if raw&bitU != 0 {
		p = p.With(pagetable.PermU)
	}
	if raw&bitC != 0 {
		p = p.With(pagetable.PermC)
	}
	return p
}

func (format) WithPerm(raw uint64, p pagetable.MapPerm) uint64 {
	const permMask = uint64(bitR | bitW | bitX | bitU | bitC)
	return (raw &^ permMask) | permBits(p)
}

func (format) IsValid(raw uint64) bool   { return raw&bitV != 0 }
func (format) WithValid(raw uint64, v bool) uint64 {
	if v {
		return raw | bitV
	}
	return raw &^ bitV
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

// IsLeaf on Sv39 is distinguishable only by permission bits: a valid
// entry with any of R/W/X set is a leaf; a valid entry with none of
// them set is a pointer to the next level (spec.md §4.2).
func (format) IsLeaf(raw uint64, _ int) bool {
	return raw&bitV != 0 && raw&(bitR|bitW|bitX) != 0
}

func (format) KernelSplit() bool { return true }

func (format) MakeToken(root mem.PhysPageNum) pagetable.Token {
	return pagetable.Token{
		Mode:    satpModeSv39,
		RootPPN: root,
	}
}

// WithCacheDisable sets or clears the software cache-disable hint bit
// KV uses when mapping MMIO regions (spec.md §6 "cache-disable attribute
// applied by the PT layer").
func WithCacheDisable(raw uint64, disable bool) uint64 {
	if disable {
		return raw | bitCacheDisable
	}
	return raw &^ bitCacheDisable
}

// IsCacheDisable reports the software cache-disable hint bit.
func IsCacheDisable(raw uint64) bool { return raw&bitCacheDisable != 0 }

func (format) CacheDisable(raw uint64) bool                { return IsCacheDisable(raw) }
func (format) WithCacheDisable(raw uint64, v bool) uint64   { return WithCacheDisable(raw, v) }
