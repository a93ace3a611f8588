package pagetable

import "vmcore/internal/mem"

// Token is the opaque, hardware-installable handle spec.md §4.2
// describes: "contains root PPN plus mode bits". Neither format's
// MakeToken sets KernelRootPPN, so it is zero on both architectures; on
// the one with a pair of hardware root registers, the kernel root is
// installed by a separate EnableHigh call with its own token.
type Token struct {
	Mode          uint64
	RootPPN       mem.PhysPageNum
	KernelRootPPN mem.PhysPageNum
}

// Format is the architecture plugin PT delegates all encoding and
// level-structure decisions to (spec.md §9 "Arch abstraction"). Every
// method is a pure function over a raw 64-bit word so that PageTable can
// keep entries in ordinary physical-memory-backed page-table pages and
// only ever touch them through a Format, matching "Encoding is
// architecture-private" literally: no bit position anywhere outside an
// arch package.
type Format interface {
	// Name identifies the format for diagnostics.
	Name() string
	// Levels is the walk depth: 3 for RISC-V Sv39, 4 for LoongArch64.
	Levels() int
	// Index extracts the page-table index for vpn at the given level
	// (0 = root).
	Index(vpn mem.VirtPageNum, level int) uint64

	Encode(ppn mem.PhysPageNum, perm MapPerm, valid bool) uint64
	PPNOf(raw uint64) mem.PhysPageNum
	WithPPN(raw uint64, ppn mem.PhysPageNum) uint64
	PermOf(raw uint64) MapPerm
	WithPerm(raw uint64, perm MapPerm) uint64
	IsValid(raw uint64) bool
	WithValid(raw uint64, v bool) uint64
	IsDirty(raw uint64) bool
	WithDirty(raw uint64, v bool) uint64
	IsCow(raw uint64) bool
	WithCow(raw uint64, v bool) uint64
	// IsLeaf reports whether raw, found at the given level, terminates
	// the walk. On the format where leaves are distinguishable only by
	// permission bits this ignores level; on the format where leaves
	// exist only at the deepest level this ignores the bits.
	IsLeaf(raw uint64, level int) bool

	// KernelSplit reports whether this architecture shares the
	// kernel/user split by copying root page-table entries into every
	// user root (true, RISC-V) or by using a second hardware root
	// register instead (false, LoongArch64).
	KernelSplit() bool

	// MakeToken builds the hardware-installable handle for a root page.
	MakeToken(root mem.PhysPageNum) Token

	// CacheDisable and WithCacheDisable expose the architecture's MMIO
	// no-cache encoding (spec.md §6 "cache-disable attribute applied by
	// the PT layer"): RISC-V borrows a software-reserved PTE bit (Sv39
	// has no hardware cache-attribute bit of its own); LoongArch64
	// encodes it directly in the MAT field.
	CacheDisable(raw uint64) bool
	WithCacheDisable(raw uint64, v bool) uint64
}
