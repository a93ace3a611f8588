package elfload_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"vmcore/internal/defs"
	"vmcore/internal/elfload"
	"vmcore/internal/mem"
	"vmcore/internal/pagecache"
	"vmcore/internal/pagetable/riscv64"
	"vmcore/internal/vfsiface"
	"vmcore/internal/vmspace"
)

// progSpec describes one PT_LOAD segment for buildELF64.
type progSpec struct {
	vaddr  uint64
	memsz  uint64
	flags  uint32 // PF_R=4, PF_W=2, PF_X=1
	data   []byte
}

const (
	pfX = 1
	pfW = 2
	pfR = 4
)

// buildELF64 hand-assembles a minimal ET_EXEC ELF64 image: header,
// program-header table, segment payloads and, when interpPath is
// non-empty, a PT_INTERP segment plus a .interp section a real
// dynamic linker lookup would read (mirrors the byte-level ELF
// construction _examples/SeleniaProject-Orizon/internal/debug/elf_writer.go
// uses to build test fixtures, adapted from ET_REL/DWARF sections to
// ET_EXEC/PT_LOAD segments).
func buildELF64(t *testing.T, entry uint64, progs []progSpec, interpPath string) []byte {
	t.Helper()
	const (
		ehdrSize  = 64
		phdrSize  = 56
		etExec    = 2
		emRiscv   = 243
		ptLoad    = 1
		ptInterp  = 3
		shtProgX  = 1
		shtStrtab = 3
	)

	type phdr struct {
		ptype, flags                     uint32
		off, vaddr, paddr, filesz, memsz, align uint64
	}

	haveInterp := interpPath != ""
	var interpBytes []byte
	if haveInterp {
		interpBytes = append([]byte(interpPath), 0)
	}

	numPh := len(progs)
	if haveInterp {
		numPh++
	}
	phOff := uint64(ehdrSize)
	dataOff := phOff + uint64(numPh)*phdrSize

	buf := make([]byte, dataOff)

	var phdrs []phdr
	var interpOff uint64
	if haveInterp {
		interpOff = uint64(len(buf))
		buf = append(buf, interpBytes...)
		phdrs = append(phdrs, phdr{ptype: ptInterp, flags: pfR, off: interpOff, filesz: uint64(len(interpBytes)), memsz: uint64(len(interpBytes)), align: 1})
	}
	for _, p := range progs {
		off := uint64(len(buf))
		buf = append(buf, p.data...)
		phdrs = append(phdrs, phdr{ptype: ptLoad, flags: p.flags, off: off, vaddr: p.vaddr, paddr: p.vaddr,
			filesz: uint64(len(p.data)), memsz: p.memsz, align: mem.PageSize})
	}

	var shoff uint64
	if haveInterp {
		shstrtab := []byte{0}
		interpNameOff := len(shstrtab)
		shstrtab = append(shstrtab, []byte(".interp\x00")...)
		shstrNameOff := len(shstrtab)
		shstrtab = append(shstrtab, []byte(".shstrtab\x00")...)

		shstrOff := uint64(len(buf))
		buf = append(buf, shstrtab...)

		shoff = uint64(len(buf))
		buf = append(buf, make([]byte, 64)...) // null section header
		buf = appendShdr(buf, uint32(interpNameOff), shtProgX, interpOff, uint64(len(interpBytes)))
		buf = appendShdr(buf, uint32(shstrNameOff), shtStrtab, shstrOff, uint64(len(shstrtab)))
	}

	ehdr := buf[:ehdrSize]
	copy(ehdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	ehdr[4] = 2 // ELFCLASS64
	ehdr[5] = 1 // ELFDATA2LSB
	ehdr[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(ehdr[16:], etExec)
	binary.LittleEndian.PutUint16(ehdr[18:], emRiscv)
	binary.LittleEndian.PutUint32(ehdr[20:], 1)
	binary.LittleEndian.PutUint64(ehdr[24:], entry)
	binary.LittleEndian.PutUint64(ehdr[32:], phOff)
	binary.LittleEndian.PutUint64(ehdr[40:], shoff)
	binary.LittleEndian.PutUint16(ehdr[52:], ehdrSize)
	binary.LittleEndian.PutUint16(ehdr[54:], phdrSize)
	binary.LittleEndian.PutUint16(ehdr[56:], uint16(numPh))
	binary.LittleEndian.PutUint16(ehdr[58:], 64)
	if haveInterp {
		binary.LittleEndian.PutUint16(ehdr[60:], 3)
		binary.LittleEndian.PutUint16(ehdr[62:], 2)
	}

	for i, p := range phdrs {
		b := buf[phOff+uint64(i)*phdrSize : phOff+uint64(i+1)*phdrSize]
		binary.LittleEndian.PutUint32(b[0:], p.ptype)
		binary.LittleEndian.PutUint32(b[4:], p.flags)
		binary.LittleEndian.PutUint64(b[8:], p.off)
		binary.LittleEndian.PutUint64(b[16:], p.vaddr)
		binary.LittleEndian.PutUint64(b[24:], p.paddr)
		binary.LittleEndian.PutUint64(b[32:], p.filesz)
		binary.LittleEndian.PutUint64(b[40:], p.memsz)
		binary.LittleEndian.PutUint64(b[48:], p.align)
	}

	return buf
}

func appendShdr(buf []byte, nameOff, shtype uint32, off, size uint64) []byte {
	sh := make([]byte, 64)
	binary.LittleEndian.PutUint32(sh[0:], nameOff)
	binary.LittleEndian.PutUint32(sh[4:], shtype)
	binary.LittleEndian.PutUint64(sh[24:], off)
	binary.LittleEndian.PutUint64(sh[32:], size)
	binary.LittleEndian.PutUint64(sh[48:], 1)
	return append(buf, sh...)
}

func newSpace(t *testing.T) *vmspace.AddressSpace {
	t.Helper()
	alloc := mem.NewAllocator(0, 65536)
	backing := mem.NewBacking(0, 65536)
	return vmspace.New(riscv64.Format(), alloc, backing, nil, nil)
}

func TestLoadStaticExecutableMapsSegmentsAndStack(t *testing.T) {
	as := newSpace(t)
	code := bytes.Repeat([]byte{0xAA}, 64)
	entry := uint64(0x1_0000) + 16
	content := buildELF64(t, entry, []progSpec{
		{vaddr: 0x1_0000, memsz: 2 * mem.PageSize, flags: pfR | pfX, data: code},
	}, "")

	stackTop, got, auxv, err := elfload.Load(as, content, nil, nil, [16]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != mem.VirtAddr(entry) {
		t.Fatalf("entry = %#x, want %#x", got, entry)
	}
	if stackTop != elfload.UserStackTop {
		t.Fatalf("stackTop = %#x, want %#x", stackTop, elfload.UserStackTop)
	}
	if as.CheckFree(mem.VirtAddr(0x1_0000), mem.PageSize) {
		t.Fatalf("PT_LOAD range must be mapped, not free")
	}
	if as.CheckFree(elfload.UserStackBottom, mem.PageSize) {
		t.Fatalf("user stack range must be mapped")
	}

	heapBottom := mem.VirtAddr(0x1_0000 + 2*mem.PageSize)
	if got := as.ResetHeapBreak(heapBottom); got != heapBottom {
		t.Fatalf("heap bottom should be fixed past the image's highest page, brk(bottom) returned %#x", got)
	}

	wantTags := []defs.AuxTag{defs.AtPhent, defs.AtPhnum, defs.AtPagesz, defs.AtEntry, defs.AtBase,
		defs.AtFlags, defs.AtUid, defs.AtEuid, defs.AtGid, defs.AtEgid, defs.AtPlatform, defs.AtHwcap,
		defs.AtClktck, defs.AtSecure, defs.AtNotelf, defs.AtRandom, defs.AtPhdr, defs.AtNull}
	if len(auxv) != len(wantTags) {
		t.Fatalf("auxv has %d entries, want %d", len(auxv), len(wantTags))
	}
	for i, tag := range wantTags {
		if auxv[i].Tag != tag {
			t.Fatalf("auxv[%d].Tag = %v, want %v", i, auxv[i].Tag, tag)
		}
	}
	if auxv[3].Value != entry {
		t.Fatalf("AT_ENTRY = %#x, want %#x", auxv[3].Value, entry)
	}
	if auxv[1].Value != 1 {
		t.Fatalf("AT_PHNUM = %d, want 1", auxv[1].Value)
	}
	if auxv[len(auxv)-1].Tag != defs.AtNull {
		t.Fatalf("auxv must terminate with AT_NULL")
	}
}

func TestLoadRejectsTruncatedData(t *testing.T) {
	as := newSpace(t)
	content := buildELF64(t, 0x1000, []progSpec{
		{vaddr: 0x1000, memsz: mem.PageSize, flags: pfR, data: []byte{1, 2, 3}},
	}, "")
	content = content[:len(content)-2] // truncate the segment's own file content

	if _, _, _, err := elfload.Load(as, content, nil, nil, [16]byte{}); err != defs.EINVAL {
		t.Fatalf("expected EINVAL for a PT_LOAD segment reading past the image, got %v", err)
	}
}

func TestLoadDynamicExecutableMapsInterpreterAndRetargetsEntry(t *testing.T) {
	as := newSpace(t)

	interpCode := bytes.Repeat([]byte{0xBB}, 32)
	interpContent := buildELF64(t, 0x500, []progSpec{
		{vaddr: 0, memsz: mem.PageSize, flags: pfR | pfX, data: interpCode},
	}, "")
	interpInode := pagecache.New(mem.NewAllocator(0, 65536), mem.NewBacking(0, 65536), interpContent)

	resolver := fakeResolver{"/lib/libc.so": {interpContent, interpInode}}

	mainCode := bytes.Repeat([]byte{0xCC}, 32)
	content := buildELF64(t, 0x2_0000, []progSpec{
		{vaddr: 0x2_0000, memsz: mem.PageSize, flags: pfR | pfX, data: mainCode},
	}, "/lib/libc.so")

	_, entry, auxv, err := elfload.Load(as, content, nil, resolver, [16]byte{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if entry == mem.VirtAddr(0x2_0000) {
		t.Fatalf("a dynamic executable's resume point must be the interpreter's entry, not its own")
	}
	base := auxv[4] // AT_BASE
	if base.Tag != defs.AtBase || base.Value == 0 {
		t.Fatalf("AT_BASE must record the interpreter's load base, got %+v", base)
	}
	if mem.VirtAddr(base.Value+0x500) != entry {
		t.Fatalf("entry %#x should be interpreter base %#x + its own entry 0x500", entry, base.Value)
	}
	if as.CheckFree(mem.VirtAddr(base.Value), mem.PageSize) {
		t.Fatalf("interpreter's PT_LOAD range must be mapped")
	}
}

func TestLoadStaticExecutableIgnoresResolver(t *testing.T) {
	as := newSpace(t)
	content := buildELF64(t, 0x3000, []progSpec{
		{vaddr: 0x3000, memsz: mem.PageSize, flags: pfR | pfX, data: []byte{0xEE}},
	}, "")

	_, entry, auxv, err := elfload.Load(as, content, nil, fakeResolver{}, [16]byte{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if entry != mem.VirtAddr(0x3000) {
		t.Fatalf("a static executable's entry must be its own, got %#x", entry)
	}
	if auxv[4].Value != 0 {
		t.Fatalf("AT_BASE must be 0 for a static executable, got %#x", auxv[4].Value)
	}
}

func TestLoadFileBackedSegmentDemandLoadsThroughInode(t *testing.T) {
	as := newSpace(t)
	fileContent := bytes.Repeat([]byte{0x42}, mem.PageSize)
	content := buildELF64(t, 0x4000, []progSpec{
		{vaddr: 0x4000, memsz: mem.PageSize, flags: pfR, data: fileContent},
	}, "")
	inode := pagecache.New(mem.NewAllocator(0, 65536), mem.NewBacking(0, 65536), content)

	_, _, _, err := elfload.Load(as, content, inode, nil, [16]byte{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if as.CheckFree(mem.VirtAddr(0x4000), mem.PageSize) {
		t.Fatalf("file-backed PT_LOAD range must be mapped")
	}
}

type fakeResolver map[string]struct {
	content []byte
	inode   vfsiface.Inode
}

func (r fakeResolver) Open(path string) ([]byte, vfsiface.Inode, bool) {
	e, ok := r[path]
	return e.content, e.inode, ok
}
