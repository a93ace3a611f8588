package pagefault_test

import (
	"testing"

	"vmcore/internal/defs"
	"vmcore/internal/mem"
	"vmcore/internal/pagecache"
	"vmcore/internal/pagefault"
	"vmcore/internal/pagetable"
	"vmcore/internal/pagetable/riscv64"
	"vmcore/internal/vmarea"
	"vmcore/internal/vmspace"
)

func harness(t *testing.T) (*vmspace.AddressSpace, *mem.Allocator, *mem.Backing, *pagefault.Engine) {
	t.Helper()
	alloc := mem.NewAllocator(0, 65536)
	backing := mem.NewBacking(0, 65536)
	as := vmspace.New(riscv64.Format(), alloc, backing, nil, nil)

	zero, ok := alloc.Alloc(1)
	if !ok {
		t.Fatalf("failed to reserve the zero page")
	}
	backing.Zero(zero.Start)
	engine := pagefault.NewEngine(alloc, backing, zero.Start)
	return as, alloc, backing, engine
}

func rangeOf(startPage uint64, pages uint64) mem.VARange {
	start := mem.VirtPageNum(startPage).Addr()
	return mem.VARange{Start: start, End: mem.VirtPageNum(startPage + pages).Addr()}
}

func TestStackGrowthInstallsWritableZeroFrame(t *testing.T) {
	as, alloc, backing, engine := harness(t)
	rng := rangeOf(100, 4)
	stack := vmarea.New(rng, defs.VmaStack, pagetable.PermR|pagetable.PermW|pagetable.PermU, alloc, backing)
	if err := as.PushArea(stack, nil); err != nil {
		t.Fatalf("PushArea: %v", err)
	}

	va := rng.Start
	if err := engine.Handle(as, va, defs.AccessWrite); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	ppn, ok := as.PageTable().TranslateVPN(va.Floor())
	if !ok {
		t.Fatalf("expected a resolvable PTE after the fault")
	}
	page := backing.Page(ppn)
	for i, b := range page {
		if b != 0 {
			t.Fatalf("freshly faulted stack page byte %d not zero: %d", i, b)
		}
	}
	entry, _ := as.PageTable().FindPTE(va.Floor())
	if !entry.Perm().Has(pagetable.PermW) {
		t.Fatalf("a WRITE fault on a stack VMA must install a writable PTE")
	}
}

func TestStackReadFaultInstallsSharedZeroFrameWithCow(t *testing.T) {
	as, alloc, backing, engine := harness(t)
	rng := rangeOf(200, 1)
	stack := vmarea.New(rng, defs.VmaStack, pagetable.PermR|pagetable.PermW|pagetable.PermU, alloc, backing)
	if err := as.PushArea(stack, nil); err != nil {
		t.Fatalf("PushArea: %v", err)
	}

	if err := engine.Handle(as, rng.Start, defs.AccessRead); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	entry, ok := as.PageTable().FindPTE(rng.Start.Floor())
	if !ok || !entry.IsValid() {
		t.Fatalf("expected a valid PTE after a read fault")
	}
	if entry.Perm().Has(pagetable.PermW) {
		t.Fatalf("a lazily-installed zero page must not be directly writable")
	}
	if !entry.Perm().Has(pagetable.PermC) {
		t.Fatalf("a lazily-installed zero page over a writable VMA must carry the COW bit")
	}

	// A subsequent write must resolve via COW, allocating a fresh private
	// frame rather than writing through the shared zero page.
	if err := engine.Handle(as, rng.Start, defs.AccessWrite); err != nil {
		t.Fatalf("Handle write after read: %v", err)
	}
	entry2, _ := as.PageTable().FindPTE(rng.Start.Floor())
	if entry2.Perm().Has(pagetable.PermC) {
		t.Fatalf("after COW resolution the page must no longer carry the COW bit")
	}
	if !entry2.Perm().Has(pagetable.PermW) {
		t.Fatalf("after COW resolution the page must be writable")
	}
}

func TestCowForkWriteAllocatesPrivateCopy(t *testing.T) {
	as, alloc, backing, engine := harness(t)
	rng := rangeOf(300, 1)
	data := vmarea.New(rng, defs.VmaData, pagetable.PermR|pagetable.PermW|pagetable.PermU, alloc, backing)
	payload := make([]byte, mem.PageSize)
	payload[0] = 0x42
	if err := as.PushArea(data, payload); err != nil {
		t.Fatalf("PushArea: %v", err)
	}

	child, err := vmspace.FromExisted(as, riscv64.Format(), alloc, backing, nil, nil)
	if err != nil {
		t.Fatalf("FromExisted: %v", err)
	}

	parentEntry, ok := as.PageTable().FindPTE(rng.Start.Floor())
	if !ok || parentEntry.Perm().Has(pagetable.PermW) {
		t.Fatalf("fork of a writable private VMA must clear W on the parent's PTE")
	}
	if !parentEntry.Perm().Has(pagetable.PermC) {
		t.Fatalf("fork of a writable private VMA must set C on the parent's PTE")
	}

	parentPPNBefore, _ := as.PageTable().TranslateVPN(rng.Start.Floor())

	if err := engine.Handle(child, rng.Start, defs.AccessWrite); err != nil {
		t.Fatalf("child write fault: %v", err)
	}

	childPPN, ok := child.PageTable().TranslateVPN(rng.Start.Floor())
	if !ok {
		t.Fatalf("expected a resolvable PTE in the child after COW resolution")
	}
	if childPPN == parentPPNBefore {
		t.Fatalf("child's COW write must allocate a distinct frame from the parent's")
	}
	if backing.Page(childPPN)[0] != 0x42 {
		t.Fatalf("child's copied frame must preserve the parent's content")
	}

	parentPPNAfter, _ := as.PageTable().TranslateVPN(rng.Start.Floor())
	if parentPPNAfter != parentPPNBefore {
		t.Fatalf("parent's frame must be untouched by the child's COW resolution")
	}
	if backing.Page(parentPPNAfter)[0] != 0x42 {
		t.Fatalf("parent's original content must survive the child's write")
	}
}

func TestPrivateFileMmapFullPageReadSharesCacheFrame(t *testing.T) {
	as, alloc, backing, engine := harness(t)
	content := make([]byte, mem.PageSize)
	content[10] = 0x7
	cache := pagecache.New(alloc, backing, content)

	start, err := as.AllocMmapArea(0, mem.PageSize, pagetable.PermR|pagetable.PermU, defs.MmapPrivate, cache, 0)
	if err != nil {
		t.Fatalf("AllocMmapArea: %v", err)
	}

	if err := engine.Handle(as, start, defs.AccessRead); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	ppn, ok := as.PageTable().TranslateVPN(start.Floor())
	if !ok {
		t.Fatalf("expected a resolvable PTE after the read fault")
	}
	if backing.Page(ppn)[10] != 0x7 {
		t.Fatalf("private file read fault must expose the underlying file content")
	}
	entry, _ := as.PageTable().FindPTE(start.Floor())
	if entry.Perm().Has(pagetable.PermW) {
		t.Fatalf("a read fault on a private file mapping must not install a writable PTE")
	}
}

func TestPrivateFileMmapWriteAllocatesPrivateFrame(t *testing.T) {
	as, alloc, backing, engine := harness(t)
	content := make([]byte, mem.PageSize)
	content[0] = 0x9
	cache := pagecache.New(alloc, backing, content)

	start, err := as.AllocMmapArea(0, mem.PageSize, pagetable.PermR|pagetable.PermW|pagetable.PermU, defs.MmapPrivate, cache, 0)
	if err != nil {
		t.Fatalf("AllocMmapArea: %v", err)
	}

	if err := engine.Handle(as, start, defs.AccessWrite); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	ppn, ok := as.PageTable().TranslateVPN(start.Floor())
	if !ok {
		t.Fatalf("expected a resolvable PTE after the write fault")
	}
	if backing.Page(ppn)[0] != 0x9 {
		t.Fatalf("private write fault must start from the file's content")
	}

	cachedPage, ok := cache.ReadPageAt(0)
	if !ok {
		t.Fatalf("cache must already hold the page")
	}
	if cachedPage.PPN() == ppn {
		t.Fatalf("a private write fault must not alias the shared cache frame")
	}
}

func TestSharedFileMmapWriteMarksCachePageDirty(t *testing.T) {
	as, alloc, backing, engine := harness(t)
	content := make([]byte, mem.PageSize)
	cache := pagecache.New(alloc, backing, content)

	start, err := as.AllocMmapArea(0, mem.PageSize, pagetable.PermR|pagetable.PermW|pagetable.PermU, defs.MmapShared, cache, 0)
	if err != nil {
		t.Fatalf("AllocMmapArea: %v", err)
	}

	if err := engine.Handle(as, start, defs.AccessWrite); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	ppn, ok := as.PageTable().TranslateVPN(start.Floor())
	if !ok {
		t.Fatalf("expected a resolvable PTE after the write fault")
	}
	backing.Page(ppn)[5] = 0x55

	cachedPage, ok := cache.ReadPageAt(0)
	if !ok {
		t.Fatalf("cache must already hold the page")
	}
	if cachedPage.PPN() != ppn {
		t.Fatalf("a shared file mapping must install the cache's own frame directly")
	}
	cache.Flush()
	if content[5] != 0x55 {
		t.Fatalf("dirty shared page must flush back into the file's content")
	}
}

func TestTrapContextFaultIsAlwaysAnError(t *testing.T) {
	as, alloc, backing, engine := harness(t)
	rng := rangeOf(400, 1)
	// TrapContext areas pre-allocate and map eagerly; clear the installed
	// PTE directly (bypassing the VMA layer) to simulate the "frame
	// exists but PTE absent" state the spec treats as an internal bug
	// regardless of access type.
	area := vmarea.New(rng, defs.VmaTrapContext, pagetable.PermR|pagetable.PermW|pagetable.PermU, alloc, backing)
	if err := as.PushArea(area, nil); err != nil {
		t.Fatalf("PushArea: %v", err)
	}
	as.PageTable().Unmap(rng.Start.Floor())

	if err := engine.Handle(as, rng.Start, defs.AccessRead); err != defs.EFAULT {
		t.Fatalf("expected EFAULT for an absent TrapContext PTE, got %v", err)
	}
}
