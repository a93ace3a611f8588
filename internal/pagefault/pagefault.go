// Package pagefault implements the Page-Fault Engine (PF, spec.md
// §4.5): the demand-paging dispatch that resolves every way a user VMA
// can be absent or COW-protected at the faulting VPN.
package pagefault

import (
	"fmt"

	"golang.org/x/sync/singleflight"

	"vmcore/internal/defs"
	"vmcore/internal/diagnostics"
	"vmcore/internal/klog"
	"vmcore/internal/mem"
	"vmcore/internal/pagetable"
	"vmcore/internal/vfsiface"
	"vmcore/internal/vmarea"
	"vmcore/internal/vmspace"
)

// Engine holds the collaborators every resolution path needs: the
// physical allocator and direct-map backing (for fresh/copied frames)
// and the process-wide zero frame (spec.md §5 "global zero-page frame").
type Engine struct {
	alloc   *mem.Allocator
	backing *mem.Backing
	zero    *mem.FrameTracker
	sf      singleflight.Group

	// Counters is nil by default; callers that want the
	// faults_resolved-by-VMA-type series diagnostics.BuildMemoryProfile
	// reports set it once after NewEngine.
	Counters *diagnostics.FaultCounters
}

// NewEngine builds a fault engine. zeroPPN must point at a page already
// zeroed and never otherwise written — NewStaticFrame wraps it so Unref
// never returns it to the allocator (spec.md §9's zero-page Open
// Question, resolved in DESIGN.md).
func NewEngine(alloc *mem.Allocator, backing *mem.Backing, zeroPPN mem.PhysPageNum) *Engine {
	return &Engine{alloc: alloc, backing: backing, zero: mem.NewStaticFrame(zeroPPN)}
}

// observe records a resolved fault against t when Counters is set; a
// nil Counters (the default) makes this a no-op rather than requiring
// every caller to wire one up.
func (e *Engine) observe(t defs.VmaType) {
	if e.Counters != nil {
		e.Counters.Observe(t)
	}
}

// Handle resolves a page fault at va for the given access, implementing
// UserVmSpace.handle_page_fault's outer shell (spec.md §4.4): find the
// covering VMA, then enter the dispatch in spec.md §4.5.
func (e *Engine) Handle(as *vmspace.AddressSpace, va mem.VirtAddr, access defs.AccessType) error {
	as.Lock()
	defer as.Unlock()

	vpn := va.Floor()
	area, ok := as.Find(vpn)
	if !ok {
		klog.Fault("%v: no covering VMA", va)
		return defs.EFAULT
	}
	if !permitted(access, area.Perm) {
		klog.Fault("%v: access %v not permitted by %v", va, access, area.Perm)
		return defs.EFAULT
	}

	pt := as.PageTable()
	if entry, ok := pt.FindPTE(vpn); ok && entry.IsValid() {
		if access.Has(defs.AccessWrite) && entry.Perm().Has(pagetable.PermC) {
			return e.resolveCOW(as, area, vpn, entry)
		}
		// a valid PTE with no applicable COW is spurious from here; the
		// caller treats this as a hardware protection fault.
		return defs.EFAULT
	}

	switch area.Type {
	case defs.VmaData:
		if area.BackingKind != vmarea.BackingNone && withinFile(area, vpn) {
			return e.mapPrivateFile(as, area, vpn, access)
		}
		return e.mapZeroPage(as, area, vpn, access)

	case defs.VmaStack, defs.VmaHeap:
		return e.mapZeroPage(as, area, vpn, access)

	case defs.VmaMmap:
		switch {
		case area.BackingKind == vmarea.BackingFile && area.MmapFlags.Has(defs.MmapShared):
			return e.mapShared(as, area, vpn, access)
		case area.BackingKind == vmarea.BackingFile:
			return e.mapPrivateFile(as, area, vpn, access)
		case area.BackingKind == vmarea.BackingShm:
			return e.mapShared(as, area, vpn, access)
		default:
			return e.mapZeroPage(as, area, vpn, access)
		}

	case defs.VmaTrapContext:
		// frames are eager; an absent PTE here can only mean a bug.
		return defs.EFAULT

	default:
		return defs.EFAULT
	}
}

// permitted checks access against a VMA's current permission, with the
// COW caveat: a WRITE to a C-marked (COW) VMA is allowed even though W
// itself is clear (spec.md §4.5).
func permitted(access defs.AccessType, perm pagetable.MapPerm) bool {
	if access.Has(defs.AccessRead) && !perm.Has(pagetable.PermR) {
		return false
	}
	if access.Has(defs.AccessWrite) && !perm.Has(pagetable.PermW) && !perm.Has(pagetable.PermC) {
		return false
	}
	if access.Has(defs.AccessExecute) && !perm.Has(pagetable.PermX) {
		return false
	}
	return true
}

func (e *Engine) leafLevel(pt *pagetable.PageTable) int { return pt.Format().Levels() - 1 }

// resolveCOW implements spec.md §4.5's COW resolution: upgrade in place
// if sole owner, else copy.
func (e *Engine) resolveCOW(as *vmspace.AddressSpace, area *vmarea.Area, vpn mem.VirtPageNum, entry pagetable.Entry) error {
	frame := area.Frames[vpn]
	if frame.Owners() == 1 {
		entry.SetPerm(entry.Perm().Without(pagetable.PermC).With(pagetable.PermW))
		entry.SetDirty(true)
		as.Shootdown(vpn)
		e.observe(area.Type)
		return nil
	}

	run, ok := e.alloc.Alloc(1)
	if !ok {
		return defs.ENOMEM
	}
	copy(e.backing.Page(run.Start), e.backing.Page(frame.PPN()))
	fresh := mem.NewFrameTracker(e.alloc, run)

	area.Frames[vpn] = fresh
	frame.Unref()

	entry.SetPPN(run.Start)
	entry.SetPerm(entry.Perm().Without(pagetable.PermC).With(pagetable.PermW))
	entry.SetDirty(true)
	as.Shootdown(vpn)
	e.observe(area.Type)
	return nil
}

// lazyReadPerm is the "install read-only, C if the VMA permits W"
// permission used for every PTE installed in response to a non-WRITE
// fault (spec.md §4.5 zero-page and private-file paths): a subsequent
// write triggers COW instead of re-entering the fault dispatch cold.
func lazyReadPerm(perm pagetable.MapPerm) pagetable.MapPerm {
	if perm.Has(pagetable.PermW) {
		return perm.Without(pagetable.PermW).With(pagetable.PermC)
	}
	return perm
}

// mapZeroPage implements spec.md §4.5's zero-page optimization.
func (e *Engine) mapZeroPage(as *vmspace.AddressSpace, area *vmarea.Area, vpn mem.VirtPageNum, access defs.AccessType) error {
	pt := as.PageTable()
	if access.Has(defs.AccessWrite) {
		run, ok := e.alloc.Alloc(1)
		if !ok {
			return defs.ENOMEM
		}
		e.backing.Zero(run.Start)
		area.Frames[vpn] = mem.NewFrameTracker(e.alloc, run)
		if _, err := pt.Map(vpn, run.Start, area.Perm, e.leafLevel(pt)); err != nil {
			return wrapMapErr(err)
		}
		e.observe(area.Type)
		return nil
	}
	area.Frames[vpn] = e.zero.Ref()
	if _, err := pt.Map(vpn, e.zero.PPN(), lazyReadPerm(area.Perm), e.leafLevel(pt)); err != nil {
		return wrapMapErr(err)
	}
	e.observe(area.Type)
	return nil
}

// fileOffsetFor computes the page-aligned file offset corresponding to
// vpn within area's file backing.
func fileOffsetFor(area *vmarea.Area, vpn mem.VirtPageNum) uint64 {
	relPages := uint64(vpn.Sub(area.Range.ToVPN().Start))
	return area.Offset + relPages*mem.PageSize
}

// withinFile reports whether vpn's page falls inside the area's
// recorded [offset, offset+len) file range (spec.md §4.5 Data dispatch).
func withinFile(area *vmarea.Area, vpn mem.VirtPageNum) bool {
	off := fileOffsetFor(area, vpn)
	return off < area.Offset+area.Len
}

func sfKey(inode vfsiface.Inode, offset uint64) string {
	return fmt.Sprintf("%p:%d", inode, offset)
}

// fetchPage is the suspension point spec.md §5 describes: drop the
// address-space mutex, fetch from the page cache, reacquire. Concurrent
// faulters on the same (inode, offset) collapse into one fetch via
// singleflight rather than each reading the cache independently.
func (e *Engine) fetchPage(as *vmspace.AddressSpace, inode vfsiface.Inode, offset uint64) (vfsiface.Page, error) {
	as.Unlock()
	v, err, _ := e.sf.Do(sfKey(inode, offset), func() (interface{}, error) {
		page, ok := inode.ReadPageAt(offset)
		if !ok {
			return nil, defs.EFAULT
		}
		return page, nil
	})
	as.Lock()
	if err != nil {
		return nil, err
	}
	return v.(vfsiface.Page), nil
}

// mapPrivateFile implements spec.md §4.5's private-file fault, covering
// both the partial-last-page case and the full-page case.
func (e *Engine) mapPrivateFile(as *vmspace.AddressSpace, area *vmarea.Area, vpn mem.VirtPageNum, access defs.AccessType) error {
	pt := as.PageTable()
	fileOff := fileOffsetFor(area, vpn)
	avail := area.Offset + area.Len - fileOff

	page, err := e.fetchPage(as, area.Inode, fileOff)
	if err != nil && avail >= mem.PageSize {
		return err
	}
	// re-check: another faulter may have installed this page while the
	// address-space lock was dropped.
	if entry, ok := pt.FindPTE(vpn); ok && entry.IsValid() {
		return nil
	}

	if avail < mem.PageSize {
		run, ok := e.alloc.Alloc(1)
		if !ok {
			return defs.ENOMEM
		}
		e.backing.Zero(run.Start)
		if err == nil {
			copy(e.backing.Page(run.Start), page.Slice()[:avail])
		}
		area.Frames[vpn] = mem.NewFrameTracker(e.alloc, run)
		perm := area.Perm
		if !access.Has(defs.AccessWrite) {
			perm = lazyReadPerm(perm)
		}
		if _, mapErr := pt.Map(vpn, run.Start, perm, e.leafLevel(pt)); mapErr != nil {
			return wrapMapErr(mapErr)
		}
		e.observe(area.Type)
		return nil
	}

	if access.Has(defs.AccessWrite) {
		run, ok := e.alloc.Alloc(1)
		if !ok {
			return defs.ENOMEM
		}
		copy(e.backing.Page(run.Start), page.Slice())
		area.Frames[vpn] = mem.NewFrameTracker(e.alloc, run)
		if _, mapErr := pt.Map(vpn, run.Start, area.Perm, e.leafLevel(pt)); mapErr != nil {
			return wrapMapErr(mapErr)
		}
		e.observe(area.Type)
		return nil
	}

	frame := page.Frame()
	area.Frames[vpn] = frame.Ref()
	if _, mapErr := pt.Map(vpn, frame.PPN(), lazyReadPerm(area.Perm), e.leafLevel(pt)); mapErr != nil {
		return wrapMapErr(mapErr)
	}
	e.observe(area.Type)
	return nil
}

// mapShared implements spec.md §4.5's shared-file and shared-memory
// faults, which differ only in which Inode implementation backs them —
// a file's page cache or a shm.Segment, both behind vfsiface.Inode.
func (e *Engine) mapShared(as *vmspace.AddressSpace, area *vmarea.Area, vpn mem.VirtPageNum, access defs.AccessType) error {
	pt := as.PageTable()
	fileOff := fileOffsetFor(area, vpn)

	page, err := e.fetchPage(as, area.Inode, fileOff)
	if err != nil {
		return err
	}
	if entry, ok := pt.FindPTE(vpn); ok && entry.IsValid() {
		return nil
	}

	frame := page.Frame()
	area.Frames[vpn] = frame.Ref()
	entry, mapErr := pt.Map(vpn, frame.PPN(), area.Perm, e.leafLevel(pt))
	if mapErr != nil {
		return wrapMapErr(mapErr)
	}
	if access.Has(defs.AccessWrite) {
		entry.SetDirty(true)
		page.SetDirty()
	}
	e.observe(area.Type)
	return nil
}

func wrapMapErr(err error) error {
	if err == nil {
		return nil
	}
	return defs.ENOMEM
}
