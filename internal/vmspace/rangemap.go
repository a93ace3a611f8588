package vmspace

import (
	"sort"

	"vmcore/internal/mem"
	"vmcore/internal/vmarea"
)

// rangeMap is a sorted, non-overlapping collection of VMAs keyed by
// virtual-page range, the "range map" spec.md §3's UserVmSpace embeds
// (get/insert/find_free_range). A plain sorted slice plus binary search
// stands in for the source's tree map: the teacher's pack carries no
// ordered-map library, and a kernel-sized address space (tens to low
// hundreds of VMAs) never justifies one.
type rangeMap struct {
	areas []*vmarea.Area // sorted by Range.Start, pairwise non-overlapping
}

func newRangeMap() *rangeMap { return &rangeMap{} }

// indexOf returns the position of the first area whose end is > than
// the given address (i.e. the first area that could possibly contain
// or follow it).
func (m *rangeMap) indexOf(va mem.VirtAddr) int {
	return sort.Search(len(m.areas), func(i int) bool {
		return m.areas[i].Range.End > va
	})
}

// Get returns the VMA containing vpn, if any (spec.md §3 "get(vpn)
// returns the containing VMA in O(log n)").
func (m *rangeMap) Get(vpn mem.VirtPageNum) (*vmarea.Area, bool) {
	va := vpn.Addr()
	i := m.indexOf(va)
	if i >= len(m.areas) {
		return nil, false
	}
	a := m.areas[i]
	if va < a.Range.Start || va >= a.Range.End {
		return nil, false
	}
	return a, true
}

// Insert adds a into the map, rejecting any overlap with an existing
// area (spec.md §4.4 "push_area ... panics on overlap; callers must
// pre-check" — panicking is the caller-visible contract; Insert itself
// reports the conflict so callers can choose how to surface it).
func (m *rangeMap) Insert(a *vmarea.Area) bool {
	i := m.indexOf(a.Range.Start)
	if i < len(m.areas) && m.areas[i].Range.Start < a.Range.End {
		return false
	}
	m.areas = append(m.areas, nil)
	copy(m.areas[i+1:], m.areas[i:])
	m.areas[i] = a
	return true
}

// Remove deletes a from the map by identity.
func (m *rangeMap) Remove(a *vmarea.Area) {
	for i, cand := range m.areas {
		if cand == a {
			m.areas = append(m.areas[:i], m.areas[i+1:]...)
			return
		}
	}
}

// CheckFree reports whether no area intersects [rng.Start, rng.End)
// (spec.md §4.4 "check_free").
func (m *rangeMap) CheckFree(rng mem.VARange) bool {
	i := m.indexOf(rng.Start)
	if i >= len(m.areas) {
		return true
	}
	return m.areas[i].Range.Start >= rng.End
}

// FindFreeRange locates the first hole of at least lenPages pages within
// search (spec.md §4.4 "find_free_range"). Scans linearly between the
// already-sorted areas; adequate at kernel address-space scale.
func (m *rangeMap) FindFreeRange(search mem.VARange, lenPages int64) (mem.VirtAddr, bool) {
	want := uint64(lenPages) * mem.PageSize
	cursor := search.Start
	i := m.indexOf(search.Start)
	for ; i < len(m.areas); i++ {
		a := m.areas[i]
		if a.Range.Start >= search.End {
			break
		}
		gap := uint64(a.Range.Start) - uint64(cursor)
		if a.Range.Start > cursor && gap >= want {
			return cursor, true
		}
		if a.Range.End > cursor {
			cursor = a.Range.End
		}
	}
	if uint64(search.End)-uint64(cursor) >= want {
		return cursor, true
	}
	return 0, false
}

// ExtendBack reports whether n additional pages after a's current end
// are free, and if so grows a in place (spec.md §4.4's "attempt
// extend_back on the range map" heap-growth step).
func (m *rangeMap) ExtendBack(a *vmarea.Area, n int64) bool {
	want := mem.VirtAddr(uint64(n) * mem.PageSize)
	newEnd := a.Range.End + want
	for _, other := range m.areas {
		if other == a {
			continue
		}
		// areas never overlap a already, so any blocker starts at or
		// after a's current end.
		if other.Range.Start >= a.Range.End && other.Range.Start < newEnd {
			return false
		}
	}
	a.Extend(n)
	return true
}
