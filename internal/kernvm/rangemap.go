package kernvm

import (
	"sort"

	"vmcore/internal/mem"
)

// rangeMap is the kernel's own sorted, non-overlapping collection of
// Areas, the same "sorted slice plus binary search" the per-process
// range map uses (vmspace's rangeMap) — a kernel address space never
// holds enough VMAs (ELF segments, the physical-memory window, a
// handful of MMIO regions, one stack per hart, the trampoline, a few
// kernel mmaps) to justify a different structure.
type rangeMap struct {
	areas []*Area
}

func newRangeMap() *rangeMap { return &rangeMap{} }

func (m *rangeMap) indexOf(va mem.VirtAddr) int {
	return sort.Search(len(m.areas), func(i int) bool {
		return m.areas[i].Range.End > va
	})
}

func (m *rangeMap) Get(vpn mem.VirtPageNum) (*Area, bool) {
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

func (m *rangeMap) Insert(a *Area) bool {
	i := m.indexOf(a.Range.Start)
	if i < len(m.areas) && m.areas[i].Range.Start < a.Range.End {
		return false
	}
	m.areas = append(m.areas, nil)
	copy(m.areas[i+1:], m.areas[i:])
	m.areas[i] = a
	return true
}

func (m *rangeMap) CheckFree(rng mem.VARange) bool {
	i := m.indexOf(rng.Start)
	if i >= len(m.areas) {
		return true
	}
	return m.areas[i].Range.Start >= rng.End
}

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
