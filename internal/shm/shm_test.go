package shm_test

import (
	"testing"

	"vmcore/internal/mem"
	"vmcore/internal/shm"
)

func TestCreateAttachShareSamePage(t *testing.T) {
	alloc := mem.NewAllocator(0, 64)
	backing := mem.NewBacking(0, 64)
	reg := shm.NewRegistry()

	id, seg := reg.Create(8192, alloc, backing)
	attached, ok := reg.Attach(id)
	if !ok || attached != seg {
		t.Fatalf("Attach should return the same segment instance")
	}

	p1, _ := seg.ReadPageAt(0)
	p2, _ := attached.ReadPageAt(0)
	if p1.PPN() != p2.PPN() {
		t.Fatalf("two attachers reading the same offset must see the same frame")
	}
}

func TestReadPageAtBeyondSizeFails(t *testing.T) {
	alloc := mem.NewAllocator(0, 64)
	backing := mem.NewBacking(0, 64)
	reg := shm.NewRegistry()
	_, seg := reg.Create(4096, alloc, backing)

	if _, ok := seg.ReadPageAt(4096); ok {
		t.Fatalf("offset at/beyond size must fail")
	}
}

func TestDropRemovesFromRegistry(t *testing.T) {
	alloc := mem.NewAllocator(0, 64)
	backing := mem.NewBacking(0, 64)
	reg := shm.NewRegistry()
	id, _ := reg.Create(4096, alloc, backing)
	reg.Drop(id)
	if _, ok := reg.Attach(id); ok {
		t.Fatalf("Attach should fail after Drop")
	}
}
