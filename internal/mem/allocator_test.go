package mem

import "testing"

func TestAllocDeallocRoundTrip(t *testing.T) {
	a := NewAllocator(0, 16)

	r1, ok := a.Alloc(4)
	if !ok {
		t.Fatalf("expected allocation to succeed")
	}
	if r1.Len() != 4 {
		t.Fatalf("got %d pages, want 4", r1.Len())
	}
	if a.FreePages() != 12 {
		t.Fatalf("got %d free, want 12", a.FreePages())
	}

	a.Dealloc(r1)
	if a.FreePages() != 16 {
		t.Fatalf("got %d free after dealloc, want 16 (coalesced back to original hole)", a.FreePages())
	}
}

func TestAllocZeroLengthFails(t *testing.T) {
	a := NewAllocator(0, 4)
	if _, ok := a.Alloc(0); ok {
		t.Fatalf("zero-length allocation must fail")
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := NewAllocator(0, 4)
	if _, ok := a.Alloc(4); !ok {
		t.Fatalf("expected the whole window to be allocatable")
	}
	if _, ok := a.Alloc(1); ok {
		t.Fatalf("expected exhaustion")
	}
}

func TestAllocAlignment(t *testing.T) {
	a := NewAllocator(0, 16)
	// burn one page so the next free run starts unaligned.
	if _, ok := a.Alloc(1); !ok {
		t.Fatal("setup alloc failed")
	}
	r, ok := a.AllocAligned(2, 2) // align to 4 pages
	if !ok {
		t.Fatalf("expected aligned allocation to succeed")
	}
	if int64(r.Start)%4 != 0 {
		t.Fatalf("start %d not aligned to 4", r.Start)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := NewAllocator(0, 4)
	r, _ := a.Alloc(2)
	a.Dealloc(r)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected double free to panic")
		}
	}()
	a.Dealloc(r)
}

func TestFrameTrackerRefcounting(t *testing.T) {
	a := NewAllocator(0, 4)
	r, _ := a.Alloc(1)
	f := NewFrameTracker(a, r)
	if f.Owners() != 1 {
		t.Fatalf("fresh tracker should have one owner")
	}
	f.Ref()
	if f.Owners() != 2 {
		t.Fatalf("expected two owners after Ref")
	}
	f.Unref()
	if a.FreePages() != 3 {
		t.Fatalf("frame must still be live with one owner remaining")
	}
	f.Unref()
	if a.FreePages() != 4 {
		t.Fatalf("last Unref must return the page to the allocator")
	}
}

func TestStaticFrameNeverFrees(t *testing.T) {
	f := NewStaticFrame(100)
	for i := 0; i < 5; i++ {
		f.Unref()
	}
	if f.Owners() != 1 {
		t.Fatalf("static frame's observed refcount should not be decremented by Unref")
	}
}
