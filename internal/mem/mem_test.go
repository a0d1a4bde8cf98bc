package mem

import "testing"

func TestNewArenaRejectsUnalignedSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic for a non-page-aligned arena size")
		}
	}()
	NewArena(PGSIZE + 1)
}

func TestAllocatorHandsOutDistinctFrames(t *testing.T) {
	a := NewArena(4 * PGSIZE)
	al := NewAllocator(a, 0, Pa_t(a.Size()))

	seen := map[Pa_t]bool{}
	for i := 0; i < 4; i++ {
		pa, ok := al.AllocFrame()
		if !ok {
			t.Fatalf("expected a free frame on iteration %d", i)
		}
		if seen[pa] {
			t.Fatalf("frame %#x handed out twice", pa)
		}
		seen[pa] = true
	}

	if _, ok := al.AllocFrame(); ok {
		t.Fatalf("expected exhaustion after allocating every frame")
	}
}

func TestFreeFramePoisonsAndRecycles(t *testing.T) {
	a := NewArena(PGSIZE)
	al := NewAllocator(a, 0, Pa_t(a.Size()))

	pa, ok := al.AllocFrame()
	if !ok {
		t.Fatalf("expected a free frame")
	}
	pg := a.Page(pa)
	for i := range pg {
		pg[i] = 0xAB
	}
	al.FreeFrame(pa)

	pg2 := a.Page(pa)
	if pg2[len(pg2)-1] != poison {
		t.Fatalf("expected the tail of a freed frame to be poisoned, got %#x", pg2[len(pg2)-1])
	}

	pa2, ok := al.AllocFrame()
	if !ok || pa2 != pa {
		t.Fatalf("expected the freed frame to be recycled, got pa=%#x ok=%v", pa2, ok)
	}
}

func TestPagePanicsOnUnalignedAddress(t *testing.T) {
	a := NewArena(PGSIZE)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic for an unaligned physical address")
		}
	}()
	a.Page(1)
}

func TestPagePanicsOutsideArena(t *testing.T) {
	a := NewArena(PGSIZE)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic for an out-of-range physical address")
		}
	}()
	a.Page(Pa_t(PGSIZE))
}

func TestNumFreeTracksAllocationsAndFrees(t *testing.T) {
	a := NewArena(2 * PGSIZE)
	al := NewAllocator(a, 0, Pa_t(a.Size()))
	if al.NumFree() != 2 {
		t.Fatalf("expected 2 free frames initially, got %d", al.NumFree())
	}
	pa, _ := al.AllocFrame()
	if al.NumFree() != 1 {
		t.Fatalf("expected 1 free frame after one alloc, got %d", al.NumFree())
	}
	al.FreeFrame(pa)
	if al.NumFree() != 2 {
		t.Fatalf("expected 2 free frames after freeing it back, got %d", al.NumFree())
	}
}
