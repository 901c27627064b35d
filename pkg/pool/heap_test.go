package pool

import "testing"

func TestHeapAllocFreeRoundTrip(t *testing.T) {
	h := NewHeap(1024)

	a, ok := h.Alloc(100)
	if !ok {
		t.Fatalf("alloc a: expected success")
	}
	b, ok := h.Alloc(200)
	if !ok {
		t.Fatalf("alloc b: expected success")
	}
	if h.Available() != 1024-300 {
		t.Fatalf("available = %d, want %d", h.Available(), 1024-300)
	}

	h.Free(a)
	h.Free(b)

	if h.Available() != 1024 {
		t.Fatalf("expected full coalesce back to %d, got %d", 1024, h.Available())
	}

	// After coalescing, a single allocation spanning the whole arena must
	// succeed — this is the property that catches a coalescing bug.
	if _, ok := h.Alloc(1024); !ok {
		t.Fatalf("expected arena-sized alloc to succeed after coalesce")
	}
}

func TestHeapExhaustion(t *testing.T) {
	h := NewHeap(16)
	if _, ok := h.Alloc(17); ok {
		t.Fatalf("expected failure allocating more than arena size")
	}
	if _, ok := h.Alloc(16); !ok {
		t.Fatalf("expected exact-size allocation to succeed")
	}
	if _, ok := h.Alloc(1); ok {
		t.Fatalf("expected exhaustion after consuming whole arena")
	}
}

func TestHeapBestFit(t *testing.T) {
	h := NewHeap(300)
	a, _ := h.Alloc(100)
	_, _ = h.Alloc(100)
	c, _ := h.Alloc(100)

	h.Free(a)
	h.Free(c)
	// Free regions: [0,100) and [200,300) — both size 100, neither
	// coalesces with the still-allocated middle block.
	if h.Available() != 200 {
		t.Fatalf("available = %d, want 200", h.Available())
	}

	small, ok := h.Alloc(50)
	if !ok {
		t.Fatalf("expected best-fit alloc to succeed")
	}
	_ = small
	if h.Available() != 150 {
		t.Fatalf("available after partial alloc = %d, want 150", h.Available())
	}
}
