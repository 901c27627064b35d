package pool

import "testing"

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New[int](4)

	var handles []Handle
	for i := 0; i < 4; i++ {
		h, ok := p.Acquire()
		if !ok {
			t.Fatalf("acquire %d: expected success", i)
		}
		*p.Get(h) = i
		handles = append(handles, h)
	}

	if _, ok := p.Acquire(); ok {
		t.Fatalf("acquire on exhausted pool: expected failure")
	}

	stats := p.Stats()
	if stats.Used != 4 || stats.Peak != 4 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	for i, h := range handles {
		if got := *p.Get(h); got != i {
			t.Fatalf("slot %d: got %d want %d", i, got, i)
		}
		p.Release(h)
	}

	if stats := p.Stats(); stats.Used != 0 {
		t.Fatalf("expected zero delta after release, got used=%d", stats.Used)
	}
}

func TestReleaseStaleHandlePanics(t *testing.T) {
	p := New[int](1)
	h, _ := p.Acquire()
	p.Release(h)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double release")
		}
	}()
	p.Release(h)
}

func TestStaleHandleAfterRecycleDetected(t *testing.T) {
	p := New[int](1)
	h1, _ := p.Acquire()
	p.Release(h1)
	h2, _ := p.Acquire()
	if h2.gen == h1.gen {
		t.Fatalf("expected generation to advance after recycle")
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic using stale handle against recycled slot")
		}
	}()
	p.Get(h1)
}
