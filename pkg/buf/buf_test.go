package buf

import (
	"bytes"
	"testing"
)

func newTestAllocator() *Allocator {
	return NewAllocator(64, 64, 16*1024)
}

func TestAllocTotLenInvariant(t *testing.T) {
	a := newTestAllocator()
	b, err := a.Alloc(LayerTransport, 1000, ClassPool)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if b.TotLen() != 1000 {
		t.Fatalf("totLen = %d, want 1000", b.TotLen())
	}

	sum := 0
	for s := b; s != nil; s = s.Next() {
		sum += s.Len()
		if s.Next() == nil && s.Len() != s.TotLen() {
			t.Fatalf("tail segment len=%d totLen=%d, want equal", s.Len(), s.TotLen())
		}
	}
	if sum != b.TotLen() {
		t.Fatalf("sum of segment lens = %d, want %d", sum, b.TotLen())
	}

	if err := Free(b); err != nil {
		t.Fatalf("free: %v", err)
	}
	if st := a.SegmentStats(); st.Used != 0 {
		t.Fatalf("expected zero segment delta after free, used=%d", st.Used)
	}
	if st := a.HeaderStats(); st.Used != 0 {
		t.Fatalf("expected zero header delta after free, used=%d", st.Used)
	}
}

func TestAllocFreeZeroPoolDelta(t *testing.T) {
	a := newTestAllocator()
	for i := 0; i < 8; i++ {
		b, err := a.Alloc(LayerIP, 1500, ClassPool)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if err := Free(b); err != nil {
			t.Fatalf("free %d: %v", i, err)
		}
	}
	if st := a.SegmentStats(); st.Used != 0 {
		t.Fatalf("segment pool leaked: used=%d", st.Used)
	}
	if st := a.HeaderStats(); st.Used != 0 {
		t.Fatalf("header pool leaked: used=%d", st.Used)
	}
}

func TestCopyRoundTrip(t *testing.T) {
	a := newTestAllocator()
	b, err := a.Alloc(LayerRaw, 2000, ClassPool)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer Free(b)

	src := make([]byte, 2000)
	for i := range src {
		src[i] = byte(i)
	}
	if n := CopyFrom(b, 0, src); n != len(src) {
		t.Fatalf("copy_from wrote %d, want %d", n, len(src))
	}

	dst := make([]byte, b.TotLen())
	if n := CopyTo(b, 0, b.TotLen(), dst); n != len(dst) {
		t.Fatalf("copy_to read %d, want %d", n, len(dst))
	}
	if !bytes.Equal(src, dst) {
		t.Fatalf("round-tripped bytes differ")
	}
}

func TestHeaderAdjustPrependAndStrip(t *testing.T) {
	a := newTestAllocator()
	b, err := a.Alloc(LayerTransport, 100, ClassPool)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer Free(b)

	if err := HeaderAdjust(b, 20); err != nil {
		t.Fatalf("header adjust +20: %v", err)
	}
	if b.Len() != 120 || b.TotLen() != 120 {
		t.Fatalf("after prepend len=%d totLen=%d, want 120/120", b.Len(), b.TotLen())
	}

	if err := HeaderAdjust(b, -20); err != nil {
		t.Fatalf("header adjust -20: %v", err)
	}
	if b.Len() != 100 {
		t.Fatalf("after strip len=%d, want 100", b.Len())
	}
}

func TestHeaderAdjustFailsWithoutHeadroom(t *testing.T) {
	a := newTestAllocator()
	b, err := a.Alloc(LayerRaw, 100, ClassPool)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer Free(b)

	if err := HeaderAdjust(b, 10); err == nil {
		t.Fatalf("expected failure prepending into a Raw-layer buffer with no headroom")
	}
}

func TestHeaderAdjustForceCrossesSegmentBoundary(t *testing.T) {
	a := newTestAllocator()
	b, err := a.Alloc(LayerRaw, 900, ClassPool) // spans multiple 512B segments
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	firstLen := b.Len()

	newHead, err := HeaderAdjustForce(b, -(firstLen + 10))
	if err != nil {
		t.Fatalf("header adjust force: %v", err)
	}
	if newHead == nil {
		t.Fatalf("expected a remaining chain")
	}
	if newHead.TotLen() != 900-firstLen-10 {
		t.Fatalf("remaining totLen = %d, want %d", newHead.TotLen(), 900-firstLen-10)
	}
	Free(newHead)
}

func TestConcatAndDechain(t *testing.T) {
	a := newTestAllocator()
	x, _ := a.Alloc(LayerRaw, 50, ClassPool)
	y, _ := a.Alloc(LayerRaw, 75, ClassPool)

	if err := Concat(x, y); err != nil {
		t.Fatalf("concat: %v", err)
	}
	if x.TotLen() != 125 {
		t.Fatalf("totLen after concat = %d, want 125", x.TotLen())
	}

	tail := Dechain(x)
	if tail != y {
		t.Fatalf("dechain returned wrong segment")
	}
	if x.TotLen() != 50 {
		t.Fatalf("totLen after dechain = %d, want 50", x.TotLen())
	}

	Free(x)
	Free(y)
}

func TestChainAddsReference(t *testing.T) {
	a := newTestAllocator()
	x, _ := a.Alloc(LayerRaw, 10, ClassPool)
	y, _ := a.Alloc(LayerRaw, 10, ClassPool)

	if err := Chain(x, y); err != nil {
		t.Fatalf("chain: %v", err)
	}
	if y.Refs() != 2 {
		t.Fatalf("y.refs = %d, want 2", y.Refs())
	}

	Free(x) // drops x's own ref and one ref on y; y should survive
	if y.Refs() != 1 {
		t.Fatalf("y.refs after freeing x = %d, want 1", y.Refs())
	}
	Free(y)
}

func TestSplit64K(t *testing.T) {
	// 70000 bytes take 137 pool segments of 512 bytes, more than
	// newTestAllocator's 64.
	a := NewAllocator(160, 160, 16*1024)
	b, err := a.Alloc(LayerRaw, 70000, ClassPool)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	head, rest, err := Split64K(b)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if rest == nil {
		t.Fatalf("expected a non-nil remainder for a 70000-byte chain")
	}
	if head.TotLen() > 65535 {
		t.Fatalf("head totLen = %d, want <= 65535", head.TotLen())
	}
	if head.TotLen()+rest.TotLen() != 70000 {
		t.Fatalf("split halves sum to %d, want 70000", head.TotLen()+rest.TotLen())
	}

	Free(head)
	Free(rest)
}

func TestRefAndExternalClasses(t *testing.T) {
	a := newTestAllocator()
	data := []byte("hello, stack")

	refBuf, err := a.AllocRef(data)
	if err != nil {
		t.Fatalf("alloc ref: %v", err)
	}
	if !bytes.Equal(refBuf.Payload(), data) {
		t.Fatalf("ref payload mismatch")
	}
	Free(refBuf)
	if !bytes.Equal(data, []byte("hello, stack")) {
		t.Fatalf("freeing a Ref buf must not touch the externally owned backing store")
	}

	freed := false
	customBuf, err := a.AllocCustom(append([]byte(nil), data...), func([]byte) { freed = true })
	if err != nil {
		t.Fatalf("alloc custom: %v", err)
	}
	Free(customBuf)
	if !freed {
		t.Fatalf("expected custom free function to run")
	}
}
