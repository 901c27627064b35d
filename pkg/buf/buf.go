// Package buf implements Buf, the zero-copy buffer chain described in
// SPEC_FULL.md §3.1 and §4.1: a singly-linked chain of segments, each
// tagged by storage class, reference-counted, supporting header adjust,
// copy, chain concat/dechain, partial copy-in/out, and 64-KiB split.
package buf

import (
	"bytes"
	"fmt"

	"github.com/simeonmiteff/nanostack/pkg/errs"
	"github.com/simeonmiteff/nanostack/pkg/pool"
)

// Class is the storage class of one Buf segment.
type Class int

const (
	// ClassPool segments are carved from a fixed-size segment pool.
	ClassPool Class = iota
	// ClassHeap segments are carved from the best-fit heap.
	ClassHeap
	// ClassRef segments wrap externally owned, mutable bytes the stack
	// does not free.
	ClassRef
	// ClassRom segments wrap externally owned, read-only bytes (e.g. a
	// constant string baked into firmware).
	ClassRom
	// ClassCustom segments wrap externally owned bytes released through
	// a caller-supplied function when the last reference drops.
	ClassCustom
)

func (c Class) String() string {
	switch c {
	case ClassPool:
		return "pool"
	case ClassHeap:
		return "heap"
	case ClassRef:
		return "ref"
	case ClassRom:
		return "rom"
	case ClassCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Layer is the pre-allocation headroom reservation requested at Alloc
// time, so that later HeaderAdjust calls which prepend headers succeed
// without a copy.
type Layer int

const (
	LayerRaw Layer = iota
	LayerLink
	LayerIP
	LayerTransport
)

// headroom gives the number of bytes reserved before the payload for
// each Layer: enough for an Ethernet header (Link), plus the largest IP
// header this stack emits (IP), plus the largest TCP header with options
// (Transport). These mirror the fixed constants a small-footprint stack
// bakes in at compile time rather than computing dynamically.
func (l Layer) headroom() int {
	switch l {
	case LayerLink:
		return 14
	case LayerIP:
		return 14 + 40
	case LayerTransport:
		return 14 + 40 + 60
	default:
		return 0
	}
}

// Flags carries per-segment hints.
type Flags uint8

const (
	// FlagPush marks that this segment (or the data it carries) should
	// be delivered to the application without delay — the TCP PSH bit
	// once it reaches a receive callback.
	FlagPush Flags = 1 << iota
	// FlagEvictable hints that this segment's backing storage may be
	// reclaimed under memory pressure before other segments (unused by
	// the core itself; carried for collaborators such as a cache).
	FlagEvictable
)

const segmentSize = 512

type segment = [segmentSize]byte

// Buf is one segment of a buffer chain.
type Buf struct {
	next   *Buf
	backing []byte // full underlying storage, including headroom
	off     int    // index into backing where the payload currently starts
	len     int    // bytes of payload in this segment
	totLen  int    // len + sum of successors' totLen
	refs    int32
	class   Class
	flags   Flags

	// release plumbing, set at Alloc time according to class.
	alloc    *Allocator
	segHdl   pool.Handle
	segOwned bool
	hdrHdl   pool.Handle
	custom   func([]byte)
}

// Next returns the next segment in the chain, or nil.
func (b *Buf) Next() *Buf { return b.next }

// Len returns the bytes this segment alone represents.
func (b *Buf) Len() int { return b.len }

// TotLen returns the bytes this segment and all its successors
// represent.
func (b *Buf) TotLen() int { return b.totLen }

// Class reports this segment's storage class.
func (b *Buf) Class() Class { return b.class }

// Flags returns this segment's flag bits.
func (b *Buf) Flags() Flags { return b.flags }

// SetFlags overwrites this segment's flag bits.
func (b *Buf) SetFlags(f Flags) { b.flags = f }

// Refs reports this segment's own reference count, for tests and
// diagnostics.
func (b *Buf) Refs() int32 { return b.refs }

// Payload returns the live payload window of this segment only. Callers
// outside the core context may read it but must not retain it past the
// callback that handed them the Buf (spec §4.1 concurrency rule).
func (b *Buf) Payload() []byte { return b.backing[b.off : b.off+b.len] }

func (b *Buf) headroom() int { return b.off }

// Allocator owns the pools and heap backing Buf allocation. One Allocator
// is constructed per CoreContext.
type Allocator struct {
	headers  *pool.Pool[Buf]
	segments *pool.Pool[segment]
	heap     *pool.Heap
}

// NewAllocator builds an Allocator with the given header/segment pool
// capacities and heap arena size.
func NewAllocator(headerCap, segmentCap, heapBytes int) *Allocator {
	return &Allocator{
		headers:  pool.New[Buf](headerCap),
		segments: pool.New[segment](segmentCap),
		heap:     pool.NewHeap(heapBytes),
	}
}

// HeaderStats reports Buf-header pool occupancy.
func (a *Allocator) HeaderStats() pool.Stats { return a.headers.Stats() }

// SegmentStats reports pool-class data-segment pool occupancy.
func (a *Allocator) SegmentStats() pool.Stats { return a.segments.Stats() }

// HeapAvailable reports free heap bytes.
func (a *Allocator) HeapAvailable() int { return a.heap.Available() }

func (a *Allocator) newHeader() (*Buf, pool.Handle, bool) {
	b, h, ok := a.headers.AcquireValue()
	if !ok {
		return nil, pool.Handle{}, false
	}
	*b = Buf{alloc: a, hdrHdl: h}
	return b, h, true
}

// Alloc returns a chain whose total length is exactly n, with layer's
// headroom reserved in the first segment. Pool-class allocations may
// return more than one segment, chained, if n exceeds one pool segment's
// usable space; Heap-class allocations return a single segment.
func (a *Allocator) Alloc(layer Layer, n int, class Class) (*Buf, error) {
	if n < 0 {
		return nil, errs.Wrap(errs.ErrArgument, "buf: negative length %d", n)
	}
	switch class {
	case ClassPool:
		return a.allocPool(layer, n)
	case ClassHeap:
		return a.allocHeap(layer, n)
	default:
		return nil, errs.Wrap(errs.ErrArgument, "buf: Alloc does not support class %s; use AllocRef/AllocRom/AllocCustom", class)
	}
}

func (a *Allocator) allocHeap(layer Layer, n int) (*Buf, error) {
	hr := layer.headroom()
	backing, ok := a.heap.Alloc(hr + n)
	if !ok {
		return nil, errs.Wrap(errs.ErrOutOfMemory, "buf: heap exhausted allocating %d bytes", hr+n)
	}
	hdr, hh, ok := a.newHeader()
	if !ok {
		a.heap.Free(backing)
		return nil, errs.Wrap(errs.ErrOutOfMemory, "buf: header pool exhausted")
	}
	hdr.backing = backing
	hdr.off = hr
	hdr.len = n
	hdr.totLen = n
	hdr.refs = 1
	hdr.class = ClassHeap
	hdr.hdrHdl = hh
	return hdr, nil
}

func (a *Allocator) allocPool(layer Layer, n int) (*Buf, error) {
	hr := layer.headroom()
	remaining := n
	var head, tail *Buf
	first := true

	release := func() {
		for head != nil {
			next := head.next
			a.releaseOne(head)
			head = next
		}
	}

	for first || remaining > 0 {
		want := remaining
		segCap := segmentSize
		if first {
			segCap -= hr
		}
		if want > segCap {
			want = segCap
		}

		segPtr, sh, ok := a.segments.AcquireValue()
		if !ok {
			release()
			return nil, errs.Wrap(errs.ErrOutOfMemory, "buf: segment pool exhausted")
		}
		hdr, hh, ok := a.newHeader()
		if !ok {
			a.segments.Release(sh)
			release()
			return nil, errs.Wrap(errs.ErrOutOfMemory, "buf: header pool exhausted")
		}

		hdr.backing = segPtr[:]
		if first {
			hdr.off = hr
		} else {
			hdr.off = 0
		}
		hdr.len = want
		hdr.totLen = want
		hdr.refs = 1
		hdr.class = ClassPool
		hdr.hdrHdl = hh
		hdr.segHdl = sh
		hdr.segOwned = true

		if head == nil {
			head = hdr
			tail = hdr
		} else {
			tail.next = hdr
			tail = hdr
		}

		remaining -= want
		first = false
	}

	// Fix up totLen along the chain (cheap: pool chains are short).
	fixupTotLen(head)
	return head, nil
}

func fixupTotLen(head *Buf) {
	var segs []*Buf
	for s := head; s != nil; s = s.next {
		segs = append(segs, s)
	}
	acc := 0
	for i := len(segs) - 1; i >= 0; i-- {
		acc += segs[i].len
		segs[i].totLen = acc
	}
}

// AllocRef wraps externally owned, mutable bytes as a single-segment Buf
// the stack will never free the backing store of. Succeeds only if a
// header slot is available.
func (a *Allocator) AllocRef(data []byte) (*Buf, error) {
	return a.allocExternal(data, ClassRef, nil)
}

// AllocRom wraps externally owned, read-only bytes (e.g. ROM constant
// data) as a single-segment Buf.
func (a *Allocator) AllocRom(data []byte) (*Buf, error) {
	return a.allocExternal(data, ClassRom, nil)
}

// AllocCustom wraps externally owned bytes, calling free when the last
// reference to the segment is released.
func (a *Allocator) AllocCustom(data []byte, free func([]byte)) (*Buf, error) {
	if free == nil {
		return nil, errs.Wrap(errs.ErrArgument, "buf: AllocCustom requires a non-nil free function")
	}
	return a.allocExternal(data, ClassCustom, free)
}

func (a *Allocator) allocExternal(data []byte, class Class, free func([]byte)) (*Buf, error) {
	hdr, hh, ok := a.newHeader()
	if !ok {
		return nil, errs.Wrap(errs.ErrOutOfMemory, "buf: header pool exhausted")
	}
	hdr.backing = data
	hdr.off = 0
	hdr.len = len(data)
	hdr.totLen = len(data)
	hdr.refs = 1
	hdr.class = class
	hdr.hdrHdl = hh
	hdr.custom = free
	return hdr, nil
}

// Ref increments the reference count of the chain's head segment only,
// per spec §3.1 ("a chain's reference operation increments only the
// head").
func Ref(b *Buf) {
	if b != nil {
		b.refs++
	}
}

// Free decrements b's own refcount and, if it reaches zero, releases b's
// backing per its class and recurses into b.next, stopping as soon as a
// successor's refcount survives the decrement (meaning another chain
// still holds it live). Free fails only when b is nil.
func Free(b *Buf) error {
	if b == nil {
		return errs.Wrap(errs.ErrArgument, "buf: free of nil chain")
	}
	for cur := b; cur != nil; {
		cur.refs--
		if cur.refs > 0 {
			break
		}
		next := cur.next
		cur.next = nil
		cur.alloc.releaseOne(cur)
		cur = next
	}
	return nil
}

func (a *Allocator) releaseOne(b *Buf) {
	switch b.class {
	case ClassPool:
		if b.segOwned {
			a.segments.Release(b.segHdl)
		}
	case ClassHeap:
		a.heap.Free(b.backing)
	case ClassRef, ClassRom:
		// externally owned; nothing to release.
	case ClassCustom:
		if b.custom != nil {
			b.custom(b.backing)
		}
	}
	a.headers.Release(b.hdrHdl)
}

// HeaderAdjust moves the first segment's payload window within its
// backing bytes by n bytes: n > 0 prepends n bytes of header space
// (consuming headroom), n < 0 strips n bytes from the front. It fails
// with a Buffer error if the move would exceed available headroom or
// shrink len below zero.
func HeaderAdjust(b *Buf, n int) error {
	if b == nil {
		return errs.Wrap(errs.ErrArgument, "buf: header adjust of nil buffer")
	}
	newOff := b.off - n
	newLen := b.len + n
	if newOff < 0 || newOff > len(b.backing) || newLen < 0 || newOff+newLen > len(b.backing) {
		return errs.Wrap(errs.ErrBuffer, "buf: header adjust by %d: insufficient headroom (off=%d backing=%d)", n, b.off, len(b.backing))
	}
	b.off = newOff
	b.len = newLen
	b.totLen += n
	return nil
}

// HeaderAdjustForce behaves like HeaderAdjust for n >= 0. For n < 0 it
// permits the strip to exceed the first segment's own length, in which
// case whole leading segments are released and detached from the chain
// until the requested number of bytes has been removed. It returns the
// new chain head, which may differ from b.
func HeaderAdjustForce(b *Buf, n int) (*Buf, error) {
	if n >= 0 {
		if err := HeaderAdjust(b, n); err != nil {
			return nil, err
		}
		return b, nil
	}
	if b == nil {
		return nil, errs.Wrap(errs.ErrArgument, "buf: header adjust of nil buffer")
	}

	remaining := -n
	cur := b
	for remaining > 0 {
		if cur == nil {
			return nil, errs.Wrap(errs.ErrBuffer, "buf: header adjust force: chain shorter than requested strip")
		}
		if remaining < cur.len {
			cur.off += remaining
			cur.len -= remaining
			cur.totLen -= remaining
			remaining = 0
			break
		}
		remaining -= cur.len
		next := cur.next
		cur.next = nil
		cur.refs--
		if cur.refs <= 0 {
			cur.alloc.releaseOne(cur)
		}
		cur = next
	}
	return cur, nil
}

// Concat makes b the tail of a, transferring ownership of b's reference
// to a (no incref on b). Every segment of a has its totLen increased by
// b.totLen to reflect the new successor.
func Concat(a, b *Buf) error {
	if a == nil || b == nil {
		return errs.Wrap(errs.ErrArgument, "buf: concat of nil chain")
	}
	tail := a
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = b
	addTotLen := b.totLen
	for s := a; s != nil; s = s.next {
		s.totLen += addTotLen
		if s == tail {
			break
		}
	}
	return nil
}

// Chain behaves like Concat but additionally increments b's own
// reference count, since both a and b's original owner now hold it.
func Chain(a, b *Buf) error {
	if err := Concat(a, b); err != nil {
		return err
	}
	b.refs++
	return nil
}

// Dechain detaches a's immediate successor and returns it (or nil if a
// has none). a.totLen is reduced by the detached chain's totLen.
func Dechain(a *Buf) *Buf {
	if a == nil || a.next == nil {
		return nil
	}
	next := a.next
	a.next = nil
	a.totLen -= next.totLen
	return next
}

// CopyTo copies up to n bytes starting at offset off in the chain into
// dst, returning the number of bytes actually copied.
func CopyTo(b *Buf, off, n int, dst []byte) int {
	copied := 0
	pos := 0
	for s := b; s != nil && copied < n; s = s.next {
		segEnd := pos + s.len
		if off < segEnd {
			start := off - pos
			if start < 0 {
				start = 0
			}
			avail := s.len - start
			want := n - copied
			if want > avail {
				want = avail
			}
			if want > len(dst)-copied {
				want = len(dst) - copied
			}
			if want > 0 {
				copy(dst[copied:copied+want], s.backing[s.off+start:s.off+start+want])
				copied += want
				off += want
			}
		}
		pos = segEnd
	}
	return copied
}

// CopyFrom copies src into the chain starting at offset off, returning
// the number of bytes actually written.
func CopyFrom(b *Buf, off int, src []byte) int {
	written := 0
	pos := 0
	for s := b; s != nil && written < len(src); s = s.next {
		segEnd := pos + s.len
		if off < segEnd {
			start := off - pos
			if start < 0 {
				start = 0
			}
			avail := s.len - start
			want := len(src) - written
			if want > avail {
				want = avail
			}
			if want > 0 {
				copy(s.backing[s.off+start:s.off+start+want], src[written:written+want])
				written += want
				off += want
			}
		}
		pos = segEnd
	}
	return written
}

// Memcmp compares len(src) bytes of the chain starting at pos against
// src, returning 0 if they match (mirrors bytes.Compare's zero-for-equal
// convention but only over the requested window).
func Memcmp(b *Buf, pos int, src []byte) int {
	window := make([]byte, len(src))
	n := CopyTo(b, pos, len(src), window)
	if n != len(src) {
		return -1
	}
	return bytes.Compare(window, src)
}

// Memfind searches the chain's payload, starting at start, for needle,
// returning its offset from the chain head or -1 if not found.
func Memfind(b *Buf, needle []byte, start int) int {
	total := b.TotLen()
	if len(needle) == 0 {
		return start
	}
	flat := make([]byte, total)
	CopyTo(b, 0, total, flat)
	clampedStart := min(start, total)
	idx := bytes.Index(flat[clampedStart:], needle)
	if idx < 0 {
		return -1
	}
	return idx + clampedStart
}

const splitLimit = 65535

// Split64K splits p if p.TotLen() exceeds 65535 bytes, returning the
// (possibly unmodified) head and the detached remainder (nil if no split
// was necessary). Chain structure is preserved: the split falls after the
// last segment that keeps the head at or under 65535 bytes. A first
// segment longer than that becomes the head on its own; a single-segment
// chain over the limit cannot be split and yields an error.
func Split64K(p *Buf) (head, rest *Buf, err error) {
	if p == nil {
		return nil, nil, errs.Wrap(errs.ErrArgument, "buf: split of nil chain")
	}
	if p.TotLen() <= splitLimit {
		return p, nil, nil
	}
	acc := 0
	for s := p; s.next != nil; s = s.next {
		acc += s.len
		if acc+s.next.len > splitLimit {
			rest = s.next
			s.next = nil
			// Every ancestor from p through s counted rest's bytes in its
			// own totLen; walk them once to subtract it back out.
			restLen := rest.totLen
			for a := p; ; a = a.next {
				a.totLen -= restLen
				if a == s {
					break
				}
			}
			return p, rest, nil
		}
	}
	return nil, nil, errs.Wrap(errs.ErrBuffer, "buf: split: accounting mismatch")
}

// String renders a compact chain summary for logging.
func (b *Buf) String() string {
	if b == nil {
		return "<nil buf>"
	}
	n := 0
	for s := b; s != nil; s = s.next {
		n++
	}
	return fmt.Sprintf("Buf{class=%s len=%d totLen=%d refs=%d segments=%d}", b.class, b.len, b.totLen, b.refs, n)
}
