// Package pool implements the fixed-size typed pool allocator from
// SPEC_FULL.md §3.2: one pool per pooled type, O(1) acquire/release, no
// fragmentation, deterministic failure, with used/peak/failed statistics.
package pool

import "sync"

// Stats reports occupancy counters for a Pool, consumed directly by
// pkg/metrics.StackCollector.
type Stats struct {
	Capacity int
	Used     int
	Peak     int
	Failed   uint64
}

// Handle is an opaque O(1) reference to a slot acquired from a Pool. It is
// the "PoolHandle" alluded to in spec.md §9's design notes: holding a
// Handle rather than a raw pointer means Release never has to search the
// backing array for the slot being freed.
type Handle struct {
	idx int32
	gen uint32
}

// Pool is a fixed-capacity free-list allocator for values of type T. The
// backing storage is a single preallocated slice, so acquiring a slot
// never triggers a heap allocation and releasing one never frees memory
// back to the runtime — matching the "no fragmentation, deterministic
// failure" contract of spec §3.2.
//
// A Pool is safe for concurrent use only insofar as the core-context rule
// in spec §5 requires: the stack's own pools are touched exclusively from
// the core context, except the frame-admission pool, which is guarded
// here by an internal mutex standing in for the "architecture-provided
// critical section" spec §5 calls for around interrupt-context allocation.
type Pool[T any] struct {
	mu     sync.Mutex
	slots  []T
	gen    []uint32
	inUse  []bool
	free   []int32 // stack of free slot indices
	used   int
	peak   int
	failed uint64
}

// New constructs a Pool with room for exactly capacity values of T.
func New[T any](capacity int) *Pool[T] {
	p := &Pool[T]{
		slots: make([]T, capacity),
		gen:   make([]uint32, capacity),
		inUse: make([]bool, capacity),
		free:  make([]int32, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.free[i] = int32(capacity - 1 - i)
	}
	return p
}

// Acquire pops a free slot in O(1) and returns a zeroed handle to it. It
// returns ok=false on exhaustion — pool exhaustion is a recoverable
// failure the caller must handle (drop datagram, refuse connection),
// never a panic.
func (p *Pool[T]) Acquire() (h Handle, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		p.failed++
		return Handle{}, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[idx] = true
	p.slots[idx] = *new(T)

	p.used++
	if p.used > p.peak {
		p.peak = p.used
	}

	return Handle{idx: idx, gen: p.gen[idx]}, true
}

// AcquireValue is a convenience wrapper over Acquire+Get for callers (like
// the buffer chain) that want to work with a live *T immediately rather
// than re-resolving the handle on every access. The returned pointer is
// only valid until the handle is released.
func (p *Pool[T]) AcquireValue() (*T, Handle, bool) {
	h, ok := p.Acquire()
	if !ok {
		return nil, Handle{}, false
	}
	return p.Get(h), h, true
}

// Get returns a pointer to the slot h refers to, for as long as it
// remains acquired. It panics if h was released or never valid — a
// genuine invariant violation, not a recoverable condition.
func (p *Pool[T]) Get(h Handle) *T {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkLive(h)
	return &p.slots[h.idx]
}

// Release returns the slot h refers to in O(1). It panics on a double
// release or a handle from a different generation (stale handle reuse
// after the slot was recycled) — both are invariant violations.
func (p *Pool[T]) Release(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkLive(h)
	p.inUse[h.idx] = false
	p.gen[h.idx]++
	p.free = append(p.free, h.idx)
	p.used--
}

func (p *Pool[T]) checkLive(h Handle) {
	if h.idx < 0 || int(h.idx) >= len(p.slots) {
		panic("pool: handle out of range")
	}
	if !p.inUse[h.idx] {
		panic("pool: use of released handle")
	}
	if p.gen[h.idx] != h.gen {
		panic("pool: stale handle from a recycled slot")
	}
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity: len(p.slots),
		Used:     p.used,
		Peak:     p.peak,
		Failed:   p.failed,
	}
}

// Len returns the pool's fixed capacity.
func (p *Pool[T]) Len() int { return len(p.slots) }
