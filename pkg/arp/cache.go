// Package arp implements the IPv4 ARP cache of SPEC_FULL.md §3.4/§4.4:
// a fixed-size table of address-resolution entries with a pending-
// packet queue, aged by a coarse periodic timer. Grounded on the
// teacher's fixed-capacity table pattern (the tcpinfo connection map in
// sockstats.go), replacing "one entry per live TCP connection" with
// "one entry per resolved/resolving IPv4 neighbour".
package arp

import (
	"net"
	"net/netip"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/errs"
)

// State is an ARP cache entry's resolution state (SPEC_FULL.md §3.4).
type State uint8

const (
	StateEmpty State = iota
	StateIncomplete
	StateReachable
	StateStale
	StateExpired
)

// Entry is one ARP cache row.
type Entry struct {
	State   State
	IP      netip.Addr
	HW      net.HardwareAddr
	Age     int
	Pending *buf.Buf // single queued outbound chain awaiting resolution
}

// Cache is a fixed-capacity ARP table, one per stack (shared across
// netifs, indexed by IP since SPEC_FULL.md does not require per-netif
// partitioning for this simplified core).
type Cache struct {
	entries []Entry
	maxAge  int
}

// New constructs a cache with room for capacity entries. maxAgeTicks is
// the number of aging-timer ticks a REACHABLE entry survives before
// moving to STALE, and a STALE entry before EXPIRED/recycled.
func New(capacity, maxAgeTicks int) *Cache {
	return &Cache{entries: make([]Entry, capacity), maxAge: maxAgeTicks}
}

// Stats reports cache occupancy, consumed by pkg/metrics.StackCollector.
type Stats struct {
	Capacity    int
	Resolved    int // REACHABLE or STALE
	Incomplete  int
}

// Stats returns a snapshot of cache occupancy.
func (c *Cache) Stats() Stats {
	s := Stats{Capacity: len(c.entries)}
	for i := range c.entries {
		switch c.entries[i].State {
		case StateReachable, StateStale:
			s.Resolved++
		case StateIncomplete:
			s.Incomplete++
		}
	}
	return s
}

// Lookup returns the resolved hardware address for ip, only succeeding
// for REACHABLE or STALE entries per the §3.4 invariant.
func (c *Cache) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.IP == ip && (e.State == StateReachable || e.State == StateStale) {
			return e.HW, true
		}
	}
	return nil, false
}

// find locates an existing entry for ip regardless of state, or
// returns nil.
func (c *Cache) find(ip netip.Addr) *Entry {
	for i := range c.entries {
		if c.entries[i].State != StateEmpty && c.entries[i].IP == ip {
			return &c.entries[i]
		}
	}
	return nil
}

// recycle picks a slot to evict for a new entry: an EMPTY slot if one
// exists, else the EXPIRED entry, else the oldest entry. Any pending
// buffer on the evicted entry is freed per §3.4 ("on entry recycle, any
// queued buffer is dropped").
func (c *Cache) recycle() *Entry {
	for i := range c.entries {
		if c.entries[i].State == StateEmpty {
			return &c.entries[i]
		}
	}
	oldest := &c.entries[0]
	for i := range c.entries {
		if c.entries[i].State == StateExpired || c.entries[i].Age > oldest.Age {
			oldest = &c.entries[i]
		}
	}
	if oldest.Pending != nil {
		buf.Free(oldest.Pending)
		oldest.Pending = nil
	}
	return oldest
}

// StartResolution creates or refreshes an INCOMPLETE entry for ip, to
// be filled in once a reply arrives. Returns errs.ErrOutOfMemory only
// in the (should-not-happen, capacity > 0) case of a zero-length table.
func (c *Cache) StartResolution(ip netip.Addr) (*Entry, error) {
	if len(c.entries) == 0 {
		return nil, errs.Wrap(errs.ErrOutOfMemory, "arp: cache has zero capacity")
	}
	if e := c.find(ip); e != nil {
		return e, nil
	}
	e := c.recycle()
	*e = Entry{State: StateIncomplete, IP: ip}
	return e, nil
}

// Resolve completes an INCOMPLETE (or refreshes any existing) entry
// with hw, transitioning to REACHABLE. Returns the entry's pending
// buffer, if any, so the caller can transmit it now that the
// destination is resolved; the entry's own Pending slot is cleared.
func (c *Cache) Resolve(ip netip.Addr, hw net.HardwareAddr) *buf.Buf {
	e := c.find(ip)
	if e == nil {
		e = c.recycle()
		e.IP = ip
	}
	e.State = StateReachable
	e.HW = append(net.HardwareAddr(nil), hw...)
	e.Age = 0
	pending := e.Pending
	e.Pending = nil
	return pending
}

// AttachPending stores chain as the single outbound buffer queued
// against an INCOMPLETE entry, freeing any buffer it replaces (§3.4:
// "a queue slot (single outbound chain)").
func (c *Cache) AttachPending(ip netip.Addr, chain *buf.Buf) {
	e := c.find(ip)
	if e == nil {
		return
	}
	if e.Pending != nil {
		buf.Free(e.Pending)
	}
	e.Pending = chain
}

// AgeTick runs the coarse periodic aging pass (§4.4): REACHABLE entries
// older than maxAge become STALE; STALE entries older than 2*maxAge are
// recycled to EMPTY, dropping any pending buffer.
func (c *Cache) AgeTick() {
	for i := range c.entries {
		e := &c.entries[i]
		if e.State == StateEmpty {
			continue
		}
		e.Age++
		switch e.State {
		case StateReachable:
			if e.Age > c.maxAge {
				e.State = StateStale
			}
		case StateStale:
			if e.Age > 2*c.maxAge {
				e.State = StateExpired
				if e.Pending != nil {
					buf.Free(e.Pending)
					e.Pending = nil
				}
				*e = Entry{}
			}
		case StateIncomplete:
			if e.Age > c.maxAge {
				if e.Pending != nil {
					buf.Free(e.Pending)
				}
				*e = Entry{}
			}
		}
	}
}
