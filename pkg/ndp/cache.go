// Package ndp implements the IPv6 neighbour cache of SPEC_FULL.md
// §3.4/§4.5, following the RFC 4861 state machine (a superset of the
// ARP states). Grounded on the same fixed-capacity table shape as
// pkg/arp, since both are "resolve protocol address to link address"
// caches differing only in state-machine richness.
package ndp

import (
	"net"
	"net/netip"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/errs"
)

// State is an RFC 4861 neighbour cache entry state.
type State uint8

const (
	StateEmpty State = iota
	StateIncomplete
	StateReachable
	StateStale
	StateDelay
	StateProbe
)

// Entry is one neighbour cache row.
type Entry struct {
	State   State
	IP      netip.Addr
	HW      net.HardwareAddr
	IsRouter bool
	Age     int
	Pending *buf.Buf
}

// Cache is a fixed-capacity IPv6 neighbour cache.
type Cache struct {
	entries        []Entry
	reachableTicks int // REACHABLE -> STALE after this many AgeTick calls
	delayTicks     int // DELAY -> PROBE after this many AgeTick calls
}

// New constructs a cache with room for capacity entries.
func New(capacity, reachableTicks, delayTicks int) *Cache {
	return &Cache{entries: make([]Entry, capacity), reachableTicks: reachableTicks, delayTicks: delayTicks}
}

// Stats reports cache occupancy, consumed by pkg/metrics.StackCollector.
type Stats struct {
	Capacity   int
	Resolved   int // REACHABLE, STALE, DELAY or PROBE
	Incomplete int
}

// Stats returns a snapshot of cache occupancy.
func (c *Cache) Stats() Stats {
	s := Stats{Capacity: len(c.entries)}
	for i := range c.entries {
		switch c.entries[i].State {
		case StateReachable, StateStale, StateDelay, StateProbe:
			s.Resolved++
		case StateIncomplete:
			s.Incomplete++
		}
	}
	return s
}

func (c *Cache) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	for i := range c.entries {
		e := &c.entries[i]
		switch e.State {
		case StateReachable, StateStale, StateDelay, StateProbe:
			if e.IP == ip {
				return e.HW, true
			}
		}
	}
	return nil, false
}

func (c *Cache) find(ip netip.Addr) *Entry {
	for i := range c.entries {
		if c.entries[i].State != StateEmpty && c.entries[i].IP == ip {
			return &c.entries[i]
		}
	}
	return nil
}

func (c *Cache) recycle() *Entry {
	for i := range c.entries {
		if c.entries[i].State == StateEmpty {
			return &c.entries[i]
		}
	}
	oldest := &c.entries[0]
	for i := range c.entries {
		if c.entries[i].Age > oldest.Age {
			oldest = &c.entries[i]
		}
	}
	if oldest.Pending != nil {
		buf.Free(oldest.Pending)
		oldest.Pending = nil
	}
	return oldest
}

// StartResolution creates or returns an INCOMPLETE entry for ip.
func (c *Cache) StartResolution(ip netip.Addr) (*Entry, error) {
	if len(c.entries) == 0 {
		return nil, errs.Wrap(errs.ErrOutOfMemory, "ndp: cache has zero capacity")
	}
	if e := c.find(ip); e != nil {
		return e, nil
	}
	e := c.recycle()
	*e = Entry{State: StateIncomplete, IP: ip}
	return e, nil
}

// Resolve completes an entry from a Neighbor Advertisement, moving it
// to REACHABLE and returning any queued pending buffer to transmit.
func (c *Cache) Resolve(ip netip.Addr, hw net.HardwareAddr, isRouter bool) *buf.Buf {
	e := c.find(ip)
	if e == nil {
		e = c.recycle()
		e.IP = ip
	}
	e.State = StateReachable
	e.HW = append(net.HardwareAddr(nil), hw...)
	e.IsRouter = isRouter
	e.Age = 0
	pending := e.Pending
	e.Pending = nil
	return pending
}

// MarkStale moves an entry to STALE, e.g. on receipt of unsolicited
// traffic from a known neighbour whose link address changed.
func (c *Cache) MarkStale(ip netip.Addr) {
	if e := c.find(ip); e != nil {
		e.State = StateStale
		e.Age = 0
	}
}

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

// AgeTick advances every non-empty entry's age and applies the timed
// steps REACHABLE -> STALE and DELAY -> PROBE; STALE -> DELAY happens in
// BeginDelayProbe, not here. PROBE entries that
// never resolve are recycled by the caller via StartResolution once
// their retry budget (tracked by the neighbour discovery protocol
// logic, not this cache) is exhausted.
func (c *Cache) AgeTick() {
	for i := range c.entries {
		e := &c.entries[i]
		if e.State == StateEmpty {
			continue
		}
		e.Age++
		switch e.State {
		case StateReachable:
			if e.Age > c.reachableTicks {
				e.State = StateStale
				e.Age = 0
			}
		case StateDelay:
			if e.Age > c.delayTicks {
				e.State = StateProbe
			}
		}
	}
}

// BeginDelayProbe transitions a STALE entry into DELAY when it is
// about to be used, per RFC 4861 §7.3.3.
func (c *Cache) BeginDelayProbe(ip netip.Addr) {
	if e := c.find(ip); e != nil && e.State == StateStale {
		e.State = StateDelay
		e.Age = 0
	}
}
