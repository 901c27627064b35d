// Package netif implements the network interface table described by
// SPEC_FULL.md §3.3/§6.1: per-interface addresses, link-layer driver
// vtable, flags and lifecycle status fanout. Grounded on the teacher's
// callback/fanout shape (ReportStatsFn in pkg/exporter/exporter.go),
// generalised from "report one TCPInfo snapshot" to "fan an interface
// status event out to every registered observer".
package netif

import (
	"net"
	"net/netip"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/errs"
)

// Flags holds the per-interface up/link/broadcast/multicast bits of
// SPEC_FULL.md §3.3.
type Flags uint8

const (
	FlagUp Flags = 1 << iota
	FlagLinkUp
	FlagBroadcast
	FlagMulticast
	// FlagNoARP marks a netif whose driver needs no link-address
	// resolution before sending (loopback, point-to-point), matching
	// Linux's IFF_NOARP: the IPv4 pipeline hands frames straight to the
	// driver instead of consulting the ARP cache.
	FlagNoARP
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// IPv6AddrState is the DAD lifecycle state of one of a netif's IPv6
// addresses.
type IPv6AddrState uint8

const (
	IPv6Invalid IPv6AddrState = iota
	IPv6Tentative
	IPv6Preferred
	IPv6Deprecated
)

// IPv6Addr pairs an address with its DAD/preference state.
type IPv6Addr struct {
	Addr  netip.Addr
	State IPv6AddrState
}

// EventKind identifies the lifecycle event delivered to status
// observers (SPEC_FULL.md §3.3 lifecycle list).
type EventKind uint8

const (
	EventAdded EventKind = iota
	EventRemoved
	EventStatusChanged
	EventLinkChanged
	EventIPv4Changed
	EventIPv6Changed
)

// StatusFunc observes a netif lifecycle event, fired synchronously from
// the core context on the writer's goroutine.
type StatusFunc func(nf *Netif, ev EventKind)

// Driver is the link-layer vtable a netif is attached to (SPEC_FULL.md
// §6.1). Every method is invoked from the core context.
type Driver interface {
	OutputIPv4(nf *Netif, chain *buf.Buf, nextHop netip.Addr) error
	OutputIPv6(nf *Netif, chain *buf.Buf, nextHop netip.Addr) error
	LinkOutput(nf *Netif, chain *buf.Buf) error
	MTU() int
	HardwareAddr() net.HardwareAddr
}

// MulticastFilter is the optional IGMP/MLD filter control a driver may
// additionally expose.
type MulticastFilter interface {
	IGMPFilter(nf *Netif, group netip.Addr, add bool) error
	MLDFilter(nf *Netif, group netip.Addr, add bool) error
}

const maxIPv6Addrs = 8

// Netif is one attached link interface.
type Netif struct {
	Name string

	driver Driver
	flags  Flags

	ipv4Addr    netip.Addr
	ipv4Mask    netip.Addr
	ipv4Gateway netip.Addr
	hasIPv4     bool

	ipv6Addrs [maxIPv6Addrs]IPv6Addr
	numIPv6   int

	clientData [8]any

	statusObservers []StatusFunc
}

// New constructs a netif bound to drv, initially down.
func New(name string, drv Driver) *Netif {
	return &Netif{Name: name, driver: drv}
}

func (nf *Netif) Driver() Driver { return nf.driver }
func (nf *Netif) Flags() Flags   { return nf.flags }
func (nf *Netif) MTU() int       { return nf.driver.MTU() }

func (nf *Netif) HardwareAddr() net.HardwareAddr { return nf.driver.HardwareAddr() }

// AddStatusObserver registers a fanout callback; SPEC_FULL.md's
// "extended status callback list" is modelled as a plain slice since
// the core context serialises every call into it.
func (nf *Netif) AddStatusObserver(f StatusFunc) { nf.statusObservers = append(nf.statusObservers, f) }

func (nf *Netif) fire(ev EventKind) {
	for _, f := range nf.statusObservers {
		f(nf, ev)
	}
}

// SetUp brings the interface administratively up or down, firing
// EventStatusChanged.
func (nf *Netif) SetUp(up bool) {
	had := nf.flags.Has(FlagUp)
	if up {
		nf.flags |= FlagUp
	} else {
		nf.flags &^= FlagUp
	}
	if had != up {
		nf.fire(EventStatusChanged)
	}
}

// SetFlag sets or clears one of the static capability bits (FlagNoARP,
// FlagBroadcast, FlagMulticast) that a driver declares at construction
// time rather than toggling at runtime like FlagUp/FlagLinkUp.
func (nf *Netif) SetFlag(bit Flags, on bool) {
	if on {
		nf.flags |= bit
	} else {
		nf.flags &^= bit
	}
}

// SetLinkUp reflects a physical/virtual link carrier change, firing
// EventLinkChanged.
func (nf *Netif) SetLinkUp(up bool) {
	had := nf.flags.Has(FlagLinkUp)
	if up {
		nf.flags |= FlagLinkUp
	} else {
		nf.flags &^= FlagLinkUp
	}
	if had != up {
		nf.fire(EventLinkChanged)
	}
}

// IsUpAndLinked reports whether the interface may currently carry
// traffic: administratively up and link-up.
func (nf *Netif) IsUpAndLinked() bool {
	return nf.flags.Has(FlagUp) && nf.flags.Has(FlagLinkUp)
}

// SetIPv4 installs the single IPv4 address/mask/gateway triple, firing
// EventIPv4Changed.
func (nf *Netif) SetIPv4(addr, mask, gw netip.Addr) {
	nf.ipv4Addr, nf.ipv4Mask, nf.ipv4Gateway = addr, mask, gw
	nf.hasIPv4 = true
	nf.fire(EventIPv4Changed)
}

func (nf *Netif) IPv4() (addr, mask, gw netip.Addr, ok bool) {
	return nf.ipv4Addr, nf.ipv4Mask, nf.ipv4Gateway, nf.hasIPv4
}

func (nf *Netif) HasIPv4Addr(addr netip.Addr) bool {
	return nf.hasIPv4 && nf.ipv4Addr == addr
}

// IPv4OnSubnet reports whether addr shares this netif's configured
// network prefix.
func (nf *Netif) IPv4OnSubnet(addr netip.Addr) bool {
	if !nf.hasIPv4 || !addr.Is4() {
		return false
	}
	a4, n4, m4 := addr.As4(), nf.ipv4Addr.As4(), nf.ipv4Mask.As4()
	for i := range a4 {
		if a4[i]&m4[i] != n4[i]&m4[i] {
			return false
		}
	}
	return true
}

// AddIPv6 installs a new tentative/preferred IPv6 address. Returns
// errs.ErrOutOfMemory if the fixed-size address table is full.
func (nf *Netif) AddIPv6(addr netip.Addr, state IPv6AddrState) error {
	if nf.numIPv6 >= maxIPv6Addrs {
		return errs.Wrap(errs.ErrOutOfMemory, "netif: ipv6 address table full")
	}
	nf.ipv6Addrs[nf.numIPv6] = IPv6Addr{Addr: addr, State: state}
	nf.numIPv6++
	nf.fire(EventIPv6Changed)
	return nil
}

// IPv6Addrs returns the live IPv6 address slots.
func (nf *Netif) IPv6Addrs() []IPv6Addr { return nf.ipv6Addrs[:nf.numIPv6] }

// SetIPv6State transitions an existing address's DAD/preference state,
// e.g. Tentative -> Preferred once DAD completes.
func (nf *Netif) SetIPv6State(addr netip.Addr, state IPv6AddrState) bool {
	for i := range nf.ipv6Addrs[:nf.numIPv6] {
		if nf.ipv6Addrs[i].Addr == addr {
			nf.ipv6Addrs[i].State = state
			nf.fire(EventIPv6Changed)
			return true
		}
	}
	return false
}

func (nf *Netif) HasIPv6Addr(addr netip.Addr) bool {
	for _, a := range nf.ipv6Addrs[:nf.numIPv6] {
		if a.Addr == addr && a.State != IPv6Invalid {
			return true
		}
	}
	return false
}

// ClientData returns the per-protocol slot at idx (addressed by a
// registered slot id, as in lwIP's netif_add_ext_callback-adjacent
// client-data array); slots are just an any-typed scratch array
// assigned by protocol-specific registration code.
func (nf *Netif) ClientData(idx int) any       { return nf.clientData[idx] }
func (nf *Netif) SetClientData(idx int, v any) { nf.clientData[idx] = v }

// Table owns the set of attached netifs plus the default-route
// singleton.
type Table struct {
	list       []*Netif
	defaultNif *Netif
}

// NewTable constructs an empty netif table.
func NewTable() *Table { return &Table{} }

// Add attaches nf, firing EventAdded.
func (t *Table) Add(nf *Netif) {
	t.list = append(t.list, nf)
	nf.fire(EventAdded)
}

// Remove detaches nf, firing EventRemoved; clears the default netif if
// it was nf.
func (t *Table) Remove(nf *Netif) {
	for i, n := range t.list {
		if n == nf {
			t.list = append(t.list[:i], t.list[i+1:]...)
			break
		}
	}
	if t.defaultNif == nf {
		t.defaultNif = nil
	}
	nf.fire(EventRemoved)
}

func (t *Table) All() []*Netif { return t.list }

func (t *Table) SetDefault(nf *Netif) { t.defaultNif = nf }
func (t *Table) Default() *Netif      { return t.defaultNif }

// RouteIPv4 implements the SPEC_FULL.md §4.3 routing decision: exact
// host match, else the first up+linked netif whose subnet matches,
// else the default netif if up, else ErrRouting.
func (t *Table) RouteIPv4(dst netip.Addr) (*Netif, error) {
	for _, nf := range t.list {
		if nf.HasIPv4Addr(dst) {
			return nf, nil
		}
	}
	for _, nf := range t.list {
		if nf.IsUpAndLinked() && nf.IPv4OnSubnet(dst) {
			return nf, nil
		}
	}
	if t.defaultNif != nil && t.defaultNif.IsUpAndLinked() {
		return t.defaultNif, nil
	}
	return nil, errs.Wrap(errs.ErrRouting, "netif: no route to %s", dst)
}

// RouteIPv6 picks the outbound netif for dst: an exact match against
// one of the netif's own addresses, else the first up+linked netif
// carrying an on-link match for dst's top 64 bits (today's only
// supported prefix length, since IPv6Addr does not itself record a
// prefix length), else the default netif if up.
func (t *Table) RouteIPv6(dst netip.Addr) (*Netif, error) {
	for _, nf := range t.list {
		if nf.HasIPv6Addr(dst) {
			return nf, nil
		}
	}
	for _, nf := range t.list {
		if !nf.IsUpAndLinked() {
			continue
		}
		for _, a := range nf.IPv6Addrs() {
			if a.State == IPv6Invalid {
				continue
			}
			if samePrefix64(a.Addr, dst) {
				return nf, nil
			}
		}
	}
	if t.defaultNif != nil && t.defaultNif.IsUpAndLinked() {
		return t.defaultNif, nil
	}
	return nil, errs.Wrap(errs.ErrRouting, "netif: no route to %s", dst)
}

func samePrefix64(a, b netip.Addr) bool {
	if !a.Is6() || !b.Is6() {
		return false
	}
	a16, b16 := a.As16(), b.As16()
	for i := 0; i < 8; i++ {
		if a16[i] != b16[i] {
			return false
		}
	}
	return true
}
