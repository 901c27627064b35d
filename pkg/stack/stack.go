// Package stack is the composition root SPEC_FULL.md §5/§6 describes: it
// owns one of everything (buffer pool, netif table, ARP/ND caches and
// protocol handlers, IPv4/IPv6 pipelines, ICMP/ICMPv6, UDP and TCP
// tables, timer wheel, core context) and wires them together the way a
// cmd/* main would, so application code and tests construct a Stack
// instead of hand-assembling a dozen packages. Grounded on the
// teacher's cmd mains (cmd/exporter_example1, cmd/get) for the
// "construct dependencies, wire callbacks, start the loop" shape,
// generalised from "one HTTP client" to "one protocol stack".
package stack

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/nanostack/pkg/arp"
	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/corectx"
	"github.com/simeonmiteff/nanostack/pkg/icmp"
	"github.com/simeonmiteff/nanostack/pkg/icmp6"
	"github.com/simeonmiteff/nanostack/pkg/igmp"
	"github.com/simeonmiteff/nanostack/pkg/ipv4"
	"github.com/simeonmiteff/nanostack/pkg/ipv6"
	"github.com/simeonmiteff/nanostack/pkg/mld"
	"github.com/simeonmiteff/nanostack/pkg/ndp"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/pool"
	"github.com/simeonmiteff/nanostack/pkg/rawip"
	"github.com/simeonmiteff/nanostack/pkg/tcp"
	"github.com/simeonmiteff/nanostack/pkg/timer"
	"github.com/simeonmiteff/nanostack/pkg/udp"
)

// Snapshot is the occupancy view Snapshot() returns, one field per
// owned component pkg/metrics.StackCollector exports as a gauge.
type Snapshot struct {
	Netifs   int
	ARP      arp.Stats
	ND       ndp.Stats
	TCP      tcp.Stats
	IGMP     int
	MLD      int
	Headers  pool.Stats
	Segments pool.Stats
	HeapFree int
}

// Config bundles the capacity tunables every owned package needs. A
// zero value in any field falls back to a sane default, following the
// same pattern as tcp.Config.
type Config struct {
	HeaderCap, SegmentCap, HeapBytes int // buf.Allocator

	ARPCapacity, ARPMaxAgeTicks int
	NDCapacity, NDReachableTicks, NDDelayTicks int

	ReassemblyCapacity, ReassemblyMaxAgeTicks, MaxDatagramSize int

	TCP tcp.Config

	Logger *logrus.Entry
}

func (c *Config) applyDefaults() {
	if c.HeaderCap == 0 {
		c.HeaderCap = 64
	}
	if c.SegmentCap == 0 {
		c.SegmentCap = 2048
	}
	if c.HeapBytes == 0 {
		c.HeapBytes = 4 << 20
	}
	if c.ARPCapacity == 0 {
		c.ARPCapacity = 64
	}
	if c.ARPMaxAgeTicks == 0 {
		c.ARPMaxAgeTicks = 1200
	}
	if c.NDCapacity == 0 {
		c.NDCapacity = 64
	}
	if c.NDReachableTicks == 0 {
		c.NDReachableTicks = 300
	}
	if c.NDDelayTicks == 0 {
		c.NDDelayTicks = 5
	}
	if c.ReassemblyCapacity == 0 {
		c.ReassemblyCapacity = 16
	}
	if c.ReassemblyMaxAgeTicks == 0 {
		c.ReassemblyMaxAgeTicks = 150
	}
	if c.MaxDatagramSize == 0 {
		c.MaxDatagramSize = 65535
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Stack is one complete instance of every SPEC_FULL.md §4 component,
// sharing a single netif table, buffer allocator and timer wheel.
type Stack struct {
	Netifs *netif.Table
	Alloc  *buf.Allocator
	Timers *timer.Wheel

	ARPCache *arp.Cache
	ARP      *arp.Resolver
	IPv4     *ipv4.Pipeline
	ICMP     *icmp.Handler

	NDCache *ndp.Cache
	ND      *ndp.Resolver
	IPv6    *ipv6.Pipeline
	ICMPv6  *icmp6.Handler

	IGMP *igmp.Table
	MLD  *mld.Table

	RawIPv4 *rawip.Table
	RawIPv6 *rawip.TableV6

	UDP *udp.Table
	TCP *tcp.Table

	core *corectx.CoreContext
	log  *logrus.Entry
}

// New constructs every owned component and wires the structural
// interfaces between them (arp.Resolver <-> ipv4.Pipeline,
// ndp.Resolver <-> ipv6.Pipeline <-> icmp6.Handler), but does not start
// the core context; call Run for that.
func New(cfg Config) *Stack {
	cfg.applyDefaults()

	s := &Stack{
		Netifs: netif.NewTable(),
		Alloc:  buf.NewAllocator(cfg.HeaderCap, cfg.SegmentCap, cfg.HeapBytes),
		Timers: timer.New(),
		log:    cfg.Logger,
	}

	s.ARPCache = arp.New(cfg.ARPCapacity, cfg.ARPMaxAgeTicks)
	s.IPv4 = ipv4.New(s.Netifs, s.ARPCache, s.Alloc, cfg.ReassemblyCapacity, cfg.ReassemblyMaxAgeTicks, cfg.MaxDatagramSize, s.log.WithField("proto", "ipv4"))
	s.ARP = arp.NewResolver(s.ARPCache, s.Alloc, s.log.WithField("proto", "arp"))
	s.IPv4.SetARPRequester(s.ARP)
	s.ICMP = icmp.New(s.IPv4, s.Alloc, s.log.WithField("proto", "icmp"))

	s.NDCache = ndp.New(cfg.NDCapacity, cfg.NDReachableTicks, cfg.NDDelayTicks)
	s.IPv6 = ipv6.New(s.Netifs, s.NDCache, s.Alloc, cfg.ReassemblyCapacity, cfg.ReassemblyMaxAgeTicks, cfg.MaxDatagramSize, s.log.WithField("proto", "ipv6"))
	s.ND = ndp.NewResolver(s.NDCache, s.Alloc, s.IPv6, s.log.WithField("proto", "ndp"))
	s.IPv6.SetNDRequester(s.ND)
	s.ICMPv6 = icmp6.New(s.IPv6, s.Alloc, s.ND, s.log.WithField("proto", "icmp6"))

	s.IGMP = igmp.New(s.IPv4, s.Alloc, s.Timers, s.nowMs, s.log.WithField("proto", "igmp"))
	s.MLD = mld.New(s.IPv6, s.Alloc, s.Timers, s.nowMs, s.log.WithField("proto", "mld"))
	s.ICMPv6.SetMLDProcessor(s.MLD)

	s.RawIPv4 = rawip.New(s.IPv4, s.log.WithField("proto", "rawip"))
	s.RawIPv6 = rawip.NewV6(s.IPv6, s.log.WithField("proto", "rawip6"))

	s.UDP = udp.New(s.IPv4, s.log.WithField("proto", "udp"))
	s.TCP = tcp.New(s.IPv4, s.ARPCache, s.Alloc, s.Timers, s.nowMs, cfg.TCP, s.log.WithField("proto", "tcp"))

	s.core = corectx.New(corectx.Config{
		Timers:  s.Timers,
		OnFrame: s.onFrame,
		NowMs:   s.nowMs,
		Logger:  s.log,
	})
	return s
}

// AddNetif registers nf with the stack's shared netif table.
func (s *Stack) AddNetif(nf *netif.Netif) { s.Netifs.Add(nf) }

// Post runs fn on the core context goroutine, for code outside the
// core (drivers, timers, signal handlers) that must touch stack state.
func (s *Stack) Post(fn func()) { s.core.Post(fn) }

// Call runs fn on the core context goroutine and blocks for its
// completion.
func (s *Stack) Call(fn func()) { s.core.Call(fn) }

// PostFrame enqueues a received link frame for core-context dispatch;
// onFrame sniffs the IP version nibble to route it to the IPv4 or IPv6
// pipeline.
func (s *Stack) PostFrame(chain *buf.Buf, inbound *netif.Netif) {
	s.core.PostFrame(chain, inbound)
}

// Run starts the core context's dispatch loop; it blocks until ctx is
// cancelled. Call AgeTick periodically (e.g. once a second) via Post
// from a separate ticker goroutine to age the ARP/ND caches and
// reassembly buffers.
func (s *Stack) Run(ctx context.Context) { s.core.Run(ctx) }

// AgeTick ages every timed cache and reassembly buffer one tick. Must
// be called from the core context (wrap in Post/Call from elsewhere).
func (s *Stack) AgeTick() {
	s.ARPCache.AgeTick()
	s.NDCache.AgeTick()
	s.IPv4.AgeTick()
	s.IPv6.AgeTick()
}

// Snapshot gathers a point-in-time view of every owned component's
// occupancy counters, for pkg/metrics.StackCollector. Must be called
// from the core context (wrap in Call from a scrape goroutine), since
// every field it reads is otherwise core-context-owned state.
func (s *Stack) Snapshot() Snapshot {
	return Snapshot{
		Netifs:   len(s.Netifs.All()),
		ARP:      s.ARPCache.Stats(),
		ND:       s.NDCache.Stats(),
		TCP:      s.TCP.Stats(),
		IGMP:     s.IGMP.GroupCount(),
		MLD:      s.MLD.GroupCount(),
		Headers:  s.Alloc.HeaderStats(),
		Segments: s.Alloc.SegmentStats(),
		HeapFree: s.Alloc.HeapAvailable(),
	}
}

func (s *Stack) onFrame(chain *buf.Buf, inbound *netif.Netif) {
	version, ok := peekIPVersion(chain)
	if !ok {
		buf.Free(chain)
		return
	}
	switch version {
	case 4:
		if err := s.IPv4.Input(chain, inbound); err != nil {
			s.log.WithError(err).Debug("stack: ipv4 input")
		}
	case 6:
		if err := s.IPv6.Input(chain, inbound); err != nil {
			s.log.WithError(err).Debug("stack: ipv6 input")
		}
	default:
		buf.Free(chain)
	}
}

// peekIPVersion reads the high nibble of the first byte without
// mutating chain, the same sniff a driver's EtherType dispatch makes
// redundant for real hardware but loopback and tap-style drivers need.
func peekIPVersion(chain *buf.Buf) (int, bool) {
	var b [1]byte
	if n := buf.CopyTo(chain, 0, 1, b[:]); n < 1 {
		return 0, false
	}
	return int(b[0] >> 4), true
}

func (s *Stack) nowMs() int64 { return time.Now().UnixMilli() }
