// Package mld implements the MLDv1 (RFC 2710) host state machine of
// SPEC_FULL.md §4.6: the IPv6 sibling of pkg/igmp's IGMPv2 state
// machine, carried as ICMPv6 messages (RFC 2710 §3) rather than a
// distinct IP protocol, so it registers with pkg/icmp6.Handler instead
// of ipv6.Pipeline directly. Grounded on pkg/igmp's NON_MEMBER /
// DELAYING_MEMBER / IDLE_MEMBER state machine, generalised for MLD's
// ICMPv6 pseudo-header checksum and solicited-node-style multicast
// addressing.
package mld

import (
	"math/rand"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/ipv6"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/timer"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

const unsolicitedReportIntervalMs = 10000

// linkLocalAllRouters is the destination of a Multicast Listener Done;
// reports are sent to the group address itself (RFC 2710 §3).
var linkLocalAllRouters = netip.MustParseAddr("ff02::2")

type listenerState uint8

const (
	nonListener listenerState = iota
	delayingListener
	idleListener
)

type group struct {
	nf           *netif.Netif
	addr         netip.Addr
	state        listenerState
	lastReporter bool
	timer        timer.Handle
	hasTimer     bool
}

// Table owns every joined MLDv1 multicast address for one core context.
type Table struct {
	pipeline *ipv6.Pipeline
	alloc    *buf.Allocator
	timers   *timer.Wheel
	nowMs    func() int64
	rng      *rand.Rand
	groups   []*group
	log      *logrus.Entry
}

// New constructs an MLDv1 table. Wire it to an icmp6.Handler with
// SetMLDProcessor, since MLD messages arrive as ICMPv6 types rather
// than through ipv6.Pipeline.RegisterHandler.
func New(pipeline *ipv6.Pipeline, alloc *buf.Allocator, timers *timer.Wheel, nowMs func() int64, log *logrus.Entry) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Table{
		pipeline: pipeline, alloc: alloc, timers: timers, nowMs: nowMs,
		rng: rand.New(rand.NewSource(1)),
		log: log,
	}
}

// GroupCount returns the number of joined groups, consumed by
// pkg/metrics.StackCollector.
func (t *Table) GroupCount() int { return len(t.groups) }

func (t *Table) find(nf *netif.Netif, addr netip.Addr) *group {
	for _, g := range t.groups {
		if g.nf == nf && g.addr == addr {
			return g
		}
	}
	return nil
}

// Join starts listening for addr on nf, entering DELAYING_LISTENER with
// a randomised report delay exactly as igmp.Table.Join does.
func (t *Table) Join(nf *netif.Netif, addr netip.Addr) error {
	if t.find(nf, addr) != nil {
		return nil
	}
	g := &group{nf: nf, addr: addr, state: nonListener}
	t.groups = append(t.groups, g)
	t.scheduleReport(g, unsolicitedReportIntervalMs)
	return nil
}

// Leave sends an unsolicited Multicast Listener Done to the
// all-routers link-local group when this host was the last reporter
// for addr (RFC 2710 §3), then forgets it.
func (t *Table) Leave(nf *netif.Netif, addr netip.Addr) {
	g := t.find(nf, addr)
	if g == nil {
		return
	}
	if g.hasTimer {
		t.timers.Cancel(g.timer)
	}
	if g.lastReporter {
		t.send(nf, wire.MLDListenerDone, addr, linkLocalAllRouters)
	}
	for i, x := range t.groups {
		if x == g {
			t.groups = append(t.groups[:i], t.groups[i+1:]...)
			return
		}
	}
}

func (t *Table) scheduleReport(g *group, maxRespMs int64) {
	if g.hasTimer {
		return
	}
	delay := int64(0)
	if maxRespMs > 0 {
		delay = t.rng.Int63n(maxRespMs)
	}
	g.state = delayingListener
	g.timer = t.timers.Schedule(t.nowMs()+delay, func() { t.onReportTimeout(g) })
	g.hasTimer = true
}

func (t *Table) onReportTimeout(g *group) {
	g.hasTimer = false
	if g.state != delayingListener {
		return
	}
	t.send(g.nf, wire.MLDListenerReport, g.addr, g.addr)
	g.state = idleListener
	g.lastReporter = true
}

func (t *Table) send(nf *netif.Netif, typ wire.ICMPv6Type, group, dst netip.Addr) {
	chain, err := t.alloc.Alloc(buf.LayerTransport, wire.SizeMLDv1Header, buf.ClassPool)
	if err != nil {
		return
	}
	frame, _ := wire.NewMLDv1Frame(chain.Payload())
	frame.SetType(typ)
	frame.SetCode(0)
	frame.SetMaxRespDelay(0)
	frame.SetMulticastAddr(group)

	src, ok := linkLocalAddr(nf)
	if !ok {
		buf.Free(chain)
		return
	}
	var pseudo wire.CRC791
	s16, d16 := src.As16(), dst.As16()
	pseudo.Write(s16[:])
	pseudo.Write(d16[:])
	pseudo.AddUint16(0)
	pseudo.AddUint16(wire.SizeMLDv1Header)
	pseudo.AddUint16(uint16(wire.ProtoICMPv6))
	frame.SetChecksum(0)
	frame.SetChecksum(frame.ComputeChecksum(&pseudo))

	if err := t.pipeline.Output(chain, src, dst, 1, 0, wire.ProtoICMPv6, nf); err != nil {
		t.log.WithError(err).Debug("mld: report send failed")
	}
}

func linkLocalAddr(nf *netif.Netif) (netip.Addr, bool) {
	for _, a := range nf.IPv6Addrs() {
		if a.State != netif.IPv6Invalid && a.Addr.IsLinkLocalUnicast() {
			return a.Addr, true
		}
	}
	return netip.Addr{}, false
}

// Input implements icmp6.MLDProcessor, dispatching Query and Report
// messages the same way igmp.Table.input demultiplexes IGMPv2; Done
// messages are ignored.
func (t *Table) Input(msg wire.ICMPv6Frame, srcAddr netip.Addr, inbound *netif.Netif) error {
	frame, err := wire.NewMLDv1Frame(msg.RawData())
	if err != nil {
		return nil
	}
	switch frame.Type() {
	case wire.MLDListenerQuery:
		t.handleQuery(inbound, frame)
	case wire.MLDListenerReport:
		t.handleReport(inbound, frame)
	}
	return nil
}

func (t *Table) handleQuery(inbound *netif.Netif, frame wire.MLDv1Frame) {
	maxResp := int64(frame.MaxRespDelay())
	if maxResp == 0 {
		maxResp = unsolicitedReportIntervalMs
	}
	general := frame.MulticastAddr() == netip.IPv6Unspecified()
	for _, g := range t.groups {
		if g.nf != inbound {
			continue
		}
		if general || g.addr == frame.MulticastAddr() {
			if g.hasTimer {
				t.timers.Cancel(g.timer)
				g.hasTimer = false
			}
			t.scheduleReport(g, maxResp)
		}
	}
}

func (t *Table) handleReport(inbound *netif.Netif, frame wire.MLDv1Frame) {
	g := t.find(inbound, frame.MulticastAddr())
	if g == nil || g.state != delayingListener {
		return
	}
	if g.hasTimer {
		t.timers.Cancel(g.timer)
		g.hasTimer = false
	}
	g.state = idleListener
	g.lastReporter = false
}
