// Package igmp implements the IGMPv2 (RFC 2236) host state machine of
// SPEC_FULL.md §4.6: NON_MEMBER -> DELAYING_MEMBER on Join, a randomised
// report delay, DELAYING_MEMBER -> IDLE_MEMBER once the report is sent,
// and an unsolicited Leave Group on Leave when this host was the last
// one to report for the group. Grounded on pkg/ndp's cache-entry state
// machine shape (pkg/ndp/cache.go's Empty/Incomplete/Reachable/Stale)
// generalised from "one state machine per neighbour" to "one state
// machine per (netif, multicast group)", and on pkg/arp/protocol.go for
// the build-frame-then-Output pattern.
package igmp

import (
	"math/rand"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/ipv4"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/timer"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

// unsolicitedReportIntervalMs is RFC 2236 §7's default: up to 10s.
const unsolicitedReportIntervalMs = 10000

// allRoutersGroup is what an unsolicited Leave Group is sent to (RFC
// 2236 §3), so routers see it even if no host still listens on it.
var allRoutersGroup = netip.MustParseAddr("224.0.0.2")

// groupState is the per-(netif,group) IGMPv2 host state (RFC 2236 §3).
type groupState uint8

const (
	nonMember groupState = iota
	delayingMember
	idleMember
)

// group is one joined multicast group on one netif.
type group struct {
	nf           *netif.Netif
	addr         netip.Addr
	state        groupState
	lastReporter bool
	timer        timer.Handle
	hasTimer     bool
}

// Table owns every joined IGMPv2 group for one core context.
type Table struct {
	pipeline *ipv4.Pipeline
	alloc    *buf.Allocator
	timers   *timer.Wheel
	nowMs    func() int64
	rng      *rand.Rand
	groups   []*group
	log      *logrus.Entry
}

// New constructs an IGMPv2 table registered as the pipeline's handler
// for wire.ProtoIGMP.
func New(pipeline *ipv4.Pipeline, alloc *buf.Allocator, timers *timer.Wheel, nowMs func() int64, log *logrus.Entry) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Table{
		pipeline: pipeline, alloc: alloc, timers: timers, nowMs: nowMs,
		rng: rand.New(rand.NewSource(1)),
		log: log,
	}
	pipeline.RegisterHandler(wire.ProtoIGMP, t.input)
	return t
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

// Join enters DELAYING_MEMBER for (nf, addr) per RFC 2236 §3, arming a
// randomised report delay rather than reporting immediately, so several
// hosts joining at once don't all flood the same report.
func (t *Table) Join(nf *netif.Netif, addr netip.Addr) error {
	if t.find(nf, addr) != nil {
		return nil
	}
	g := &group{nf: nf, addr: addr, state: nonMember}
	t.groups = append(t.groups, g)
	t.scheduleReport(g, unsolicitedReportIntervalMs)
	return nil
}

// Leave implements RFC 2236 §3's departure rule: send an unsolicited
// Leave Group to the all-routers group only if this host was the last
// one known to have reported addr, since a silent leave otherwise
// risks a router pruning a group other hosts still want.
func (t *Table) Leave(nf *netif.Netif, addr netip.Addr) {
	g := t.find(nf, addr)
	if g == nil {
		return
	}
	if g.hasTimer {
		t.timers.Cancel(g.timer)
	}
	if g.lastReporter {
		t.sendReport(nf, addr, wire.IGMPLeaveGroup, allRoutersGroup)
	}
	for i, x := range t.groups {
		if x == g {
			t.groups = append(t.groups[:i], t.groups[i+1:]...)
			return
		}
	}
}

// scheduleReport arms a report delay uniformly distributed over
// [0, maxRespTicks] converted to milliseconds (RFC 2236 §3's "random
// value between 0 and the Max Response Time"). A timer that is already
// pending is left as it is, whatever the new delay.
func (t *Table) scheduleReport(g *group, maxRespMs int64) {
	delay := int64(0)
	if maxRespMs > 0 {
		delay = t.rng.Int63n(maxRespMs)
	}
	deadline := t.nowMs() + delay
	if g.hasTimer {
		return // the pending timer is kept unchanged
	}
	g.state = delayingMember
	g.timer = t.timers.Schedule(deadline, func() { t.onReportTimeout(g) })
	g.hasTimer = true
}

func (t *Table) onReportTimeout(g *group) {
	g.hasTimer = false
	if g.state != delayingMember {
		return
	}
	t.sendReport(g.nf, g.addr, wire.IGMPv2MembershipReport, g.addr)
	g.state = idleMember
	g.lastReporter = true
}

func (t *Table) sendReport(nf *netif.Netif, group netip.Addr, typ wire.IGMPType, dst netip.Addr) {
	chain, err := t.alloc.Alloc(buf.LayerTransport, wire.SizeIGMPv2Header, buf.ClassPool)
	if err != nil {
		return
	}
	frame, _ := wire.NewIGMPv2Frame(chain.Payload())
	frame.SetType(typ)
	frame.SetMaxRespTime(0)
	frame.SetGroupAddr(group)
	frame.SetChecksum(0)
	frame.SetChecksum(frame.ComputeChecksum())

	src, _, _, ok := nf.IPv4()
	if !ok {
		buf.Free(chain)
		return
	}
	if err := t.pipeline.Output(chain, src, dst, 1, 0, wire.ProtoIGMP, nf); err != nil {
		t.log.WithError(err).Debug("igmp: report send failed")
	}
}

// input is the ipv4.Handler registered for wire.ProtoIGMP.
func (t *Table) input(payload *buf.Buf, ipHdr wire.IPv4Frame, inbound *netif.Netif) error {
	if payload == nil {
		return nil
	}
	flat := make([]byte, payload.TotLen())
	buf.CopyTo(payload, 0, len(flat), flat)
	buf.Free(payload)

	frame, err := wire.NewIGMPv2Frame(flat)
	if err != nil {
		return nil
	}
	if frame.ComputeChecksum() != frame.Checksum() {
		return nil
	}

	switch frame.Type() {
	case wire.IGMPMembershipQuery:
		t.handleQuery(inbound, frame)
	case wire.IGMPv1MembershipReport, wire.IGMPv2MembershipReport:
		t.handleReport(inbound, frame)
	}
	return nil
}

// handleQuery implements RFC 2236 §4: a general query (group 0.0.0.0)
// re-arms every joined group on inbound; a group-specific query
// re-arms only the matching one.
func (t *Table) handleQuery(inbound *netif.Netif, frame wire.IGMPv2Frame) {
	maxResp := int64(frame.MaxRespTime()) * 100 // units of 1/10 second
	if maxResp == 0 {
		maxResp = unsolicitedReportIntervalMs
	}
	general := frame.GroupAddr() == netip.IPv4Unspecified()
	for _, g := range t.groups {
		if g.nf != inbound {
			continue
		}
		if general || g.addr == frame.GroupAddr() {
			if g.hasTimer {
				t.timers.Cancel(g.timer)
				g.hasTimer = false
			}
			t.scheduleReport(g, maxResp)
		}
	}
}

// handleReport implements RFC 2236 §3's report suppression: hearing
// another host's report for a group we're delaying a report for
// cancels ours, since the router already knows the group is joined.
func (t *Table) handleReport(inbound *netif.Netif, frame wire.IGMPv2Frame) {
	g := t.find(inbound, frame.GroupAddr())
	if g == nil || g.state != delayingMember {
		return
	}
	if g.hasTimer {
		t.timers.Cancel(g.timer)
		g.hasTimer = false
	}
	g.state = idleMember
	g.lastReporter = false
}
