package tcp

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simeonmiteff/nanostack/pkg/arp"
	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/errs"
	"github.com/simeonmiteff/nanostack/pkg/ipv4"
	"github.com/simeonmiteff/nanostack/pkg/loopback"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/timer"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

// clock is a manually advanceable logical clock, standing in for the
// core context's real nowMs so tests can fast-forward past retransmit,
// keepalive and 2MSL deadlines without sleeping.
type clock struct{ ms int64 }

func (c *clock) now() int64      { return c.ms }
func (c *clock) advance(d int64) { c.ms += d }

// newLoopbackTable builds one TCP table over one loopback netif, so a
// Connect and a Listen on the same address exchange real, wire-encoded
// segments through ipv4.Pipeline exactly as two hosts would.
func newLoopbackTable(t *testing.T, cfg Config) (*Table, *netif.Netif, *timer.Wheel, *clock) {
	t.Helper()
	c := &clock{ms: 1}
	arpCache := arp.New(8, 1000)
	alloc := buf.NewAllocator(64, 2048, 1<<20)
	niftbl := netif.NewTable()
	pipe := ipv4.New(niftbl, arpCache, alloc, 8, 30, 65535, nil)
	nf := loopback.NewNetif("lo0", pipe, 1500)
	nf.SetIPv4(netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("255.0.0.0"), netip.Addr{})
	nf.SetUp(true)
	nf.SetLinkUp(true)
	niftbl.Add(nf)
	niftbl.SetDefault(nf)

	timers := timer.New()
	tbl := New(pipe, arpCache, alloc, timers, c.now, cfg, nil)
	return tbl, nf, timers, c
}

// TestHandshakeDataAndGracefulClose drives a full active-open, small
// data exchange and simultaneous-style graceful close entirely over
// loopback, the way SPEC_FULL.md §8 describes exercising the protocol
// machine end to end rather than unit-testing individual transitions.
func TestHandshakeDataAndGracefulClose(t *testing.T) {
	tbl, nf, _, _ := newLoopbackTable(t, Config{})
	addr := netip.MustParseAddr("127.0.0.1")

	var accepted *Tcb
	listener := tbl.Listen(addr, 9000)
	listener.OnAccept = func(child *Tcb) { accepted = child }

	client, err := tbl.Connect(addr, addr, 9000, nf)
	require.NoError(t, err)

	require.Equal(t, StateEstablished, client.State)
	require.NotNil(t, accepted)
	require.Equal(t, StateEstablished, accepted.State)

	var serverGotData []byte
	accepted.OnRecv = func(tcb *Tcb, data []byte) {
		if data != nil {
			serverGotData = append(serverGotData, data...)
		}
	}
	require.NoError(t, client.Write([]byte("hello nanostack"), true))
	require.Equal(t, "hello nanostack", string(serverGotData))

	var serverSawFin bool
	accepted.OnRecv = func(tcb *Tcb, data []byte) {
		if data == nil {
			serverSawFin = true
		} else {
			serverGotData = append(serverGotData, data...)
		}
	}

	// Client actively closes first, so it is the side that lingers in
	// TIME_WAIT per RFC 793 §3.5; the server, closing passively in
	// response to the client's FIN, goes straight to CLOSED once its
	// own FIN is acked.
	require.NoError(t, client.Close())
	require.True(t, serverSawFin, "server should observe peer FIN as OnRecv(nil)")
	require.NoError(t, accepted.Close())
	require.Equal(t, StateTimeWait, client.State)
}

// TestConnectToClosedPortIsReset verifies SPEC_FULL.md §4.8.4's
// closed-port handling: a SYN with no matching listener gets a bare RST
// back, and the initiator's connection aborts with errs.ErrReset.
func TestConnectToClosedPortIsReset(t *testing.T) {
	tbl, nf, _, _ := newLoopbackTable(t, Config{})
	addr := netip.MustParseAddr("127.0.0.1")

	var gotErr error
	client, err := tbl.Connect(addr, addr, 9001, nf)
	require.NoError(t, err)
	client.OnError = func(tcb *Tcb, e error) { gotErr = e }

	require.Error(t, gotErr)
	require.True(t, errors.Is(gotErr, errs.ErrReset))
	require.Equal(t, StateClosed, client.State)
}

// TestOutOfOrderDeliveryReorders exercises the out-of-order queue
// directly (SPEC_FULL.md §4.8.2's reassembly-before-delivery rule):
// a second segment arriving ahead of the first is held, and delivered
// only once the gap closes.
func TestOutOfOrderDeliveryReorders(t *testing.T) {
	tbl, nf, _, _ := newLoopbackTable(t, Config{})
	addr := netip.MustParseAddr("127.0.0.1")

	listener := tbl.Listen(addr, 9002)
	var accepted *Tcb
	listener.OnAccept = func(child *Tcb) { accepted = child }

	_, err := tbl.Connect(addr, addr, 9002, nf)
	require.NoError(t, err)
	require.NotNil(t, accepted)

	var delivered []byte
	accepted.OnRecv = func(tcb *Tcb, data []byte) {
		if data != nil {
			delivered = append(delivered, data...)
		}
	}

	base := accepted.rcvNxt
	// Segment 2 (bytes "World") arrives first, out of order.
	tbl.insertOutOfOrder(accepted, base+5, []byte("World"))
	require.Nil(t, delivered, "out-of-order segment must not be delivered yet")

	// Segment 1 (bytes "Hello") arrives, closing the gap; drainOutOfOrder
	// should then release the queued segment too.
	tbl.deliverData(accepted, bareSegmentFrame(t), base, []byte("Hello"))

	require.Equal(t, "HelloWorld", string(delivered))
}

// bareSegmentFrame builds a minimal wire.TCPFrame view over a scratch
// header, carrying no flags, purely to satisfy deliverData's signature
// when a test drives it directly instead of through a real Input call.
func bareSegmentFrame(t *testing.T) wire.TCPFrame {
	t.Helper()
	flat := make([]byte, wire.SizeTCPHeader)
	f, err := wire.NewTCPFrame(flat)
	require.NoError(t, err)
	f.SetDataOffset(wire.SizeTCPHeader / 4)
	return f
}

// blackholeDriver is a netif.Driver that silently discards everything
// handed to it, standing in for a peer that never answers so the
// retransmit and keepalive timers can be exercised without a real RST
// or ACK arriving back synchronously the way loopback.Driver would
// deliver one.
type blackholeDriver struct{ hw net.HardwareAddr }

func (d *blackholeDriver) OutputIPv4(nf *netif.Netif, chain *buf.Buf, nextHop netip.Addr) error {
	return buf.Free(chain)
}
func (d *blackholeDriver) OutputIPv6(nf *netif.Netif, chain *buf.Buf, nextHop netip.Addr) error {
	return buf.Free(chain)
}
func (d *blackholeDriver) LinkOutput(nf *netif.Netif, chain *buf.Buf) error { return buf.Free(chain) }
func (d *blackholeDriver) MTU() int                                        { return 1500 }
func (d *blackholeDriver) HardwareAddr() net.HardwareAddr                  { return d.hw }

// TestRetransmitOnTimeout verifies SPEC_FULL.md §4.8.5's retransmit
// timer: an unacknowledged segment is resent when its RTO elapses, and
// the connection aborts once the retry ceiling is exceeded without ever
// hearing an ACK.
func TestRetransmitOnTimeout(t *testing.T) {
	c := &clock{ms: 1}
	arpCache := arp.New(8, 1000)
	alloc := buf.NewAllocator(64, 2048, 1<<20)
	niftbl := netif.NewTable()
	pipe := ipv4.New(niftbl, arpCache, alloc, 8, 30, 65535, nil)
	nf := netif.New("bh0", &blackholeDriver{hw: net.HardwareAddr{0, 1, 2, 3, 4, 5}})
	nf.SetFlag(netif.FlagNoARP, true)
	nf.SetIPv4(netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("255.0.0.0"), netip.Addr{})
	nf.SetUp(true)
	nf.SetLinkUp(true)
	niftbl.Add(nf)
	niftbl.SetDefault(nf)
	timers := timer.New()
	tbl := New(pipe, arpCache, alloc, timers, c.now, Config{}, nil)

	client, err := tbl.Connect(netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("127.0.0.2"), 9003, nf)
	require.NoError(t, err)
	require.True(t, client.hasRetransmitTimer)

	rtxBefore := client.rtxCount
	for i := 0; i < 3 && client.State != StateClosed; i++ {
		c.advance(client.rto + 1)
		timers.Fire(c.now())
	}
	require.Greater(t, client.rtxCount, rtxBefore)

	for client.State != StateClosed {
		c.advance(client.rto + 1)
		timers.Fire(c.now())
	}
	require.Equal(t, StateClosed, client.State)
}

// TestKeepaliveProbesThenAborts drives the idle timer straight through
// its configured probe budget with no answering ACK, matching RFC 1122
// §4.2.3.6's "abort after N unanswered probes" contract. The peer is a
// blackhole driver rather than a real loopback listener: a live,
// responsive peer would answer the stale-sequence probe with a genuine
// duplicate ACK, which (correctly) re-arms the idle timer and would
// never let the probe budget exhaust.
func TestKeepaliveProbesThenAborts(t *testing.T) {
	c := &clock{ms: 1}
	arpCache := arp.New(8, 1000)
	alloc := buf.NewAllocator(64, 2048, 1<<20)
	niftbl := netif.NewTable()
	pipe := ipv4.New(niftbl, arpCache, alloc, 8, 30, 65535, nil)
	nf := netif.New("bh0", &blackholeDriver{hw: net.HardwareAddr{0, 1, 2, 3, 4, 5}})
	nf.SetFlag(netif.FlagNoARP, true)
	nf.SetIPv4(netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("255.0.0.0"), netip.Addr{})
	nf.SetUp(true)
	nf.SetLinkUp(true)
	niftbl.Add(nf)
	niftbl.SetDefault(nf)
	timers := timer.New()
	tbl := New(pipe, arpCache, alloc, timers, c.now, Config{}, nil)

	client := tbl.newTcb(netip.MustParseAddr("127.0.0.1"), 50000, netip.MustParseAddr("127.0.0.2"), 9004)
	client.nf = nf
	client.State = StateEstablished
	tbl.addActive(client)

	var clientErr error
	client.OnError = func(tcb *Tcb, e error) { clientErr = e }

	client.SetKeepAlive(true, 10*time.Millisecond, 5*time.Millisecond, 2)
	require.True(t, client.hasKeepaliveTimer)

	// The peer never answers: advance past idle + every probe interval.
	c.advance(11)
	timers.Fire(c.now())
	require.Equal(t, 1, client.keepaliveProbeCount)

	c.advance(6)
	timers.Fire(c.now())
	require.Equal(t, 2, client.keepaliveProbeCount)

	c.advance(6)
	timers.Fire(c.now())
	require.Error(t, clientErr)
	require.True(t, errors.Is(clientErr, errs.ErrTimeout))
	require.Equal(t, StateClosed, client.State)
}

// TestBufferPoolExhaustionDegradesGracefully checks SPEC_FULL.md §3.2's
// "deterministic failure, no fragmentation" contract under pressure: a
// Write issued while the segment pool is fully committed elsewhere must
// not panic, and the data is simply retried once the pool has room
// again via the ordinary retransmit timer.
func TestBufferPoolExhaustionDegradesGracefully(t *testing.T) {
	alloc := buf.NewAllocator(64, 256, 1<<16)
	arpCache := arp.New(8, 1000)
	niftbl := netif.NewTable()
	pipe := ipv4.New(niftbl, arpCache, alloc, 8, 30, 65535, nil)
	nf := loopback.NewNetif("lo0", pipe, 1500)
	nf.SetIPv4(netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("255.0.0.0"), netip.Addr{})
	nf.SetUp(true)
	nf.SetLinkUp(true)
	niftbl.Add(nf)
	niftbl.SetDefault(nf)

	c := &clock{ms: 1}
	timers := timer.New()
	tbl := New(pipe, arpCache, alloc, timers, c.now, Config{}, nil)
	addr := netip.MustParseAddr("127.0.0.1")

	listener := tbl.Listen(addr, 9005)
	var accepted *Tcb
	listener.OnAccept = func(child *Tcb) { accepted = child }
	client, err := tbl.Connect(addr, addr, 9005, nf)
	require.NoError(t, err)
	require.NotNil(t, accepted)

	// Exhaust the pooled-segment allocator so the next transmit attempt
	// inside Write fails to build its wire chain.
	var pinned []*buf.Buf
	for {
		b, err := alloc.Alloc(buf.LayerTransport, 64, buf.ClassPool)
		if err != nil {
			break
		}
		pinned = append(pinned, b)
	}
	require.NotEmpty(t, pinned)
	require.Greater(t, alloc.SegmentStats().Failed, uint64(0))

	require.NotPanics(t, func() {
		require.NoError(t, client.Write([]byte("squeezed"), true))
	})

	for _, b := range pinned {
		require.NoError(t, buf.Free(b))
	}

	var delivered []byte
	accepted.OnRecv = func(tcb *Tcb, data []byte) {
		if data != nil {
			delivered = append(delivered, data...)
		}
	}
	c.advance(client.rto + 1)
	timers.Fire(c.now())
	require.Equal(t, "squeezed", string(delivered))
}
