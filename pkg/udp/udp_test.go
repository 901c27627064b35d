package udp

import (
	"net"
	"net/netip"
	"testing"

	"github.com/simeonmiteff/nanostack/pkg/arp"
	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/ipv4"
	"github.com/simeonmiteff/nanostack/pkg/netif"
)

type fakeDriver struct {
	sent [][]byte
	hw   net.HardwareAddr
	mtu  int
}

func (d *fakeDriver) OutputIPv4(nf *netif.Netif, chain *buf.Buf, dst netip.Addr) error {
	data := make([]byte, chain.TotLen())
	buf.CopyTo(chain, 0, len(data), data)
	d.sent = append(d.sent, data)
	buf.Free(chain)
	return nil
}
func (d *fakeDriver) OutputIPv6(nf *netif.Netif, chain *buf.Buf, dst netip.Addr) error { return nil }
func (d *fakeDriver) LinkOutput(nf *netif.Netif, chain *buf.Buf) error                 { return nil }
func (d *fakeDriver) MTU() int                                                        { return d.mtu }
func (d *fakeDriver) HardwareAddr() net.HardwareAddr                                  { return d.hw }

func newTestNetif(t *testing.T) (*netif.Table, *netif.Netif, *fakeDriver) {
	t.Helper()
	drv := &fakeDriver{hw: net.HardwareAddr{0, 1, 2, 3, 4, 5}, mtu: 1500}
	nf := netif.New("lo0", drv)
	nf.SetUp(true)
	nf.SetLinkUp(true)
	nf.SetIPv4(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("255.255.255.0"), netip.Addr{})
	tbl := netif.NewTable()
	tbl.Add(nf)
	tbl.SetDefault(nf)
	return tbl, nf, drv
}

func TestBindAndSendRoundTrip(t *testing.T) {
	niftbl, nf, drv := newTestNetif(t)
	arpCache := arp.New(8, 1000)
	alloc := buf.NewAllocator(32, 32, 1<<16)
	pipe := ipv4.New(niftbl, arpCache, alloc, 8, 30, 65535, nil)
	udpTbl := New(pipe, nil)

	// Resolve the peer ahead of time so transmit doesn't queue on ARP.
	arpCache.Resolve(netip.MustParseAddr("10.0.0.2"), []byte{6, 6, 6, 6, 6, 6})

	ep, err := udpTbl.Bind(netip.MustParseAddr("10.0.0.1"), 5000)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	payload, err := alloc.Alloc(buf.LayerTransport, 4, buf.ClassPool)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	buf.CopyFrom(payload, 0, []byte("ping"))
	if err := ep.Send(payload, netip.MustParseAddr("10.0.0.2"), 6000, nf); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(drv.sent) != 1 {
		t.Fatalf("expected 1 packet sent, got %d", len(drv.sent))
	}
}

func TestBindRejectsDuplicatePort(t *testing.T) {
	niftbl, _, _ := newTestNetif(t)
	arpCache := arp.New(8, 1000)
	alloc := buf.NewAllocator(32, 32, 1<<16)
	pipe := ipv4.New(niftbl, arpCache, alloc, 8, 30, 65535, nil)
	udpTbl := New(pipe, nil)

	if _, err := udpTbl.Bind(netip.Addr{}, 5001); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if _, err := udpTbl.Bind(netip.Addr{}, 5001); err == nil {
		t.Fatalf("expected second bind to the same port to fail")
	}
}
