// Package loopback implements the in-memory netif.Driver of
// SPEC_FULL.md §6.1: every outbound chain is handed straight back to
// its own IPv4 pipeline as an inbound one, with no link layer to
// traverse. Grounded on the teacher's test fakes (pkg/udp/udp_test.go's
// fakeDriver, pkg/ipv4/pipeline_test.go's recordingDriver), promoted
// from test doubles into a real driver since lwIP ships loopback the
// same way: a netif whose output function re-enters ip_input directly.
package loopback

import (
	"net"
	"net/netip"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/ipv4"
	"github.com/simeonmiteff/nanostack/pkg/ipv6"
	"github.com/simeonmiteff/nanostack/pkg/netif"
)

// Driver is a loopback link with no real hardware address or MTU limit
// beyond a configured ceiling. ipv6 may be nil if the owning stack has
// no IPv6 pipeline configured, in which case IPv6 sends are dropped.
type Driver struct {
	pipeline *ipv4.Pipeline
	ipv6     *ipv6.Pipeline
	mtu      int
	hw       net.HardwareAddr
	nf       *netif.Netif
}

// New constructs a loopback driver that re-delivers everything it sends
// into pipeline's Input as though it had arrived on nf. Call
// SetNetif once the owning netif.Netif has been constructed with this
// driver, so the re-delivered chain carries the correct inbound
// interface.
func New(pipeline *ipv4.Pipeline, mtu int) *Driver {
	if mtu <= 0 {
		mtu = 65535
	}
	return &Driver{pipeline: pipeline, mtu: mtu, hw: make(net.HardwareAddr, 6)}
}

// SetNetif records the netif.Netif this driver is attached to, so
// OutputIPv4/LinkOutput can pass it back into Pipeline.Input as the
// inbound interface.
func (d *Driver) SetNetif(nf *netif.Netif) { d.nf = nf }

// SetIPv6Pipeline wires the IPv6 pipeline a loopback send re-enters;
// until called, OutputIPv6 drops whatever it is handed.
func (d *Driver) SetIPv6Pipeline(p *ipv6.Pipeline) { d.ipv6 = p }

// NewNetif builds a complete loopback netif named name, attached to
// pipeline, and marked FlagNoARP since a loopback link has no link
// address to resolve: ipv4.Pipeline.transmit checks this flag before
// ever consulting the ARP cache, so a loopback send can never block
// waiting on a reply nothing will send. The returned netif is left
// administratively down; call SetUp/SetLinkUp to bring it up.
func NewNetif(name string, pipeline *ipv4.Pipeline, mtu int) *netif.Netif {
	drv := New(pipeline, mtu)
	nf := netif.New(name, drv)
	nf.SetFlag(netif.FlagNoARP, true)
	drv.SetNetif(nf)
	return nf
}

func (d *Driver) OutputIPv4(nf *netif.Netif, chain *buf.Buf, nextHop netip.Addr) error {
	return d.pipeline.Input(chain, d.inboundNetif(nf))
}

// OutputIPv6 re-enters the wired IPv6 pipeline's Input, mirroring
// OutputIPv4; with no pipeline wired, the chain is dropped rather than
// leaked.
func (d *Driver) OutputIPv6(nf *netif.Netif, chain *buf.Buf, nextHop netip.Addr) error {
	if d.ipv6 == nil {
		return buf.Free(chain)
	}
	return d.ipv6.Input(chain, d.inboundNetif(nf))
}

func (d *Driver) LinkOutput(nf *netif.Netif, chain *buf.Buf) error {
	return d.pipeline.Input(chain, d.inboundNetif(nf))
}

func (d *Driver) MTU() int { return d.mtu }

func (d *Driver) HardwareAddr() net.HardwareAddr { return d.hw }

func (d *Driver) inboundNetif(outbound *netif.Netif) *netif.Netif {
	if d.nf != nil {
		return d.nf
	}
	return outbound
}
