package ndp

import (
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/errs"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

var unspecified = netip.IPv6Unspecified()
var allRouters = netip.MustParseAddr("ff02::2")

// IPv6Sender is the narrow interface Resolver uses to hand a built
// ICMPv6 message to the IPv6 pipeline's output path, without ndp
// importing pkg/ipv6 directly: ipv6.Pipeline already imports ndp for
// the neighbour cache, so the wiring runs the other way, exactly as
// pkg/arp.Resolver relates to pkg/ipv4.Pipeline. *ipv6.Pipeline
// satisfies this by method signature alone.
type IPv6Sender interface {
	Output(payload *buf.Buf, src, dst netip.Addr, hopLimit, trafficClass uint8, proto wire.IPProto, nf *netif.Netif) error
}

// Resolver is the Neighbour Discovery protocol handler of spec.md
// §4.5: it builds and sends Router Solicitation/Advertisement,
// Neighbour Solicitation/Advertisement and Redirect messages over a
// netif, and feeds received ones back into Cache. Grounded on
// pkg/arp/protocol.go's split between cache state machine and protocol
// handler, generalised for RFC 4861's richer message set.
type Resolver struct {
	cache *Cache
	alloc *buf.Allocator
	out   IPv6Sender
	log   *logrus.Entry
}

// NewResolver binds a protocol handler to cache, alloc and out (the
// IPv6 pipeline it sends through).
func NewResolver(cache *Cache, alloc *buf.Allocator, out IPv6Sender, log *logrus.Entry) *Resolver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Resolver{cache: cache, alloc: alloc, out: out, log: log}
}

// SendNeighborSolicit satisfies ipv6.NDRequester: multicasts a
// solicitation for target to its solicited-node address, per RFC 4861
// §7.2.2, with a Source Link-Layer Address option carrying nf's own
// hardware address.
func (r *Resolver) SendNeighborSolicit(nf *netif.Netif, target netip.Addr) error {
	src, ok := linkLocalSource(nf)
	if !ok {
		return errs.Wrap(errs.ErrRouting, "ndp: netif has no link-local source for solicitation")
	}
	return r.sendSolicit(nf, src, solicitedNodeMulticast(target), target, true)
}

// SendDAD sends the Duplicate Address Detection solicitation for
// tentative: source is the unspecified address and no Source
// Link-Layer Address option is attached, per RFC 4862 §5.4.2.
func (r *Resolver) SendDAD(nf *netif.Netif, tentative netip.Addr) error {
	return r.sendSolicit(nf, unspecified, solicitedNodeMulticast(tentative), tentative, false)
}

func (r *Resolver) sendSolicit(nf *netif.Netif, src, dst, target netip.Addr, includeSLLA bool) error {
	optLen := 0
	if includeSLLA {
		optLen = 8
	}
	totalLen := wire.SizeICMPv6Header + 16 + optLen
	flat := make([]byte, totalLen)
	msg, err := wire.NewICMPv6Frame(flat)
	if err != nil {
		return err
	}
	msg.SetType(wire.ICMPv6NeighborSolicit)
	msg.SetCode(0)
	copy(msg.TargetAddr(), target.AsSlice())
	if includeSLLA {
		writeLinkLayerOption(msg.Options(24), wire.NDOptSourceLinkAddr, nf.HardwareAddr())
	}
	msg.SetChecksum(0)
	msg.SetChecksum(msg.ComputeChecksum(pseudoHeaderIPv6(src, dst, uint32(totalLen))))

	chain, err := r.alloc.Alloc(buf.LayerTransport, totalLen, buf.ClassPool)
	if err != nil {
		return err
	}
	buf.CopyFrom(chain, 0, flat)
	r.log.WithFields(logrus.Fields{"netif": nf.Name, "target": target}).Debug("ndp: sending neighbor solicitation")
	return r.out.Output(chain, src, dst, 255, 0, wire.ProtoICMPv6, nf)
}

// sendAdvert answers a solicitation (or announces unsolicited, e.g.
// after an address changes) with a Neighbor Advertisement.
func (r *Resolver) sendAdvert(nf *netif.Netif, src, dst, target netip.Addr, solicited, isRouter bool) error {
	totalLen := wire.SizeICMPv6Header + 16 + 8
	flat := make([]byte, totalLen)
	msg, err := wire.NewICMPv6Frame(flat)
	if err != nil {
		return err
	}
	msg.SetType(wire.ICMPv6NeighborAdvert)
	msg.SetCode(0)
	var flags uint8 = wire.NDFlagOverride
	if solicited {
		flags |= wire.NDFlagSolicited
	}
	if isRouter {
		flags |= wire.NDFlagRouter
	}
	msg.SetNDFlags(flags)
	copy(msg.TargetAddr(), target.AsSlice())
	writeLinkLayerOption(msg.Options(24), wire.NDOptTargetLinkAddr, nf.HardwareAddr())
	msg.SetChecksum(0)
	msg.SetChecksum(msg.ComputeChecksum(pseudoHeaderIPv6(src, dst, uint32(totalLen))))

	chain, err := r.alloc.Alloc(buf.LayerTransport, totalLen, buf.ClassPool)
	if err != nil {
		return err
	}
	buf.CopyFrom(chain, 0, flat)
	return r.out.Output(chain, src, dst, 255, 0, wire.ProtoICMPv6, nf)
}

// SendRouterSolicit multicasts a Router Solicitation to ff02::2,
// called on interface up per RFC 4861 §6.3.7.
func (r *Resolver) SendRouterSolicit(nf *netif.Netif) error {
	src, ok := linkLocalSource(nf)
	if !ok {
		src = unspecified
	}
	totalLen := wire.SizeICMPv6Header
	flat := make([]byte, totalLen)
	msg, err := wire.NewICMPv6Frame(flat)
	if err != nil {
		return err
	}
	msg.SetType(wire.ICMPv6RouterSolicit)
	msg.SetCode(0)
	msg.SetChecksum(0)
	msg.SetChecksum(msg.ComputeChecksum(pseudoHeaderIPv6(src, allRouters, uint32(totalLen))))

	chain, err := r.alloc.Alloc(buf.LayerTransport, totalLen, buf.ClassPool)
	if err != nil {
		return err
	}
	buf.CopyFrom(chain, 0, flat)
	r.log.WithField("netif", nf.Name).Debug("ndp: sending router solicitation")
	return r.out.Output(chain, src, allRouters, 255, 0, wire.ProtoICMPv6, nf)
}

// Input processes one inbound ICMPv6 message already identified as one
// of the Neighbour Discovery types (RFC 4861 §3) by the ICMPv6
// dispatcher. payload still holds the full ICMPv6 message; checksum
// has already been verified by the caller.
func (r *Resolver) Input(msg wire.ICMPv6Frame, srcAddr, dstAddr netip.Addr, inbound *netif.Netif) error {
	switch msg.Type() {
	case wire.ICMPv6NeighborSolicit:
		return r.handleNS(msg, srcAddr, dstAddr, inbound)
	case wire.ICMPv6NeighborAdvert:
		return r.handleNA(msg, srcAddr, inbound)
	case wire.ICMPv6RouterAdvert:
		return r.handleRA(msg, srcAddr, inbound)
	case wire.ICMPv6RouterSolicit:
		// Host-only stack: no router behaviour, nothing to answer.
		return nil
	case wire.ICMPv6Redirect:
		return r.handleRedirect(msg, inbound)
	default:
		return nil
	}
}

func (r *Resolver) handleNS(msg wire.ICMPv6Frame, srcAddr, dstAddr netip.Addr, inbound *netif.Netif) error {
	target := targetAddrOf(msg)
	if !inbound.HasIPv6Addr(target) {
		return nil
	}
	if lla, ok := sourceLinkLayerOption(msg, 24); ok {
		if srcAddr != unspecified {
			r.cache.Resolve(srcAddr, lla, false)
		}
	}
	if srcAddr == unspecified {
		// Duplicate Address Detection probe from another host: this
		// stack doesn't defend tentative addresses beyond logging,
		// since DAD conflict handling is driven by the address-
		// assignment state machine, not the neighbour cache.
		r.log.WithField("target", target).Debug("ndp: observed DAD probe for our address")
		return nil
	}
	src, ok := linkLocalSource(inbound)
	if !ok {
		src = target
	}
	return r.sendAdvert(inbound, src, srcAddr, target, true, false)
}

func (r *Resolver) handleNA(msg wire.ICMPv6Frame, srcAddr netip.Addr, inbound *netif.Netif) error {
	target := targetAddrOf(msg)
	isRouter := msg.NDFlags()&wire.NDFlagRouter != 0
	var hw net.HardwareAddr
	if lla, ok := sourceLinkLayerOption(msg, 24); ok {
		hw = lla
	} else {
		hw, _ = r.cache.Lookup(target)
	}
	if hw == nil {
		return nil
	}
	pending := r.cache.Resolve(target, hw, isRouter)
	if pending != nil {
		if err := inbound.Driver().OutputIPv6(inbound, pending, target); err != nil {
			r.log.WithError(err).Debug("ndp: failed to flush queued packet")
		}
	}
	r.log.WithFields(logrus.Fields{"netif": inbound.Name, "target": target}).Debug("ndp: resolved")
	return nil
}

func (r *Resolver) handleRA(msg wire.ICMPv6Frame, srcAddr netip.Addr, inbound *netif.Netif) error {
	if lla, ok := sourceLinkLayerOption(msg, 16); ok {
		r.cache.Resolve(srcAddr, lla, true)
	} else {
		r.cache.MarkStale(srcAddr)
	}
	return nil
}

func (r *Resolver) handleRedirect(msg wire.ICMPv6Frame, inbound *netif.Netif) error {
	// Redirect carries the target address at the usual offset and a
	// second "destination address" field this stack's fixed-size
	// routing table has no slot for; recording the better next-hop in
	// the neighbour cache (as a reachable router entry) is the only
	// action taken.
	target := targetAddrOf(msg)
	if lla, ok := sourceLinkLayerOption(msg, 40); ok {
		r.cache.Resolve(target, lla, true)
	}
	return nil
}

func targetAddrOf(msg wire.ICMPv6Frame) netip.Addr {
	var a [16]byte
	copy(a[:], msg.TargetAddr())
	return netip.AddrFrom16(a)
}

// sourceLinkLayerOption scans the ND option TLV stream starting at
// byte offset off for a Source Link-Layer Address option, returning
// its 6-byte hardware address.
func sourceLinkLayerOption(msg wire.ICMPv6Frame, off int) (net.HardwareAddr, bool) {
	opts := msg.Options(off)
	for len(opts) >= 8 {
		optType := opts[0]
		optLen := int(opts[1]) * 8
		if optLen == 0 || optLen > len(opts) {
			return nil, false
		}
		if optType == wire.NDOptSourceLinkAddr || optType == wire.NDOptTargetLinkAddr {
			return append(net.HardwareAddr(nil), opts[2:8]...), true
		}
		opts = opts[optLen:]
	}
	return nil, false
}

func writeLinkLayerOption(dst []byte, optType uint8, hw net.HardwareAddr) {
	if len(dst) < 8 {
		return
	}
	dst[0] = optType
	dst[1] = 1 // length in 8-byte units
	copy(dst[2:8], hw)
}

// solicitedNodeMulticast derives the RFC 4291 §2.7.1 solicited-node
// multicast address ff02::1:ffXX:XXXX from target's low 24 bits.
func solicitedNodeMulticast(target netip.Addr) netip.Addr {
	var a [16]byte
	a[0], a[1] = 0xff, 0x02
	a[11] = 0x01
	a[12] = 0xff
	t := target.As16()
	a[13], a[14], a[15] = t[13], t[14], t[15]
	return netip.AddrFrom16(a)
}

// linkLocalSource returns nf's first preferred link-local address, the
// source used for outgoing Neighbour/Router Discovery messages.
func linkLocalSource(nf *netif.Netif) (netip.Addr, bool) {
	for _, a := range nf.IPv6Addrs() {
		if a.State == netif.IPv6Preferred && a.Addr.IsLinkLocalUnicast() {
			return a.Addr, true
		}
	}
	for _, a := range nf.IPv6Addrs() {
		if a.State == netif.IPv6Preferred {
			return a.Addr, true
		}
	}
	return netip.Addr{}, false
}

// pseudoHeaderIPv6 folds the RFC 8200 §8.1 IPv6 pseudo-header into a
// fresh accumulator for an ICMPv6 message of the given length.
func pseudoHeaderIPv6(src, dst netip.Addr, upperLen uint32) *wire.CRC791 {
	var c wire.CRC791
	s, d := src.As16(), dst.As16()
	c.Write(s[:])
	c.Write(d[:])
	c.AddUint16(uint16(upperLen >> 16))
	c.AddUint16(uint16(upperLen))
	c.AddUint16(uint16(wire.ProtoICMPv6))
	return &c
}
