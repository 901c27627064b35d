// Package ipv6 implements the IPv6 datagram pipeline of SPEC_FULL.md
// §4.5: extension-header walk, Fragment-header reassembly, Neighbour
// Discovery-driven transmit, and upper-layer dispatch. Grounded on
// pkg/ipv4's pipeline shape (same Input/Output/transmit split, same
// narrow-interface pattern for the protocol handler it cannot import
// directly without a cycle), generalised for the extension-header
// chain IPv4 doesn't have.
package ipv6

import (
	"net/netip"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/errs"
	"github.com/simeonmiteff/nanostack/pkg/ndp"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

// Handler dispatches one fully reassembled IPv6 datagram's upper-layer
// payload to a registered protocol (ICMPv6, UDP, TCP, raw table).
type Handler func(payload *buf.Buf, hdr wire.IPv6Frame, inbound *netif.Netif) error

// ICMPv6ErrorSender is the narrow interface the pipeline uses to
// trigger ICMPv6 error generation without importing pkg/icmp6
// directly, mirroring ipv4.ICMPErrorSender.
type ICMPv6ErrorSender interface {
	SendTimeExceeded(offending []byte, nf *netif.Netif) error
	SendUnreachable(offending []byte, nf *netif.Netif, code uint8) error
	SendPacketTooBig(offending []byte, nf *netif.Netif, mtu uint32) error
}

// NDRequester is the narrow interface the pipeline uses to emit a
// Neighbour Solicitation when transmit finds a freshly INCOMPLETE
// neighbour-cache entry, mirroring ipv4.ARPRequester.
type NDRequester interface {
	SendNeighborSolicit(nf *netif.Netif, target netip.Addr) error
}

// Pipeline owns IPv6 routing state, the reassembly table and protocol
// dispatch for one core context.
type Pipeline struct {
	Netifs     *netif.Table
	ND         *ndp.Cache
	Alloc      *buf.Allocator
	Forwarding bool

	reassembly *reassembler
	handlers   map[wire.IPProto]Handler
	icmpErrs   ICMPv6ErrorSender
	ndReq      NDRequester
	idCounter  uint32
	log        *logrus.Entry
}

// New constructs a pipeline bound to the given netif table, neighbour
// cache and buffer allocator. A nil log falls back to the standard
// logger.
func New(netifs *netif.Table, ndCache *ndp.Cache, alloc *buf.Allocator, reassCapacity, maxAgeTicks, maxDatagramSize int, log *logrus.Entry) *Pipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pipeline{
		Netifs:     netifs,
		ND:         ndCache,
		Alloc:      alloc,
		reassembly: newReassembler(reassCapacity, maxAgeTicks, maxDatagramSize),
		handlers:   make(map[wire.IPProto]Handler),
		log:        log,
	}
}

// RegisterHandler installs the upper-layer dispatch target for proto.
func (p *Pipeline) RegisterHandler(proto wire.IPProto, h Handler) { p.handlers[proto] = h }

// SetICMPv6ErrorSender wires the ICMPv6 error-generation callback.
func (p *Pipeline) SetICMPv6ErrorSender(s ICMPv6ErrorSender) { p.icmpErrs = s }

// SetNDRequester installs the handler that actually emits Neighbour
// Solicitation frames on a cache miss.
func (p *Pipeline) SetNDRequester(r NDRequester) { p.ndReq = r }

// AgeTick drives the reassembly table's expiry pass.
func (p *Pipeline) AgeTick() { p.reassembly.AgeTick() }

// Input implements SPEC_FULL.md §4.5's ipv6_input: validates the base
// header, walks the fixed-size extension-header chain (Hop-by-Hop
// first if present), reassembles Fragment headers, and dispatches the
// resulting upper-layer payload.
func (p *Pipeline) Input(chain *buf.Buf, inbound *netif.Netif) error {
	hdr, err := wire.NewIPv6Frame(chain.Payload())
	if err != nil {
		p.log.WithError(err).Debug("ipv6: dropping malformed header")
		buf.Free(chain)
		return nil
	}
	var v wire.Validator
	hdr.Validate(&v)
	if v.Err() != nil {
		p.log.WithError(v.Err()).Debug("ipv6: dropping invalid datagram")
		buf.Free(chain)
		return nil
	}

	dst := netip.AddrFrom16(*hdr.DestinationAddr())
	isLocal := dst.IsMulticast()
	if !isLocal {
		for _, nf := range p.Netifs.All() {
			if nf.HasIPv6Addr(dst) {
				isLocal = true
				break
			}
		}
	}
	if !isLocal {
		if !p.Forwarding {
			buf.Free(chain)
			return nil
		}
		return p.forward(chain, hdr, inbound)
	}

	payload, err := buf.HeaderAdjustForce(chain, -wire.SizeIPv6Header)
	if err != nil || payload == nil {
		buf.Free(chain)
		return nil
	}
	return p.walkExtensionHeaders(payload, hdr, hdr.NextHeader(), inbound)
}

// walkExtensionHeaders consumes payload's leading extension-header
// chain per RFC 8200 §4.1, stopping at the first header that is not
// one of Hop-by-Hop/Routing/Fragment/Destination-Options. Unknown
// extension headers never appear here since only those four constants
// report IsIPv6ExtHeader true; anything else is handed straight to
// dispatch as the upper-layer protocol, matching how a small-footprint
// stack skips the "two-bit unrecognized option action" machinery for
// options it never emits itself and does not expect to receive.
func (p *Pipeline) walkExtensionHeaders(payload *buf.Buf, hdr wire.IPv6Frame, next wire.IPProto, inbound *netif.Netif) error {
	for next.IsIPv6ExtHeader() {
		if next == wire.ProtoFragment {
			return p.inputFragment(payload, hdr, inbound)
		}
		if payload.TotLen() < 8 {
			buf.Free(payload)
			return nil
		}
		probe := make([]byte, 8)
		buf.CopyTo(payload, 0, len(probe), probe)
		ext, err := wire.NewIPv6ExtHeader(probe)
		if err != nil {
			buf.Free(payload)
			return nil
		}
		extLen := ext.Len()
		if payload.TotLen() < extLen {
			buf.Free(payload)
			return nil
		}
		rest, err := buf.HeaderAdjustForce(payload, -extLen)
		if err != nil {
			buf.Free(payload)
			return nil
		}
		payload = rest
		next = ext.NextHeader()
		if payload == nil {
			break
		}
	}
	return p.dispatchPayload(payload, hdr, next, inbound)
}

func (p *Pipeline) inputFragment(payload *buf.Buf, hdr wire.IPv6Frame, inbound *netif.Netif) error {
	flat := make([]byte, wire.SizeIPv6FragHeader)
	buf.CopyTo(payload, 0, len(flat), flat)
	frag, err := wire.NewIPv6FragHeader(flat)
	if err != nil {
		buf.Free(payload)
		return nil
	}
	rest, err := buf.HeaderAdjustForce(payload, -wire.SizeIPv6FragHeader)
	if err != nil {
		buf.Free(payload)
		return nil
	}
	if rest == nil {
		return nil
	}
	key := reassemblyKey{
		Src: netip.AddrFrom16(*hdr.SourceAddr()),
		Dst: netip.AddrFrom16(*hdr.DestinationAddr()),
		ID:  frag.Identification(),
	}
	offset := int(frag.FragmentOffset()) * 8
	whole, nextHdr, done := p.reassembly.admit(key, uint8(frag.NextHeader()), offset, frag.MoreFragments(), rest)
	if !done {
		return nil
	}
	return p.walkExtensionHeaders(whole, hdr, wire.IPProto(nextHdr), inbound)
}

func (p *Pipeline) dispatchPayload(payload *buf.Buf, hdr wire.IPv6Frame, proto wire.IPProto, inbound *netif.Netif) error {
	h, ok := p.handlers[proto]
	if !ok {
		if payload != nil {
			n := payload.TotLen()
			if n > 1280-wire.SizeIPv6Header {
				n = 1280 - wire.SizeIPv6Header
			}
			snap := make([]byte, n)
			buf.CopyTo(payload, 0, n, snap)
			buf.Free(payload)
			if p.icmpErrs != nil {
				return p.icmpErrs.SendUnreachable(snap, inbound, 4 /* port/protocol unreachable, RFC 4443 §3.1 code 4 */)
			}
		}
		return nil
	}
	return h(payload, hdr, inbound)
}

func (p *Pipeline) forward(chain *buf.Buf, hdr wire.IPv6Frame, inbound *netif.Netif) error {
	hl := hdr.HopLimit()
	if hl < 2 {
		if p.icmpErrs != nil {
			snap := snapshotChain(chain, wire.SizeIPv6Header+64)
			buf.Free(chain)
			p.icmpErrs.SendTimeExceeded(snap, inbound)
		} else {
			buf.Free(chain)
		}
		return nil
	}
	hdr.SetHopLimit(hl - 1)

	dst := netip.AddrFrom16(*hdr.DestinationAddr())
	outNif, err := p.Netifs.RouteIPv6(dst)
	if err != nil {
		buf.Free(chain)
		return nil
	}
	if mtu := outNif.MTU(); chain.TotLen() > mtu {
		// IPv6 routers never fragment in transit (RFC 8200 §4.5); the
		// originating host is told to shrink and retry instead.
		if p.icmpErrs != nil {
			snap := snapshotChain(chain, mtu)
			buf.Free(chain)
			return p.icmpErrs.SendPacketTooBig(snap, inbound, uint32(mtu))
		}
		buf.Free(chain)
		return nil
	}
	return p.transmit(chain, dst, outNif)
}

func snapshotChain(chain *buf.Buf, n int) []byte {
	if total := chain.TotLen(); n > total {
		n = total
	}
	out := make([]byte, n)
	buf.CopyTo(chain, 0, n, out)
	return out
}

// Output implements ipv6_output: fills the source address via simplified
// RFC 6724 selection if absent, builds the base header, and either
// transmits directly or fragments to the netif MTU using a Fragment
// extension header.
func (p *Pipeline) Output(payload *buf.Buf, src, dst netip.Addr, hopLimit uint8, trafficClass uint8, proto wire.IPProto, nf *netif.Netif) error {
	if !src.IsValid() {
		s, err := p.selectSource(nf, dst)
		if err != nil {
			buf.Free(payload)
			return err
		}
		src = s
	}

	mtu := nf.MTU()
	total := payload.TotLen()
	if wire.SizeIPv6Header+total <= mtu {
		chain, err := p.buildDatagram(payload, src, dst, hopLimit, trafficClass, proto)
		if err != nil {
			return err
		}
		return p.transmit(chain, dst, nf)
	}
	return p.fragmentAndSend(payload, src, dst, hopLimit, trafficClass, proto, nf, mtu)
}

// selectSource implements SPEC_FULL.md §4.5's simplified RFC 6724
// rule set: prefer same scope as dst, then preferred over deprecated,
// then longest common prefix, ties broken by address index.
func (p *Pipeline) selectSource(nf *netif.Netif, dst netip.Addr) (netip.Addr, error) {
	addrs := nf.IPv6Addrs()
	best := -1
	for i, a := range addrs {
		if a.State == netif.IPv6Invalid || a.State == netif.IPv6Tentative {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		if betterSource(a, addrs[best], dst) {
			best = i
		}
	}
	if best == -1 {
		return netip.Addr{}, errs.Wrap(errs.ErrRouting, "ipv6: output netif has no usable source address")
	}
	return addrs[best].Addr, nil
}

func betterSource(cand, cur netif.IPv6Addr, dst netip.Addr) bool {
	cs, us := sameScope(cand.Addr, dst), sameScope(cur.Addr, dst)
	if cs != us {
		return cs
	}
	cp, up := cand.State == netif.IPv6Preferred, cur.State == netif.IPv6Preferred
	if cp != up {
		return cp
	}
	return commonPrefixLen(cand.Addr, dst) > commonPrefixLen(cur.Addr, dst)
}

func sameScope(a, dst netip.Addr) bool {
	return a.IsLinkLocalUnicast() == dst.IsLinkLocalUnicast()
}

func commonPrefixLen(a, b netip.Addr) int {
	if !a.Is6() || !b.Is6() {
		return 0
	}
	a16, b16 := a.As16(), b.As16()
	n := 0
	for i := 0; i < 16; i++ {
		x := a16[i] ^ b16[i]
		if x == 0 {
			n += 8
			continue
		}
		for x&0x80 == 0 {
			n++
			x <<= 1
		}
		break
	}
	return n
}

func (p *Pipeline) buildDatagram(payload *buf.Buf, src, dst netip.Addr, hopLimit, trafficClass uint8, proto wire.IPProto) (*buf.Buf, error) {
	if err := buf.HeaderAdjust(payload, wire.SizeIPv6Header); err != nil {
		buf.Free(payload)
		return nil, err
	}
	hdr, err := wire.NewIPv6Frame(payload.Payload())
	if err != nil {
		buf.Free(payload)
		return nil, err
	}
	hdr.SetVersionAndTrafficClass(trafficClass)
	hdr.SetFlowLabel(0)
	hdr.SetPayloadLength(uint16(payload.TotLen() - wire.SizeIPv6Header))
	hdr.SetNextHeader(proto)
	hdr.SetHopLimit(hopLimit)
	hdr.SetSourceAddr(src)
	hdr.SetDestinationAddr(dst)
	return payload, nil
}

// fragmentAndSend implements RFC 8200 §4.5 output fragmentation: each
// piece carries its own base header plus an 8-byte Fragment extension
// header ahead of its slice of the original payload.
func (p *Pipeline) fragmentAndSend(payload *buf.Buf, src, dst netip.Addr, hopLimit, trafficClass uint8, proto wire.IPProto, nf *netif.Netif, mtu int) error {
	maxData := ((mtu - wire.SizeIPv6Header - wire.SizeIPv6FragHeader) / 8) * 8
	if maxData <= 0 {
		buf.Free(payload)
		return errs.Wrap(errs.ErrArgument, "ipv6: netif MTU too small to fragment")
	}

	total := payload.TotLen()
	full := make([]byte, total)
	buf.CopyTo(payload, 0, total, full)
	buf.Free(payload)

	id := atomic.AddUint32(&p.idCounter, 1)
	for off := 0; off < total; off += maxData {
		end := off + maxData
		more := true
		if end >= total {
			end = total
			more = false
		}
		piece, err := p.Alloc.Alloc(buf.LayerIP, wire.SizeIPv6FragHeader+(end-off), buf.ClassPool)
		if err != nil {
			return err
		}
		fh, err := wire.NewIPv6FragHeader(piece.Payload())
		if err != nil {
			return err
		}
		fh.SetNextHeader(proto)
		fh.SetFragmentOffsetAndMF(uint16(off/8), more)
		fh.SetIdentification(id)
		buf.CopyFrom(piece, wire.SizeIPv6FragHeader, full[off:end])

		chain, err := p.buildDatagram(piece, src, dst, hopLimit, trafficClass, wire.ProtoFragment)
		if err != nil {
			return err
		}
		if err := p.transmit(chain, dst, nf); err != nil {
			return err
		}
	}
	return nil
}

// transmit resolves dst's link address via the neighbour cache,
// queueing chain if the entry is still INCOMPLETE, mirroring
// ipv4.Pipeline.transmit. A FlagNoARP netif (loopback, point-to-point)
// skips neighbour discovery entirely, and multicast destinations never
// need resolution (the driver maps them to a fixed multicast link
// address itself).
func (p *Pipeline) transmit(chain *buf.Buf, dst netip.Addr, nf *netif.Netif) error {
	if nf.Flags().Has(netif.FlagNoARP) || dst.IsMulticast() {
		return nf.Driver().OutputIPv6(nf, chain, dst)
	}
	if _, ok := p.ND.Lookup(dst); ok {
		return nf.Driver().OutputIPv6(nf, chain, dst)
	}
	e, err := p.ND.StartResolution(dst)
	if err != nil {
		buf.Free(chain)
		return err
	}
	if e.State == ndp.StateIncomplete {
		p.ND.AttachPending(dst, chain)
		if p.ndReq != nil {
			if err := p.ndReq.SendNeighborSolicit(nf, dst); err != nil {
				return err
			}
		}
		return nil
	}
	return nf.Driver().OutputIPv6(nf, chain, dst)
}
