// Package icmp6 implements ICMPv6 echo and error-message handling plus
// Neighbour Discovery dispatch per SPEC_FULL.md §4.5/§4.6, registered
// into the IPv6 pipeline as the handler for wire.ProtoICMPv6 and as
// its ipv6.ICMPv6ErrorSender. Grounded on pkg/icmp's ICMPv4 handler,
// generalised for the mandatory pseudo-header checksum RFC 4443 §2.3
// requires and for demultiplexing the Neighbour Discovery message
// types (RFC 4861) out to pkg/ndp.
package icmp6

import (
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/ipv6"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

// NDProcessor is the narrow interface the ICMPv6 handler uses to hand
// off Router/Neighbour Discovery messages, satisfied structurally by
// *ndp.Resolver without icmp6 needing to import the ndp cache types it
// doesn't otherwise use.
type NDProcessor interface {
	Input(msg wire.ICMPv6Frame, srcAddr, dstAddr netip.Addr, inbound *netif.Netif) error
}

// MLDProcessor is the narrow interface the ICMPv6 handler uses to hand
// off Multicast Listener Discovery messages (RFC 2710 §3), satisfied
// structurally by *mld.Table. MLD has no IP protocol number of its own;
// its three message types are carried as ICMPv6 messages, so dispatch
// happens here rather than via ipv6.Pipeline.RegisterHandler.
type MLDProcessor interface {
	Input(msg wire.ICMPv6Frame, srcAddr netip.Addr, inbound *netif.Netif) error
}

// Handler implements echo request/reply, error-message generation and
// Neighbour Discovery / MLD dispatch for one core context's IPv6
// pipeline.
type Handler struct {
	pipeline *ipv6.Pipeline
	alloc    *buf.Allocator
	nd       NDProcessor
	mld      MLDProcessor
	log      *logrus.Entry
}

// SetMLDProcessor wires the Multicast Listener Discovery handler; until
// called, MLD messages are silently dropped.
func (h *Handler) SetMLDProcessor(p MLDProcessor) { h.mld = p }

// New constructs an ICMPv6 handler bound to pipeline and registers it
// both as the upper-layer protocol handler and the error sender. A nil
// log falls back to the standard logger.
func New(pipeline *ipv6.Pipeline, alloc *buf.Allocator, nd NDProcessor, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Handler{pipeline: pipeline, alloc: alloc, nd: nd, log: log}
	pipeline.RegisterHandler(wire.ProtoICMPv6, h.input)
	pipeline.SetICMPv6ErrorSender(h)
	return h
}

func (h *Handler) input(payload *buf.Buf, ipHdr wire.IPv6Frame, inbound *netif.Netif) error {
	if payload == nil {
		return nil
	}
	flat := make([]byte, payload.TotLen())
	buf.CopyTo(payload, 0, len(flat), flat)

	msg, err := wire.NewICMPv6Frame(flat)
	if err != nil {
		h.log.WithError(err).Debug("icmp6: dropping malformed message")
		buf.Free(payload)
		return nil
	}
	pseudo := icmpv6Pseudo(ipHdr, len(flat))
	if msg.ComputeChecksum(&pseudo) != msg.Checksum() {
		h.log.Debug("icmp6: dropping message with bad checksum")
		buf.Free(payload)
		return nil
	}

	src := netip.AddrFrom16(*ipHdr.SourceAddr())
	dst := netip.AddrFrom16(*ipHdr.DestinationAddr())

	switch msg.Type() {
	case wire.ICMPv6EchoRequest:
		return h.reply(payload, flat, ipHdr, inbound)
	case wire.ICMPv6NeighborSolicit, wire.ICMPv6NeighborAdvert,
		wire.ICMPv6RouterSolicit, wire.ICMPv6RouterAdvert, wire.ICMPv6Redirect:
		buf.Free(payload)
		if h.nd != nil {
			return h.nd.Input(msg, src, dst, inbound)
		}
		return nil
	case wire.MLDListenerQuery, wire.MLDListenerReport, wire.MLDListenerDone:
		buf.Free(payload)
		if h.mld != nil {
			return h.mld.Input(msg, src, inbound)
		}
		return nil
	default:
		buf.Free(payload)
		return nil
	}
}

// reply implements the echo swap, reusing the request's bytes in
// place exactly as pkg/icmp does for ICMPv4.
func (h *Handler) reply(payload *buf.Buf, flat []byte, ipHdr wire.IPv6Frame, inbound *netif.Netif) error {
	msg, _ := wire.NewICMPv6Frame(flat)
	msg.SetType(wire.ICMPv6EchoReply)
	msg.SetChecksum(0)

	src := netip.AddrFrom16(*ipHdr.DestinationAddr())
	dst := netip.AddrFrom16(*ipHdr.SourceAddr())
	var pseudo wire.CRC791
	s16, d16 := src.As16(), dst.As16()
	pseudo.Write(s16[:])
	pseudo.Write(d16[:])
	pseudo.AddUint16(uint16(len(flat) >> 16))
	pseudo.AddUint16(uint16(len(flat)))
	pseudo.AddUint16(uint16(wire.ProtoICMPv6))
	msg.SetChecksum(msg.ComputeChecksum(&pseudo))
	buf.CopyFrom(payload, 0, flat)

	return h.pipeline.Output(payload, src, dst, 64, 0, wire.ProtoICMPv6, inbound)
}

// SendTimeExceeded implements ipv6.ICMPv6ErrorSender (RFC 4443 §3.3).
func (h *Handler) SendTimeExceeded(offending []byte, nf *netif.Netif) error {
	return h.sendError(offending, nf, wire.ICMPv6TimeExceeded, 0)
}

// SendUnreachable implements ipv6.ICMPv6ErrorSender (RFC 4443 §3.1).
func (h *Handler) SendUnreachable(offending []byte, nf *netif.Netif, code uint8) error {
	return h.sendError(offending, nf, wire.ICMPv6DestinationUnreach, code)
}

// SendPacketTooBig implements ipv6.ICMPv6ErrorSender (RFC 4443 §3.2);
// mtu is reported in the message's 4-byte type-specific field.
func (h *Handler) SendPacketTooBig(offending []byte, nf *netif.Netif, mtu uint32) error {
	if len(offending) < wire.SizeIPv6Header {
		return nil
	}
	origHdr, err := wire.NewIPv6Frame(offending)
	if err != nil {
		return nil
	}
	totalLen := wire.SizeICMPv6Header + len(offending)
	chain, err := h.alloc.Alloc(buf.LayerTransport, totalLen, buf.ClassPool)
	if err != nil {
		return err
	}
	errMsg, _ := wire.NewICMPv6Frame(chain.Payload())
	errMsg.SetType(wire.ICMPv6PacketTooBig)
	errMsg.SetCode(0)
	putBe32(errMsg.Rest(), mtu)
	copy(errMsg.Payload(), offending)

	src := netip.AddrFrom16(*origHdr.DestinationAddr())
	dst := netip.AddrFrom16(*origHdr.SourceAddr())
	errMsg.SetChecksum(0)
	var pseudo wire.CRC791
	s16, d16 := src.As16(), dst.As16()
	pseudo.Write(s16[:])
	pseudo.Write(d16[:])
	pseudo.AddUint16(uint16(totalLen >> 16))
	pseudo.AddUint16(uint16(totalLen))
	pseudo.AddUint16(uint16(wire.ProtoICMPv6))
	errMsg.SetChecksum(errMsg.ComputeChecksum(&pseudo))

	return h.pipeline.Output(chain, src, dst, 64, 0, wire.ProtoICMPv6, nf)
}

// sendError builds a new ICMPv6 error message carrying offending (the
// pipeline's snapshot of the datagram that triggered the error, up to
// the interface MTU per RFC 4443 §2.4) as its payload.
func (h *Handler) sendError(offending []byte, nf *netif.Netif, typ wire.ICMPv6Type, code uint8) error {
	if len(offending) < wire.SizeIPv6Header {
		return nil
	}
	origHdr, err := wire.NewIPv6Frame(offending)
	if err != nil {
		return nil
	}
	totalLen := wire.SizeICMPv6Header + len(offending)
	chain, err := h.alloc.Alloc(buf.LayerTransport, totalLen, buf.ClassPool)
	if err != nil {
		return err
	}
	errMsg, _ := wire.NewICMPv6Frame(chain.Payload())
	errMsg.SetType(typ)
	errMsg.SetCode(code)
	copy(errMsg.Payload(), offending)

	src := netip.AddrFrom16(*origHdr.DestinationAddr())
	dst := netip.AddrFrom16(*origHdr.SourceAddr())
	errMsg.SetChecksum(0)
	var pseudo wire.CRC791
	s16, d16 := src.As16(), dst.As16()
	pseudo.Write(s16[:])
	pseudo.Write(d16[:])
	pseudo.AddUint16(uint16(totalLen >> 16))
	pseudo.AddUint16(uint16(totalLen))
	pseudo.AddUint16(uint16(wire.ProtoICMPv6))
	errMsg.SetChecksum(errMsg.ComputeChecksum(&pseudo))

	return h.pipeline.Output(chain, src, dst, 64, 0, wire.ProtoICMPv6, nf)
}

func icmpv6Pseudo(ipHdr wire.IPv6Frame, upperLen int) wire.CRC791 {
	var c wire.CRC791
	ipHdr.WritePseudoHeaderICMPv6(&c, uint32(upperLen))
	return c
}

func putBe32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}
