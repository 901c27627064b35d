// Package icmp implements ICMPv4 echo and error-message handling per
// SPEC_FULL.md §4.6, registered into the IPv4 pipeline as the handler
// for wire.ProtoICMP and as its ipv4.ICMPErrorSender. Grounded on the
// teacher's reuse-don't-reallocate style for responses (exporter.go
// builds its response by mutating a held struct rather than
// allocating a fresh one per poll).
package icmp

import (
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/ipv4"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

// Handler implements echo request/reply and error-message generation
// for one core context's IPv4 pipeline.
type Handler struct {
	pipeline *ipv4.Pipeline
	alloc    *buf.Allocator
	log      *logrus.Entry
}

// New constructs an ICMP handler bound to pipeline's Output method for
// sending replies/errors, and alloc for building new chains. A nil log
// falls back to the standard logger.
func New(pipeline *ipv4.Pipeline, alloc *buf.Allocator, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Handler{pipeline: pipeline, alloc: alloc, log: log}
	pipeline.RegisterHandler(wire.ProtoICMP, h.input)
	pipeline.SetICMPErrorSender(h)
	return h
}

// input is the ipv4.Handler for incoming ICMP messages.
func (h *Handler) input(payload *buf.Buf, ipHdr wire.IPv4Frame, inbound *netif.Netif) error {
	if payload == nil {
		return nil
	}
	flat := make([]byte, payload.TotLen())
	buf.CopyTo(payload, 0, len(flat), flat)

	msg, err := wire.NewICMPFrame(flat)
	if err != nil {
		h.log.WithError(err).Debug("icmp: dropping malformed message")
		buf.Free(payload)
		return nil
	}
	if msg.ComputeChecksum() != msg.Checksum() {
		h.log.Debug("icmp: dropping message with bad checksum")
		buf.Free(payload)
		return nil
	}

	switch msg.Type() {
	case wire.ICMPEchoRequest:
		return h.reply(payload, flat, ipHdr, inbound)
	default:
		buf.Free(payload)
		return nil
	}
}

// reply implements the echo swap: reuse the request's bytes, flip
// type to echo-reply, recompute the checksum, and send back to the
// original source — avoiding a fresh allocation per SPEC_FULL.md §4.6.
func (h *Handler) reply(payload *buf.Buf, flat []byte, ipHdr wire.IPv4Frame, inbound *netif.Netif) error {
	msg, _ := wire.NewICMPFrame(flat)
	msg.SetType(wire.ICMPEchoReply)
	msg.SetChecksum(0)
	msg.SetChecksum(msg.ComputeChecksum())
	buf.CopyFrom(payload, 0, flat)

	src := netip.AddrFrom4(*ipHdr.DestinationAddr())
	dst := netip.AddrFrom4(*ipHdr.SourceAddr())
	return h.pipeline.Output(payload, src, dst, 64, 0, wire.ProtoICMP, inbound)
}

// SendTimeExceeded implements ipv4.ICMPErrorSender: copies the
// offending header plus 8 bytes of payload into a new ICMP
// time-exceeded message (RFC 792), per SPEC_FULL.md §4.6.
func (h *Handler) SendTimeExceeded(offending []byte, nf *netif.Netif) error {
	return h.sendError(offending, nf, wire.ICMPTimeExceeded, 0)
}

// SendProtocolUnreachable implements ipv4.ICMPErrorSender for the
// "no registered handler for this protocol number" case.
func (h *Handler) SendProtocolUnreachable(offending []byte, nf *netif.Netif) error {
	return h.sendError(offending, nf, wire.ICMPDestinationUnreach, wire.ICMPCodeProtoUnreach)
}

// sendError builds a new ICMP error message carrying offending (the
// pipeline's IP-header-plus-8-bytes snapshot of the datagram that
// triggered the error) as its payload.
func (h *Handler) sendError(offending []byte, nf *netif.Netif, typ wire.ICMPType, code uint8) error {
	if len(offending) < wire.SizeIPv4Header {
		return nil
	}
	origHdr, err := wire.NewIPv4Frame(offending)
	if err != nil {
		return nil
	}
	copyLen := len(offending)

	chain, err := h.alloc.Alloc(buf.LayerTransport, wire.SizeICMPHeader+copyLen, buf.ClassPool)
	if err != nil {
		return err
	}
	errMsg, _ := wire.NewICMPFrame(chain.Payload())
	errMsg.SetType(typ)
	errMsg.SetCode(code)
	copy(errMsg.Payload(), offending[:copyLen])
	errMsg.SetChecksum(0)
	errMsg.SetChecksum(errMsg.ComputeChecksum())

	src := netip.AddrFrom4(*origHdr.DestinationAddr())
	dst := netip.AddrFrom4(*origHdr.SourceAddr())
	return h.pipeline.Output(chain, src, dst, 64, 0, wire.ProtoICMP, nf)
}
