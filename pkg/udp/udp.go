// Package udp implements the UDP endpoint table of SPEC_FULL.md §4.7:
// demultiplex by local/remote tuple and pseudo-header checksum on send.
// Datagrams with no matching endpoint are dropped; no ICMP
// port-unreachable is sent. Grounded on the teacher's fixed connection-table pattern
// (sockstats.go's per-fd entry map), generalised from "one entry per
// live fd" to "one entry per bound/connected UDP endpoint".
package udp

import (
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/errs"
	"github.com/simeonmiteff/nanostack/pkg/ipv4"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

// Flags holds the per-endpoint behaviour bits of SPEC_FULL.md §4.7.
type Flags uint8

const (
	FlagConnected Flags = 1 << iota
	FlagChecksumDisabled
)

// RecvFunc is invoked when a datagram is delivered to an endpoint; addr
// is the remote sender.
type RecvFunc func(payload *buf.Buf, addr netip.AddrPort)

// Endpoint is one UDP protocol control block.
type Endpoint struct {
	LocalAddr  netip.Addr // zero value == any
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
	Flags      Flags

	OnRecv RecvFunc

	table *Table
}

// Table owns the set of bound UDP endpoints for one core context.
type Table struct {
	endpoints []*Endpoint
	pipeline  *ipv4.Pipeline
	nextPort  uint16
	log       *logrus.Entry
}

// New constructs a UDP table registered as the pipeline's handler for
// wire.ProtoUDP. A nil log falls back to the standard logger.
func New(pipeline *ipv4.Pipeline, log *logrus.Entry) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Table{pipeline: pipeline, nextPort: 49152, log: log}
	pipeline.RegisterHandler(wire.ProtoUDP, t.input)
	return t
}

// Bind creates a new endpoint bound to (localAddr, localPort). Port 0
// requests an ephemeral port from the table's private counter.
func (t *Table) Bind(localAddr netip.Addr, localPort uint16) (*Endpoint, error) {
	if localPort == 0 {
		localPort = t.nextPort
		t.nextPort++
	} else {
		for _, e := range t.endpoints {
			if e.LocalPort == localPort && (e.LocalAddr == localAddr || !e.LocalAddr.IsValid() || !localAddr.IsValid()) {
				return nil, errs.Wrap(errs.ErrAddressInUse, "udp: port %d already bound", localPort)
			}
		}
	}
	e := &Endpoint{LocalAddr: localAddr, LocalPort: localPort, table: t}
	t.endpoints = append(t.endpoints, e)
	return e, nil
}

// Connect fixes the endpoint's remote tuple, restricting input
// demultiplex to an exact match.
func (e *Endpoint) Connect(remoteAddr netip.Addr, remotePort uint16) {
	e.RemoteAddr, e.RemotePort = remoteAddr, remotePort
	e.Flags |= FlagConnected
}

// Close removes e from its table.
func (e *Endpoint) Close() {
	for i, ex := range e.table.endpoints {
		if ex == e {
			e.table.endpoints = append(e.table.endpoints[:i], e.table.endpoints[i+1:]...)
			return
		}
	}
}

// Send transmits payload to (dst, dstPort) from e's local tuple via nf.
func (e *Endpoint) Send(payload *buf.Buf, dst netip.Addr, dstPort uint16, nf *netif.Netif) error {
	if err := buf.HeaderAdjust(payload, wire.SizeUDPHeader); err != nil {
		buf.Free(payload)
		return err
	}
	hdr, err := wire.NewUDPFrame(payload.Payload())
	if err != nil {
		buf.Free(payload)
		return err
	}
	srcPort := e.LocalPort
	hdr.SetSourcePort(srcPort)
	hdr.SetDestPort(dstPort)
	hdr.SetLength(uint16(payload.TotLen()))
	hdr.SetChecksum(0)
	if e.Flags&FlagChecksumDisabled == 0 {
		src := e.LocalAddr
		if !src.IsValid() {
			addr, _, _, ok := nf.IPv4()
			if ok {
				src = addr
			}
		}
		var pseudo wire.CRC791
		ipHdrForPseudo, _ := wire.NewIPv4Frame(make([]byte, wire.SizeIPv4Header))
		ipHdrForPseudo.SetSourceAddr(src)
		ipHdrForPseudo.SetDestinationAddr(dst)
		ipHdrForPseudo.SetProtocol(wire.ProtoUDP)
		ipHdrForPseudo.WritePseudoHeaderUDP(&pseudo)
		pseudo.AddUint16(uint16(payload.TotLen()))
		hdr.SetChecksum(hdr.ComputeChecksum(&pseudo))
	}
	return e.table.pipeline.Output(payload, e.LocalAddr, dst, 64, 0, wire.ProtoUDP, nf)
}

// input is the ipv4.Handler registered for wire.ProtoUDP.
func (t *Table) input(payload *buf.Buf, ipHdr wire.IPv4Frame, inbound *netif.Netif) error {
	if payload == nil {
		return nil
	}
	flat := make([]byte, payload.TotLen())
	buf.CopyTo(payload, 0, len(flat), flat)
	hdr, err := wire.NewUDPFrame(flat)
	if err != nil {
		t.log.WithError(err).Debug("udp: dropping malformed header")
		buf.Free(payload)
		return nil
	}
	var v wire.Validator
	hdr.ValidateSize(&v)
	if v.Err() != nil {
		t.log.WithError(v.Err()).Debug("udp: dropping invalid datagram")
		buf.Free(payload)
		return nil
	}

	srcAddr := netip.AddrFrom4(*ipHdr.SourceAddr())
	dstAddr := netip.AddrFrom4(*ipHdr.DestinationAddr())
	srcPort, dstPort := hdr.SourcePort(), hdr.DestPort()

	e := t.lookup(dstAddr, dstPort, srcAddr, srcPort)
	if e == nil {
		// No bound endpoint for this port: datagram is silently dropped.
		// pkg/rawip reserves ProtoUDP so it can never steal this
		// dispatch; lwIP itself only emits ICMP port-unreachable for
		// unicast destinations with no raw-IP listener either.
		t.log.WithFields(logrus.Fields{"port": dstPort, "src": srcAddr}).Debug("udp: no bound endpoint, dropping")
		buf.Free(payload)
		return nil
	}
	data, err := buf.HeaderAdjustForce(payload, -wire.SizeUDPHeader)
	if err != nil {
		buf.Free(payload)
		return nil
	}
	if e.OnRecv != nil {
		e.OnRecv(data, netip.AddrPortFrom(srcAddr, srcPort))
	} else {
		buf.Free(data)
	}
	return nil
}

func (t *Table) lookup(localAddr netip.Addr, localPort uint16, remoteAddr netip.Addr, remotePort uint16) *Endpoint {
	for _, e := range t.endpoints {
		if e.Flags&FlagConnected != 0 {
			if e.LocalPort == localPort && e.RemoteAddr == remoteAddr && e.RemotePort == remotePort &&
				(!e.LocalAddr.IsValid() || e.LocalAddr == localAddr) {
				return e
			}
		}
	}
	for _, e := range t.endpoints {
		if e.Flags&FlagConnected == 0 && e.LocalPort == localPort &&
			(!e.LocalAddr.IsValid() || e.LocalAddr == localAddr) {
			return e
		}
	}
	return nil
}
