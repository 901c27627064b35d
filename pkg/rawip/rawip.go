// Package rawip implements the raw IP endpoint table of SPEC_FULL.md
// §4.7's "Raw IP" component: deliver whole IP payloads for a chosen
// protocol number straight to application code, bypassing UDP/TCP
// demultiplexing entirely. Grounded on pkg/udp's endpoint-table shape,
// generalised from "demultiplex by port" to "demultiplex by protocol
// number" — one endpoint per protocol number, the same exclusivity
// pkg/ipv4.Pipeline and pkg/ipv6.Pipeline already enforce by holding a
// single Handler per protocol rather than a fan-out list.
package rawip

import (
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/errs"
	"github.com/simeonmiteff/nanostack/pkg/ipv4"
	"github.com/simeonmiteff/nanostack/pkg/ipv6"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

// RecvFunc is invoked when a raw datagram is delivered to an endpoint;
// payload is the full IP payload for Proto, IP header stripped.
type RecvFunc func(payload *buf.Buf, src netip.Addr)

// Endpoint is one raw IP protocol control block.
type Endpoint struct {
	Proto  wire.IPProto
	OnRecv RecvFunc

	v4 *Table
	v6 *TableV6
}

// Close removes e from whichever table bound it.
func (e *Endpoint) Close() {
	if e.v4 != nil {
		delete(e.v4.endpoints, e.Proto)
	}
	if e.v6 != nil {
		delete(e.v6.endpoints, e.Proto)
	}
}

// Send transmits payload carrying e.Proto from src to dst via nf over
// whichever pipeline bound e.
func (e *Endpoint) Send(payload *buf.Buf, src, dst netip.Addr, nf *netif.Netif) error {
	if e.v4 != nil {
		return e.v4.pipeline.Output(payload, src, dst, 64, 0, e.Proto, nf)
	}
	return e.v6.pipeline.Output(payload, src, dst, 64, 0, e.Proto, nf)
}

// Table owns the set of bound raw IPv4 endpoints for one core context.
type Table struct {
	pipeline  *ipv4.Pipeline
	endpoints map[wire.IPProto]*Endpoint
	log       *logrus.Entry
}

// New constructs an IPv4 raw table. A nil log falls back to the
// standard logger.
func New(pipeline *ipv4.Pipeline, log *logrus.Entry) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Table{pipeline: pipeline, endpoints: make(map[wire.IPProto]*Endpoint), log: log}
}

// Bind creates the endpoint receiving every IPv4 datagram carrying
// proto. Fails if proto is already claimed, by TCP/UDP/ICMP or by an
// earlier raw bind.
func (t *Table) Bind(proto wire.IPProto) (*Endpoint, error) {
	if proto == wire.ProtoTCP || proto == wire.ProtoUDP || proto == wire.ProtoICMP {
		return nil, errs.Wrap(errs.ErrAddressInUse, "rawip: protocol %s is reserved", proto)
	}
	if _, bound := t.endpoints[proto]; bound {
		return nil, errs.Wrap(errs.ErrAddressInUse, "rawip: protocol %s already bound", proto)
	}
	e := &Endpoint{Proto: proto, v4: t}
	t.endpoints[proto] = e
	t.pipeline.RegisterHandler(proto, t.input)
	return e, nil
}

func (t *Table) input(payload *buf.Buf, ipHdr wire.IPv4Frame, inbound *netif.Netif) error {
	e := t.endpoints[ipHdr.Protocol()]
	if e == nil || e.OnRecv == nil {
		t.log.WithField("proto", ipHdr.Protocol()).Debug("rawip: no endpoint, dropping")
		buf.Free(payload)
		return nil
	}
	e.OnRecv(payload, netip.AddrFrom4(*ipHdr.SourceAddr()))
	return nil
}

// TableV6 is rawip.Table's IPv6 counterpart, registered against
// ipv6.Pipeline instead.
type TableV6 struct {
	pipeline  *ipv6.Pipeline
	endpoints map[wire.IPProto]*Endpoint
	log       *logrus.Entry
}

// NewV6 constructs an IPv6 raw table. A nil log falls back to the
// standard logger.
func NewV6(pipeline *ipv6.Pipeline, log *logrus.Entry) *TableV6 {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TableV6{pipeline: pipeline, endpoints: make(map[wire.IPProto]*Endpoint), log: log}
}

// Bind creates the endpoint receiving every IPv6 datagram carrying
// proto, following Table.Bind's reserved/already-bound rules.
func (t *TableV6) Bind(proto wire.IPProto) (*Endpoint, error) {
	if proto == wire.ProtoTCP || proto == wire.ProtoUDP || proto == wire.ProtoICMPv6 {
		return nil, errs.Wrap(errs.ErrAddressInUse, "rawip: protocol %s is reserved", proto)
	}
	if _, bound := t.endpoints[proto]; bound {
		return nil, errs.Wrap(errs.ErrAddressInUse, "rawip: protocol %s already bound", proto)
	}
	e := &Endpoint{Proto: proto, v6: t}
	t.endpoints[proto] = e
	t.pipeline.RegisterHandler(proto, t.input)
	return e, nil
}

func (t *TableV6) input(payload *buf.Buf, ipHdr wire.IPv6Frame, inbound *netif.Netif) error {
	e := t.endpoints[ipHdr.NextHeader()]
	if e == nil || e.OnRecv == nil {
		t.log.WithField("proto", ipHdr.NextHeader()).Debug("rawip: no endpoint, dropping")
		buf.Free(payload)
		return nil
	}
	e.OnRecv(payload, netip.AddrFrom16(*ipHdr.SourceAddr()))
	return nil
}
