package arp

import (
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/errs"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

var broadcastHW = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Resolver is the ARP protocol handler of spec.md §4.4: it builds and
// sends request/reply/gratuitous frames over a netif's link layer and
// feeds received frames back into Cache, the state machine it drives.
// Grounded on lwIP's etharp.c (etharp_request, etharp_output,
// etharp_input, etharp_raw), split here from the cache (pkg/arp/cache.go)
// the way this stack keeps state machines and wire-level protocol code
// in separate files throughout (see pkg/ipv4 vs pkg/icmp).
type Resolver struct {
	cache *Cache
	alloc *buf.Allocator
	log   *logrus.Entry
}

// NewResolver binds a protocol handler to cache and alloc. Pass it to
// ipv4.Pipeline.SetARPRequester to also register it as the pipeline's
// ARPRequester.
func NewResolver(cache *Cache, alloc *buf.Allocator, log *logrus.Entry) *Resolver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Resolver{cache: cache, alloc: alloc, log: log}
}

// SendRequest satisfies ipv4.ARPRequester (by method signature, not by
// importing ipv4 — the pipeline already imports pkg/arp for the cache,
// so the requester interface is wired the other way: callers pass a
// *Resolver to pipeline.SetARPRequester directly). SendRequest
// broadcasts an ARP request for target out nf, per RFC 826.
// nf must have an IPv4 address configured; the request's sender fields
// are filled in from it.
func (r *Resolver) SendRequest(nf *netif.Netif, target netip.Addr) error {
	addr, _, _, ok := nf.IPv4()
	if !ok {
		return errs.Wrap(errs.ErrRouting, "arp: netif has no IPv4 address to request from")
	}
	chain, err := r.buildFrame(nf, wire.ARPRequest, addr, nf.HardwareAddr(), target, nil)
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"netif": nf.Name, "target": target}).Debug("arp: sending request")
	return nf.Driver().LinkOutput(nf, chain)
}

// SendGratuitous broadcasts a gratuitous ARP announcing nf's own IPv4
// address, per RFC 826/5227 practice: sender and target protocol
// addresses are both the interface's own address, with no real target
// hardware address known (a request, since not every stack replies to
// gratuitous ARP replies). Called on interface up / address assignment.
func (r *Resolver) SendGratuitous(nf *netif.Netif) error {
	addr, _, _, ok := nf.IPv4()
	if !ok {
		return errs.Wrap(errs.ErrRouting, "arp: netif has no IPv4 address to announce")
	}
	chain, err := r.buildFrame(nf, wire.ARPRequest, addr, nf.HardwareAddr(), addr, nil)
	if err != nil {
		return err
	}
	r.log.WithField("netif", nf.Name).Debug("arp: sending gratuitous announcement")
	return nf.Driver().LinkOutput(nf, chain)
}

// reply sends an ARP reply to requester, answering on behalf of nf's
// own IPv4 address.
func (r *Resolver) reply(nf *netif.Netif, ownAddr netip.Addr, requester netip.Addr, requesterHW net.HardwareAddr) error {
	chain, err := r.buildFrame(nf, wire.ARPReply, ownAddr, nf.HardwareAddr(), requester, requesterHW)
	if err != nil {
		return err
	}
	return nf.Driver().LinkOutput(nf, chain)
}

// buildFrame assembles an Ethernet+ARP frame. targetHW may be nil for a
// request (filled with zeros), or the known unicast destination for a
// reply/request.
func (r *Resolver) buildFrame(nf *netif.Netif, op wire.ARPOp, senderIP netip.Addr, senderHW net.HardwareAddr, targetIP netip.Addr, targetHW net.HardwareAddr) (*buf.Buf, error) {
	totalLen := wire.SizeEthHeader + wire.SizeARPv4
	flat := make([]byte, totalLen)

	eth, err := wire.NewEthFrame(flat)
	if err != nil {
		return nil, err
	}
	dstHW := targetHW
	if dstHW == nil {
		dstHW = broadcastHW
	}
	eth.SetDestination(dstHW)
	eth.SetSource(senderHW)
	eth.SetType(wire.EtherTypeARP)

	a, err := wire.NewARPv4Frame(eth.Payload())
	if err != nil {
		return nil, err
	}
	a.InitEthernetIPv4(op)
	a.SetSenderHardwareAddr(senderHW)
	a.SetSenderProtocolAddr(senderIP)
	if targetHW != nil {
		a.SetTargetHardwareAddr(targetHW)
	}
	a.SetTargetProtocolAddr(targetIP)

	chain, err := r.alloc.Alloc(buf.LayerLink, totalLen, buf.ClassPool)
	if err != nil {
		return nil, err
	}
	buf.CopyFrom(chain, 0, flat)
	return chain, nil
}

// Input processes one inbound Ethernet frame carrying an ARP packet:
// requests for one of inbound's own addresses are answered, and replies
// (or gratuitous requests) update Cache and flush any queued packet
// waiting on that address.
func (r *Resolver) Input(chain *buf.Buf, inbound *netif.Netif) error {
	if chain == nil {
		return nil
	}
	flat := make([]byte, chain.TotLen())
	buf.CopyTo(chain, 0, len(flat), flat)
	buf.Free(chain)

	eth, err := wire.NewEthFrame(flat)
	if err != nil {
		return nil
	}
	if eth.Type() != wire.EtherTypeARP {
		return nil
	}
	a, err := wire.NewARPv4Frame(eth.Payload())
	if err != nil {
		return nil
	}
	var v wire.Validator
	a.Validate(&v)
	if v.Err() != nil {
		r.log.WithError(v.Err()).Debug("arp: dropping malformed packet")
		return nil
	}

	sha := append(net.HardwareAddr(nil), a.SenderHardwareAddr()...)
	spa := a.SenderProtocolAddr()

	gratuitous := a.Op() == wire.ARPRequest && spa == a.TargetProtocolAddr()

	// RFC 826: any ARP packet updates an existing entry for the sender,
	// since the sender's own mapping is a fresh fact regardless of which
	// direction the packet travelled. A brand new entry is created on an
	// actual reply, or on a gratuitous announcement — but only when the
	// announced address is unicast and on our local subnet, per spec.md
	// §4.4's guard against remote cache poisoning by off-link senders.
	create := a.Op() == wire.ARPReply || (gratuitous && spa.IsValid() && !spa.IsMulticast() && inbound.IPv4OnSubnet(spa))
	if r.cache.find(spa) != nil || create {
		if pending := r.cache.Resolve(spa, sha); pending != nil {
			r.transmitPending(inbound, spa, pending)
		}
		r.log.WithFields(logrus.Fields{"netif": inbound.Name, "ip": spa, "hw": sha, "gratuitous": gratuitous}).Debug("arp: resolved")
	}

	if a.Op() == wire.ARPRequest && inbound.HasIPv4Addr(a.TargetProtocolAddr()) {
		r.log.WithFields(logrus.Fields{"netif": inbound.Name, "who-has": a.TargetProtocolAddr(), "tell": spa}).Debug("arp: answering request")
		return r.reply(inbound, a.TargetProtocolAddr(), spa, sha)
	}
	return nil
}

func (r *Resolver) transmitPending(nf *netif.Netif, dst netip.Addr, chain *buf.Buf) {
	if err := nf.Driver().OutputIPv4(nf, chain, dst); err != nil {
		r.log.WithError(err).Debug("arp: failed to flush queued packet")
	}
}
