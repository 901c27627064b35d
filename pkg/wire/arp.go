package wire

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/simeonmiteff/nanostack/pkg/errs"
)

// SizeARPv4 is the size of an ARP packet over Ethernet/IPv4: the fixed
// 8-byte header plus two hardware addresses and two protocol addresses.
const SizeARPv4 = 28

const (
	hwTypeEthernet uint16 = 1
)

// ARPOp is the operation code carried in an ARP packet.
type ARPOp uint16

const (
	ARPRequest ARPOp = 1
	ARPReply   ARPOp = 2
)

func (op ARPOp) String() string {
	switch op {
	case ARPRequest:
		return "request"
	case ARPReply:
		return "reply"
	default:
		return fmt.Sprintf("ARPOp(%d)", uint16(op))
	}
}

// ARPv4Frame is a view over an Ethernet/IPv4 ARP packet (RFC 826).
type ARPv4Frame struct {
	buf []byte
}

// NewARPv4Frame wraps buf as an ARP-over-Ethernet/IPv4 view.
func NewARPv4Frame(buf []byte) (ARPv4Frame, error) {
	if len(buf) < SizeARPv4 {
		return ARPv4Frame{}, errShort
	}
	return ARPv4Frame{buf: buf}, nil
}

func (f ARPv4Frame) HardwareType() uint16     { return be16(f.buf[0:2]) }
func (f ARPv4Frame) SetHardwareType(v uint16) { putBe16(f.buf[0:2], v) }

func (f ARPv4Frame) ProtocolType() EtherType     { return EtherType(be16(f.buf[2:4])) }
func (f ARPv4Frame) SetProtocolType(v EtherType) { putBe16(f.buf[2:4], uint16(v)) }

func (f ARPv4Frame) HardwareLen() uint8     { return f.buf[4] }
func (f ARPv4Frame) SetHardwareLen(v uint8) { f.buf[4] = v }

func (f ARPv4Frame) ProtocolLen() uint8     { return f.buf[5] }
func (f ARPv4Frame) SetProtocolLen(v uint8) { f.buf[5] = v }

func (f ARPv4Frame) Op() ARPOp     { return ARPOp(be16(f.buf[6:8])) }
func (f ARPv4Frame) SetOp(v ARPOp) { putBe16(f.buf[6:8], uint16(v)) }

func (f ARPv4Frame) SenderHardwareAddr() net.HardwareAddr { return net.HardwareAddr(f.buf[8:14]) }
func (f ARPv4Frame) SenderProtocolAddr() netip.Addr {
	return netip.AddrFrom4([4]byte(f.buf[14:18]))
}
func (f ARPv4Frame) TargetHardwareAddr() net.HardwareAddr { return net.HardwareAddr(f.buf[18:24]) }
func (f ARPv4Frame) TargetProtocolAddr() netip.Addr {
	return netip.AddrFrom4([4]byte(f.buf[24:28]))
}

func (f ARPv4Frame) SetSenderHardwareAddr(addr net.HardwareAddr) { copy(f.buf[8:14], addr) }
func (f ARPv4Frame) SetSenderProtocolAddr(addr netip.Addr) {
	a4 := addr.As4()
	copy(f.buf[14:18], a4[:])
}
func (f ARPv4Frame) SetTargetHardwareAddr(addr net.HardwareAddr) { copy(f.buf[18:24], addr) }
func (f ARPv4Frame) SetTargetProtocolAddr(addr netip.Addr) {
	a4 := addr.As4()
	copy(f.buf[24:28], a4[:])
}

// InitEthernetIPv4 sets the fixed header fields (hardware type Ethernet,
// protocol type IPv4, address lengths 6/4) in one call, mirroring how
// every ARP request/reply on an Ethernet netif is built.
func (f ARPv4Frame) InitEthernetIPv4(op ARPOp) {
	f.SetHardwareType(hwTypeEthernet)
	f.SetProtocolType(EtherTypeIPv4)
	f.SetHardwareLen(6)
	f.SetProtocolLen(4)
	f.SetOp(op)
}

var (
	errARPBadHWLen  = errs.Wrap(errs.ErrMalformed, "arp: hardware address length is not 6")
	errARPBadProLen = errs.Wrap(errs.ErrMalformed, "arp: protocol address length is not 4")
	errARPBadHWType = errs.Wrap(errs.ErrMalformed, "arp: hardware type is not Ethernet")
	errARPBadProTy  = errs.Wrap(errs.ErrMalformed, "arp: protocol type is not IPv4")
)

// Validate checks that this is an Ethernet/IPv4 ARP packet with the
// expected fixed-field values; the stack does not support other
// hardware/protocol combinations.
func (f ARPv4Frame) Validate(v *Validator) {
	if f.HardwareType() != hwTypeEthernet {
		v.AddError(errARPBadHWType)
	}
	if f.ProtocolType() != EtherTypeIPv4 {
		v.AddError(errARPBadProTy)
	}
	if f.HardwareLen() != 6 {
		v.AddError(errARPBadHWLen)
	}
	if f.ProtocolLen() != 4 {
		v.AddError(errARPBadProLen)
	}
}

func (f ARPv4Frame) String() string {
	return fmt.Sprintf("ARP %s SHA=%s SPA=%s THA=%s TPA=%s",
		f.Op(), f.SenderHardwareAddr(), f.SenderProtocolAddr(),
		f.TargetHardwareAddr(), f.TargetProtocolAddr())
}
