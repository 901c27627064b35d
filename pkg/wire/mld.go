package wire

import (
	"fmt"
	"net/netip"
)

// SizeMLDv1Header is the fixed MLDv1 message size (RFC 2710 §3):
// type, code, checksum, max response delay, reserved, multicast
// address. MLD is carried inside ICMPv6 and reuses its 8-byte fixed
// header plus a 16-byte multicast address.
const SizeMLDv1Header = 24

// MLDType mirrors the ICMPv6 types MLDv1 reuses (RFC 2710 §3).
const (
	MLDListenerQuery  ICMPv6Type = 130
	MLDListenerReport ICMPv6Type = 131
	MLDListenerDone   ICMPv6Type = 132
)

// MLDv1Frame is a view over an MLDv1 message, laid out as an ICMPv6
// message whose 4-byte type-specific field holds the max response
// delay followed by a reserved field, then a 16-byte multicast
// address.
type MLDv1Frame struct{ buf []byte }

// NewMLDv1Frame wraps buf as an MLDv1 message view.
func NewMLDv1Frame(buf []byte) (MLDv1Frame, error) {
	if len(buf) < SizeMLDv1Header {
		return MLDv1Frame{}, errShort
	}
	return MLDv1Frame{buf: buf}, nil
}

func (f MLDv1Frame) Type() ICMPv6Type     { return ICMPv6Type(f.buf[0]) }
func (f MLDv1Frame) SetType(t ICMPv6Type) { f.buf[0] = byte(t) }

func (f MLDv1Frame) Code() uint8     { return f.buf[1] }
func (f MLDv1Frame) SetCode(c uint8) { f.buf[1] = c }

func (f MLDv1Frame) Checksum() uint16     { return be16(f.buf[2:4]) }
func (f MLDv1Frame) SetChecksum(v uint16) { putBe16(f.buf[2:4], v) }

func (f MLDv1Frame) MaxRespDelay() uint16     { return be16(f.buf[4:6]) }
func (f MLDv1Frame) SetMaxRespDelay(v uint16) { putBe16(f.buf[4:6], v) }

func (f MLDv1Frame) MulticastAddr() netip.Addr {
	return netip.AddrFrom16([16]byte(f.buf[8:24]))
}

func (f MLDv1Frame) SetMulticastAddr(addr netip.Addr) {
	a16 := addr.As16()
	copy(f.buf[8:24], a16[:])
}

// ComputeChecksum computes the MLD checksum including the IPv6
// pseudo-header folded in by the caller, exactly like ICMPv6Frame's.
func (f MLDv1Frame) ComputeChecksum(pseudo *CRC791) uint16 {
	c := *pseudo
	c.Write(f.buf[0:2])
	c.Write(f.buf[4:])
	return c.Sum16()
}

func (f MLDv1Frame) String() string {
	return fmt.Sprintf("MLD %s addr=%s", f.Type(), f.MulticastAddr())
}
