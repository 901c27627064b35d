package wire

import (
	"fmt"
	"net/netip"
)

// SizeIGMPv2Header is the fixed IGMPv2 message size (RFC 2236 §2):
// type, max response time, checksum, group address.
const SizeIGMPv2Header = 8

// IGMPType is the IGMP message type (RFC 2236).
type IGMPType uint8

const (
	IGMPMembershipQuery   IGMPType = 0x11
	IGMPv1MembershipReport IGMPType = 0x12
	IGMPv2MembershipReport IGMPType = 0x16
	IGMPLeaveGroup        IGMPType = 0x17
)

func (t IGMPType) String() string {
	switch t {
	case IGMPMembershipQuery:
		return "membership-query"
	case IGMPv1MembershipReport:
		return "v1-membership-report"
	case IGMPv2MembershipReport:
		return "v2-membership-report"
	case IGMPLeaveGroup:
		return "leave-group"
	default:
		return fmt.Sprintf("IGMPType(%d)", uint8(t))
	}
}

// IGMPv2Frame is a view over an IGMPv2 message.
type IGMPv2Frame struct{ buf []byte }

// NewIGMPv2Frame wraps buf as an IGMPv2 message view.
func NewIGMPv2Frame(buf []byte) (IGMPv2Frame, error) {
	if len(buf) < SizeIGMPv2Header {
		return IGMPv2Frame{}, errShort
	}
	return IGMPv2Frame{buf: buf}, nil
}

func (f IGMPv2Frame) Type() IGMPType     { return IGMPType(f.buf[0]) }
func (f IGMPv2Frame) SetType(t IGMPType) { f.buf[0] = byte(t) }

// MaxRespTime is in units of 1/10 second for a Membership Query.
func (f IGMPv2Frame) MaxRespTime() uint8     { return f.buf[1] }
func (f IGMPv2Frame) SetMaxRespTime(v uint8) { f.buf[1] = v }

func (f IGMPv2Frame) Checksum() uint16     { return be16(f.buf[2:4]) }
func (f IGMPv2Frame) SetChecksum(v uint16) { putBe16(f.buf[2:4], v) }

func (f IGMPv2Frame) GroupAddr() netip.Addr {
	return netip.AddrFrom4([4]byte(f.buf[4:8]))
}

func (f IGMPv2Frame) SetGroupAddr(addr netip.Addr) {
	a4 := addr.As4()
	copy(f.buf[4:8], a4[:])
}

// ComputeChecksum computes the IGMP checksum over the whole message,
// treating the checksum field as zero; IGMP has no pseudo-header.
func (f IGMPv2Frame) ComputeChecksum() uint16 {
	var c CRC791
	c.Write(f.buf[0:2])
	c.Write(f.buf[4:])
	return c.Sum16()
}

func (f IGMPv2Frame) String() string {
	return fmt.Sprintf("IGMP %s group=%s", f.Type(), f.GroupAddr())
}
