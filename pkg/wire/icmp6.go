package wire

import "fmt"

// SizeICMPv6Header matches SizeICMPHeader: type, code, checksum, plus a
// 4-byte type-specific field.
const SizeICMPv6Header = 8

// ICMPv6Type is the ICMPv6 message type (RFC 4443) including the NDP
// message types (RFC 4861).
type ICMPv6Type uint8

const (
	ICMPv6DestinationUnreach ICMPv6Type = 1
	ICMPv6PacketTooBig       ICMPv6Type = 2
	ICMPv6TimeExceeded       ICMPv6Type = 3
	ICMPv6ParameterProblem   ICMPv6Type = 4
	ICMPv6EchoRequest        ICMPv6Type = 128
	ICMPv6EchoReply          ICMPv6Type = 129
	ICMPv6RouterSolicit      ICMPv6Type = 133
	ICMPv6RouterAdvert       ICMPv6Type = 134
	ICMPv6NeighborSolicit    ICMPv6Type = 135
	ICMPv6NeighborAdvert     ICMPv6Type = 136
	ICMPv6Redirect           ICMPv6Type = 137
)

func (t ICMPv6Type) String() string {
	switch t {
	case ICMPv6DestinationUnreach:
		return "dest-unreach"
	case ICMPv6PacketTooBig:
		return "packet-too-big"
	case ICMPv6TimeExceeded:
		return "time-exceeded"
	case ICMPv6ParameterProblem:
		return "param-problem"
	case ICMPv6EchoRequest:
		return "echo-request"
	case ICMPv6EchoReply:
		return "echo-reply"
	case ICMPv6RouterSolicit:
		return "router-solicit"
	case ICMPv6RouterAdvert:
		return "router-advert"
	case ICMPv6NeighborSolicit:
		return "neighbor-solicit"
	case ICMPv6NeighborAdvert:
		return "neighbor-advert"
	case ICMPv6Redirect:
		return "redirect"
	default:
		return fmt.Sprintf("ICMPv6Type(%d)", uint8(t))
	}
}

// NDP neighbor advertisement flag bits, packed into the high byte of
// the 4-byte reserved field.
const (
	NDFlagRouter    uint8 = 1 << 7
	NDFlagSolicited uint8 = 1 << 6
	NDFlagOverride  uint8 = 1 << 5
)

// NDP option types (RFC 4861 §4.6).
const (
	NDOptSourceLinkAddr uint8 = 1
	NDOptTargetLinkAddr uint8 = 2
	NDOptPrefixInfo     uint8 = 3
	NDOptMTU            uint8 = 5
)

// ICMPv6Frame is a view over an ICMPv6 message, reused for NDP
// solicitation/advertisement messages since they share the fixed
// type/code/checksum header.
type ICMPv6Frame struct{ buf []byte }

// NewICMPv6Frame wraps buf as an ICMPv6 message view.
func NewICMPv6Frame(buf []byte) (ICMPv6Frame, error) {
	if len(buf) < SizeICMPv6Header {
		return ICMPv6Frame{}, errShort
	}
	return ICMPv6Frame{buf: buf}, nil
}

func (f ICMPv6Frame) Type() ICMPv6Type     { return ICMPv6Type(f.buf[0]) }
func (f ICMPv6Frame) SetType(t ICMPv6Type) { f.buf[0] = byte(t) }

func (f ICMPv6Frame) Code() uint8     { return f.buf[1] }
func (f ICMPv6Frame) SetCode(c uint8) { f.buf[1] = c }

func (f ICMPv6Frame) Checksum() uint16     { return be16(f.buf[2:4]) }
func (f ICMPv6Frame) SetChecksum(v uint16) { putBe16(f.buf[2:4], v) }

func (f ICMPv6Frame) Rest() []byte { return f.buf[4:8] }

func (f ICMPv6Frame) EchoID() uint16      { return be16(f.buf[4:6]) }
func (f ICMPv6Frame) SetEchoID(v uint16)  { putBe16(f.buf[4:6], v) }
func (f ICMPv6Frame) EchoSeq() uint16     { return be16(f.buf[6:8]) }
func (f ICMPv6Frame) SetEchoSeq(v uint16) { putBe16(f.buf[6:8], v) }

// NDFlags returns the neighbor-advertisement flag byte (high byte of
// the reserved field); meaningless for other message types.
func (f ICMPv6Frame) NDFlags() uint8     { return f.buf[4] }
func (f ICMPv6Frame) SetNDFlags(v uint8) { f.buf[4] = v }

// TargetAddr returns the 16-byte target address field carried by
// neighbor solicitation/advertisement and redirect messages,
// immediately following the 8-byte fixed header.
func (f ICMPv6Frame) TargetAddr() []byte { return f.buf[8:24] }

// Options returns the ND option TLV stream following the message-
// specific fixed fields at byte offset off (24 for NS/NA, 16 for
// RS, etc — the caller knows its own message layout).
func (f ICMPv6Frame) Options(off int) []byte { return f.buf[off:] }

func (f ICMPv6Frame) Payload() []byte { return f.buf[SizeICMPv6Header:] }

// RawData returns the whole message, fixed header included, for
// callers (e.g. pkg/mld) that reinterpret it as a more specific frame
// view over the same bytes.
func (f ICMPv6Frame) RawData() []byte { return f.buf }

// ComputeChecksum computes the ICMPv6 checksum including the IPv6
// pseudo-header folded in by the caller via pseudo (typically from an
// IPv6Frame.WritePseudoHeaderICMPv6 call).
func (f ICMPv6Frame) ComputeChecksum(pseudo *CRC791) uint16 {
	c := *pseudo
	c.Write(f.buf[0:2])
	c.Write(f.buf[4:])
	return c.Sum16()
}

func (f ICMPv6Frame) String() string {
	return fmt.Sprintf("ICMPv6 %s code=%d", f.Type(), f.Code())
}
