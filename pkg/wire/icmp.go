package wire

import "fmt"

// SizeICMPHeader is the fixed 8-byte ICMPv4 header: type, code, checksum
// and a 4-byte type-specific field.
const SizeICMPHeader = 8

// ICMPType is the ICMPv4 message type (RFC 792).
type ICMPType uint8

const (
	ICMPEchoReply             ICMPType = 0
	ICMPDestinationUnreach    ICMPType = 3
	ICMPSourceQuench         ICMPType = 4
	ICMPRedirect              ICMPType = 5
	ICMPEchoRequest           ICMPType = 8
	ICMPTimeExceeded          ICMPType = 11
	ICMPParameterProblem      ICMPType = 12
)

// ICMP "destination unreachable" codes used by the IPv4 pipeline.
const (
	ICMPCodeNetUnreach   uint8 = 0
	ICMPCodeHostUnreach  uint8 = 1
	ICMPCodeProtoUnreach uint8 = 2
	ICMPCodePortUnreach  uint8 = 3
	ICMPCodeFragNeeded   uint8 = 4
)

func (t ICMPType) String() string {
	switch t {
	case ICMPEchoReply:
		return "echo-reply"
	case ICMPDestinationUnreach:
		return "dest-unreach"
	case ICMPSourceQuench:
		return "source-quench"
	case ICMPRedirect:
		return "redirect"
	case ICMPEchoRequest:
		return "echo-request"
	case ICMPTimeExceeded:
		return "time-exceeded"
	case ICMPParameterProblem:
		return "param-problem"
	default:
		return fmt.Sprintf("ICMPType(%d)", uint8(t))
	}
}

// ICMPFrame is a view over an ICMPv4 message.
type ICMPFrame struct{ buf []byte }

// NewICMPFrame wraps buf as an ICMPv4 message view.
func NewICMPFrame(buf []byte) (ICMPFrame, error) {
	if len(buf) < SizeICMPHeader {
		return ICMPFrame{}, errShort
	}
	return ICMPFrame{buf: buf}, nil
}

func (f ICMPFrame) Type() ICMPType     { return ICMPType(f.buf[0]) }
func (f ICMPFrame) SetType(t ICMPType) { f.buf[0] = byte(t) }

func (f ICMPFrame) Code() uint8     { return f.buf[1] }
func (f ICMPFrame) SetCode(c uint8) { f.buf[1] = c }

func (f ICMPFrame) Checksum() uint16     { return be16(f.buf[2:4]) }
func (f ICMPFrame) SetChecksum(v uint16) { putBe16(f.buf[2:4], v) }

// Rest returns the 4-byte type-specific field (id/seq for echo, unused
// for dest-unreach, etc).
func (f ICMPFrame) Rest() []byte { return f.buf[4:8] }

func (f ICMPFrame) EchoID() uint16       { return be16(f.buf[4:6]) }
func (f ICMPFrame) SetEchoID(v uint16)   { putBe16(f.buf[4:6], v) }
func (f ICMPFrame) EchoSeq() uint16      { return be16(f.buf[6:8]) }
func (f ICMPFrame) SetEchoSeq(v uint16)  { putBe16(f.buf[6:8], v) }

// Payload returns everything after the fixed 8-byte header: echo data,
// or the offending IP header + 8 bytes for error messages.
func (f ICMPFrame) Payload() []byte { return f.buf[SizeICMPHeader:] }

// ComputeChecksum computes the ICMPv4 checksum over the whole message
// (header + payload), treating the checksum field as zero.
func (f ICMPFrame) ComputeChecksum() uint16 {
	var c CRC791
	c.Write(f.buf[0:2])
	c.Write(f.buf[4:])
	return c.Sum16()
}

func (f ICMPFrame) String() string {
	return fmt.Sprintf("ICMP %s code=%d", f.Type(), f.Code())
}
