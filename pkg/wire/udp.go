package wire

import (
	"fmt"

	"github.com/simeonmiteff/nanostack/pkg/errs"
)

// SizeUDPHeader is the fixed 8-byte UDP header (RFC 768).
const SizeUDPHeader = 8

// UDPFrame is a view over a UDP datagram.
type UDPFrame struct{ buf []byte }

// NewUDPFrame wraps buf as a UDP datagram view.
func NewUDPFrame(buf []byte) (UDPFrame, error) {
	if len(buf) < SizeUDPHeader {
		return UDPFrame{}, errShort
	}
	return UDPFrame{buf: buf}, nil
}

func (f UDPFrame) SourcePort() uint16      { return be16(f.buf[0:2]) }
func (f UDPFrame) SetSourcePort(v uint16)  { putBe16(f.buf[0:2], v) }
func (f UDPFrame) DestPort() uint16        { return be16(f.buf[2:4]) }
func (f UDPFrame) SetDestPort(v uint16)    { putBe16(f.buf[2:4], v) }
func (f UDPFrame) Length() uint16          { return be16(f.buf[4:6]) }
func (f UDPFrame) SetLength(v uint16)      { putBe16(f.buf[4:6], v) }
func (f UDPFrame) Checksum() uint16        { return be16(f.buf[6:8]) }
func (f UDPFrame) SetChecksum(v uint16)    { putBe16(f.buf[6:8], v) }

// Payload returns the UDP payload, sized by the Length field.
func (f UDPFrame) Payload() []byte {
	return f.buf[SizeUDPHeader:f.Length()]
}

// ComputeChecksum computes the UDP checksum given the IP pseudo-header
// contribution already folded into pseudo (via WritePseudoHeaderUDP on
// the carrying IPv4Frame/IPv6Frame).
func (f UDPFrame) ComputeChecksum(pseudo *CRC791) uint16 {
	c := *pseudo
	c.Write(f.buf[0:6])
	c.Write(f.buf[8:f.Length()])
	sum := c.Sum16()
	if sum == 0 {
		return 0xFFFF
	}
	return sum
}

var errUDPBadLength = errs.Wrap(errs.ErrMalformed, "udp: length field inconsistent with buffer")

// ValidateSize checks the Length field against the backing buffer.
func (f UDPFrame) ValidateSize(v *Validator) {
	if int(f.Length()) < SizeUDPHeader || int(f.Length()) > len(f.buf) {
		v.AddError(errUDPBadLength)
	}
}

func (f UDPFrame) String() string {
	return fmt.Sprintf("UDP %d->%d len=%d", f.SourcePort(), f.DestPort(), f.Length())
}
