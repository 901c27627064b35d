package wire

import (
	"fmt"
	"net/netip"

	"github.com/simeonmiteff/nanostack/pkg/errs"
)

// SizeIPv6Header is the fixed IPv6 header size; IPv6 has no header
// option field, extension headers are chained after it instead.
const SizeIPv6Header = 40

// IPv6Frame is a view over an IPv6 base header.
type IPv6Frame struct{ buf []byte }

// NewIPv6Frame wraps buf as an IPv6 base header view.
func NewIPv6Frame(buf []byte) (IPv6Frame, error) {
	if len(buf) < SizeIPv6Header {
		return IPv6Frame{}, errShort
	}
	return IPv6Frame{buf: buf}, nil
}

func (f IPv6Frame) version() uint8 { return f.buf[0] >> 4 }

// TrafficClass returns the 8-bit traffic class field spanning the low
// nibble of byte 0 and the high nibble of byte 1.
func (f IPv6Frame) TrafficClass() uint8 {
	return f.buf[0]<<4 | f.buf[1]>>4
}

func (f IPv6Frame) SetVersionAndTrafficClass(tc uint8) {
	f.buf[0] = 6<<4 | tc>>4
	f.buf[1] = tc<<4 | f.buf[1]&0x0f
}

// FlowLabel returns the 20-bit flow label packed across the low nibble
// of byte 1 and all of bytes 2-3.
func (f IPv6Frame) FlowLabel() uint32 {
	return uint32(f.buf[1]&0x0f)<<16 | uint32(f.buf[2])<<8 | uint32(f.buf[3])
}

func (f IPv6Frame) SetFlowLabel(v uint32) {
	f.buf[1] = f.buf[1]&0xf0 | byte(v>>16)&0x0f
	f.buf[2] = byte(v >> 8)
	f.buf[3] = byte(v)
}

// PayloadLength is the length of everything after the 40-byte fixed
// header: extension headers plus upper-layer payload.
func (f IPv6Frame) PayloadLength() uint16     { return be16(f.buf[4:6]) }
func (f IPv6Frame) SetPayloadLength(v uint16) { putBe16(f.buf[4:6], v) }

// NextHeader identifies the first extension header, or the upper-layer
// protocol if there are none; it reuses the IPv4 protocol number space.
func (f IPv6Frame) NextHeader() IPProto     { return IPProto(f.buf[6]) }
func (f IPv6Frame) SetNextHeader(p IPProto) { f.buf[6] = uint8(p) }

func (f IPv6Frame) HopLimit() uint8     { return f.buf[7] }
func (f IPv6Frame) SetHopLimit(v uint8) { f.buf[7] = v }

func (f IPv6Frame) SourceAddr() *[16]byte      { return (*[16]byte)(f.buf[8:24]) }
func (f IPv6Frame) DestinationAddr() *[16]byte { return (*[16]byte)(f.buf[24:40]) }

func (f IPv6Frame) SetSourceAddr(addr netip.Addr) {
	a16 := addr.As16()
	copy(f.buf[8:24], a16[:])
}

func (f IPv6Frame) SetDestinationAddr(addr netip.Addr) {
	a16 := addr.As16()
	copy(f.buf[24:40], a16[:])
}

// Payload returns everything after the fixed header: extension headers
// followed by the upper-layer payload, sized by PayloadLength.
func (f IPv6Frame) Payload() []byte {
	end := SizeIPv6Header + int(f.PayloadLength())
	return f.buf[SizeIPv6Header:end]
}

// WritePseudoHeaderTCP folds the IPv6 pseudo-header into c per RFC
// 8200 §8.1, used for the upper-layer TCP checksum; upperLen is the
// TCP segment length (payload length minus any extension headers).
func (f IPv6Frame) WritePseudoHeaderTCP(c *CRC791, upperLen uint32) {
	src, dst := f.SourceAddr(), f.DestinationAddr()
	c.Write(src[:])
	c.Write(dst[:])
	c.AddUint16(uint16(upperLen >> 16))
	c.AddUint16(uint16(upperLen))
	c.AddUint16(uint16(ProtoTCP))
}

// WritePseudoHeaderUDP is the UDP analogue of WritePseudoHeaderTCP.
func (f IPv6Frame) WritePseudoHeaderUDP(c *CRC791, upperLen uint32) {
	src, dst := f.SourceAddr(), f.DestinationAddr()
	c.Write(src[:])
	c.Write(dst[:])
	c.AddUint16(uint16(upperLen >> 16))
	c.AddUint16(uint16(upperLen))
	c.AddUint16(uint16(ProtoUDP))
}

// WritePseudoHeaderICMPv6 is the ICMPv6 analogue, required unlike
// ICMPv4 which has no pseudo-header (RFC 4443 §2.3).
func (f IPv6Frame) WritePseudoHeaderICMPv6(c *CRC791, upperLen uint32) {
	src, dst := f.SourceAddr(), f.DestinationAddr()
	c.Write(src[:])
	c.Write(dst[:])
	c.AddUint16(uint16(upperLen >> 16))
	c.AddUint16(uint16(upperLen))
	c.AddUint16(uint16(ProtoICMPv6))
}

var (
	errIPv6BadVersion = errs.Wrap(errs.ErrMalformed, "ipv6: version field is not 6")
	errIPv6BadLength  = errs.Wrap(errs.ErrMalformed, "ipv6: payload length inconsistent with buffer")
)

// Validate checks the version field and that PayloadLength does not
// overrun the backing buffer.
func (f IPv6Frame) Validate(v *Validator) {
	if f.version() != 6 {
		v.AddError(errIPv6BadVersion)
	}
	if SizeIPv6Header+int(f.PayloadLength()) > len(f.buf) {
		v.AddError(errIPv6BadLength)
	}
}

func (f IPv6Frame) String() string {
	src := netip.AddrFrom16(*f.SourceAddr())
	dst := netip.AddrFrom16(*f.DestinationAddr())
	return fmt.Sprintf("IPv6 %s %s->%s len=%d hlim=%d",
		f.NextHeader(), src, dst, f.PayloadLength(), f.HopLimit())
}

// IPv6ExtHeader is a view over the common two-byte prefix shared by
// every IPv6 extension header (hop-by-hop, routing, fragment,
// destination options): next header followed by a length field.
type IPv6ExtHeader struct{ buf []byte }

// NewIPv6ExtHeader wraps buf as an extension header view.
func NewIPv6ExtHeader(buf []byte) (IPv6ExtHeader, error) {
	if len(buf) < 8 {
		return IPv6ExtHeader{}, errShort
	}
	return IPv6ExtHeader{buf: buf}, nil
}

func (f IPv6ExtHeader) NextHeader() IPProto { return IPProto(f.buf[0]) }

// HeaderExtLen is the length of this extension header in 8-byte units,
// not counting the first 8 bytes (RFC 8200 §4.3). Fragment headers
// ignore this field and are always exactly 8 bytes.
func (f IPv6ExtHeader) HeaderExtLen() uint8 { return f.buf[1] }

// Len returns this extension header's total length in bytes.
func (f IPv6ExtHeader) Len() int { return (int(f.HeaderExtLen()) + 1) * 8 }

// SizeIPv6FragHeader is the fixed 8-byte IPv6 fragment extension
// header (RFC 8200 §4.5).
const SizeIPv6FragHeader = 8

// IPv6FragHeader is a view over the IPv6 fragment extension header.
type IPv6FragHeader struct{ buf []byte }

// NewIPv6FragHeader wraps buf as a fragment header view.
func NewIPv6FragHeader(buf []byte) (IPv6FragHeader, error) {
	if len(buf) < SizeIPv6FragHeader {
		return IPv6FragHeader{}, errShort
	}
	return IPv6FragHeader{buf: buf}, nil
}

func (f IPv6FragHeader) NextHeader() IPProto     { return IPProto(f.buf[0]) }
func (f IPv6FragHeader) SetNextHeader(p IPProto) { f.buf[0] = uint8(p) }

// FragmentOffset returns the offset in 8-byte units, packed into the
// top 13 bits of the combined offset/flags field.
func (f IPv6FragHeader) FragmentOffset() uint16 { return be16(f.buf[2:4]) >> 3 }

// MoreFragments reports the M bit, the low bit of the combined field.
func (f IPv6FragHeader) MoreFragments() bool { return f.buf[3]&0x1 != 0 }

func (f IPv6FragHeader) SetFragmentOffsetAndMF(offset uint16, mf bool) {
	v := offset << 3
	if mf {
		v |= 0x1
	}
	putBe16(f.buf[2:4], v)
}

func (f IPv6FragHeader) Identification() uint32     { return be32(f.buf[4:8]) }
func (f IPv6FragHeader) SetIdentification(v uint32) { putBe32(f.buf[4:8], v) }
