package wire

import (
	"fmt"
	"net/netip"

	"github.com/simeonmiteff/nanostack/pkg/errs"
)

// SizeIPv4Header is the fixed portion of an IPv4 header, before options.
const SizeIPv4Header = 20

// IPProto identifies the protocol carried in an IPv4/IPv6 payload.
type IPProto uint8

const (
	ProtoHopByHop   IPProto = 0
	ProtoICMP       IPProto = 1
	ProtoIGMP       IPProto = 2
	ProtoTCP        IPProto = 6
	ProtoUDP        IPProto = 17
	ProtoIPv6       IPProto = 41
	ProtoRouting    IPProto = 43
	ProtoFragment   IPProto = 44
	ProtoICMPv6     IPProto = 58
	ProtoNoNextHdr  IPProto = 59
	ProtoDestOpts   IPProto = 60
)

func (p IPProto) String() string {
	switch p {
	case ProtoHopByHop:
		return "HopByHop"
	case ProtoICMP:
		return "ICMP"
	case ProtoIGMP:
		return "IGMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	case ProtoIPv6:
		return "IPv6"
	case ProtoRouting:
		return "Routing"
	case ProtoFragment:
		return "Fragment"
	case ProtoICMPv6:
		return "ICMPv6"
	case ProtoNoNextHdr:
		return "NoNextHeader"
	case ProtoDestOpts:
		return "DestOptions"
	default:
		return fmt.Sprintf("IPProto(%d)", uint8(p))
	}
}

// IsIPv6ExtHeader reports whether p identifies one of the IPv6
// extension headers ipv6.Pipeline.Input walks before upper-layer
// dispatch, per RFC 8200 §4.1's processing order.
func (p IPProto) IsIPv6ExtHeader() bool {
	switch p {
	case ProtoHopByHop, ProtoRouting, ProtoFragment, ProtoDestOpts:
		return true
	default:
		return false
	}
}

// IPv4Flags holds the three flag bits and 13-bit fragment offset packed
// into the IPv4 header's combined flags/offset field.
type IPv4Flags uint16

const (
	IPv4FlagReserved IPv4Flags = 1 << 15
	IPv4FlagDF       IPv4Flags = 1 << 14
	IPv4FlagMF       IPv4Flags = 1 << 13
	ipv4FragOffMask  IPv4Flags = 0x1FFF
)

func (f IPv4Flags) DontFragment() bool  { return f&IPv4FlagDF != 0 }
func (f IPv4Flags) MoreFragments() bool { return f&IPv4FlagMF != 0 }

// FragmentOffset returns the fragment offset in units of 8 bytes.
func (f IPv4Flags) FragmentOffset() uint16 { return uint16(f & ipv4FragOffMask) }

// IPv4Frame is a zero-allocation view over an IPv4 packet. Grounded on
// the reference implementation's Frame-over-[]byte pattern: a struct
// wrapping a window with typed accessors rather than a parsed,
// allocated representation.
type IPv4Frame struct {
	buf []byte
}

// NewIPv4Frame wraps buf as an IPv4 header view. Callers must still call
// ValidateSize before trusting Payload/Options, since the header's own
// IHL/TotalLength fields determine those slice bounds.
func NewIPv4Frame(buf []byte) (IPv4Frame, error) {
	if len(buf) < SizeIPv4Header {
		return IPv4Frame{}, errShort
	}
	return IPv4Frame{buf: buf}, nil
}

// RawData returns the full backing slice the frame was built from.
func (f IPv4Frame) RawData() []byte { return f.buf }

func (f IPv4Frame) ihl() uint8     { return f.buf[0] & 0xf }
func (f IPv4Frame) version() uint8 { return f.buf[0] >> 4 }

// HeaderLength is the IHL field scaled to bytes, including options.
func (f IPv4Frame) HeaderLength() int { return int(f.ihl()) * 4 }

func (f IPv4Frame) VersionAndIHL() (version, ihl uint8) {
	v := f.buf[0]
	return v >> 4, v & 0xf
}

func (f IPv4Frame) SetVersionAndIHL(version, ihl uint8) {
	f.buf[0] = version<<4 | ihl&0xf
}

func (f IPv4Frame) ToS() uint8    { return f.buf[1] }
func (f IPv4Frame) SetToS(v uint8) { f.buf[1] = v }

func (f IPv4Frame) TotalLength() uint16      { return be16(f.buf[2:4]) }
func (f IPv4Frame) SetTotalLength(v uint16)  { putBe16(f.buf[2:4], v) }

func (f IPv4Frame) ID() uint16     { return be16(f.buf[4:6]) }
func (f IPv4Frame) SetID(v uint16) { putBe16(f.buf[4:6], v) }

func (f IPv4Frame) Flags() IPv4Flags     { return IPv4Flags(be16(f.buf[6:8])) }
func (f IPv4Frame) SetFlags(v IPv4Flags) { putBe16(f.buf[6:8], uint16(v)) }

func (f IPv4Frame) TTL() uint8     { return f.buf[8] }
func (f IPv4Frame) SetTTL(v uint8) { f.buf[8] = v }

func (f IPv4Frame) Protocol() IPProto     { return IPProto(f.buf[9]) }
func (f IPv4Frame) SetProtocol(p IPProto) { f.buf[9] = uint8(p) }

func (f IPv4Frame) CRC() uint16     { return be16(f.buf[10:12]) }
func (f IPv4Frame) SetCRC(v uint16) { putBe16(f.buf[10:12], v) }

// ComputeHeaderCRC computes the IPv4 header checksum over the current
// header bytes, treating the CRC field itself as zero as RFC 791
// requires.
func (f IPv4Frame) ComputeHeaderCRC() uint16 {
	var c CRC791
	c.Write(f.buf[0:10])
	c.Write(f.buf[12:f.HeaderLength()])
	return c.Sum16()
}

// WritePseudoHeaderTCP folds the IPv4 pseudo-header fields used by the
// TCP checksum into c, per RFC 793 §3.1.
func (f IPv4Frame) WritePseudoHeaderTCP(c *CRC791) {
	src, dst := f.SourceAddr(), f.DestinationAddr()
	c.Write(src[:])
	c.Write(dst[:])
	c.AddUint16(f.TotalLength() - uint16(f.HeaderLength()))
	c.AddUint16(uint16(f.Protocol()))
}

// WritePseudoHeaderUDP folds the source address, destination address
// and protocol of the IPv4 pseudo-header (RFC 768) into c. The UDP
// length field of the pseudo-header is not included; the caller adds it.
func (f IPv4Frame) WritePseudoHeaderUDP(c *CRC791) {
	src, dst := f.SourceAddr(), f.DestinationAddr()
	c.Write(src[:])
	c.Write(dst[:])
	c.AddUint16(uint16(f.Protocol()))
}

func (f IPv4Frame) SourceAddr() *[4]byte      { return (*[4]byte)(f.buf[12:16]) }
func (f IPv4Frame) DestinationAddr() *[4]byte { return (*[4]byte)(f.buf[16:20]) }

func (f IPv4Frame) SetSourceAddr(addr netip.Addr) {
	a4 := addr.As4()
	copy(f.buf[12:16], a4[:])
}

func (f IPv4Frame) SetDestinationAddr(addr netip.Addr) {
	a4 := addr.As4()
	copy(f.buf[16:20], a4[:])
}

// Payload returns the IPv4 payload. Valid only after ValidateSize
// passes.
func (f IPv4Frame) Payload() []byte {
	off := f.HeaderLength()
	return f.buf[off:f.TotalLength()]
}

// Options returns the variable-length IPv4 options. Valid only after
// ValidateSize passes.
func (f IPv4Frame) Options() []byte {
	off := f.HeaderLength()
	return f.buf[SizeIPv4Header:off]
}

// ClearHeader zeros the fixed 20-byte header, leaving options/payload
// untouched.
func (f IPv4Frame) ClearHeader() {
	for i := range f.buf[:SizeIPv4Header] {
		f.buf[i] = 0
	}
}

var (
	errIPv4BadTotalLength = errs.Wrap(errs.ErrMalformed, "ipv4: total length field inconsistent with buffer")
	errIPv4BadIHL         = errs.Wrap(errs.ErrMalformed, "ipv4: IHL field below minimum of 5")
	errIPv4BadVersion     = errs.Wrap(errs.ErrMalformed, "ipv4: version field is not 4")
)

// ValidateSize checks the header's own length fields against the
// backing buffer before Payload/Options are trusted to avoid a panic
// on truncated or spoofed length fields.
func (f IPv4Frame) ValidateSize(v *Validator) {
	ihl := f.ihl()
	tl := f.TotalLength()
	if int(tl) < SizeIPv4Header || int(tl) > len(f.buf) {
		v.AddError(errIPv4BadTotalLength)
	}
	if ihl < 5 {
		v.AddError(errIPv4BadIHL)
	}
}

// Validate runs ValidateSize plus the version check; it does not
// verify the header checksum, which callers compute and compare
// separately against ComputeHeaderCRC.
func (f IPv4Frame) Validate(v *Validator) {
	f.ValidateSize(v)
	if f.version() != 4 {
		v.AddError(errIPv4BadVersion)
	}
}

func (f IPv4Frame) String() string {
	src := netip.AddrFrom4(*f.SourceAddr())
	dst := netip.AddrFrom4(*f.DestinationAddr())
	hl := f.HeaderLength()
	tl := int(f.TotalLength())
	return fmt.Sprintf("IPv4 %s %s->%s len=%d opts=%d ttl=%d id=%d",
		f.Protocol(), src, dst, tl, tl-hl, f.TTL(), f.ID())
}
