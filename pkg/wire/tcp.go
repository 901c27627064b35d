package wire

import (
	"fmt"

	"github.com/simeonmiteff/nanostack/pkg/errs"
)

// SizeTCPHeader is the fixed portion of a TCP header, before options
// (RFC 793 §3.1).
const SizeTCPHeader = 20

// TCPFlags holds the six classic control bits plus the three ECN/NS
// bits defined by later RFCs, packed into the low 9 bits of the
// combined data-offset/reserved/flags field.
type TCPFlags uint16

const (
	TCPFlagFIN TCPFlags = 1 << 0
	TCPFlagSYN TCPFlags = 1 << 1
	TCPFlagRST TCPFlags = 1 << 2
	TCPFlagPSH TCPFlags = 1 << 3
	TCPFlagACK TCPFlags = 1 << 4
	TCPFlagURG TCPFlags = 1 << 5
	TCPFlagECE TCPFlags = 1 << 6
	TCPFlagCWR TCPFlags = 1 << 7
	TCPFlagNS  TCPFlags = 1 << 8
)

func (f TCPFlags) Has(bit TCPFlags) bool { return f&bit != 0 }

func (f TCPFlags) String() string {
	var out string
	add := func(bit TCPFlags, name string) {
		if f.Has(bit) {
			out += name
		}
	}
	add(TCPFlagSYN, "S")
	add(TCPFlagACK, "A")
	add(TCPFlagFIN, "F")
	add(TCPFlagRST, "R")
	add(TCPFlagPSH, "P")
	add(TCPFlagURG, "U")
	add(TCPFlagECE, "E")
	add(TCPFlagCWR, "C")
	if out == "" {
		return "."
	}
	return out
}

// TCP option kinds (RFC 793, 1323, 2018).
const (
	TCPOptEnd        uint8 = 0
	TCPOptNOP        uint8 = 1
	TCPOptMSS        uint8 = 2
	TCPOptWindowScale uint8 = 3
	TCPOptSACKPermitted uint8 = 4
	TCPOptSACK        uint8 = 5
	TCPOptTimestamps  uint8 = 8
)

// TCPFrame is a view over a TCP segment.
type TCPFrame struct{ buf []byte }

// NewTCPFrame wraps buf as a TCP segment view.
func NewTCPFrame(buf []byte) (TCPFrame, error) {
	if len(buf) < SizeTCPHeader {
		return TCPFrame{}, errShort
	}
	return TCPFrame{buf: buf}, nil
}

func (f TCPFrame) SourcePort() uint16     { return be16(f.buf[0:2]) }
func (f TCPFrame) SetSourcePort(v uint16) { putBe16(f.buf[0:2], v) }
func (f TCPFrame) DestPort() uint16       { return be16(f.buf[2:4]) }
func (f TCPFrame) SetDestPort(v uint16)   { putBe16(f.buf[2:4], v) }

func (f TCPFrame) Seq() uint32     { return be32(f.buf[4:8]) }
func (f TCPFrame) SetSeq(v uint32) { putBe32(f.buf[4:8], v) }

func (f TCPFrame) Ack() uint32     { return be32(f.buf[8:12]) }
func (f TCPFrame) SetAck(v uint32) { putBe32(f.buf[8:12], v) }

func (f TCPFrame) dataOffsetWord() uint16 { return be16(f.buf[12:14]) }

// DataOffset is the header length in 4-byte words, including options.
func (f TCPFrame) DataOffset() uint8 { return uint8(f.dataOffsetWord() >> 12) }

// HeaderLength is DataOffset scaled to bytes.
func (f TCPFrame) HeaderLength() int { return int(f.DataOffset()) * 4 }

func (f TCPFrame) SetDataOffset(words uint8) {
	v := f.dataOffsetWord()
	putBe16(f.buf[12:14], uint16(words)<<12|v&0x01ff)
}

func (f TCPFrame) Flags() TCPFlags { return TCPFlags(f.dataOffsetWord() & 0x01ff) }
func (f TCPFrame) SetFlags(fl TCPFlags) {
	v := f.dataOffsetWord()
	putBe16(f.buf[12:14], v&0xfe00|uint16(fl)&0x01ff)
}

func (f TCPFrame) Window() uint16     { return be16(f.buf[14:16]) }
func (f TCPFrame) SetWindow(v uint16) { putBe16(f.buf[14:16], v) }

func (f TCPFrame) Checksum() uint16     { return be16(f.buf[16:18]) }
func (f TCPFrame) SetChecksum(v uint16) { putBe16(f.buf[16:18], v) }

func (f TCPFrame) UrgentPtr() uint16     { return be16(f.buf[18:20]) }
func (f TCPFrame) SetUrgentPtr(v uint16) { putBe16(f.buf[18:20], v) }

// Options returns the variable-length option bytes between the fixed
// header and the payload.
func (f TCPFrame) Options() []byte {
	return f.buf[SizeTCPHeader:f.HeaderLength()]
}

// Payload returns everything after the header, within the segment
// length segLen (the caller derives this from the carrying IP
// datagram's length, TCP has no length field of its own).
func (f TCPFrame) Payload(segLen int) []byte {
	return f.buf[f.HeaderLength():segLen]
}

// ComputeChecksum computes the TCP checksum given the IP pseudo-header
// contribution already folded into pseudo, over segLen total bytes.
func (f TCPFrame) ComputeChecksum(pseudo *CRC791, segLen int) uint16 {
	c := *pseudo
	c.Write(f.buf[0:16])
	c.Write(f.buf[18:segLen])
	return c.Sum16()
}

var (
	errTCPBadDataOffset = errs.Wrap(errs.ErrMalformed, "tcp: data offset below minimum of 5")
	errTCPShort         = errs.Wrap(errs.ErrMalformed, "tcp: segment shorter than header")
)

// ValidateSize checks the data offset field against segLen, the
// caller-supplied total segment length from the IP layer.
func (f TCPFrame) ValidateSize(v *Validator, segLen int) {
	if f.DataOffset() < 5 {
		v.AddError(errTCPBadDataOffset)
	}
	if f.HeaderLength() > segLen || segLen > len(f.buf) {
		v.AddError(errTCPShort)
	}
}

func (f TCPFrame) String() string {
	return fmt.Sprintf("TCP %d->%d [%s] seq=%d ack=%d win=%d",
		f.SourcePort(), f.DestPort(), f.Flags(), f.Seq(), f.Ack(), f.Window())
}

// TCPOptionIter walks the TLV-encoded option bytes returned by
// TCPFrame.Options, handling the single-byte End/NOP kinds specially
// per RFC 793 §3.1.
type TCPOptionIter struct {
	buf []byte
	pos int
}

// NewTCPOptionIter begins iteration over opts (as returned by
// TCPFrame.Options).
func NewTCPOptionIter(opts []byte) *TCPOptionIter { return &TCPOptionIter{buf: opts} }

// Next returns the next option's kind and value (excluding the
// kind/length bytes themselves), or ok=false once End-of-options or
// the buffer is exhausted.
func (it *TCPOptionIter) Next() (kind uint8, value []byte, ok bool) {
	for it.pos < len(it.buf) {
		k := it.buf[it.pos]
		if k == TCPOptEnd {
			return 0, nil, false
		}
		if k == TCPOptNOP {
			it.pos++
			continue
		}
		if it.pos+1 >= len(it.buf) {
			return 0, nil, false
		}
		l := int(it.buf[it.pos+1])
		if l < 2 || it.pos+l > len(it.buf) {
			return 0, nil, false
		}
		value = it.buf[it.pos+2 : it.pos+l]
		it.pos += l
		return k, value, true
	}
	return 0, nil, false
}
