package wire

import (
	"net/netip"
	"testing"
)

func TestIPv4FrameRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	f, err := NewIPv4Frame(buf)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	f.SetVersionAndIHL(4, 5)
	f.SetTotalLength(40)
	f.SetTTL(64)
	f.SetProtocol(ProtoTCP)
	f.SetSourceAddr(netip.MustParseAddr("10.0.0.1"))
	f.SetDestinationAddr(netip.MustParseAddr("10.0.0.2"))
	f.SetCRC(f.ComputeHeaderCRC())

	var v Validator
	f.Validate(&v)
	if v.Err() != nil {
		t.Fatalf("validate: %v", v.Err())
	}
	if f.HeaderLength() != 20 {
		t.Fatalf("header length = %d, want 20", f.HeaderLength())
	}
	if f.SourceAddr() == nil || netip.AddrFrom4(*f.SourceAddr()).String() != "10.0.0.1" {
		t.Fatalf("source addr round trip failed")
	}
	if got := Checksum(f.RawData()[:f.HeaderLength()]); got != 0 {
		t.Fatalf("checksum over a frame with its own correct CRC installed should fold to 0, got %#x", got)
	}
}

func TestIPv4FrameRejectsShortBuffer(t *testing.T) {
	if _, err := NewIPv4Frame(make([]byte, 10)); err == nil {
		t.Fatalf("expected error for undersized buffer")
	}
}

func TestIPv4FrameValidateSizeCatchesBadTotalLength(t *testing.T) {
	buf := make([]byte, 64)
	f, _ := NewIPv4Frame(buf)
	f.SetVersionAndIHL(4, 5)
	f.SetTotalLength(9999) // far beyond the buffer
	var v Validator
	f.ValidateSize(&v)
	if v.Err() == nil {
		t.Fatalf("expected a validation error for an overlong total length field")
	}
}

func TestARPv4FrameRoundTrip(t *testing.T) {
	buf := make([]byte, SizeARPv4)
	f, err := NewARPv4Frame(buf)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	f.InitEthernetIPv4(ARPRequest)
	sha := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	f.SetSenderHardwareAddr(sha)
	f.SetSenderProtocolAddr(netip.MustParseAddr("192.168.1.1"))
	f.SetTargetProtocolAddr(netip.MustParseAddr("192.168.1.2"))

	var v Validator
	f.Validate(&v)
	if v.Err() != nil {
		t.Fatalf("validate: %v", v.Err())
	}
	if f.Op() != ARPRequest {
		t.Fatalf("op = %v, want request", f.Op())
	}
	if f.SenderProtocolAddr().String() != "192.168.1.1" {
		t.Fatalf("sender protocol addr round trip failed: %v", f.SenderProtocolAddr())
	}
}

func TestTCPFrameFlagsAndOptions(t *testing.T) {
	buf := make([]byte, 40)
	f, err := NewTCPFrame(buf)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	f.SetDataOffset(8) // 32 bytes: 20 fixed + 12 of options
	f.SetFlags(TCPFlagSYN | TCPFlagACK)
	f.SetSeq(100)
	f.SetAck(200)

	if f.HeaderLength() != 32 {
		t.Fatalf("header length = %d, want 32", f.HeaderLength())
	}
	if !f.Flags().Has(TCPFlagSYN) || !f.Flags().Has(TCPFlagACK) {
		t.Fatalf("flags round trip failed: %v", f.Flags())
	}
	if f.Flags().Has(TCPFlagRST) {
		t.Fatalf("unset flag reported as set")
	}

	opts := f.Options()
	opts[0] = TCPOptMSS
	opts[1] = 4
	putBe16(opts[2:4], 1460)
	opts[4] = TCPOptEnd

	it := NewTCPOptionIter(opts)
	kind, value, ok := it.Next()
	if !ok || kind != TCPOptMSS || be16(value) != 1460 {
		t.Fatalf("option iteration failed: kind=%d value=%v ok=%v", kind, value, ok)
	}
	if _, _, ok := it.Next(); ok {
		t.Fatalf("expected no further options after End")
	}
}

func TestUDPFrameChecksumZeroFoldsTo0xFFFF(t *testing.T) {
	buf := make([]byte, SizeUDPHeader)
	f, err := NewUDPFrame(buf)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	f.SetSourcePort(53)
	f.SetDestPort(12345)
	f.SetLength(SizeUDPHeader)

	var pseudo CRC791
	if got := f.ComputeChecksum(&pseudo); got == 0 {
		t.Fatalf("a zero checksum result must be reported as 0xFFFF, got 0")
	}
}

func TestIPv6FrameRoundTrip(t *testing.T) {
	buf := make([]byte, SizeIPv6Header+10)
	f, err := NewIPv6Frame(buf)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	f.SetVersionAndTrafficClass(0)
	buf[0] = 0x60
	f.SetPayloadLength(10)
	f.SetNextHeader(ProtoUDP)
	f.SetHopLimit(64)
	f.SetSourceAddr(netip.MustParseAddr("fe80::1"))
	f.SetDestinationAddr(netip.MustParseAddr("fe80::2"))

	var v Validator
	f.Validate(&v)
	if v.Err() != nil {
		t.Fatalf("validate: %v", v.Err())
	}
	if len(f.Payload()) != 10 {
		t.Fatalf("payload length = %d, want 10", len(f.Payload()))
	}
}
