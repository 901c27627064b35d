// Package config holds the compile-time configuration record that
// replaces the macro-driven knobs of the reference C implementation (see
// SPEC_FULL.md §9). No other package of the stack imports it: corectx,
// stack and tcp each take their own Config type.
package config

import "time"

// Config collects every tunable named in spec.md §6.4.
type Config struct {
	// Protocol feature toggles.
	IPv4 bool
	IPv6 bool
	TCP  bool
	UDP  bool
	Raw  bool
	IGMP bool
	MLD  bool
	DAD  bool

	// Checksum offload hint: when true, the stack trusts the netif to
	// have validated/generated checksums and skips software checksumming.
	ChecksumOffload bool

	// Endpoint table sizes.
	MaxTCPEndpoints    int
	MaxListenEndpoints int
	MaxTimeWait        int
	MaxUDPEndpoints    int
	MaxRawEndpoints    int

	// Pool capacities, one slot count per pooled type.
	PoolBufHeaders    int
	PoolTCPEndpoints  int
	PoolTCPSegments   int
	PoolUDPEndpoints  int
	PoolReassembly    int
	PoolTimerNodes    int
	PoolNetBufs       int
	PoolAPIMessages   int

	// TCP tunables.
	TCPMSS         uint16
	TCPWnd         uint32
	TCPSndBuf      uint32
	TCPMaxRtx      uint8
	TCPSynMaxRtx   uint8
	TCPOOSeqMaxBufs int
	TCPOOSeqMaxSegs int

	// IP reassembly tunables.
	IPReassMaxAge   time.Duration
	IPReassMaxBufs  int

	// Neighbour resolution table sizes.
	ARPTableSize int
	NDCacheSize  int

	// Address limits.
	IPv6AddrsPerNetif int
}

// Default returns the configuration used by the demo commands and the
// test suite: every protocol enabled, table sizes generous enough for the
// scenarios in spec.md §8 but still small enough to exercise pool
// exhaustion deliberately when a test shrinks them.
func Default() Config {
	return Config{
		IPv4:            true,
		IPv6:            true,
		TCP:             true,
		UDP:             true,
		Raw:             true,
		IGMP:            true,
		MLD:             true,
		DAD:             true,
		ChecksumOffload: false,

		MaxTCPEndpoints:    32,
		MaxListenEndpoints: 8,
		MaxTimeWait:        16,
		MaxUDPEndpoints:    16,
		MaxRawEndpoints:    4,

		PoolBufHeaders:   256,
		PoolTCPEndpoints: 32,
		PoolTCPSegments:  256,
		PoolUDPEndpoints: 16,
		PoolReassembly:   8,
		PoolTimerNodes:   64,
		PoolNetBufs:      64,
		PoolAPIMessages:  64,

		TCPMSS:          1460,
		TCPWnd:          16 * 1024,
		TCPSndBuf:       32 * 1024,
		TCPMaxRtx:       12,
		TCPSynMaxRtx:    6,
		TCPOOSeqMaxBufs: 8,
		TCPOOSeqMaxSegs: 4,

		IPReassMaxAge:  15 * time.Second,
		IPReassMaxBufs: 16,

		ARPTableSize: 16,
		NDCacheSize:  16,

		IPv6AddrsPerNetif: 3,
	}
}
