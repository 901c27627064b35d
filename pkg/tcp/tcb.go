// Package tcp implements the TCP protocol machine of SPEC_FULL.md §4.8:
// connection tables, the RFC 793/1122 state machine, the tcp_write/
// tcp_output pipeline with Nagle/silly-window-avoidance/persist, eight-
// step input processing with RFC 6298 RTO and RFC 5961 sequence
// acceptability, and the per-TCB timer set. Grounded on the teacher's
// tcpinfo snapshot shape (pkg/tcpinfo's field-by-field kernel TCP_INFO
// decode) for Tcb's counters, generalised from "read the kernel's TCB"
// to "be the TCB".
package tcp

import (
	"net/netip"

	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/timer"
)

// State is a TCP connection state per RFC 793 §3.2.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// segment is one outbound TCP segment descriptor, queued in unsent or
// unacked form (SPEC_FULL.md §4.8.3).
// segment descriptors hold a flattened []byte rather than a *buf.Buf
// chain: a segment may be retransmitted verbatim several times, while
// buf.Buf's HeaderAdjust is a one-shot "consume reserved headroom"
// operation unsuited to rebuilding the same wire header repeatedly. This
// trades zero-copy application-data storage for simple, correct
// retransmission (see DESIGN.md).
type segment struct {
	seq        uint32
	flags      flagSet
	data       []byte
	dataLen    int
	copyBacked bool
	sentAt     int64 // unix ms; 0 until first transmitted
	retransmitted bool
	next       *segment
}

type flagSet uint8

const (
	flagSYN flagSet = 1 << iota
	flagFIN
	flagPSH
)

// ooSegment is one out-of-order received segment awaiting a predecessor.
type ooSegment struct {
	seq  uint32
	data []byte
	next *ooSegment
}

// RecvFunc delivers newly in-order application data, or data == nil to
// signal FIN (EOF).
type RecvFunc func(tcb *Tcb, data []byte)

// ErrorFunc delivers a terminal connection error (SPEC_FULL.md §4.8.6).
// The callback must not touch the TCB.
type ErrorFunc func(tcb *Tcb, err error)

// AcceptFunc is invoked on a listening endpoint when a child TCB
// reaches ESTABLISHED.
type AcceptFunc func(child *Tcb)

// ConnectedFunc is invoked on an active-open TCB once it reaches
// ESTABLISHED.
type ConnectedFunc func(tcb *Tcb)

// SentFunc is invoked as previously written bytes are acknowledged,
// reporting how many additional bytes are now free in the send queue.
type SentFunc func(tcb *Tcb, acked int)

// Tcb is one TCP control block (SPEC_FULL.md §3.6).
type Tcb struct {
	table *Table

	LocalAddr, RemoteAddr netip.Addr
	LocalPort, RemotePort uint16

	State State
	nf    *netif.Netif

	// Send sequence variables (RFC 793 §3.2 figure 4).
	sndUna uint32
	sndNxt uint32
	sndWnd uint32
	sndWl1 uint32
	sndWl2 uint32
	iss    uint32

	// Receive sequence variables.
	rcvNxt uint32
	rcvWnd uint32
	irs    uint32

	mss    int
	sndBuf int // remaining send-buffer budget, bytes
	sndBufCap int

	unsent    *segment
	unsentTail *segment
	unacked   *segment
	unackedTail *segment
	ooHead    *ooSegment

	// RFC 6298 RTO state.
	srtt      float64
	rttvar    float64
	rto       int64 // ms
	rttSampling bool

	// Congestion control.
	cwnd      uint32
	ssthresh  uint32
	dupAcks   int
	fastRecovery bool
	rtxCount  int

	nagle          bool
	delayedAckPending bool
	delayedAckCount   int
	lastAckSent       uint32

	keepaliveEnabled bool
	keepaliveIdle    int64
	keepaliveInterval int64
	keepaliveProbes  int
	keepaliveProbeCount int

	retransmitTimer timer.Handle
	persistTimer    timer.Handle
	keepaliveTimer  timer.Handle
	timeWaitTimer   timer.Handle
	hasRetransmitTimer, hasPersistTimer, hasKeepaliveTimer, hasTimeWaitTimer bool

	OnRecv      RecvFunc
	OnError     ErrorFunc
	OnAccept    AcceptFunc // set on listening TCBs
	OnConnected ConnectedFunc
	OnSent      SentFunc

	listenBacklog []*Tcb // pending half-open children, listen TCBs only

	aborted bool
}

// Snapshot is a point-in-time, allocation-light copy of the fields an
// introspection caller (stats/metrics/ss-like tooling) may want, mirroring
// the read-only field set the teacher's tcpinfo.TCPInfo view exposes over
// a live kernel TCB.
type Snapshot struct {
	LocalAddr, RemoteAddr netip.Addr
	LocalPort, RemotePort uint16
	State                 State
	SndUna, SndNxt, RcvNxt uint32
	SndWnd, RcvWnd         uint32
	Cwnd, Ssthresh         uint32
	SRTT                   float64
	RTO                    int64
	Retransmits            int
	UnackedBytes           int
	UnsentBytes            int
}

// Snapshot captures the TCB's current state without retaining any
// reference into its live queues.
func (tcb *Tcb) Snapshot() Snapshot {
	unacked, unsent := 0, 0
	for s := tcb.unacked; s != nil; s = s.next {
		unacked += s.dataLen
	}
	for s := tcb.unsent; s != nil; s = s.next {
		unsent += s.dataLen
	}
	return Snapshot{
		LocalAddr: tcb.LocalAddr, RemoteAddr: tcb.RemoteAddr,
		LocalPort: tcb.LocalPort, RemotePort: tcb.RemotePort,
		State:  tcb.State,
		SndUna: tcb.sndUna, SndNxt: tcb.sndNxt, RcvNxt: tcb.rcvNxt,
		SndWnd: tcb.sndWnd, RcvWnd: tcb.rcvWnd,
		Cwnd: tcb.cwnd, Ssthresh: tcb.ssthresh,
		SRTT: tcb.srtt, RTO: tcb.rto,
		Retransmits:  tcb.rtxCount,
		UnackedBytes: unacked, UnsentBytes: unsent,
	}
}
