package tcp

import (
	"net/netip"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/errs"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

const (
	rtoMin   int64 = 200   // ms, RFC 6298 lower bound
	rtoMax   int64 = 60000 // ms, RFC 6298 upper bound
	msRetransmitLimit = 12 // retransmit count before abort (SPEC_FULL.md §4.8.6)

	// RFC 1122 §4.2.3.6 default keepalive schedule, matched to Linux's
	// tcp_keepalive_time/_intvl/_probes defaults: 2h idle, then a probe
	// every 75s, aborting after 9 unanswered probes.
	defaultKeepaliveIdle     int64 = 7200000
	defaultKeepaliveInterval int64 = 75000
	defaultKeepaliveProbes         = 9
)

// armRetransmit (re)starts tcb's retransmit timer for the current RTO.
func (t *Table) armRetransmit(tcb *Tcb) {
	if tcb.hasRetransmitTimer {
		t.timers.Cancel(tcb.retransmitTimer)
	}
	tcb.retransmitTimer = t.timers.Schedule(t.nowMs()+tcb.rto, func() { t.onRetransmitTimeout(tcb) })
	tcb.hasRetransmitTimer = true
}

func (t *Table) cancelRetransmit(tcb *Tcb) {
	if tcb.hasRetransmitTimer {
		t.timers.Cancel(tcb.retransmitTimer)
		tcb.hasRetransmitTimer = false
	}
}

// onRetransmitTimeout implements SPEC_FULL.md §4.8.5's retransmit timer
// expiry: retransmit snd_una, exponential backoff, slow-start reset,
// Karn's algorithm (handled by segment.retransmitted), and abort on
// exceeding the retry limit.
func (t *Table) onRetransmitTimeout(tcb *Tcb) {
	tcb.hasRetransmitTimer = false
	if tcb.unacked == nil {
		return
	}
	tcb.rtxCount++
	if tcb.rtxCount > msRetransmitLimit {
		tcb.abort(errTimeoutAbort())
		return
	}

	flight := tcb.sndNxt - tcb.sndUna
	half := flight / 2
	if half < 2*uint32(tcb.mss) {
		half = 2 * uint32(tcb.mss)
	}
	tcb.ssthresh = half
	tcb.cwnd = uint32(tcb.mss)
	tcb.fastRecovery = false
	tcb.dupAcks = 0

	seg := tcb.unacked
	seg.sentAt = 0 // force retransmitted=true and a fresh sentAt on next transmit
	t.retransmitSegment(tcb, seg)
	tcb.rto *= 2
	if tcb.rto > rtoMax {
		tcb.rto = rtoMax
	}
	t.armRetransmit(tcb)
}

// retransmitSegment resends seg (still at the head of unacked) without
// reordering the queue or double counting sndNxt, since it was already
// accounted for on first transmission.
func (t *Table) retransmitSegment(tcb *Tcb, seg *segment) {
	chain, err := t.buildSegment(tcb, seg)
	if err != nil {
		return
	}
	seg.retransmitted = true
	seg.sentAt = t.nowMs()
	t.pipeline.Output(chain, tcb.LocalAddr, tcb.RemoteAddr, 64, 0, wire.ProtoTCP, tcb.nf)
}

// armPersist starts the persist timer per SPEC_FULL.md §4.8.3/§4.8.5:
// on expiry, send a single byte as a window probe.
func (t *Table) armPersist(tcb *Tcb) {
	if tcb.hasPersistTimer {
		return
	}
	tcb.persistTimer = t.timers.Schedule(t.nowMs()+1000, func() { t.onPersistTimeout(tcb) })
	tcb.hasPersistTimer = true
}

func (t *Table) cancelPersist(tcb *Tcb) {
	if tcb.hasPersistTimer {
		t.timers.Cancel(tcb.persistTimer)
		tcb.hasPersistTimer = false
	}
}

func (t *Table) onPersistTimeout(tcb *Tcb) {
	tcb.hasPersistTimer = false
	if tcb.sndWnd != 0 || tcb.unsent == nil {
		return
	}
	probe := &segment{seq: tcb.sndNxt, data: tcb.unsent.data[:1], dataLen: 1}
	t.transmit(tcb, probe)
	if len(tcb.unsent.data) > 1 {
		tcb.unsent.data = tcb.unsent.data[1:]
		tcb.unsent.dataLen--
		tcb.unsent.seq++
	} else {
		tcb.unsent = tcb.unsent.next
		if tcb.unsent == nil {
			tcb.unsentTail = nil
		}
	}
	appendUnacked(tcb, probe)
	t.armPersist(tcb)
}

// armKeepalive (re)starts tcb's keepalive timer for the idle interval,
// canceling any previously scheduled firing. A no-op unless the
// connection has keepalive enabled and is established, per
// SPEC_FULL.md §4.8.5's keepalive timer.
func (t *Table) armKeepalive(tcb *Tcb) {
	if !tcb.keepaliveEnabled || tcb.State != StateEstablished {
		return
	}
	if tcb.hasKeepaliveTimer {
		t.timers.Cancel(tcb.keepaliveTimer)
	}
	tcb.keepaliveProbeCount = 0
	tcb.keepaliveTimer = t.timers.Schedule(t.nowMs()+tcb.keepaliveIdle, func() { t.onKeepaliveTimeout(tcb) })
	tcb.hasKeepaliveTimer = true
}

func (t *Table) cancelKeepalive(tcb *Tcb) {
	if tcb.hasKeepaliveTimer {
		t.timers.Cancel(tcb.keepaliveTimer)
		tcb.hasKeepaliveTimer = false
	}
}

// onKeepaliveTimeout implements RFC 1122 §4.2.3.6: send a keepalive
// probe (a bare segment carrying the peer's last acknowledged sequence
// number minus one, provoking a duplicate ACK from a live peer), and
// abort the connection once keepaliveProbes probes have gone
// unanswered. Any data or ACK from the peer resets the idle timer
// (see armKeepalive's callers), which also resets the probe count.
func (t *Table) onKeepaliveTimeout(tcb *Tcb) {
	tcb.hasKeepaliveTimer = false
	if !tcb.keepaliveEnabled || tcb.State != StateEstablished {
		return
	}
	tcb.keepaliveProbeCount++
	if tcb.keepaliveProbeCount > tcb.keepaliveProbes {
		tcb.abort(errs.Wrap(errs.ErrTimeout, "tcp: keepalive probe limit exceeded"))
		return
	}
	t.sendKeepaliveProbe(tcb)
	tcb.keepaliveTimer = t.timers.Schedule(t.nowMs()+tcb.keepaliveInterval, func() { t.onKeepaliveTimeout(tcb) })
	tcb.hasKeepaliveTimer = true
}

// sendKeepaliveProbe emits a zero-length segment one byte behind
// snd_una, RFC 1122's "old duplicate" probe: a live peer answers with
// a current ACK regardless of whether it accepts the stale sequence
// number.
func (t *Table) sendKeepaliveProbe(tcb *Tcb) {
	flat := make([]byte, wire.SizeTCPHeader)
	hdr, _ := wire.NewTCPFrame(flat)
	hdr.SetSourcePort(tcb.LocalPort)
	hdr.SetDestPort(tcb.RemotePort)
	hdr.SetSeq(tcb.sndUna - 1)
	hdr.SetAck(tcb.rcvNxt)
	hdr.SetDataOffset(wire.SizeTCPHeader / 4)
	hdr.SetFlags(wire.TCPFlagACK)
	hdr.SetWindow(uint16(tcb.rcvWnd))
	hdr.SetChecksum(0)
	c := pseudoHeaderIPv4(tcb.LocalAddr, tcb.RemoteAddr, wire.SizeTCPHeader)
	hdr.SetChecksum(hdr.ComputeChecksum(&c, wire.SizeTCPHeader))

	chain, err := t.alloc.Alloc(buf.LayerTransport, wire.SizeTCPHeader, buf.ClassPool)
	if err != nil {
		return
	}
	buf.CopyFrom(chain, 0, flat)
	t.pipeline.Output(chain, tcb.LocalAddr, tcb.RemoteAddr, 64, 0, wire.ProtoTCP, tcb.nf)
}

// armTimeWait starts the 2*MSL timer that frees tcb once TIME_WAIT ends.
func (t *Table) armTimeWait(tcb *Tcb) {
	tcb.timeWaitTimer = t.timers.Schedule(t.nowMs()+2*t.msl, func() {
		tcb.hasTimeWaitTimer = false
		t.removeTimeWait(tcb)
	})
	tcb.hasTimeWaitTimer = true
}

func (t *Table) cancelAllTimers(tcb *Tcb) {
	t.cancelRetransmit(tcb)
	t.cancelPersist(tcb)
	t.cancelKeepalive(tcb)
	if tcb.hasTimeWaitTimer {
		t.timers.Cancel(tcb.timeWaitTimer)
		tcb.hasTimeWaitTimer = false
	}
}

// updateRTO folds a fresh RTT sample (ms) into SRTT/RTTVAR and
// recomputes RTO per RFC 6298.
func (tcb *Tcb) updateRTO(rttMs float64) {
	if !tcb.rttSampling {
		tcb.srtt = rttMs
		tcb.rttvar = rttMs / 2
		tcb.rttSampling = true
	} else {
		tcb.rttvar = 0.75*tcb.rttvar + 0.25*absF(tcb.srtt-rttMs)
		tcb.srtt = 0.875*tcb.srtt + 0.125*rttMs
	}
	rto := int64(tcb.srtt + 4*tcb.rttvar)
	if rto < rtoMin {
		rto = rtoMin
	}
	if rto > rtoMax {
		rto = rtoMax
	}
	tcb.rto = rto
}

func absF(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func errTimeoutAbort() error {
	return errs.Wrap(errs.ErrTimeout, "tcp: retransmit limit exceeded")
}

// sendRST emits a bare RST with no associated TCB, used for local
// aborts of a live connection and for rejecting an unexpected SYN or an
// unacceptable ACK in input; segments addressed to a closed port are
// answered by sendRSTAckOf instead.
func (t *Table) sendRST(local netip.Addr, localPort uint16, remote netip.Addr, remotePort uint16, seq uint32, nf *netif.Netif) {
	flat := make([]byte, wire.SizeTCPHeader)
	hdr, _ := wire.NewTCPFrame(flat)
	hdr.SetSourcePort(localPort)
	hdr.SetDestPort(remotePort)
	hdr.SetSeq(seq)
	hdr.SetAck(0)
	hdr.SetDataOffset(wire.SizeTCPHeader / 4)
	hdr.SetFlags(wire.TCPFlagRST)
	hdr.SetWindow(0)
	hdr.SetChecksum(0)
	c := pseudoHeaderIPv4(local, remote, wire.SizeTCPHeader)
	hdr.SetChecksum(hdr.ComputeChecksum(&c, wire.SizeTCPHeader))

	chain, err := t.alloc.Alloc(buf.LayerTransport, wire.SizeTCPHeader, buf.ClassPool)
	if err != nil {
		return
	}
	buf.CopyFrom(chain, 0, flat)
	if nf == nil {
		nf = t.pipeline.Netifs.Default()
		if nf == nil {
			buf.Free(chain)
			return
		}
	}
	t.pipeline.Output(chain, local, remote, 64, 0, wire.ProtoTCP, nf)
}

// sendRSTAckOf replies to an unacceptable or unmatched segment with a
// RST carrying ack=SEG.SEQ+SEG.LEN (RFC 793 §3.4 reset-generation rule
// for a segment containing no ACK) or seq=SEG.ACK when the incoming
// segment itself carried ACK.
func (t *Table) sendRSTAckOf(local netip.Addr, localPort uint16, remote netip.Addr, remotePort uint16, seg wire.TCPFrame, segLen int, nf *netif.Netif) {
	flat := make([]byte, wire.SizeTCPHeader)
	hdr, _ := wire.NewTCPFrame(flat)
	hdr.SetSourcePort(localPort)
	hdr.SetDestPort(remotePort)
	flags := wire.TCPFlagRST
	if seg.Flags().Has(wire.TCPFlagACK) {
		hdr.SetSeq(seg.Ack())
	} else {
		dataLen := segLen - seg.HeaderLength()
		ackNum := seg.Seq() + uint32(dataLen)
		if seg.Flags().Has(wire.TCPFlagSYN) || seg.Flags().Has(wire.TCPFlagFIN) {
			ackNum++
		}
		hdr.SetSeq(0)
		hdr.SetAck(ackNum)
		flags |= wire.TCPFlagACK
	}
	hdr.SetDataOffset(wire.SizeTCPHeader / 4)
	hdr.SetFlags(flags)
	hdr.SetWindow(0)
	hdr.SetChecksum(0)
	c := pseudoHeaderIPv4(local, remote, wire.SizeTCPHeader)
	hdr.SetChecksum(hdr.ComputeChecksum(&c, wire.SizeTCPHeader))

	chain, err := t.alloc.Alloc(buf.LayerTransport, wire.SizeTCPHeader, buf.ClassPool)
	if err != nil {
		return
	}
	buf.CopyFrom(chain, 0, flat)
	if nf == nil {
		nf = t.pipeline.Netifs.Default()
		if nf == nil {
			buf.Free(chain)
			return
		}
	}
	t.pipeline.Output(chain, local, remote, 64, 0, wire.ProtoTCP, nf)
}
