package tcp

import (
	"net/netip"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/errs"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

// input is the ipv4.Handler registered for wire.ProtoTCP, implementing
// SPEC_FULL.md §4.8.4's eight-step input processing.
func (t *Table) input(payload *buf.Buf, ipHdr wire.IPv4Frame, inbound *netif.Netif) error {
	if payload == nil {
		return nil
	}
	segLen := payload.TotLen()
	flat := make([]byte, segLen)
	buf.CopyTo(payload, 0, segLen, flat)
	buf.Free(payload)

	seg, err := wire.NewTCPFrame(flat)
	if err != nil {
		t.log.WithError(err).Debug("tcp: dropping malformed segment")
		return nil
	}
	var v wire.Validator
	seg.ValidateSize(&v, segLen)
	if v.Err() != nil {
		t.log.WithError(v.Err()).Debug("tcp: dropping invalid segment")
		return nil
	}

	srcAddr := netip.AddrFrom4(*ipHdr.SourceAddr())
	dstAddr := netip.AddrFrom4(*ipHdr.DestinationAddr())

	// Step 1: checksum (pseudo-header + header + data).
	c := pseudoHeaderIPv4(srcAddr, dstAddr, uint16(segLen))
	if seg.ComputeChecksum(&c, segLen) != seg.Checksum() {
		t.log.Debug("tcp: dropping segment with bad checksum")
		return nil
	}

	// Step 2: table lookup.
	tcb := t.findActive(dstAddr, seg.DestPort(), srcAddr, seg.SourcePort())
	if tcb == nil {
		if tw := t.findTimeWait(dstAddr, seg.DestPort(), srcAddr, seg.SourcePort()); tw != nil {
			t.handleTimeWaitSegment(tw, seg, segLen, inbound)
			return nil
		}
		if seg.Flags().Has(wire.TCPFlagSYN) && !seg.Flags().Has(wire.TCPFlagACK) {
			if listener := t.findListen(dstAddr, seg.DestPort()); listener != nil {
				t.acceptChild(listener, srcAddr, seg.SourcePort(), dstAddr, seg.DestPort(), seg, inbound)
				return nil
			}
		}
		if !seg.Flags().Has(wire.TCPFlagRST) {
			t.sendRSTAckOf(dstAddr, seg.DestPort(), srcAddr, seg.SourcePort(), seg, segLen, inbound)
		}
		return nil
	}

	t.inputForTcb(tcb, seg, segLen)
	return nil
}

// handleTimeWaitSegment implements the 2MSL "duplicate FIN restarts the
// timer" rule: any retransmitted FIN in TIME_WAIT is ACKed and the timer
// restarted; anything else is ignored.
func (t *Table) handleTimeWaitSegment(tcb *Tcb, seg wire.TCPFrame, segLen int, inbound *netif.Netif) {
	if seg.Flags().Has(wire.TCPFlagFIN) {
		t.sendBareAck(tcb)
		t.cancelAllTimers(tcb)
		t.armTimeWait(tcb)
	}
}

// acceptChild implements SPEC_FULL.md §4.8.2's "LISTEN + SYN -> child
// TCB in SYN_RCVD" edge: clone callbacks/MSS cap from the listener,
// send SYN+ACK, start the retransmit timer.
func (t *Table) acceptChild(listener *Tcb, remote netip.Addr, remotePort uint16, local netip.Addr, localPort uint16, syn wire.TCPFrame, nf *netif.Netif) {
	child := t.newTcb(local, localPort, remote, remotePort)
	child.nf = nf
	child.OnRecv = listener.OnRecv
	child.OnError = listener.OnError
	child.OnAccept = listener.OnAccept
	child.mss = listener.mss

	child.irs = syn.Seq()
	child.rcvNxt = syn.Seq() + 1
	child.iss = isn(t.nowMs())
	child.sndUna = child.iss
	child.sndNxt = child.iss + 1
	child.State = StateSynRcvd

	t.addActive(child)
	t.enqueueControl(child, flagSYN)
	child.output()
}

// inputForTcb runs steps 3-8 of SPEC_FULL.md §4.8.4 against an existing
// connection.
func (t *Table) inputForTcb(tcb *Tcb, seg wire.TCPFrame, segLen int) {
	dataLen := segLen - seg.HeaderLength()

	// Step 3: sequence-space acceptability (RFC 5961 §3 simplified to
	// the four classic cases on (len, rcv_wnd)).
	if !tcb.segmentAcceptable(seg.Seq(), dataLen) {
		if !seg.Flags().Has(wire.TCPFlagRST) {
			t.sendBareAck(tcb)
		}
		return
	}

	// Step 4: RST handling, in-window-only.
	if seg.Flags().Has(wire.TCPFlagRST) {
		if seg.Seq() == tcb.rcvNxt {
			tcb.abort(errs.Wrap(errs.ErrReset, "tcp: connection reset by peer"))
		} else {
			t.sendBareAck(tcb) // challenge ACK: in window but not at rcv_nxt
		}
		return
	}

	// Step 5: SYN in a connected TCB is always an error.
	if seg.Flags().Has(wire.TCPFlagSYN) && tcb.State != StateSynSent && tcb.State != StateListen {
		t.sendRST(tcb.LocalAddr, tcb.LocalPort, tcb.RemoteAddr, tcb.RemotePort, tcb.sndNxt, tcb.nf)
		tcb.abort(errs.Wrap(errs.ErrReset, "tcp: unexpected SYN"))
		return
	}

	switch tcb.State {
	case StateSynSent:
		t.inputSynSent(tcb, seg)
		return
	case StateSynRcvd:
		if !seg.Flags().Has(wire.TCPFlagACK) {
			return
		}
		tcb.State = StateEstablished
		t.onAck(tcb, seg)
		t.armKeepalive(tcb)
		if tcb.OnAccept != nil {
			tcb.OnAccept(tcb)
		}
		return
	}

	if !seg.Flags().Has(wire.TCPFlagACK) {
		return
	}

	// Any accepted segment from the peer is traffic: push the keepalive
	// idle timer back out instead of waiting for it to fire beside live
	// data.
	t.armKeepalive(tcb)

	// Step 6: ACK processing (snd_una advance, RTT/RTO, window, fast
	// retransmit / slow-start / congestion avoidance).
	t.onAck(tcb, seg)

	switch tcb.State {
	case StateFinWait1:
		if tcb.sndUna == tcb.sndNxt {
			tcb.State = StateFinWait2
		}
	case StateClosing:
		if tcb.sndUna == tcb.sndNxt {
			tcb.enterTimeWait()
			return
		}
	case StateLastAck:
		if tcb.sndUna == tcb.sndNxt {
			tcb.abort(errs.Wrap(errs.ErrClosed, "tcp: graceful close complete"))
			return
		}
	}

	// Step 7: data delivery.
	if dataLen > 0 {
		t.deliverData(tcb, seg, seg.Seq(), seg.Payload(segLen))
	}

	// Step 8: FIN handling.
	if seg.Flags().Has(wire.TCPFlagFIN) {
		t.handleFin(tcb)
	}
}

func (t *Table) inputSynSent(tcb *Tcb, seg wire.TCPFrame) {
	if seg.Flags().Has(wire.TCPFlagACK) {
		if seg.Ack() != tcb.sndNxt {
			if !seg.Flags().Has(wire.TCPFlagRST) {
				t.sendRST(tcb.LocalAddr, tcb.LocalPort, tcb.RemoteAddr, tcb.RemotePort, seg.Ack(), tcb.nf)
			}
			return
		}
	}
	if seg.Flags().Has(wire.TCPFlagRST) {
		tcb.abort(errs.Wrap(errs.ErrReset, "tcp: connection refused"))
		return
	}
	if !seg.Flags().Has(wire.TCPFlagSYN) {
		return
	}
	tcb.irs = seg.Seq()
	tcb.rcvNxt = seg.Seq() + 1
	tcb.sndUna = seg.Ack()
	if seg.Flags().Has(wire.TCPFlagACK) {
		tcb.State = StateEstablished
		t.sendBareAck(tcb)
		t.armKeepalive(tcb)
		if tcb.OnConnected != nil {
			tcb.OnConnected(tcb)
		}
	} else {
		tcb.State = StateSynRcvd
		t.enqueueControl(tcb, flagSYN)
		tcb.output()
	}
}

// segmentAcceptable implements SPEC_FULL.md §4.8.4 step 3's four cases
// on (len, rcv_wnd).
func (tcb *Tcb) segmentAcceptable(seq uint32, dataLen int) bool {
	if dataLen == 0 && tcb.rcvWnd == 0 {
		return seq == tcb.rcvNxt
	}
	if dataLen == 0 && tcb.rcvWnd > 0 {
		return seqInWindow(seq, tcb.rcvNxt, tcb.rcvWnd)
	}
	if dataLen > 0 && tcb.rcvWnd == 0 {
		return false
	}
	return seqInWindow(seq, tcb.rcvNxt, tcb.rcvWnd) ||
		seqInWindow(seq+uint32(dataLen)-1, tcb.rcvNxt, tcb.rcvWnd)
}

func seqInWindow(seq, rcvNxt, rcvWnd uint32) bool {
	return seq-rcvNxt < rcvWnd
}

// onAck implements SPEC_FULL.md §4.8.4 step 6.
func (t *Table) onAck(tcb *Tcb, seg wire.TCPFrame) {
	ack := seg.Ack()
	newData := seqGreater(ack, tcb.sndUna) && !seqGreater(ack, tcb.sndNxt)
	dup := ack == tcb.sndUna && tcb.unacked != nil

	if seqGreater(ack, tcb.sndNxt) {
		t.sendBareAck(tcb) // ACKs something not yet sent
		return
	}

	if newData {
		ackedBytes := 0
		now := t.nowMs()
		for tcb.unacked != nil && !seqGreater(tcb.unacked.seq+uint32(segConsumed(tcb.unacked)), ack+1) &&
			seqGreaterOrEq(ack, tcb.unacked.seq+uint32(segConsumed(tcb.unacked))) {
			s := tcb.unacked
			if !s.retransmitted && s.sentAt != 0 {
				tcb.updateRTO(float64(now - s.sentAt))
			}
			ackedBytes += s.dataLen
			tcb.unacked = s.next
			if tcb.unacked == nil {
				tcb.unackedTail = nil
			}
		}
		tcb.sndUna = ack
		tcb.dupAcks = 0
		tcb.fastRecovery = false
		if tcb.unacked == nil {
			t.cancelRetransmit(tcb)
		} else {
			t.armRetransmit(tcb)
		}
		if tcb.cwnd < tcb.ssthresh {
			tcb.cwnd += uint32(tcb.mss) // slow start
		} else {
			tcb.cwnd += uint32(tcb.mss) * uint32(tcb.mss) / tcb.cwnd // congestion avoidance
		}
		if tcb.OnSent != nil && ackedBytes > 0 {
			tcb.sndBuf += ackedBytes
			tcb.OnSent(tcb, ackedBytes)
		}
	} else if dup {
		tcb.dupAcks++
		if tcb.dupAcks == 3 && !tcb.fastRecovery {
			tcb.fastRecovery = true
			flight := tcb.sndNxt - tcb.sndUna
			half := flight / 2
			if half < 2*uint32(tcb.mss) {
				half = 2 * uint32(tcb.mss)
			}
			tcb.ssthresh = half
			tcb.cwnd = tcb.ssthresh + 3*uint32(tcb.mss)
			if tcb.unacked != nil {
				t.retransmitSegment(tcb, tcb.unacked)
			}
		} else if tcb.fastRecovery {
			tcb.cwnd += uint32(tcb.mss)
		}
	}

	// Window update: SEG.SEQ > snd_wl1, or (SEG.SEQ == snd_wl1 and
	// SEG.ACK >= snd_wl2), per RFC 793 §3.9.
	seq := seg.Seq()
	if seqGreater(seq, tcb.sndWl1) || (seq == tcb.sndWl1 && !seqGreater(tcb.sndWl2, ack)) {
		tcb.sndWnd = uint32(seg.Window())
		tcb.sndWl1 = seq
		tcb.sndWl2 = ack
		if tcb.sndWnd > 0 {
			t.cancelPersist(tcb)
		}
	}
	tcb.output()
}

func segConsumed(s *segment) int {
	n := s.dataLen
	if s.flags&flagSYN != 0 {
		n++
	}
	if s.flags&flagFIN != 0 {
		n++
	}
	return n
}

func seqGreater(a, b uint32) bool     { return int32(a-b) > 0 }
func seqGreaterOrEq(a, b uint32) bool { return int32(a-b) >= 0 }

// deliverData implements SPEC_FULL.md §4.8.4 step 7: in-order fast path
// plus an out-of-order queue with merge-and-deliver on the next
// contiguous arrival.
func (t *Table) deliverData(tcb *Tcb, seg wire.TCPFrame, seq uint32, data []byte) {
	forceAck := seg.Flags().Has(wire.TCPFlagPSH)
	if seq == tcb.rcvNxt {
		tcb.rcvNxt += uint32(len(data))
		if tcb.rcvWnd > uint32(len(data)) {
			tcb.rcvWnd -= uint32(len(data))
		} else {
			tcb.rcvWnd = 0
		}
		if tcb.OnRecv != nil {
			tcb.OnRecv(tcb, data)
		}
		t.drainOutOfOrder(tcb)
	} else {
		t.insertOutOfOrder(tcb, seq, data)
		forceAck = true
	}
	t.scheduleAck(tcb, forceAck)
}

func (t *Table) insertOutOfOrder(tcb *Tcb, seq uint32, data []byte) {
	node := &ooSegment{seq: seq, data: append([]byte(nil), data...)}
	end := seq + uint32(len(data))
	if tcb.ooHead == nil || seqGreater(tcb.ooHead.seq, seq) {
		if tcb.ooHead != nil && seqGreater(end, tcb.ooHead.seq) {
			return // would overlap the queued segment after it
		}
		node.next = tcb.ooHead
		tcb.ooHead = node
		return
	}
	prev := tcb.ooHead
	for prev.next != nil && !seqGreater(prev.next.seq, seq) {
		prev = prev.next
	}
	// Drop-overlap-conservatively: keep earlier data, discard this
	// segment if it starts no later than an already-queued one ending
	// at or past its start.
	if prev.seq+uint32(len(prev.data)) > seq {
		return
	}
	if prev.next != nil && seqGreater(end, prev.next.seq) {
		return // would overlap the queued segment after it
	}
	node.next = prev.next
	prev.next = node
}

func (t *Table) drainOutOfOrder(tcb *Tcb) {
	for tcb.ooHead != nil && tcb.ooHead.seq == tcb.rcvNxt {
		n := tcb.ooHead
		tcb.ooHead = n.next
		tcb.rcvNxt += uint32(len(n.data))
		if tcb.rcvWnd > uint32(len(n.data)) {
			tcb.rcvWnd -= uint32(len(n.data))
		} else {
			tcb.rcvWnd = 0
		}
		if tcb.OnRecv != nil {
			tcb.OnRecv(tcb, n.data)
		}
	}
}

// scheduleAck implements the delayed-ACK rule: one ACK per two
// received segments of any size, or immediately when forced
// (out-of-order data or PSH).
func (t *Table) scheduleAck(tcb *Tcb, force bool) {
	if force {
		t.sendBareAck(tcb)
		tcb.delayedAckCount = 0
		return
	}
	tcb.delayedAckCount++
	if tcb.delayedAckCount >= 2 {
		t.sendBareAck(tcb)
		tcb.delayedAckCount = 0
		return
	}
	tcb.delayedAckPending = true
}

// handleFin implements SPEC_FULL.md §4.8.2's FIN edges for steps 8.
func (t *Table) handleFin(tcb *Tcb) {
	tcb.rcvNxt++
	t.sendBareAck(tcb)
	switch tcb.State {
	case StateEstablished:
		tcb.State = StateCloseWait
		if tcb.OnRecv != nil {
			tcb.OnRecv(tcb, nil) // EOF indication
		}
	case StateFinWait1:
		tcb.State = StateClosing
	case StateFinWait2:
		tcb.enterTimeWait()
	}
}

// sendBareAck transmits a pure ACK carrying no data, outside the
// unsent/unacked queues.
func (t *Table) sendBareAck(tcb *Tcb) {
	seg := &segment{seq: tcb.sndNxt}
	chain, err := t.buildSegment(tcb, seg)
	if err != nil {
		return
	}
	tcb.delayedAckPending = false
	tcb.lastAckSent = tcb.rcvNxt
	t.pipeline.Output(chain, tcb.LocalAddr, tcb.RemoteAddr, 64, 0, wire.ProtoTCP, tcb.nf)
}
