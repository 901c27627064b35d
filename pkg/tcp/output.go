package tcp

import (
	"net/netip"

	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/errs"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

// Write implements SPEC_FULL.md §4.8.3's tcp_write: appends app data to
// the unsent queue, aggregating with the tail segment when possible.
func (tcb *Tcb) Write(data []byte, copyFlag bool) error {
	switch tcb.State {
	case StateEstablished, StateCloseWait:
	default:
		return errs.Wrap(errs.ErrConnection, "tcp: write not permitted in state %s", tcb.State)
	}
	if len(data) > tcb.sndBuf {
		return errs.Wrap(errs.ErrWouldBlock, "tcp: send buffer exhausted")
	}
	if uint64(tcb.sndNxt-tcb.sndUna)+uint64(len(data)) > (1<<31)-1 {
		return errs.Wrap(errs.ErrOutOfMemory, "tcp: write would exceed in-flight byte limit")
	}

	remaining := len(data)
	tail := tcb.unsentTail
	if tail != nil && tail.flags == 0 && tail.dataLen < tcb.mss && (copyFlag || tail.copyBacked) {
		room := tcb.mss - tail.dataLen
		n := len(data)
		if n > room {
			n = room
		}
		tail.data = append(tail.data, data[:n]...)
		tail.dataLen += n
		data = data[n:]
	}
	nextSeq := tcb.sndNxt + uint32(pendingUnsentLen(tcb))
	for len(data) > 0 {
		n := len(data)
		if n > tcb.mss {
			n = tcb.mss
		}
		seg := &segment{seq: nextSeq, data: append([]byte(nil), data[:n]...), dataLen: n, copyBacked: copyFlag}
		appendUnsent(tcb, seg)
		nextSeq += uint32(n)
		data = data[n:]
	}
	tcb.sndBuf -= remaining
	tcb.output()
	return nil
}

func pendingUnsentLen(tcb *Tcb) int {
	n := 0
	for s := tcb.unsent; s != nil; s = s.next {
		n += s.dataLen
	}
	return n
}

func appendUnsent(tcb *Tcb, seg *segment) {
	if tcb.unsentTail == nil {
		tcb.unsent = seg
	} else {
		tcb.unsentTail.next = seg
	}
	tcb.unsentTail = seg
}

func appendUnacked(tcb *Tcb, seg *segment) {
	seg.next = nil
	if tcb.unackedTail == nil {
		tcb.unacked = seg
	} else {
		tcb.unackedTail.next = seg
	}
	tcb.unackedTail = seg
}

// enqueueControl queues a bare control segment (SYN and/or FIN, no
// payload) at the tail of unsent. The caller is responsible for having
// already reserved seg.seq's sequence number in sndNxt's accounting.
func (t *Table) enqueueControl(tcb *Tcb, flags flagSet) {
	appendUnsent(tcb, &segment{seq: tcb.sndNxt - 1, flags: flags})
}

// output implements SPEC_FULL.md §4.8.3's tcp_output: drains unsent
// within the send window, applying Nagle, silly-window avoidance and
// the persist timer.
func (tcb *Tcb) output() {
	t := tcb.table
	sent := false
	for tcb.unsent != nil {
		seg := tcb.unsent
		segLen := seg.dataLen
		inFlight := tcb.sndNxt - tcb.sndUna
		allowed := minU32(tcb.cwnd, tcb.sndWnd)
		if uint32(segLen)+inFlight > allowed {
			break // send window (min(cwnd, peer window)) exhausted
		}

		isLast := seg.next == nil
		hasPush := seg.flags&flagFIN != 0 || isLast
		if tcb.nagle && segLen > 0 && segLen < tcb.mss && inFlight > 0 && !hasPush {
			break // Nagle: hold sub-MSS data while unacknowledged data remains
		}
		if segLen > 0 && segLen < tcb.mss && !isLast && tcb.rcvPeerWindowBelowMSS() && !hasPush {
			break // silly-window avoidance on the sender side
		}

		tcb.unsent = seg.next
		if tcb.unsent == nil {
			tcb.unsentTail = nil
		}
		t.transmit(tcb, seg)
		appendUnacked(tcb, seg)
		sent = true
	}

	if tcb.sndWnd == 0 && tcb.unsent != nil {
		t.armPersist(tcb)
	}
	if sent && !tcb.hasRetransmitTimer {
		t.armRetransmit(tcb)
	}
}

// rcvPeerWindowBelowMSS reports whether the peer's advertised window is
// smaller than our MSS — SPEC_FULL.md §4.8.3's SWA exception clause.
func (tcb *Tcb) rcvPeerWindowBelowMSS() bool { return tcb.sndWnd < uint32(tcb.mss) }

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// transmit builds and sends one wire segment for seg, stamping its send
// time for RTT/RTO bookkeeping and marking it ineligible for RTT
// sampling once retransmitted (Karn's algorithm).
func (t *Table) transmit(tcb *Tcb, seg *segment) {
	chain, err := t.buildSegment(tcb, seg)
	if err != nil {
		return
	}
	if seg.sentAt != 0 {
		seg.retransmitted = true
	}
	seg.sentAt = t.nowMs()

	advance := uint32(seg.dataLen)
	if seg.flags&flagSYN != 0 {
		advance++
	}
	if seg.flags&flagFIN != 0 {
		advance++
	}
	tcb.sndNxt += advance

	tcb.delayedAckPending = false
	tcb.lastAckSent = tcb.rcvNxt
	t.pipeline.Output(chain, tcb.LocalAddr, tcb.RemoteAddr, 64, 0, wire.ProtoTCP, tcb.nf)
}

// buildSegment allocates a fresh wire chain for seg every time it is
// called, so the same descriptor can be retransmitted without the
// one-shot header-prepend restriction buf.HeaderAdjust otherwise
// imposes on a reused chain.
func (t *Table) buildSegment(tcb *Tcb, seg *segment) (*buf.Buf, error) {
	// The frame is assembled in a flat, contiguous scratch slice first:
	// wire.TCPFrame's checksum needs a single byte run covering header
	// plus data, but seg.dataLen may exceed one pool segment's capacity,
	// and a chain's Payload() only ever exposes one segment's window. The
	// finished bytes are then copied into the real chain handed to the
	// netif driver.
	totalLen := wire.SizeTCPHeader + seg.dataLen
	flat := make([]byte, totalLen)
	hdr, err := wire.NewTCPFrame(flat)
	if err != nil {
		return nil, err
	}
	if seg.dataLen > 0 {
		copy(flat[wire.SizeTCPHeader:], seg.data)
	}

	flags := wire.TCPFlagACK
	if seg.flags&flagSYN != 0 {
		flags |= wire.TCPFlagSYN
	}
	if seg.flags&flagFIN != 0 {
		flags |= wire.TCPFlagFIN
	}
	if seg.dataLen > 0 && seg.next == nil {
		flags |= wire.TCPFlagPSH
	}
	hdr.SetSourcePort(tcb.LocalPort)
	hdr.SetDestPort(tcb.RemotePort)
	hdr.SetSeq(seg.seq)
	hdr.SetAck(tcb.rcvNxt)
	hdr.SetDataOffset(wire.SizeTCPHeader / 4)
	hdr.SetFlags(flags)
	hdr.SetWindow(uint16(clampWindow(tcb.rcvWnd)))
	hdr.SetUrgentPtr(0)
	hdr.SetChecksum(0)

	c := pseudoHeaderIPv4(tcb.LocalAddr, tcb.RemoteAddr, uint16(totalLen))
	hdr.SetChecksum(hdr.ComputeChecksum(&c, totalLen))

	chain, err := t.alloc.Alloc(buf.LayerTransport, totalLen, buf.ClassPool)
	if err != nil {
		return nil, err
	}
	buf.CopyFrom(chain, 0, flat)
	return chain, nil
}

func clampWindow(w uint32) uint32 {
	if w > 0xFFFF {
		return 0xFFFF
	}
	return w
}

// pseudoHeaderIPv4 folds the RFC 793 §3.1 IPv4 pseudo-header (source,
// destination, zero, protocol, TCP length) into a fresh accumulator.
func pseudoHeaderIPv4(src, dst netip.Addr, tcpLength uint16) wire.CRC791 {
	var c wire.CRC791
	s, d := src.As4(), dst.As4()
	c.Write(s[:])
	c.Write(d[:])
	c.AddUint16(uint16(wire.ProtoTCP))
	c.AddUint16(tcpLength)
	return c
}
