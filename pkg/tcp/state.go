package tcp

import (
	"time"

	"github.com/simeonmiteff/nanostack/pkg/errs"
)

// Close implements a graceful close: enqueues FIN and moves toward
// FIN_WAIT_1/LAST_ACK per SPEC_FULL.md §4.8.2.
func (tcb *Tcb) Close() error {
	switch tcb.State {
	case StateEstablished:
		tcb.State = StateFinWait1
	case StateCloseWait:
		tcb.State = StateLastAck
	case StateSynSent, StateSynRcvd:
		tcb.abort(errs.Wrap(errs.ErrAbort, "tcp: closed before connection established"))
		return nil
	case StateListen:
		tcb.removeFromListen()
		tcb.State = StateClosed
		return nil
	default:
		return errs.Wrap(errs.ErrConnection, "tcp: close not valid in state %s", tcb.State)
	}
	t := tcb.table
	t.enqueueControl(tcb, flagFIN)
	tcb.sndNxt++ // FIN consumes one sequence number, reserved immediately
	tcb.output()
	return nil
}

// Abort implements SPEC_FULL.md §4.8.6's local abort: send RST
// immediately (if the state has ever exchanged sequence numbers) and
// tear the TCB down without waiting for the peer.
func (tcb *Tcb) Abort() {
	if tcb.State != StateClosed && tcb.State != StateListen {
		tcb.table.sendRST(tcb.LocalAddr, tcb.LocalPort, tcb.RemoteAddr, tcb.RemotePort, tcb.sndNxt, tcb.nf)
	}
	tcb.abort(errs.Wrap(errs.ErrAbort, "tcp: local abort"))
}

// abort tears the TCB down immediately, invoking OnError exactly once.
func (tcb *Tcb) abort(err error) {
	if tcb.aborted {
		return
	}
	tcb.aborted = true
	tcb.State = StateClosed
	t := tcb.table
	t.cancelAllTimers(tcb)
	t.removeActive(tcb)
	t.removeTimeWait(tcb)
	if tcb.OnError != nil {
		tcb.OnError(tcb, err)
	}
}

func (tcb *Tcb) removeFromListen() {
	t := tcb.table
	for i, l := range t.listen {
		if l == tcb {
			t.listen = append(t.listen[:i], t.listen[i+1:]...)
			return
		}
	}
}

// SetKeepAlive enables or disables keepalive probing (mirroring
// SO_KEEPALIVE plus TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT), arming the
// idle timer immediately if the connection is already established. A
// zero idle/interval or zero probes falls back to the RFC 1122 §4.2.3.6
// defaults.
func (tcb *Tcb) SetKeepAlive(enabled bool, idle, interval time.Duration, probes int) {
	tcb.keepaliveEnabled = enabled
	if idle <= 0 {
		tcb.keepaliveIdle = defaultKeepaliveIdle
	} else {
		tcb.keepaliveIdle = idle.Milliseconds()
	}
	if interval <= 0 {
		tcb.keepaliveInterval = defaultKeepaliveInterval
	} else {
		tcb.keepaliveInterval = interval.Milliseconds()
	}
	if probes <= 0 {
		tcb.keepaliveProbes = defaultKeepaliveProbes
	} else {
		tcb.keepaliveProbes = probes
	}
	t := tcb.table
	if enabled {
		t.armKeepalive(tcb)
	} else {
		t.cancelKeepalive(tcb)
	}
}

// enterTimeWait transitions tcb into TIME_WAIT, arming the 2*MSL timer.
func (tcb *Tcb) enterTimeWait() {
	tcb.State = StateTimeWait
	t := tcb.table
	t.cancelAllTimers(tcb)
	t.moveToTimeWait(tcb)
	t.armTimeWait(tcb)
}
