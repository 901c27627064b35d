package tcp

import (
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/nanostack/pkg/arp"
	"github.com/simeonmiteff/nanostack/pkg/buf"
	"github.com/simeonmiteff/nanostack/pkg/ipv4"
	"github.com/simeonmiteff/nanostack/pkg/netif"
	"github.com/simeonmiteff/nanostack/pkg/timer"
	"github.com/simeonmiteff/nanostack/pkg/wire"
)

// Table owns the three linked TCB tables of SPEC_FULL.md §4.8.1: listen,
// active and time-wait, plus the clock and plumbing shared by every TCB
// it creates.
type Table struct {
	listen    []*Tcb
	active    []*Tcb
	timeWait  []*Tcb

	pipeline *ipv4.Pipeline
	arp      *arp.Cache
	alloc    *buf.Allocator
	timers   *timer.Wheel

	nowMs    func() int64
	nextPort uint16

	defaultMSS    int
	defaultSndBuf int
	defaultRcvWnd uint32
	msl           int64 // ms

	log *logrus.Entry
}

// Config bundles the tunables SPEC_FULL.md §6.4 exposes for TCP.
type Config struct {
	DefaultMSS    int
	DefaultSndBuf int
	DefaultRcvWnd uint32
	MSL           int64 // ms; TIME_WAIT holds for 2*MSL
}

// New constructs a TCP table registered as the pipeline's handler for
// wire.ProtoTCP. nowMs supplies the core context's logical clock (unix
// milliseconds), since the package itself may not call time.Now. A nil
// log falls back to the standard logger.
func New(pipeline *ipv4.Pipeline, arpCache *arp.Cache, alloc *buf.Allocator, timers *timer.Wheel, nowMs func() int64, cfg Config, log *logrus.Entry) *Table {
	if cfg.DefaultMSS == 0 {
		cfg.DefaultMSS = 1460
	}
	if cfg.DefaultSndBuf == 0 {
		cfg.DefaultSndBuf = 16384
	}
	if cfg.DefaultRcvWnd == 0 {
		cfg.DefaultRcvWnd = 16384
	}
	if cfg.MSL == 0 {
		cfg.MSL = 30000
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Table{
		pipeline: pipeline, arp: arpCache, alloc: alloc, timers: timers, nowMs: nowMs,
		nextPort: 49152,
		defaultMSS: cfg.DefaultMSS, defaultSndBuf: cfg.DefaultSndBuf,
		defaultRcvWnd: cfg.DefaultRcvWnd, msl: cfg.MSL,
		log: log,
	}
	pipeline.RegisterHandler(wire.ProtoTCP, t.input)
	return t
}

func (t *Table) newTcb(local netip.Addr, localPort uint16, remote netip.Addr, remotePort uint16) *Tcb {
	return &Tcb{
		table: t,
		LocalAddr: local, LocalPort: localPort,
		RemoteAddr: remote, RemotePort: remotePort,
		State:  StateClosed,
		mss:    t.defaultMSS,
		sndBuf: t.defaultSndBuf, sndBufCap: t.defaultSndBuf,
		rcvWnd: t.defaultRcvWnd,
		cwnd:   uint32(t.defaultMSS),
		ssthresh: 1 << 30,
		rto:    1000,
		nagle:  true,
	}
}

// Listen creates a listening TCB bound to (localAddr, localPort).
// localAddr may be the zero value to listen on every local address.
func (t *Table) Listen(localAddr netip.Addr, localPort uint16) *Tcb {
	tcb := t.newTcb(localAddr, localPort, netip.Addr{}, 0)
	tcb.State = StateListen
	t.listen = append(t.listen, tcb)
	return tcb
}

// findListen returns the listening TCB matching (localAddr, localPort),
// preferring an exact local-address match over a wildcard one.
func (t *Table) findListen(localAddr netip.Addr, localPort uint16) *Tcb {
	var wildcard *Tcb
	for _, l := range t.listen {
		if l.LocalPort != localPort {
			continue
		}
		if l.LocalAddr == localAddr {
			return l
		}
		if !l.LocalAddr.IsValid() {
			wildcard = l
		}
	}
	return wildcard
}

// findActive returns the exact-tuple match in the active table.
func (t *Table) findActive(local netip.Addr, localPort uint16, remote netip.Addr, remotePort uint16) *Tcb {
	for _, a := range t.active {
		if a.LocalAddr == local && a.LocalPort == localPort &&
			a.RemoteAddr == remote && a.RemotePort == remotePort {
			return a
		}
	}
	return nil
}

func (t *Table) findTimeWait(local netip.Addr, localPort uint16, remote netip.Addr, remotePort uint16) *Tcb {
	for _, a := range t.timeWait {
		if a.LocalAddr == local && a.LocalPort == localPort &&
			a.RemoteAddr == remote && a.RemotePort == remotePort {
			return a
		}
	}
	return nil
}

func (t *Table) addActive(tcb *Tcb) { t.active = append(t.active, tcb) }

func (t *Table) removeActive(tcb *Tcb) {
	for i, a := range t.active {
		if a == tcb {
			t.active = append(t.active[:i], t.active[i+1:]...)
			return
		}
	}
}

func (t *Table) moveToTimeWait(tcb *Tcb) {
	t.removeActive(tcb)
	t.timeWait = append(t.timeWait, tcb)
}

func (t *Table) removeTimeWait(tcb *Tcb) {
	for i, a := range t.timeWait {
		if a == tcb {
			t.timeWait = append(t.timeWait[:i], t.timeWait[i+1:]...)
			return
		}
	}
}

// Stats reports TCB counts by table, consumed by pkg/metrics.StackCollector.
type Stats struct {
	Listen   int
	Active   int
	TimeWait int
}

// Stats returns a snapshot of the three TCB tables' sizes.
func (t *Table) Stats() Stats {
	return Stats{Listen: len(t.listen), Active: len(t.active), TimeWait: len(t.timeWait)}
}

func (t *Table) ephemeralPort() uint16 {
	p := t.nextPort
	t.nextPort++
	if t.nextPort < 49152 {
		t.nextPort = 49152
	}
	return p
}

// Connect performs an active open to (remoteAddr, remotePort), returning
// the new TCB in SYN_SENT. The caller's OnConnected/OnRecv/OnError
// callbacks should be set before the first Input call can deliver
// SYN+ACK; set them on the returned Tcb immediately.
func (t *Table) Connect(localAddr netip.Addr, remoteAddr netip.Addr, remotePort uint16, nf *netif.Netif) (*Tcb, error) {
	localPort := t.ephemeralPort()
	tcb := t.newTcb(localAddr, localPort, remoteAddr, remotePort)
	tcb.nf = nf
	tcb.iss = isn(t.nowMs())
	tcb.sndUna = tcb.iss
	tcb.sndNxt = tcb.iss + 1
	tcb.State = StateSynSent
	t.addActive(tcb)
	t.enqueueControl(tcb, flagSYN)
	tcb.output()
	return tcb, nil
}

// isn derives an initial sequence number from the clock, per RFC 793's
// "roughly a 4 microsecond clock" recommendation (simplified to ms).
func isn(nowMs int64) uint32 { return uint32(nowMs * 250) }
