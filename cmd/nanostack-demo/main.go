/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// nanostack-demo brings up a single loopback interface, listens on one
// TCP port and echoes back everything an active-opened connection to
// that port writes, logging every connection lifecycle event with
// logrus the way the teacher's cmd mains do. Grounded on
// cmd/exporter_example1's hallucinate(): a synthetic local TCP
// round-trip exercised purely to prove the stack it sits on works, not
// a production server.
package main

import (
	"context"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/nanostack/pkg/loopback"
	"github.com/simeonmiteff/nanostack/pkg/stack"
	"github.com/simeonmiteff/nanostack/pkg/tcp"
)

const demoPort = 7 // echo, RFC 862

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())
	logrus.SetLevel(logrus.DebugLevel)

	s := stack.New(stack.Config{Logger: log})

	nf := loopback.NewNetif("lo0", s.IPv4, 1500)
	nf.Driver().(*loopback.Driver).SetIPv6Pipeline(s.IPv6)
	addr := netip.MustParseAddr("127.0.0.1")
	mask := netip.MustParseAddr("255.0.0.0")
	nf.SetIPv4(addr, mask, netip.Addr{})
	nf.SetUp(true)
	nf.SetLinkUp(true)
	s.AddNetif(nf)
	s.Netifs.SetDefault(nf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var listener *tcp.Tcb
	s.Call(func() {
		listener = s.TCP.Listen(addr, demoPort)
		listener.OnAccept = func(child *tcp.Tcb) {
			log.WithField("remote", child.RemoteAddr).Info("demo: accepted connection")
			child.OnRecv = func(tcb *tcp.Tcb, data []byte) {
				if data == nil {
					log.Info("demo: peer closed")
					return
				}
				log.WithField("bytes", len(data)).Debug("demo: echoing data")
				_ = tcb.Write(data, true)
			}
			child.OnError = func(tcb *tcp.Tcb, err error) {
				log.WithError(err).Warn("demo: connection error")
			}
		}
	})

	var client *tcp.Tcb
	s.Call(func() {
		var err error
		client, err = s.TCP.Connect(addr, addr, demoPort, nf)
		if err != nil {
			log.WithError(err).Fatal("demo: connect failed")
		}
		client.OnConnected = func(tcb *tcp.Tcb) {
			log.Info("demo: connected, sending greeting")
			_ = tcb.Write([]byte("hello, nanostack\n"), true)
		}
		client.OnRecv = func(tcb *tcp.Tcb, data []byte) {
			if data == nil {
				return
			}
			log.WithField("echoed", string(data)).Info("demo: received echo")
		}
		client.OnError = func(tcb *tcp.Tcb, err error) {
			log.WithError(err).Warn("demo: client connection error")
		}
	})

	time.Sleep(500 * time.Millisecond)

	s.Call(func() {
		_ = client.Close()
	})

	time.Sleep(100 * time.Millisecond)
}
