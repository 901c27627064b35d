/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// nanostack-metrics brings up a loopback-only stack and serves its
// pkg/metrics.StackCollector output at /metrics, the same
// "construct collector, MustRegister, serve promhttp.Handler" shape as
// cmd/exporter_example1's main, with the TCPInfoCollector swapped for
// one that reads pkg/stack.Stack occupancy instead of a live TCP
// connection's kernel tcp_info.
package main

import (
	"context"
	"net/http"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/nanostack/pkg/loopback"
	"github.com/simeonmiteff/nanostack/pkg/metrics"
	"github.com/simeonmiteff/nanostack/pkg/stack"
)

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

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

	prometheus.MustRegister(metrics.NewStackCollector(s))

	http.Handle("/metrics", promhttp.Handler())
	log.Info("nanostack-metrics: serving on :18080")
	if err := http.ListenAndServe(":18080", nil); err != nil {
		log.WithError(err).Fatal("nanostack-metrics: server stopped")
	}
}
