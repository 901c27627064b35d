// Package metrics implements StackCollector, the Prometheus collector
// for a pkg/stack.Stack. Grounded on the teacher's
// pkg/exporter.TCPInfoCollector: a prometheus.Collector whose Collect
// walks the live state synchronously rather than caching it, generalised
// from "one map of live net.Conn, guarded by a mutex" to "one
// pkg/stack.Stack, guarded by the core context" — Collect calls
// Stack.Call instead of taking a lock, since core-owned state may only
// be touched from the core goroutine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/simeonmiteff/nanostack/pkg/stack"
)

// StackCollector exports a Stack's occupancy counters (ARP/ND cache
// fill, TCB counts, IGMP/MLD group counts, buffer pool usage) as
// Prometheus gauges.
type StackCollector struct {
	stack *stack.Stack

	netifs   *prometheus.Desc
	arpCap   *prometheus.Desc
	arpUsed  *prometheus.Desc
	ndCap    *prometheus.Desc
	ndUsed   *prometheus.Desc
	tcbs     *prometheus.Desc
	igmp     *prometheus.Desc
	mld      *prometheus.Desc
	poolUsed *prometheus.Desc
	poolCap  *prometheus.Desc
	poolFail *prometheus.Desc
	heapFree *prometheus.Desc
}

// NewStackCollector constructs a collector over s. Register it with a
// prometheus.Registry the way cmd/nanostack-metrics does.
func NewStackCollector(s *stack.Stack) *StackCollector {
	const ns = "nanostack"
	return &StackCollector{
		stack: s,
		netifs: prometheus.NewDesc(ns+"_netifs", "Number of registered network interfaces.", nil, nil),
		arpCap: prometheus.NewDesc(ns+"_arp_cache_capacity", "ARP cache capacity.", nil, nil),
		arpUsed: prometheus.NewDesc(ns+"_arp_cache_entries", "ARP cache entries in use, by state.", []string{"state"}, nil),
		ndCap: prometheus.NewDesc(ns+"_nd_cache_capacity", "Neighbour cache capacity.", nil, nil),
		ndUsed: prometheus.NewDesc(ns+"_nd_cache_entries", "Neighbour cache entries in use, by state.", []string{"state"}, nil),
		tcbs: prometheus.NewDesc(ns+"_tcp_tcbs", "TCP control blocks, by table.", []string{"table"}, nil),
		igmp: prometheus.NewDesc(ns+"_igmp_groups", "Joined IGMPv2 multicast groups.", nil, nil),
		mld: prometheus.NewDesc(ns+"_mld_groups", "Joined MLDv1 multicast groups.", nil, nil),
		poolUsed: prometheus.NewDesc(ns+"_pool_used", "Pool slots in use, by pool.", []string{"pool"}, nil),
		poolCap: prometheus.NewDesc(ns+"_pool_capacity", "Pool capacity, by pool.", []string{"pool"}, nil),
		poolFail: prometheus.NewDesc(ns+"_pool_alloc_failures_total", "Cumulative pool allocation failures, by pool.", []string{"pool"}, nil),
		heapFree: prometheus.NewDesc(ns+"_heap_bytes_available", "Bytes available in the large-allocation heap.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StackCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.netifs
	ch <- c.arpCap
	ch <- c.arpUsed
	ch <- c.ndCap
	ch <- c.ndUsed
	ch <- c.tcbs
	ch <- c.igmp
	ch <- c.mld
	ch <- c.poolUsed
	ch <- c.poolCap
	ch <- c.poolFail
	ch <- c.heapFree
}

// Collect implements prometheus.Collector. It blocks on Stack.Call so
// the snapshot it reads is consistent with the core context's view,
// the way a Prometheus scrape pauses the stack for the span of one
// cheap read rather than racing it.
func (c *StackCollector) Collect(ch chan<- prometheus.Metric) {
	var snap stack.Snapshot
	c.stack.Call(func() { snap = c.stack.Snapshot() })

	ch <- prometheus.MustNewConstMetric(c.netifs, prometheus.GaugeValue, float64(snap.Netifs))

	ch <- prometheus.MustNewConstMetric(c.arpCap, prometheus.GaugeValue, float64(snap.ARP.Capacity))
	ch <- prometheus.MustNewConstMetric(c.arpUsed, prometheus.GaugeValue, float64(snap.ARP.Resolved), "resolved")
	ch <- prometheus.MustNewConstMetric(c.arpUsed, prometheus.GaugeValue, float64(snap.ARP.Incomplete), "incomplete")

	ch <- prometheus.MustNewConstMetric(c.ndCap, prometheus.GaugeValue, float64(snap.ND.Capacity))
	ch <- prometheus.MustNewConstMetric(c.ndUsed, prometheus.GaugeValue, float64(snap.ND.Resolved), "resolved")
	ch <- prometheus.MustNewConstMetric(c.ndUsed, prometheus.GaugeValue, float64(snap.ND.Incomplete), "incomplete")

	ch <- prometheus.MustNewConstMetric(c.tcbs, prometheus.GaugeValue, float64(snap.TCP.Listen), "listen")
	ch <- prometheus.MustNewConstMetric(c.tcbs, prometheus.GaugeValue, float64(snap.TCP.Active), "active")
	ch <- prometheus.MustNewConstMetric(c.tcbs, prometheus.GaugeValue, float64(snap.TCP.TimeWait), "time_wait")

	ch <- prometheus.MustNewConstMetric(c.igmp, prometheus.GaugeValue, float64(snap.IGMP))
	ch <- prometheus.MustNewConstMetric(c.mld, prometheus.GaugeValue, float64(snap.MLD))

	ch <- prometheus.MustNewConstMetric(c.poolUsed, prometheus.GaugeValue, float64(snap.Headers.Used), "header")
	ch <- prometheus.MustNewConstMetric(c.poolCap, prometheus.GaugeValue, float64(snap.Headers.Capacity), "header")
	ch <- prometheus.MustNewConstMetric(c.poolFail, prometheus.CounterValue, float64(snap.Headers.Failed), "header")

	ch <- prometheus.MustNewConstMetric(c.poolUsed, prometheus.GaugeValue, float64(snap.Segments.Used), "segment")
	ch <- prometheus.MustNewConstMetric(c.poolCap, prometheus.GaugeValue, float64(snap.Segments.Capacity), "segment")
	ch <- prometheus.MustNewConstMetric(c.poolFail, prometheus.CounterValue, float64(snap.Segments.Failed), "segment")

	ch <- prometheus.MustNewConstMetric(c.heapFree, prometheus.GaugeValue, float64(snap.HeapFree))
}
