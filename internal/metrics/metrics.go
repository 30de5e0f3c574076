// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the per-worker counters of internal/stats
// (packets in/out, bytes out, drops in total, per stage and by category)
// as a github.com/prometheus/client_golang registry, pulling from
// internal/stats.Registry on every scrape rather than updating
// prometheus metric objects on the packet path. Active sessions, NAT
// mappings in use and IPS/DLP hits by category are not exported.
//
// Grounded on the prometheus.Collector pattern in
// _examples/grimm-is-flywall/internal/ebpf/metrics/prometheus.go
// (Describe/Collect implementing prometheus.Collector directly instead
// of using the client's push-style Counter/Gauge types on the hot
// path), adapted from a self-updating Metrics struct to a pull
// Collector because internal/stats already owns the atomic counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"opensase.io/dataplane/internal/stats"
)

// Collector implements prometheus.Collector over a stats.Registry,
// reading a fresh aggregate Snapshot on every scrape.
type Collector struct {
	registry *stats.Registry

	packetsIn    *prometheus.Desc
	packetsOut   *prometheus.Desc
	bytesOut     *prometheus.Desc
	dropped      *prometheus.Desc
	policyDenies *prometheus.Desc
	ipsDrops     *prometheus.Desc
	dlpDrops     *prometheus.Desc
	natExhausted *prometheus.Desc
	rateLimited  *prometheus.Desc
	dropsByCat   *prometheus.Desc
}

// NewCollector returns a Collector reading from registry.
func NewCollector(registry *stats.Registry) *Collector {
	return &Collector{
		registry:     registry,
		packetsIn:    prometheus.NewDesc("opensase_packets_in_total", "Total packets seen by the pipeline", nil, nil),
		packetsOut:   prometheus.NewDesc("opensase_packets_out_total", "Total packets forwarded to output", nil, nil),
		bytesOut:     prometheus.NewDesc("opensase_bytes_out_total", "Total bytes forwarded to output", nil, nil),
		dropped:      prometheus.NewDesc("opensase_packets_dropped_total", "Total packets dropped", nil, nil),
		policyDenies: prometheus.NewDesc("opensase_policy_denies_total", "Total packets dropped by policy deny", nil, nil),
		ipsDrops:     prometheus.NewDesc("opensase_ips_drops_total", "Total packets dropped by the IPS scanner", nil, nil),
		dlpDrops:     prometheus.NewDesc("opensase_dlp_drops_total", "Total packets dropped by the DLP scanner", nil, nil),
		natExhausted: prometheus.NewDesc("opensase_nat_exhausted_total", "Total packets dropped for NAT pool exhaustion", nil, nil),
		rateLimited:  prometheus.NewDesc("opensase_rate_limited_total", "Total packets dropped for exceeding a rate limit", nil, nil),
		dropsByCat:   prometheus.NewDesc("opensase_drops_by_category_total", "Total packets dropped, labeled by drop category", []string{"category"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsIn
	ch <- c.packetsOut
	ch <- c.bytesOut
	ch <- c.dropped
	ch <- c.policyDenies
	ch <- c.ipsDrops
	ch <- c.dlpDrops
	ch <- c.natExhausted
	ch <- c.rateLimited
	ch <- c.dropsByCat
}

// Collect implements prometheus.Collector, aggregating every
// registered worker's counters at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.registry.Aggregate()

	ch <- prometheus.MustNewConstMetric(c.packetsIn, prometheus.CounterValue, float64(s.PacketsIn))
	ch <- prometheus.MustNewConstMetric(c.packetsOut, prometheus.CounterValue, float64(s.PacketsOut))
	ch <- prometheus.MustNewConstMetric(c.bytesOut, prometheus.CounterValue, float64(s.BytesOut))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.Dropped))
	ch <- prometheus.MustNewConstMetric(c.policyDenies, prometheus.CounterValue, float64(s.PolicyDenies))
	ch <- prometheus.MustNewConstMetric(c.ipsDrops, prometheus.CounterValue, float64(s.IPSDrops))
	ch <- prometheus.MustNewConstMetric(c.dlpDrops, prometheus.CounterValue, float64(s.DLPDrops))
	ch <- prometheus.MustNewConstMetric(c.natExhausted, prometheus.CounterValue, float64(s.NATExhausted))
	ch <- prometheus.MustNewConstMetric(c.rateLimited, prometheus.CounterValue, float64(s.RateLimited))

	for cat, n := range s.DropsByCategory {
		ch <- prometheus.MustNewConstMetric(c.dropsByCat, prometheus.CounterValue, float64(n), cat.String())
	}
}

// Register registers a Collector over registry with the default
// Prometheus registry, for wiring into cmd/dataplane-sim's metrics
// endpoint.
func Register(registry *stats.Registry) *Collector {
	c := NewCollector(registry)
	prometheus.MustRegister(c)
	return c
}
