// Package metrics exposes per-connection transport statistics as a
// prometheus.Collector.
package metrics

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"gamenet/source/protocol"
)

// StatsSource is anything that can enumerate live connections. Implemented
// by *server.Server.
type StatsSource interface {
	EachConnection(func(addr *net.UDPAddr, stats protocol.NetworkStats, rel protocol.ReliabilityStats))
	ClientCount() int
}

type gaugeSpec struct {
	desc     *prometheus.Desc
	supplier func(stats protocol.NetworkStats, rel protocol.ReliabilityStats) float64
}

// ConnectionCollector emits one metric per connection per gauge, labeled by
// remote address, plus a client-count gauge.
type ConnectionCollector struct {
	source  StatsSource
	clients *prometheus.Desc
	gauges  []gaugeSpec
}

func NewConnectionCollector(prefix string, source StatsSource) *ConnectionCollector {
	labels := []string{"remote_addr"}
	gauge := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prefix+"_"+name, help, labels, nil)
	}
	return &ConnectionCollector{
		source: source,
		clients: prometheus.NewDesc(
			prefix+"_clients", "Number of connected clients.", nil, nil),
		gauges: []gaugeSpec{
			{
				desc: gauge("rtt_ms", "Smoothed round-trip time in milliseconds."),
				supplier: func(_ protocol.NetworkStats, rel protocol.ReliabilityStats) float64 {
					return rel.SrttMs
				},
			},
			{
				desc: gauge("packet_loss", "Packet loss fraction over the rolling window."),
				supplier: func(_ protocol.NetworkStats, rel protocol.ReliabilityStats) float64 {
					return float64(rel.PacketLoss)
				},
			},
			{
				desc: gauge("packets_in_flight", "Unacknowledged packets in flight."),
				supplier: func(_ protocol.NetworkStats, rel protocol.ReliabilityStats) float64 {
					return float64(rel.PacketsInFlight)
				},
			},
			{
				desc: gauge("bytes_sent_total", "Bytes sent on this connection."),
				supplier: func(stats protocol.NetworkStats, _ protocol.ReliabilityStats) float64 {
					return float64(stats.BytesSent)
				},
			},
			{
				desc: gauge("bytes_received_total", "Bytes received on this connection."),
				supplier: func(stats protocol.NetworkStats, _ protocol.ReliabilityStats) float64 {
					return float64(stats.BytesReceived)
				},
			},
			{
				desc: gauge("bandwidth_up_bytes_per_second", "Outbound bandwidth over the last second."),
				supplier: func(stats protocol.NetworkStats, _ protocol.ReliabilityStats) float64 {
					return float64(stats.BandwidthUp)
				},
			},
			{
				desc: gauge("bandwidth_down_bytes_per_second", "Inbound bandwidth over the last second."),
				supplier: func(stats protocol.NetworkStats, _ protocol.ReliabilityStats) float64 {
					return float64(stats.BandwidthDown)
				},
			},
			{
				desc: gauge("packets_evicted_total", "In-flight records evicted at the cap."),
				supplier: func(_ protocol.NetworkStats, rel protocol.ReliabilityStats) float64 {
					return float64(rel.PacketsEvicted)
				},
			},
		},
	}
}

func (c *ConnectionCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.clients
	for _, g := range c.gauges {
		descs <- g.desc
	}
}

func (c *ConnectionCollector) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(
		c.clients, prometheus.GaugeValue, float64(c.source.ClientCount()))

	c.source.EachConnection(func(addr *net.UDPAddr, stats protocol.NetworkStats, rel protocol.ReliabilityStats) {
		for _, g := range c.gauges {
			metrics <- prometheus.MustNewConstMetric(
				g.desc, prometheus.GaugeValue, g.supplier(stats, rel), addr.String())
		}
	})
}
