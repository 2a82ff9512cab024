// Package metricsexport is the ambient Prometheus companion to the §6 JSON
// baseline schema: it republishes the same counters the Aggregator
// ultimately reports, for live observability during a run. It is strictly
// additive — the JSON schema remains the sole source of truth consulted by
// the Judge.
package metricsexport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/malbeclabs/linkbench/internal/metrics"
)

const (
	metricNamePacketsCaptured  = "linkbench_packets_captured_total"
	metricNamePacketsProcessed = "linkbench_packets_processed_total"
	metricNameBytesCaptured    = "linkbench_bytes_captured_total"
	metricNameBytesProcessed   = "linkbench_bytes_processed_total"
	metricNameQueueDrops       = "linkbench_queue_drops_total"
	metricNameCaptureDrops     = "linkbench_capture_drops_total"
	metricNameParseErrors      = "linkbench_parse_errors_total"
	metricNameChecksumFailures = "linkbench_checksum_failures_total"
	metricNameQueueDepthMax    = "linkbench_queue_depth_max"
	metricNameLatencyP95NS     = "linkbench_latency_p95_ns"

	labelEthertype = "ethertype"
	labelProtocol  = "protocol"
)

// Collector republishes a metrics.Core snapshot as Prometheus gauges. Each
// Collector owns its own prometheus.Registry so multiple measurement runs in
// the same process (as in tests) never collide on global registration, the
// way promauto's package-level vars would.
type Collector struct {
	reg *prometheus.Registry

	packetsCaptured  prometheus.Gauge
	packetsProcessed prometheus.Gauge
	bytesCaptured    prometheus.Gauge
	bytesProcessed   prometheus.Gauge
	queueDrops       prometheus.Gauge
	captureDrops     prometheus.Gauge
	parseErrors      prometheus.Gauge
	checksumFailures prometheus.Gauge
	queueDepthMax    prometheus.Gauge
	latencyP95NS     prometheus.Gauge
	ethertypes       *prometheus.GaugeVec
	protocols        *prometheus.GaugeVec
}

// New builds a Collector and registers its gauges on reg. Pass
// prometheus.NewRegistry() for an isolated registry; reg must be a
// *prometheus.Registry, so the process-global DefaultRegisterer cannot be
// passed.
func New(reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	return &Collector{
		reg:              reg,
		packetsCaptured:  f.NewGauge(prometheus.GaugeOpts{Name: metricNamePacketsCaptured, Help: "Frames captured by the capture engine."}),
		packetsProcessed: f.NewGauge(prometheus.GaugeOpts{Name: metricNamePacketsProcessed, Help: "Frames decoded and recorded by a worker."}),
		bytesCaptured:    f.NewGauge(prometheus.GaugeOpts{Name: metricNameBytesCaptured, Help: "Bytes captured by the capture engine."}),
		bytesProcessed:   f.NewGauge(prometheus.GaugeOpts{Name: metricNameBytesProcessed, Help: "Bytes decoded and recorded by a worker."}),
		queueDrops:       f.NewGauge(prometheus.GaugeOpts{Name: metricNameQueueDrops, Help: "Frames dropped because the bounded queue was full."}),
		captureDrops:     f.NewGauge(prometheus.GaugeOpts{Name: metricNameCaptureDrops, Help: "Frames truncated by the capture engine."}),
		parseErrors:      f.NewGauge(prometheus.GaugeOpts{Name: metricNameParseErrors, Help: "Frames a worker could not decode."}),
		checksumFailures: f.NewGauge(prometheus.GaugeOpts{Name: metricNameChecksumFailures, Help: "Advisory IPv4 header checksum mismatches."}),
		queueDepthMax:    f.NewGauge(prometheus.GaugeOpts{Name: metricNameQueueDepthMax, Help: "High-watermark of the bounded queue's depth."}),
		latencyP95NS:     f.NewGauge(prometheus.GaugeOpts{Name: metricNameLatencyP95NS, Help: "p95 end-to-end latency in nanoseconds, bucket-midpoint estimate."}),
		ethertypes:       f.NewGaugeVec(prometheus.GaugeOpts{Name: "linkbench_ethertype_total", Help: "Decoded frames by ethertype."}, []string{labelEthertype}),
		protocols:        f.NewGaugeVec(prometheus.GaugeOpts{Name: "linkbench_protocol_total", Help: "Decoded frames by L4 protocol."}, []string{labelProtocol}),
	}
}

// Registry returns the Collector's registry, for wiring into an
// http.Handler via promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Update republishes snap's values. Called after each run and once with the
// final snapshot; safe to call from a single goroutine (the controller's) only — these are
// plain Set calls, not atomics, because they reflect a point-in-time
// snapshot already read consistently field-by-field.
func (c *Collector) Update(snap metrics.Snapshot) {
	c.packetsCaptured.Set(float64(snap.PktsCaptured))
	c.packetsProcessed.Set(float64(snap.PktsProcessed))
	c.bytesCaptured.Set(float64(snap.BytesCaptured))
	c.bytesProcessed.Set(float64(snap.BytesProcessed))
	c.queueDrops.Set(float64(snap.QueueDrops))
	c.captureDrops.Set(float64(snap.CaptureDrops))
	c.parseErrors.Set(float64(snap.ParseErrors))
	c.checksumFailures.Set(float64(snap.ChecksumFailures))
	c.queueDepthMax.Set(float64(snap.QueueDepthMax))
	c.latencyP95NS.Set(float64(snap.LatencyP95NS))

	c.ethertypes.WithLabelValues("ipv4").Set(float64(snap.EtherIPv4))
	c.ethertypes.WithLabelValues("ipv6").Set(float64(snap.EtherIPv6))
	c.ethertypes.WithLabelValues("arp").Set(float64(snap.EtherARP))
	c.ethertypes.WithLabelValues("other").Set(float64(snap.EtherOther))

	c.protocols.WithLabelValues("tcp").Set(float64(snap.ProtoTCP))
	c.protocols.WithLabelValues("udp").Set(float64(snap.ProtoUDP))
	c.protocols.WithLabelValues("icmp").Set(float64(snap.ProtoICMP))
	c.protocols.WithLabelValues("other").Set(float64(snap.ProtoOther))
}
