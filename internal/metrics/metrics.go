// Package metrics implements the lock-free metrics core: monotonic atomic
// counters, a log-bucketed latency histogram, and the snapshot protocol the
// rest of the pipeline reads from.
//
// The source this module is distilled from kept these counters as global
// mutable state. Here each field is its own atomic, and the core is an
// explicit value injected into the capture/worker/controller stack rather
// than a package-level global — that keeps per-run reset and concurrent
// tests straightforward while preserving the "observe a snapshot without
// holding any lock" property the original design relied on.
package metrics

import (
	"math"
	"math/bits"
	"sync/atomic"
)

// HistogramBuckets is the fixed number of exponential-by-microsecond
// latency buckets.
const HistogramBuckets = 32

// Core is the process-wide (by convention: one per measurement run) metrics
// aggregate. All methods are safe for concurrent use. The zero value is a
// zeroed core ready for use; New returns one.
type Core struct {
	pktsCaptured  atomic.Uint64
	pktsProcessed atomic.Uint64
	bytesCaptured atomic.Uint64
	bytesProcessed atomic.Uint64

	parseErrors      atomic.Uint64
	checksumFailures atomic.Uint64
	queueDrops       atomic.Uint64
	captureDrops     atomic.Uint64

	etherIPv4 atomic.Uint64
	etherIPv6 atomic.Uint64
	etherARP  atomic.Uint64
	etherOther atomic.Uint64

	protoTCP   atomic.Uint64
	protoUDP   atomic.Uint64
	protoICMP  atomic.Uint64
	protoOther atomic.Uint64

	queueDepthMax atomic.Uint32

	latCount atomic.Uint64
	latSumNS atomic.Uint64
	latMaxNS atomic.Uint64
	buckets  [HistogramBuckets]atomic.Uint64

	startNS      atomic.Int64
	captureEndNS atomic.Int64
}

// New returns a freshly zeroed metrics core, ready to record.
func New() *Core {
	return &Core{}
}

// Init zeros every field. The controller calls this at the start of each
// run, and again at the warmup->measure boundary to discard warmup-phase
// observations.
func (c *Core) Init() {
	c.pktsCaptured.Store(0)
	c.pktsProcessed.Store(0)
	c.bytesCaptured.Store(0)
	c.bytesProcessed.Store(0)
	c.parseErrors.Store(0)
	c.checksumFailures.Store(0)
	c.queueDrops.Store(0)
	c.captureDrops.Store(0)
	c.etherIPv4.Store(0)
	c.etherIPv6.Store(0)
	c.etherARP.Store(0)
	c.etherOther.Store(0)
	c.protoTCP.Store(0)
	c.protoUDP.Store(0)
	c.protoICMP.Store(0)
	c.protoOther.Store(0)
	c.queueDepthMax.Store(0)
	c.latCount.Store(0)
	c.latSumNS.Store(0)
	c.latMaxNS.Store(0)
	for i := range c.buckets {
		c.buckets[i].Store(0)
	}
	c.startNS.Store(0)
	c.captureEndNS.Store(0)
}

// Start marks the beginning of the measurement window. Exclusive to the
// controller thread.
func (c *Core) Start(nowNS int64) {
	c.captureEndNS.Store(0)
	c.startNS.Store(nowNS)
}

// StopCapture marks the end of the measurement window. Exclusive to the
// controller thread.
func (c *Core) StopCapture(nowNS int64) {
	c.captureEndNS.Store(nowNS)
}

// IsActive reports whether Start has been called without an intervening
// Init.
func (c *Core) IsActive() bool {
	return c.startNS.Load() > 0
}

// IncCaptured records a captured frame before it reaches the queue.
func (c *Core) IncCaptured(bytes int) {
	c.pktsCaptured.Add(1)
	c.bytesCaptured.Add(uint64(bytes))
}

// IncProcessed records a frame that a worker finished decoding.
func (c *Core) IncProcessed(bytes int) {
	c.pktsProcessed.Add(1)
	c.bytesProcessed.Add(uint64(bytes))
}

// IncQueueDrops counts a frame dropped because the bounded queue was full.
func (c *Core) IncQueueDrops() { c.queueDrops.Add(1) }

// IncCaptureDrops counts a frame truncated or discarded by the capture
// engine before it reached the queue.
func (c *Core) IncCaptureDrops() { c.captureDrops.Add(1) }

// IncParseErrors counts a malformed frame a worker could not decode.
func (c *Core) IncParseErrors() { c.parseErrors.Add(1) }

// IncChecksumFailures counts an advisory checksum mismatch. This never
// implies a parse error.
func (c *Core) IncChecksumFailures() { c.checksumFailures.Add(1) }

// RecordEthertype buckets a decoded frame's ethertype into exactly one of
// the four L3 counters. Unknown ethertypes fall into "other".
func (c *Core) RecordEthertype(ethertype uint16) {
	switch ethertype {
	case 0x0800:
		c.etherIPv4.Add(1)
	case 0x86DD:
		c.etherIPv6.Add(1)
	case 0x0806:
		c.etherARP.Add(1)
	default:
		c.etherOther.Add(1)
	}
}

// RecordProtocol buckets a decoded frame's L4 protocol byte (IPv4 protocol
// or IPv6 next-header) into exactly one of the four L4 counters. ICMPv6 (58)
// is counted alongside ICMPv4 (1), matching the filter compiler's
// classifier (§4.D).
func (c *Core) RecordProtocol(proto uint8) {
	switch proto {
	case 6:
		c.protoTCP.Add(1)
	case 17:
		c.protoUDP.Add(1)
	case 1, 58:
		c.protoICMP.Add(1)
	default:
		c.protoOther.Add(1)
	}
}

// UpdateQueueDepthMax raises the high-watermark via a compare-and-swap loop.
func (c *Core) UpdateQueueDepthMax(n uint32) {
	for {
		cur := c.queueDepthMax.Load()
		if n <= cur {
			return
		}
		if c.queueDepthMax.CompareAndSwap(cur, n) {
			return
		}
	}
}

// ObserveLatency records one end-to-end latency sample in nanoseconds.
func (c *Core) ObserveLatency(ns int64) {
	if ns < 0 {
		ns = 0
	}
	c.latCount.Add(1)
	c.latSumNS.Add(uint64(ns))
	for {
		cur := c.latMaxNS.Load()
		if uint64(ns) <= cur {
			break
		}
		if c.latMaxNS.CompareAndSwap(cur, uint64(ns)) {
			break
		}
	}
	c.buckets[bucket(ns)].Add(1)
}

// bucket implements the §4.B bucket(ns) contract: let µs = ns/1000; bucket 0
// is [0,1)µs; bucket i in [1,30] is [2^(i-1), 2^i)µs; bucket 31 catches
// [2^30, ∞)µs.
func bucket(ns int64) int {
	us := ns / 1000
	if us == 0 {
		return 0
	}
	b := bits.Len64(uint64(us)) // floor(log2(us)) + 1, for us >= 1
	if b > HistogramBuckets-1 {
		b = HistogramBuckets - 1
	}
	return b
}

// Snapshot is an independent-per-field atomic read of the metrics core, plus
// derived rates and percentiles. There is no cross-field consistency
// guarantee by design (§5): each field is individually consistent, which is
// sufficient for rate and percentile estimation.
type Snapshot struct {
	ElapsedSec        float64
	CaptureElapsedSec float64

	PktsCaptured  uint64
	PktsProcessed uint64
	BytesCaptured uint64
	BytesProcessed uint64

	ParseErrors      uint64
	ChecksumFailures uint64
	QueueDrops       uint64
	CaptureDrops     uint64

	EtherIPv4  uint64
	EtherIPv6  uint64
	EtherARP   uint64
	EtherOther uint64

	ProtoTCP   uint64
	ProtoUDP   uint64
	ProtoICMP  uint64
	ProtoOther uint64

	QueueDepthMax uint32

	LatencyCount uint64
	LatencySumNS uint64
	LatencyAvgNS uint64
	LatencyMaxNS uint64
	LatencyP50NS uint64
	LatencyP95NS uint64
	LatencyP99NS uint64

	Histogram [HistogramBuckets]uint64
}

// Snapshot performs an independent atomic load of each field and derives
// elapsed_sec/capture_elapsed_sec and the percentile set.
func (c *Core) Snapshot(nowNS int64) Snapshot {
	start := c.startNS.Load()
	captureEnd := c.captureEndNS.Load()

	var elapsed, captureElapsed float64
	if start > 0 {
		elapsed = float64(nowNS-start) / 1e9
		if captureEnd > 0 {
			captureElapsed = float64(captureEnd-start) / 1e9
		} else {
			captureElapsed = elapsed
		}
	}

	s := Snapshot{
		ElapsedSec:        elapsed,
		CaptureElapsedSec: captureElapsed,

		PktsCaptured:   c.pktsCaptured.Load(),
		PktsProcessed:  c.pktsProcessed.Load(),
		BytesCaptured:  c.bytesCaptured.Load(),
		BytesProcessed: c.bytesProcessed.Load(),

		ParseErrors:      c.parseErrors.Load(),
		ChecksumFailures: c.checksumFailures.Load(),
		QueueDrops:       c.queueDrops.Load(),
		CaptureDrops:     c.captureDrops.Load(),

		EtherIPv4:  c.etherIPv4.Load(),
		EtherIPv6:  c.etherIPv6.Load(),
		EtherARP:   c.etherARP.Load(),
		EtherOther: c.etherOther.Load(),

		ProtoTCP:   c.protoTCP.Load(),
		ProtoUDP:   c.protoUDP.Load(),
		ProtoICMP:  c.protoICMP.Load(),
		ProtoOther: c.protoOther.Load(),

		QueueDepthMax: c.queueDepthMax.Load(),

		LatencyCount: c.latCount.Load(),
		LatencySumNS: c.latSumNS.Load(),
		LatencyMaxNS: c.latMaxNS.Load(),
	}

	for i := range s.Histogram {
		s.Histogram[i] = c.buckets[i].Load()
	}

	if s.LatencyCount > 0 {
		s.LatencyAvgNS = s.LatencySumNS / s.LatencyCount
	}
	s.LatencyP50NS = percentile(s.Histogram, s.LatencyCount, 0.50)
	s.LatencyP95NS = percentile(s.Histogram, s.LatencyCount, 0.95)
	s.LatencyP99NS = percentile(s.Histogram, s.LatencyCount, 0.99)

	return s
}

// percentile walks the histogram in bucket order, accumulating counts, and
// returns the midpoint (in ns) of the first bucket whose cumulative count
// reaches p*total. This preserves the source's bucket-midpoint percentile
// behavior (§9 Open Questions: linear interpolation would be more accurate
// but is intentionally not implemented here for compatibility).
func percentile(hist [HistogramBuckets]uint64, total uint64, p float64) uint64 {
	if total == 0 {
		return 0
	}
	threshold := math.Ceil(p * float64(total))
	var cumulative uint64
	for i, count := range hist {
		cumulative += count
		if float64(cumulative) >= threshold {
			return bucketMidpointNS(i)
		}
	}
	return bucketMidpointNS(HistogramBuckets - 1)
}

// bucketMidpointNS returns the representative latency, in nanoseconds, for
// histogram bucket i.
func bucketMidpointNS(i int) uint64 {
	if i == 0 {
		return 500
	}
	lo := uint64(1) << (i - 1)
	hi := uint64(1) << i
	return ((lo + hi) / 2) * 1000
}
