// Package queue implements the §4.F Bounded Queue + Worker Pool: captured
// frames are handed off from the capture engine to a fixed-size channel,
// decoded and recorded into metrics by a fixed pool of workers, so a slow
// decode never blocks the capture read loop.
package queue

import (
	"log/slog"
	"sync"

	"github.com/malbeclabs/linkbench/internal/capture"
	"github.com/malbeclabs/linkbench/internal/clock"
	"github.com/malbeclabs/linkbench/internal/decode"
	"github.com/malbeclabs/linkbench/internal/metrics"
)

// DefaultCapacity is Q from §4.F.
const DefaultCapacity = 100

// DefaultWorkers is the default worker pool size.
const DefaultWorkers = 4

// Config configures a Pool.
type Config struct {
	Logger   *slog.Logger
	Metrics  *metrics.Core
	Clock    clock.Clock
	Capacity int
	// Workers is the pool size. Zero starts no workers; a negative value
	// selects DefaultWorkers.
	Workers int
}

func (c *Config) setDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Workers < 0 {
		c.Workers = DefaultWorkers
	}
}

// Pool is a bounded FIFO of capture.CapturedFrame drained by a fixed worker
// pool. Enqueue never blocks: a full queue drops the frame and increments
// queue_drops rather than applying backpressure to the capture read loop
// (§4.F point 2).
type Pool struct {
	log     *slog.Logger
	metrics *metrics.Core
	clock   clock.Clock

	frames chan capture.CapturedFrame
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New builds a Pool and starts its worker goroutines. Call Shutdown to stop
// them and wait for in-flight frames to drain.
func New(cfg Config) *Pool {
	cfg.setDefaults()
	p := &Pool{
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		frames:  make(chan capture.CapturedFrame, cfg.Capacity),
		done:    make(chan struct{}),
	}
	p.metrics.UpdateQueueDepthMax(0)
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue offers f to the queue without blocking. pkts_captured/bytes_captured
// are counted here, at the single producer's hand-off point, before the
// full/not-full branch — so captured_drops + queue_drops ≤ captured holds at
// every snapshot regardless of how enqueue and capture interleave. If the
// queue is full, f is dropped and queue_drops is incremented; the capture
// read loop is never stalled by a backed-up worker pool.
func (p *Pool) Enqueue(f capture.CapturedFrame) {
	p.metrics.IncCaptured(len(f.Data))
	select {
	case p.frames <- f:
		p.metrics.UpdateQueueDepthMax(uint32(len(p.frames)))
	default:
		p.metrics.IncQueueDrops()
	}
}

// Shutdown stops accepting new work is not needed (Enqueue is caller-driven);
// Shutdown instead signals every worker to exit once the queue has drained
// and blocks until they do. It is idempotent.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

// worker dequeues frames until the queue is drained and done has fired, so a
// shutdown does not discard frames still sitting in the channel buffer.
func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case f := <-p.frames:
			p.process(f)
		case <-p.done:
			for {
				select {
				case f := <-p.frames:
					p.process(f)
				default:
					return
				}
			}
		}
	}
}

// process implements the §4.F worker body: dequeue → decode → (if active)
// record ethertype, record L4, observe latency, then inc_processed, in that
// exact order within this worker. Parse/record failures increment
// parse_errors and return without aborting the worker.
func (p *Pool) process(f capture.CapturedFrame) {
	if f.Truncated {
		p.metrics.IncCaptureDrops()
	}

	frame, err := decode.Decode(f.Data)
	if err != nil {
		p.metrics.IncParseErrors()
		if p.log != nil {
			p.log.Debug("queue: discarding unparseable frame", "err", err, "len", len(f.Data))
		}
		return
	}

	if !p.metrics.IsActive() {
		return
	}

	p.metrics.RecordEthertype(uint16(frame.Ethertype))
	if frame.IPv4Valid {
		if !frame.ChecksumOK {
			p.metrics.IncChecksumFailures()
		}
		p.metrics.RecordProtocol(uint8(frame.L4Proto))
	} else if frame.IPv6Valid {
		p.metrics.RecordProtocol(uint8(frame.L4Proto))
	}

	p.metrics.ObserveLatency(p.clock.NowNS() - f.ArrivalNS)
	p.metrics.IncProcessed(len(f.Data))
}
