// Package controller implements the §4.G Measurement Controller: it
// sequences the warmup/measure phase machine across N runs, resets the
// metrics core at each run and at the warmup->measure edge, drives the
// capture engine and worker pool, and manages the traffic-generator
// lifecycle.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/malbeclabs/linkbench/internal/aggregate"
	"github.com/malbeclabs/linkbench/internal/capture"
	"github.com/malbeclabs/linkbench/internal/clock"
	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/queue"
	"github.com/malbeclabs/linkbench/internal/trafficgen"
)

// drainSleep is the post-measurement settle time before deriving a run's
// result (§4.G: "sleep 500 ms // drain").
const drainSleep = 500 * time.Millisecond

// phase names the measurement state machine's states (§3).
type phase int

const (
	phaseIdle phase = iota
	phaseWarmup
	phaseMeasure
)

// Config configures a Controller for the whole invocation (all runs).
type Config struct {
	Logger *slog.Logger
	Clock  clock.Clock

	Engine  capture.Engine
	Metrics *metrics.Core

	Runs        int
	WarmupSec   int
	DurationSec int
	Workers     int
	QueueDepth  int

	// TrafficCommand, if non-empty, is started at warmup begin and stopped
	// after measurement end each run (§4.G).
	TrafficCommand string
	TrafficArgs    []string

	// OnRunComplete, if set, is called after each run's result is derived,
	// before the next run's MetricsCore.init(). Used for per-run logging
	// and live Prometheus export (ambient, additive).
	OnRunComplete func(run int, snap metrics.Snapshot)
}

// Controller runs the full N-run measurement sequence described in §4.G.
type Controller struct {
	cfg Config

	stop atomic.Bool
}

// New builds a Controller. cfg.Engine and cfg.Metrics must already be
// constructed by the caller (capture.New, metrics.New).
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Stop sets the shared stop flag; the current run exits cleanly at its next
// loop iteration (§4.G, §5 "Cancellation / timeouts"). Safe to call from a
// signal handler goroutine.
func (c *Controller) Stop() {
	c.stop.Store(true)
}

// Run executes cfg.Runs measurement runs in sequence and returns one
// aggregate.RunResult per run, in order. ctx cancellation is honored at the
// same granularity as Stop.
func (c *Controller) Run(ctx context.Context) ([]aggregate.RunResult, error) {
	results := make([]aggregate.RunResult, 0, c.cfg.Runs)
	for r := 1; r <= c.cfg.Runs; r++ {
		if c.stop.Load() || ctx.Err() != nil {
			break
		}
		result, err := c.runOnce(ctx, r)
		if err != nil {
			return results, fmt.Errorf("controller: run %d: %w", r, err)
		}
		results = append(results, result)
	}
	return results, nil
}

func (c *Controller) runOnce(ctx context.Context, run int) (aggregate.RunResult, error) {
	m := c.cfg.Metrics
	m.Init()

	tg := trafficgen.Start(ctx, trafficgen.Config{
		Logger:  c.cfg.Logger,
		Command: c.cfg.TrafficCommand,
		Args:    c.cfg.TrafficArgs,
	})

	q := queue.New(queue.Config{
		Logger:   c.cfg.Logger,
		Metrics:  m,
		Clock:    c.cfg.Clock,
		Capacity: c.cfg.QueueDepth,
		Workers:  c.cfg.Workers,
	})

	phaseStart := c.cfg.Clock.NowNS()
	warmupEndNS := phaseStart + int64(c.cfg.WarmupSec)*time.Second.Nanoseconds()
	var measureEndNS int64 // 0 means unlimited
	if c.cfg.DurationSec > 0 {
		measureEndNS = warmupEndNS + int64(c.cfg.DurationSec)*time.Second.Nanoseconds()
	}

	cur := phaseIdle
	if c.cfg.WarmupSec > 0 {
		cur = phaseWarmup
	} else {
		m.Start(c.cfg.Clock.NowNS())
		cur = phaseMeasure
	}

	var loopErr error
runLoop:
	for {
		if c.stop.Load() || ctx.Err() != nil {
			break
		}

		now := c.cfg.Clock.NowNS()
		if cur == phaseWarmup && now >= warmupEndNS {
			m.Init()
			m.Start(now)
			cur = phaseMeasure
		}
		if cur == phaseMeasure && measureEndNS > 0 && now >= measureEndNS {
			break runLoop
		}

		// Drain blocks internally (poll timeout / blocking device read)
		// when no packet is available, so the loop naturally paces itself
		// without an extra sleep on the "no packet" path (§4.E point 1).
		if err := c.cfg.Engine.Drain(func(f capture.CapturedFrame) {
			q.Enqueue(f)
		}); err != nil {
			loopErr = err
			break runLoop
		}
	}

	m.StopCapture(c.cfg.Clock.NowNS())
	tgOutcome := tg.Stop()
	if c.cfg.Logger != nil && tgOutcome == trafficgen.OutcomeNonZeroExit {
		c.cfg.Logger.Warn("controller: traffic generator exited non-zero", "run", run)
	}

	time.Sleep(drainSleep)
	q.Shutdown()

	if loopErr != nil {
		return aggregate.RunResult{}, loopErr
	}

	snap := m.Snapshot(c.cfg.Clock.NowNS())
	result := deriveRunResult(snap)
	if c.cfg.OnRunComplete != nil {
		c.cfg.OnRunComplete(run, snap)
	}
	return result, nil
}

// deriveRunResult maps a metrics snapshot into the per-run comparable
// values the Aggregator and Judge consume (§3 RunResult).
func deriveRunResult(snap metrics.Snapshot) aggregate.RunResult {
	return aggregate.RunResult{
		PPS:        ratePPS(snap),
		Mbps:       rateMbps(snap),
		P95NS:      snap.LatencyP95NS,
		Captured:   snap.PktsCaptured,
		Processed:  snap.PktsProcessed,
		ElapsedSec: snap.CaptureElapsedSec,
	}
}

func ratePPS(snap metrics.Snapshot) float64 {
	if snap.CaptureElapsedSec <= 0 {
		return 0
	}
	return float64(snap.PktsProcessed) / snap.CaptureElapsedSec
}

func rateMbps(snap metrics.Snapshot) float64 {
	if snap.CaptureElapsedSec <= 0 {
		return 0
	}
	return float64(snap.BytesProcessed) * 8 / 1e6 / snap.CaptureElapsedSec
}
