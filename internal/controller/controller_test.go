package controller_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/linkbench/internal/capture"
	"github.com/malbeclabs/linkbench/internal/clock"
	"github.com/malbeclabs/linkbench/internal/controller"
	"github.com/malbeclabs/linkbench/internal/metrics"
)

// fakeEngine emits one frame per Drain call up to a fixed count, then
// behaves like a quiet interface (no-op "no packet" returns).
type fakeEngine struct {
	clock    clock.Clock
	remaining atomic.Int64
	frame    []byte
}

func newFakeEngine(c clock.Clock, frames int, frame []byte) *fakeEngine {
	e := &fakeEngine{clock: c, frame: frame}
	e.remaining.Store(int64(frames))
	return e
}

func (e *fakeEngine) Drain(emit func(capture.CapturedFrame)) error {
	if e.remaining.Add(-1) >= 0 {
		emit(capture.CapturedFrame{ArrivalNS: e.clock.NowNS(), Data: e.frame})
	}
	return nil
}

func (e *fakeEngine) Close() error { return nil }

func ethernetFrame(ethertype uint16) []byte {
	h := make([]byte, 14)
	h[12] = byte(ethertype >> 8)
	h[13] = byte(ethertype)
	if ethertype == 0x0800 {
		// Minimal IPv4 header (version 4, IHL 5) so the frame decodes
		// instead of counting as truncated.
		ip := make([]byte, 20)
		ip[0] = 0x45
		h = append(h, ip...)
	}
	return h
}

func TestController_SkipsWarmupWhenZero(t *testing.T) {
	c := clock.New()
	m := metrics.New()
	eng := newFakeEngine(c, 50, ethernetFrame(0x0800))

	var mu sync.Mutex
	var snaps []metrics.Snapshot
	ctrl := controller.New(controller.Config{
		Clock:       c,
		Engine:      eng,
		Metrics:     m,
		Runs:        1,
		WarmupSec:   0,
		DurationSec: 0, // unlimited; test stops it explicitly
		Workers:     2,
		QueueDepth:  16,
		OnRunComplete: func(run int, snap metrics.Snapshot) {
			mu.Lock()
			snaps = append(snaps, snap)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		ctrl.Stop()
		cancel()
	}()

	results, err := ctrl.Run(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snaps, 1)
	require.Greater(t, snaps[0].PktsProcessed, uint64(0), "warmup_sec=0 must start measuring immediately")
}

func TestController_StopMidSequenceReturnsAtMostRunsResults(t *testing.T) {
	c := clock.New()
	m := metrics.New()
	eng := newFakeEngine(c, 200, ethernetFrame(0x0800))

	ctrl := controller.New(controller.Config{
		Clock:       c,
		Engine:      eng,
		Metrics:     m,
		Runs:        3,
		WarmupSec:   0,
		DurationSec: 0,
		Workers:     2,
		QueueDepth:  16,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		ctrl.Stop()
		cancel()
	}()

	results, err := ctrl.Run(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, len(results), 3)
}

func TestController_StopEndsRunPromptly(t *testing.T) {
	c := clock.NewFromClockwork(clockwork.NewFakeClock())
	m := metrics.New()
	eng := newFakeEngine(c, 0, ethernetFrame(0x0800))

	ctrl := controller.New(controller.Config{
		Clock:       c,
		Engine:      eng,
		Metrics:     m,
		Runs:        1,
		WarmupSec:   0,
		DurationSec: 0,
		Workers:     1,
		QueueDepth:  4,
	})

	ctrl.Stop()
	start := time.Now()
	_, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
}
