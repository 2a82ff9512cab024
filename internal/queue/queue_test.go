package queue_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/linkbench/internal/capture"
	"github.com/malbeclabs/linkbench/internal/clock"
	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/queue"
)

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

func waitForProcessed(t *testing.T, m *metrics.Core, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot(1).PktsProcessed >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d processed frames", want)
}

func TestPool_CountsCapturedRegardlessOfActive(t *testing.T) {
	m := metrics.New()
	m.Init()
	c := clock.NewFromClockwork(clockwork.NewFakeClock())
	p := queue.New(queue.Config{Metrics: m, Clock: c, Capacity: 4, Workers: 1})
	defer p.Shutdown()

	p.Enqueue(capture.CapturedFrame{Data: ethernetFrame(0x0806)})
	p.Shutdown()

	snap := m.Snapshot(1)
	require.EqualValues(t, 1, snap.PktsCaptured)
	require.EqualValues(t, 0, snap.PktsProcessed, "worker must not count processed outside an active run")
}

func TestPool_ProcessesAndClassifiesWhenActive(t *testing.T) {
	m := metrics.New()
	m.Init()
	m.Start(1)
	c := clock.NewFromClockwork(clockwork.NewFakeClock())
	p := queue.New(queue.Config{Metrics: m, Clock: c, Capacity: 4, Workers: 2})

	for i := 0; i < 5; i++ {
		p.Enqueue(capture.CapturedFrame{Data: ethernetFrame(0x0800), ArrivalNS: 1})
	}
	p.Shutdown()

	snap := m.Snapshot(2)
	require.EqualValues(t, 5, snap.PktsCaptured)
	require.EqualValues(t, 5, snap.PktsProcessed)
	require.EqualValues(t, 5, snap.EtherIPv4)
}

func TestPool_EnqueueDropsWhenFull(t *testing.T) {
	m := metrics.New()
	m.Init()
	c := clock.NewFromClockwork(clockwork.NewFakeClock())
	// Zero workers: nothing drains the channel, so the second enqueue must
	// overflow the capacity-1 buffer and count as a queue drop.
	p := queue.New(queue.Config{Metrics: m, Clock: c, Capacity: 1, Workers: 0})

	p.Enqueue(capture.CapturedFrame{Data: ethernetFrame(0x0800)})
	p.Enqueue(capture.CapturedFrame{Data: ethernetFrame(0x0800)})
	p.Shutdown()

	snap := m.Snapshot(1)
	require.EqualValues(t, 2, snap.PktsCaptured)
	require.EqualValues(t, 1, snap.QueueDrops)
}

func TestPool_ParseErrorDoesNotAbortWorker(t *testing.T) {
	m := metrics.New()
	m.Init()
	m.Start(1)
	c := clock.NewFromClockwork(clockwork.NewFakeClock())
	p := queue.New(queue.Config{Metrics: m, Clock: c, Capacity: 4, Workers: 1})

	p.Enqueue(capture.CapturedFrame{Data: make([]byte, 4)}) // too short to be Ethernet
	p.Enqueue(capture.CapturedFrame{Data: ethernetFrame(0x0800), ArrivalNS: 1})
	p.Shutdown()

	snap := m.Snapshot(2)
	require.EqualValues(t, 1, snap.ParseErrors)
	require.EqualValues(t, 1, snap.PktsProcessed)
}

func TestPool_TruncatedFrameCountsCaptureDrop(t *testing.T) {
	m := metrics.New()
	m.Init()
	c := clock.NewFromClockwork(clockwork.NewFakeClock())
	p := queue.New(queue.Config{Metrics: m, Clock: c, Capacity: 4, Workers: 1})

	p.Enqueue(capture.CapturedFrame{Data: ethernetFrame(0x0800), Truncated: true})
	p.Shutdown()

	snap := m.Snapshot(1)
	require.EqualValues(t, 1, snap.CaptureDrops)
}

func TestPool_ShutdownIsIdempotent(t *testing.T) {
	m := metrics.New()
	m.Init()
	c := clock.NewFromClockwork(clockwork.NewFakeClock())
	p := queue.New(queue.Config{Metrics: m, Clock: c, Capacity: 4, Workers: 2})
	p.Shutdown()
	require.NotPanics(t, p.Shutdown)
}
