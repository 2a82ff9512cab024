package metrics_test

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/linkbench/internal/metrics"
)

func TestInit_ZeroesEverything(t *testing.T) {
	c := metrics.New()
	c.Start(1000)
	c.IncCaptured(64)
	c.IncProcessed(64)
	c.ObserveLatency(5000)
	c.IncQueueDrops()
	c.UpdateQueueDepthMax(7)

	c.Init()

	s := c.Snapshot(2000)
	require.False(t, c.IsActive())
	require.Zero(t, s.PktsCaptured)
	require.Zero(t, s.PktsProcessed)
	require.Zero(t, s.LatencyCount)
	require.Zero(t, s.QueueDrops)
	require.Zero(t, s.QueueDepthMax)
	for _, v := range s.Histogram {
		require.Zero(t, v)
	}
}

func TestIsActive(t *testing.T) {
	c := metrics.New()
	require.False(t, c.IsActive())
	c.Start(100)
	require.True(t, c.IsActive())
}

func TestBucketBoundaries(t *testing.T) {
	c := metrics.New()
	c.ObserveLatency(999)
	s := c.Snapshot(0)
	require.Equal(t, uint64(1), s.Histogram[0])

	c = metrics.New()
	c.ObserveLatency(1000)
	s = c.Snapshot(0)
	require.Equal(t, uint64(1), s.Histogram[1])

	c = metrics.New()
	c.ObserveLatency(2_000_000_000)
	s = c.Snapshot(0)
	var hitBucket int = -1
	for i, v := range s.Histogram {
		if v == 1 {
			hitBucket = i
		}
	}
	require.GreaterOrEqual(t, hitBucket, 21)
}

func TestHistogramSumEqualsLatencyCount(t *testing.T) {
	c := metrics.New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				c.ObserveLatency(int64(r.Intn(5_000_000_000)))
			}
		}(int64(w))
	}
	wg.Wait()

	s := c.Snapshot(0)
	var sum uint64
	for _, v := range s.Histogram {
		sum += v
	}
	require.Equal(t, s.LatencyCount, sum)
	require.Equal(t, uint64(4000), s.LatencyCount)
}

func TestPercentileOrdering(t *testing.T) {
	c := metrics.New()
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		c.ObserveLatency(int64(r.Intn(10_000_000)))
	}
	s := c.Snapshot(0)
	require.LessOrEqual(t, s.LatencyP50NS, s.LatencyP95NS)
	require.LessOrEqual(t, s.LatencyP95NS, s.LatencyP99NS)
	// Within one bucket of exactness: a percentile is a bucket midpoint, at
	// most 1.5x its bucket's lower edge (500 ns for bucket 0), and max lies at
	// or above the lower edge of a bucket no lower than p99's.
	require.LessOrEqual(t, s.LatencyP99NS, s.LatencyMaxNS*3/2+500)
}

func TestPercentileEmptyHistogramReturnsZero(t *testing.T) {
	c := metrics.New()
	s := c.Snapshot(0)
	require.Zero(t, s.LatencyP50NS)
	require.Zero(t, s.LatencyP95NS)
	require.Zero(t, s.LatencyP99NS)
}

func TestProcessedNeverExceedsCaptured(t *testing.T) {
	c := metrics.New()
	r := rand.New(rand.NewSource(7))
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rr := rand.New(rand.NewSource(seed))
			for i := 0; i < 1000; i++ {
				c.IncCaptured(64)
				if rr.Intn(3) != 0 {
					c.IncProcessed(64)
				} else {
					c.IncQueueDrops()
				}
			}
		}(int64(w) + r.Int63())
	}
	wg.Wait()

	s := c.Snapshot(0)
	require.LessOrEqual(t, s.PktsProcessed, s.PktsCaptured)
	require.LessOrEqual(t, s.BytesProcessed, s.BytesCaptured)
}

func TestEthertypeAndProtocolBuckets(t *testing.T) {
	c := metrics.New()
	c.RecordEthertype(0x0800)
	c.RecordEthertype(0x86DD)
	c.RecordEthertype(0x0806)
	c.RecordEthertype(0x9999)
	s := c.Snapshot(0)
	require.Equal(t, uint64(1), s.EtherIPv4)
	require.Equal(t, uint64(1), s.EtherIPv6)
	require.Equal(t, uint64(1), s.EtherARP)
	require.Equal(t, uint64(1), s.EtherOther)

	c = metrics.New()
	c.RecordProtocol(6)
	c.RecordProtocol(17)
	c.RecordProtocol(1)
	c.RecordProtocol(58)
	c.RecordProtocol(200)
	s = c.Snapshot(0)
	require.Equal(t, uint64(1), s.ProtoTCP)
	require.Equal(t, uint64(1), s.ProtoUDP)
	require.Equal(t, uint64(2), s.ProtoICMP)
	require.Equal(t, uint64(1), s.ProtoOther)
}

func TestQueueDepthMaxCAS(t *testing.T) {
	c := metrics.New()
	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(n uint32) {
			defer wg.Done()
			c.UpdateQueueDepthMax(n)
		}(uint32(i))
	}
	wg.Wait()
	s := c.Snapshot(0)
	require.Equal(t, uint32(100), s.QueueDepthMax)
}

func TestSnapshotElapsed(t *testing.T) {
	c := metrics.New()
	c.Start(1_000_000_000)
	s := c.Snapshot(3_000_000_000)
	require.InDelta(t, 2.0, s.ElapsedSec, 1e-9)
	require.InDelta(t, 2.0, s.CaptureElapsedSec, 1e-9)

	c.StopCapture(2_500_000_000)
	s = c.Snapshot(3_000_000_000)
	require.InDelta(t, 2.0, s.ElapsedSec, 1e-9)
	require.InDelta(t, 1.5, s.CaptureElapsedSec, 1e-9)
}
