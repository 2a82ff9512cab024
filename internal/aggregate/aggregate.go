// Package aggregate implements the §4.H Aggregator: it reduces one
// RunResult per measurement run into a single median-based Aggregate,
// gated by a minimum total-packets threshold.
package aggregate

import "sort"

// RunResult is one run's derived measurement (§3), produced by the
// controller from a MetricsCore snapshot and discarded after aggregation.
type RunResult struct {
	PPS        float64
	Mbps       float64
	P95NS      uint64
	Captured   uint64
	Processed  uint64
	ElapsedSec float64
}

// DropRate is the fraction of captured packets that never reached
// processing, the per-run value the Judge compares against a baseline's
// drop rate (§4.I).
func (r RunResult) DropRate() float64 {
	if r.Captured == 0 {
		return 0
	}
	dropped := r.Captured - r.Processed
	return float64(dropped) / float64(r.Captured)
}

// Aggregate is the median-reduced result across all runs.
type Aggregate struct {
	PPS           float64
	Mbps          float64
	P95NS         float64
	TotalProcessed uint64
	Runs          int
	Insufficient  bool
}

// Compute reduces results by independent median of pps/mbps/p95_ns (§4.H).
// When the summed processed count across all runs is below minPackets, the
// returned Aggregate has Insufficient set and the medians are still
// populated for diagnostic reporting, but callers must not use them for a
// regression comparison (§6 exit code 3).
func Compute(results []RunResult, minPackets uint64) Aggregate {
	var total uint64
	pps := make([]float64, len(results))
	mbps := make([]float64, len(results))
	p95 := make([]float64, len(results))
	for i, r := range results {
		total += r.Processed
		pps[i] = r.PPS
		mbps[i] = r.Mbps
		p95[i] = float64(r.P95NS)
	}

	return Aggregate{
		PPS:            medianFloat(pps),
		Mbps:           medianFloat(mbps),
		P95NS:          medianFloat(p95),
		TotalProcessed: total,
		Runs:           len(results),
		Insufficient:   total < minPackets,
	}
}

// medianFloat returns the median of vs: for even length, the mean of the two
// central sorted samples (§4.H, §8 property 5). The input slice is copied
// before sorting so callers' ordering is never disturbed.
func medianFloat(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
