package judge_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/linkbench/internal/baseline"
	"github.com/malbeclabs/linkbench/internal/judge"
)

func baseOf(pps, mbps float64, p95 uint64) baseline.Record {
	r := baseline.Record{}
	r.Packets.RatePPS = pps
	r.Bytes.RateMbps = mbps
	r.LatencyNS.P95 = p95
	r.Packets.Captured = 1000
	r.Packets.Processed = 1000
	r.Metadata = baseline.Metadata{Filter: "icmp", Threads: 4}
	return r
}

func runsOf(pps ...float64) []judge.RunMetrics {
	rs := make([]judge.RunMetrics, len(pps))
	for i, p := range pps {
		rs[i] = judge.RunMetrics{PPS: p, Mbps: 0.5, P95NS: 200000, DropRate: 0}
	}
	return rs
}

func TestEvaluate_S1_CleanPass(t *testing.T) {
	base := baseOf(100, 0.5, 200000)
	runs := runsOf(99, 101, 100, 98, 102)
	rep := judge.Evaluate(nil, base, base.Metadata, runs, 0.10)
	require.Equal(t, judge.Pass, rep.Outcome)
}

func TestEvaluate_S2_NoisyNonRegression(t *testing.T) {
	base := baseOf(100, 0.5, 200000)
	runs := runsOf(50, 100, 101, 100, 102)
	rep := judge.Evaluate(nil, base, base.Metadata, runs, 0.10)
	require.Equal(t, judge.Pass, rep.Outcome)
}

func TestEvaluate_S3_PersistentRegression(t *testing.T) {
	base := baseOf(100, 0.5, 200000)
	runs := runsOf(70, 72, 75, 100, 101)
	rep := judge.Evaluate(nil, base, base.Metadata, runs, 0.10)
	require.Equal(t, judge.Regression, rep.Outcome)
}

func TestEvaluate_S5_MetadataMismatchSkipsMetrics(t *testing.T) {
	base := baseOf(100, 0.5, 200000)
	base.Metadata.TrafficRate = 50
	current := base.Metadata
	current.TrafficRate = 100

	rep := judge.Evaluate(nil, base, current, runsOf(100, 100, 100), 0.10)
	require.False(t, rep.MetadataOK)
	require.Equal(t, judge.Regression, rep.Outcome)
	require.Nil(t, rep.MetricVerdicts)
	require.Len(t, rep.FatalMismatches, 1)
	require.Equal(t, judge.FieldTrafficRate, rep.FatalMismatches[0].Field)
}

func TestEvaluate_WarnOnlyMismatchDoesNotBlockMetrics(t *testing.T) {
	base := baseOf(100, 0.5, 200000)
	current := base.Metadata
	current.Interface = "eth1"

	rep := judge.Evaluate(nil, base, current, runsOf(100, 100, 100), 0.10)
	require.True(t, rep.MetadataOK)
	require.Len(t, rep.WarnMismatches, 1)
	require.NotNil(t, rep.MetricVerdicts)
}

func TestEvaluate_NoBaselineMetadataPassesWithWarning(t *testing.T) {
	base := baseOf(100, 0.5, 200000)
	base.Metadata = baseline.Metadata{}

	rep := judge.Evaluate(nil, base, baseline.Metadata{Filter: "icmp"}, runsOf(100, 100), 0.10)
	require.True(t, rep.MetadataOK)
	require.NotNil(t, rep.MetricVerdicts)
}

func TestEvaluate_LatencyRegressionDirection(t *testing.T) {
	base := baseOf(100, 0.5, 200000)
	runs := []judge.RunMetrics{
		{PPS: 100, Mbps: 0.5, P95NS: 400000, DropRate: 0},
		{PPS: 100, Mbps: 0.5, P95NS: 400000, DropRate: 0},
		{PPS: 100, Mbps: 0.5, P95NS: 400000, DropRate: 0},
	}
	rep := judge.Evaluate(nil, base, base.Metadata, runs, 0.10)
	require.Equal(t, judge.Regression, rep.Outcome)
	for _, v := range rep.MetricVerdicts {
		if v.Metric == judge.MetricLatency {
			require.True(t, v.Persistent)
		}
	}
}

func TestEvaluate_DropRateUsesThresholdWhenBaselineZero(t *testing.T) {
	base := baseOf(100, 0.5, 200000)
	base.Packets.Captured = 100
	base.Packets.Processed = 100 // baseline drop rate = 0

	runs := []judge.RunMetrics{
		{PPS: 100, Mbps: 0.5, P95NS: 200000, DropRate: 0.20},
		{PPS: 100, Mbps: 0.5, P95NS: 200000, DropRate: 0.20},
		{PPS: 100, Mbps: 0.5, P95NS: 200000, DropRate: 0.20},
	}
	rep := judge.Evaluate(nil, base, base.Metadata, runs, 0.10)
	require.Equal(t, judge.Regression, rep.Outcome)
}
