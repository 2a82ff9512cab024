package aggregate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/linkbench/internal/aggregate"
)

func resultsOf(pps ...float64) []aggregate.RunResult {
	rs := make([]aggregate.RunResult, len(pps))
	for i, p := range pps {
		rs[i] = aggregate.RunResult{PPS: p, Processed: 1000}
	}
	return rs
}

func TestCompute_MedianOddCount(t *testing.T) {
	agg := aggregate.Compute(resultsOf(1, 2, 3, 4, 5), 0)
	require.Equal(t, 3.0, agg.PPS)
}

func TestCompute_MedianEvenCount(t *testing.T) {
	agg := aggregate.Compute(resultsOf(1, 2, 3, 4), 0)
	require.Equal(t, 2.5, agg.PPS)
}

func TestCompute_MedianIdenticalValues(t *testing.T) {
	agg := aggregate.Compute(resultsOf(7, 7, 7, 7, 7), 0)
	require.Equal(t, 7.0, agg.PPS)
}

func TestCompute_MedianUnaffectedByInputOrder(t *testing.T) {
	unordered := aggregate.Compute(resultsOf(100, 70, 72, 101, 75), 0)
	ordered := aggregate.Compute(resultsOf(70, 72, 75, 100, 101), 0)
	require.Equal(t, ordered.PPS, unordered.PPS)
}

func TestCompute_TotalProcessedSum(t *testing.T) {
	rs := []aggregate.RunResult{{Processed: 50}, {Processed: 60}, {Processed: 40}}
	agg := aggregate.Compute(rs, 0)
	require.EqualValues(t, 150, agg.TotalProcessed)
}

func TestCompute_InsufficientBelowMinPackets(t *testing.T) {
	rs := []aggregate.RunResult{{Processed: 80}, {Processed: 70}}
	agg := aggregate.Compute(rs, 200)
	require.True(t, agg.Insufficient)
}

func TestCompute_SufficientAtExactlyMinPackets(t *testing.T) {
	rs := []aggregate.RunResult{{Processed: 100}, {Processed: 100}}
	agg := aggregate.Compute(rs, 200)
	require.False(t, agg.Insufficient)
}
