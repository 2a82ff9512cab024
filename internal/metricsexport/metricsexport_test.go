package metricsexport_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/metricsexport"
)

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			require.NotEmpty(t, f.Metric)
			return metricValue(f.Metric[0])
		}
	}
	t.Fatalf("metric %q not found", name)
	return 0
}

func metricValue(m *dto.Metric) float64 {
	return m.GetGauge().GetValue()
}

func TestCollector_UpdatePublishesSnapshotValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metricsexport.New(reg)

	snap := metrics.Snapshot{
		PktsCaptured:  10,
		PktsProcessed: 8,
		QueueDrops:    1,
		EtherIPv4:     5,
		ProtoTCP:      3,
	}
	c.Update(snap)

	require.Equal(t, 10.0, gaugeValue(t, reg, "linkbench_packets_captured_total"))
	require.Equal(t, 8.0, gaugeValue(t, reg, "linkbench_packets_processed_total"))
	require.Equal(t, 1.0, gaugeValue(t, reg, "linkbench_queue_drops_total"))
}

func TestCollector_IsolatedRegistryAllowsMultipleInstances(t *testing.T) {
	a := metricsexport.New(prometheus.NewRegistry())
	b := metricsexport.New(prometheus.NewRegistry())
	require.NotPanics(t, func() {
		a.Update(metrics.Snapshot{})
		b.Update(metrics.Snapshot{})
	})
}
