package engine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/szibis/vitals-sync/internal/sample"
)

// histogramCount returns the sample count of an unlabelled histogram in
// the default registry.
func histogramCount(t *testing.T, name string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name || mf.GetType() != dto.MetricType_HISTOGRAM {
			continue
		}
		for _, m := range mf.GetMetric() {
			return m.GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestDrainMetrics(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	durations := histogramCount(t, "vitals_sync_drain_duration_seconds")
	completed := testutil.ToFloat64(drainsTotal.WithLabelValues("completed"))
	delivered := testutil.ToFloat64(drainItemsTotal.WithLabelValues("delivered"))

	if err := h.eng.Submit(ctx, reading(sample.HRV, 40, h.clock.Now())); err != nil {
		t.Fatal(err)
	}
	h.mon.MarkReachable()

	// The duration is observed last, after the completion counter.
	eventually(t, "drain duration observed", func() bool {
		return histogramCount(t, "vitals_sync_drain_duration_seconds") > durations
	})
	if got := testutil.ToFloat64(drainsTotal.WithLabelValues("completed")); got <= completed {
		t.Errorf("completed drains = %v, want > %v", got, completed)
	}
	if got := testutil.ToFloat64(drainItemsTotal.WithLabelValues("delivered")) - delivered; got != 1 {
		t.Errorf("delivered items = %v, want 1", got)
	}
}
