package throttle

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/szibis/vitals-sync/internal/sample"
)

func TestAcceptWindow(t *testing.T) {
	th := New(DefaultConfig())
	t0 := time.Unix(1700000000, 0)

	tests := []struct {
		offset time.Duration
		want   bool
	}{
		{0, true},
		{200 * time.Millisecond, false},
		{999 * time.Millisecond, false},
		{time.Second, true},
		{1500 * time.Millisecond, false},
		{2 * time.Second, true},
		{5 * time.Second, true},
	}
	for _, tt := range tests {
		if got := th.Accept(sample.HeartRate, t0.Add(tt.offset)); got != tt.want {
			t.Errorf("Accept at +%v = %v, want %v", tt.offset, got, tt.want)
		}
	}
}

func TestAtMostOnePerWindow(t *testing.T) {
	th := New(DefaultConfig())
	t0 := time.Unix(1700000000, 0)

	// 50 samples every 20ms span exactly one second; only the first passes.
	accepted := 0
	for i := 0; i < 50; i++ {
		if th.Accept(sample.HeartRate, t0.Add(time.Duration(i)*20*time.Millisecond)) {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("expected 1 accepted sample in window, got %d", accepted)
	}
}

func TestNonThrottledTypesAlwaysPass(t *testing.T) {
	th := New(DefaultConfig())
	now := time.Now()
	for i := 0; i < 10; i++ {
		for _, typ := range []sample.MetricType{sample.HRV, sample.RespiratoryRate, sample.BloodOxygen} {
			if !th.Accept(typ, now) {
				t.Fatalf("%s should never be throttled", typ)
			}
		}
	}
	if th.Throttled(sample.HRV) {
		t.Error("hrv should not be throttled by default")
	}
	if !th.Throttled(sample.HeartRate) {
		t.Error("heartRate should be throttled by default")
	}
}

func TestTypesAreIndependent(t *testing.T) {
	th := New(Config{Types: []sample.MetricType{sample.HeartRate, sample.HRV}, Window: time.Second})
	now := time.Now()
	if !th.Accept(sample.HeartRate, now) || !th.Accept(sample.HRV, now) {
		t.Fatal("first sample of each type should pass")
	}
	if th.Accept(sample.HeartRate, now) || th.Accept(sample.HRV, now) {
		t.Fatal("second sample of each type should be throttled")
	}
}

func TestDisabledWindow(t *testing.T) {
	th := New(Config{Types: []sample.MetricType{sample.HeartRate}, Window: 0})
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !th.Accept(sample.HeartRate, now) {
			t.Fatal("zero window should disable throttling")
		}
	}
}

func TestThrottledMetric(t *testing.T) {
	th := New(DefaultConfig())
	before := testutil.ToFloat64(throttledTotal.WithLabelValues("heartRate"))
	now := time.Now()
	th.Accept(sample.HeartRate, now)
	th.Accept(sample.HeartRate, now)
	th.Accept(sample.HeartRate, now)
	if got := testutil.ToFloat64(throttledTotal.WithLabelValues("heartRate")) - before; got != 2 {
		t.Errorf("expected 2 throttled samples counted, got %v", got)
	}
}
