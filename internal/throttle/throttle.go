// Package throttle gates high-frequency real-time metric types so that at
// most one sample per type is forwarded per window.
package throttle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/szibis/vitals-sync/internal/sample"
)

// DefaultWindow is the minimum interval between accepted samples of a
// throttled type.
const DefaultWindow = time.Second

var throttledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "vitals_sync_throttled_samples_total",
	Help: "Total number of real-time samples dropped by the rate throttle",
}, []string{"type"})

func init() {
	prometheus.MustRegister(throttledTotal)
}

// Config configures a Throttle.
type Config struct {
	Types  []sample.MetricType
	Window time.Duration
}

// DefaultConfig throttles heart rate to one sample per second.
func DefaultConfig() Config {
	return Config{Types: []sample.MetricType{sample.HeartRate}, Window: DefaultWindow}
}

// Throttle is a per-type gate. Each throttled type owns a limiter with a
// single token refilled once per window, so a sample at now is accepted
// iff now - lastAccepted >= window. State is in memory only.
type Throttle struct {
	window   time.Duration
	limiters map[sample.MetricType]*rate.Limiter
}

// New creates a throttle. A non-positive window disables throttling.
func New(cfg Config) *Throttle {
	t := &Throttle{
		window:   cfg.Window,
		limiters: make(map[sample.MetricType]*rate.Limiter, len(cfg.Types)),
	}
	if cfg.Window <= 0 {
		return t
	}
	for _, typ := range cfg.Types {
		t.limiters[typ] = rate.NewLimiter(rate.Every(cfg.Window), 1)
	}
	return t
}

// Accept reports whether a sample of type typ observed at now may be
// forwarded. Rejections do not move the window.
func (t *Throttle) Accept(typ sample.MetricType, now time.Time) bool {
	lim, ok := t.limiters[typ]
	if !ok {
		return true
	}
	if lim.AllowN(now, 1) {
		return true
	}
	throttledTotal.WithLabelValues(string(typ)).Inc()
	return false
}

// Throttled reports whether typ is rate limited.
func (t *Throttle) Throttled(typ sample.MetricType) bool {
	_, ok := t.limiters[typ]
	return ok
}

// Window returns the configured window.
func (t *Throttle) Window() time.Duration {
	return t.window
}
