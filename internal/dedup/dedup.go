// Package dedup suppresses re-delivered samples.
//
// Sensor frameworks can hand the same reading to the engine more than once
// (query replays, observer restarts). A Filter remembers the keys seen in
// the last one to two windows using a rotating pair of bloom filters, so
// memory stays fixed no matter how long the process runs. A HyperLogLog
// sketch estimates how many distinct samples were seen overall.
package dedup

import (
	"sync"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	duplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vitals_sync_duplicate_samples_total",
		Help: "Total number of samples dropped as exact repeats",
	})

	distinctEstimate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vitals_sync_distinct_samples_estimate",
		Help: "Estimated number of distinct samples seen since start",
	})

	rotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vitals_sync_dedup_rotations_total",
		Help: "Total number of duplicate filter rotations",
	})
)

func init() {
	prometheus.MustRegister(duplicatesTotal)
	prometheus.MustRegister(distinctEstimate)
	prometheus.MustRegister(rotationsTotal)
}

// Config holds the duplicate filter configuration.
type Config struct {
	// Enabled turns suppression on. A disabled filter reports nothing as seen.
	Enabled bool
	// Window is how long a key is remembered at minimum. Keys are forgotten
	// after at most two windows.
	Window time.Duration
	// ExpectedItems sizes each bloom filter.
	ExpectedItems uint
	// FalsePositiveRate is the target false positive rate per filter.
	FalsePositiveRate float64
}

// DefaultConfig returns a disabled filter sized for a day of 1 Hz samples.
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		Window:            10 * time.Minute,
		ExpectedItems:     100000,
		FalsePositiveRate: 0.001,
	}
}

// Filter is safe for concurrent use.
type Filter struct {
	cfg Config

	mu        sync.Mutex
	current   *bloom.BloomFilter
	previous  *bloom.BloomFilter
	rotatedAt time.Time
	sketch    *hyperloglog.Sketch
}

// New creates a filter. Zero sizing values fall back to DefaultConfig.
func New(cfg Config) *Filter {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = def.ExpectedItems
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = def.FalsePositiveRate
	}
	return &Filter{
		cfg:      cfg,
		current:  bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
		previous: bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
		sketch:   hyperloglog.New(),
	}
}

// Enabled reports whether the filter suppresses anything.
func (f *Filter) Enabled() bool {
	return f != nil && f.cfg.Enabled
}

// Seen records key and reports whether it was already recorded within the
// retention window. A false positive drops a new sample with probability
// FalsePositiveRate.
func (f *Filter) Seen(key []byte, now time.Time) bool {
	if !f.Enabled() {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.rotateLocked(now)
	if f.current.Test(key) || f.previous.Test(key) {
		duplicatesTotal.Inc()
		return true
	}
	f.current.Add(key)
	f.sketch.Insert(key)
	distinctEstimate.Set(float64(f.sketch.Estimate()))
	return false
}

// Distinct returns the estimated number of distinct keys seen.
func (f *Filter) Distinct() uint64 {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sketch.Estimate()
}

// rotateLocked moves current to previous once per window. After two idle
// windows both filters are cleared.
func (f *Filter) rotateLocked(now time.Time) {
	if f.rotatedAt.IsZero() {
		f.rotatedAt = now
		return
	}
	elapsed := now.Sub(f.rotatedAt)
	if elapsed < f.cfg.Window {
		return
	}
	if elapsed >= 2*f.cfg.Window {
		f.previous.ClearAll()
	} else {
		f.previous, f.current = f.current, f.previous
	}
	f.current.ClearAll()
	f.rotatedAt = now
	rotationsTotal.Inc()
}
