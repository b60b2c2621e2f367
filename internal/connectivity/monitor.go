// Package connectivity tracks whether the destination is reachable and
// reports transitions exactly once.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/vitals-sync/internal/logging"
)

var (
	reachableGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vitals_sync_destination_reachable",
		Help: "Whether the destination is currently considered reachable (1) or not (0)",
	})

	probesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_connectivity_probes_total",
		Help: "Total number of reachability probes by result",
	}, []string{"result"})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_connectivity_transitions_total",
		Help: "Total number of reachability transitions by new state",
	}, []string{"to"})
)

func init() {
	prometheus.MustRegister(reachableGauge)
	prometheus.MustRegister(probesTotal)
	prometheus.MustRegister(transitionsTotal)
}

// Prober checks reachability. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Config configures a Monitor.
type Config struct {
	// Interval between probes.
	Interval time.Duration
	// Timeout bounds each probe; an expired probe counts as unreachable
	// for that cycle and is not retried.
	Timeout time.Duration
}

// DefaultConfig probes every 30s with a 5s timeout.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, Timeout: 5 * time.Second}
}

// Monitor holds the reachability flag. It starts unreachable so the first
// successful probe counts as a transition.
type Monitor struct {
	cfg    Config
	prober Prober

	reachable atomic.Bool

	mu            sync.RWMutex
	onReachable   []func()
	onUnreachable []func(reason string)
	lastProbe     time.Time
	lastError     string

	probeNow chan struct{}
}

// New creates a monitor. prober may be nil when reachability is only
// reported through MarkReachable and MarkUnreachable.
func New(cfg Config, prober Prober) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	reachableGauge.Set(0)
	return &Monitor{
		cfg:      cfg,
		prober:   prober,
		probeNow: make(chan struct{}, 1),
	}
}

// OnReachable registers fn to run on every false to true transition.
// Callbacks run synchronously on the goroutine that observed the
// transition.
func (m *Monitor) OnReachable(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReachable = append(m.onReachable, fn)
}

// OnUnreachable registers fn to run on every true to false transition.
func (m *Monitor) OnUnreachable(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnreachable = append(m.onUnreachable, fn)
}

// Reachable reports the current flag.
func (m *Monitor) Reachable() bool {
	return m.reachable.Load()
}

// MarkReachable records a successful exchange with the destination.
func (m *Monitor) MarkReachable() {
	if !m.reachable.CompareAndSwap(false, true) {
		return
	}
	reachableGauge.Set(1)
	transitionsTotal.WithLabelValues("reachable").Inc()
	logging.Info("destination reachable")

	m.mu.RLock()
	callbacks := append([]func(){}, m.onReachable...)
	m.mu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
}

// MarkUnreachable records that the destination could not be reached.
func (m *Monitor) MarkUnreachable(reason string) {
	if !m.reachable.CompareAndSwap(true, false) {
		return
	}
	reachableGauge.Set(0)
	transitionsTotal.WithLabelValues("unreachable").Inc()
	logging.Warn("destination unreachable", logging.F("reason", reason))

	m.mu.RLock()
	callbacks := append([]func(string){}, m.onUnreachable...)
	m.mu.RUnlock()
	for _, fn := range callbacks {
		fn(reason)
	}
}

// ProbeNow asks Run to probe without waiting for the next tick.
func (m *Monitor) ProbeNow() {
	select {
	case m.probeNow <- struct{}{}:
	default:
	}
}

// Check runs one bounded probe and updates the flag.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.prober == nil {
		return m.Reachable()
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	err := m.prober.Probe(ctx)
	cancel()

	m.mu.Lock()
	m.lastProbe = time.Now()
	if err != nil {
		m.lastError = err.Error()
	} else {
		m.lastError = ""
	}
	m.mu.Unlock()

	if err != nil {
		probesTotal.WithLabelValues("unreachable").Inc()
		logging.Debug("reachability probe failed", logging.F("error", err.Error()))
		m.MarkUnreachable(err.Error())
		return false
	}
	probesTotal.WithLabelValues("reachable").Inc()
	m.MarkReachable()
	return true
}

// LastProbe returns when the last probe finished and its error, if any.
func (m *Monitor) LastProbe() (time.Time, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastProbe, m.lastError
}

// Run probes immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		case <-m.probeNow:
			m.Check(ctx)
		}
	}
}
