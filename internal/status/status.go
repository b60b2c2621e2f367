// Package status derives the observable sync status from engine events.
package status

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the connection state shown to users.
type State string

const (
	StateOffline State = "offline"
	StateActive  State = "active"
	StateError   State = "error"
	// StatePaused is only entered through an explicit Pause command.
	StatePaused State = "paused"
)

var allStates = []State{StateOffline, StateActive, StateError, StatePaused}

var stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "vitals_sync_status_state",
	Help: "Current sync state (1 for the active state label, 0 otherwise)",
}, []string{"state"})

func init() {
	prometheus.MustRegister(stateGauge)
}

// SyncStatus is an immutable snapshot.
type SyncStatus struct {
	State        State          `json:"state"`
	PendingCount int            `json:"pending_count"`
	SyncedTypes  []string       `json:"synced_types"`
	LastSyncedAt *time.Time     `json:"last_synced_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	LastWarning  string         `json:"last_warning,omitempty"`
	Dropped      map[string]int `json:"dropped,omitempty"`
	Version      uint64         `json:"version"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// HasSynced reports whether dataType is in SyncedTypes.
func (s SyncStatus) HasSynced(dataType string) bool {
	_, found := slices.BinarySearch(s.SyncedTypes, dataType)
	return found
}

// Event is one input to the aggregator.
type Event interface {
	event()
}

type (
	Connected    struct{}
	Disconnected struct{ Reason string }
	// WriteSucceeded marks DataType as synced.
	WriteSucceeded struct{ DataType string }
	WriteFailed    struct{ Message string }
	// Pending is the queue length after the mutation.
	ItemQueued   struct{ Pending int }
	ItemDequeued struct{ Pending int }
	ItemDropped  struct {
		Reason  string
		Pending int
		Message string
	}
	Paused  struct{}
	Resumed struct{}
)

func (Connected) event()      {}
func (Disconnected) event()   {}
func (WriteSucceeded) event() {}
func (WriteFailed) event()    {}
func (ItemQueued) event()     {}
func (ItemDequeued) event()   {}
func (ItemDropped) event()    {}
func (Paused) event()         {}
func (Resumed) event()        {}

// Clock allows deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Aggregator folds events into a SyncStatus. Apply must only be called
// from one goroutine; Snapshot and Subscribe are safe from any goroutine.
type Aggregator struct {
	clock Clock

	// owned by the Apply goroutine
	base         State
	paused       bool
	pending      int
	synced       map[string]struct{}
	lastSyncedAt *time.Time
	lastError    string
	lastWarning  string
	dropped      map[string]int
	version      uint64

	current atomic.Pointer[SyncStatus]

	mu     sync.Mutex
	subs   map[uint64]chan SyncStatus
	nextID uint64
}

// New creates an aggregator in the offline state with the given number of
// already pending items.
func New(clock Clock, pending int) *Aggregator {
	if clock == nil {
		clock = realClock{}
	}
	a := &Aggregator{
		clock:   clock,
		base:    StateOffline,
		pending: pending,
		synced:  make(map[string]struct{}),
		dropped: make(map[string]int),
		subs:    make(map[uint64]chan SyncStatus),
	}
	a.publish()
	return a
}

// Apply folds ev into the status and notifies subscribers.
func (a *Aggregator) Apply(ev Event) {
	switch e := ev.(type) {
	case Connected:
		a.base = StateActive
	case Disconnected:
		a.base = StateOffline
	case WriteSucceeded:
		a.base = StateActive
		a.lastError = ""
		if e.DataType != "" {
			a.synced[e.DataType] = struct{}{}
		}
		now := a.clock.Now()
		a.lastSyncedAt = &now
	case WriteFailed:
		a.base = StateError
		a.lastError = e.Message
	case ItemQueued:
		a.pending = e.Pending
	case ItemDequeued:
		a.pending = e.Pending
	case ItemDropped:
		a.pending = e.Pending
		a.dropped[e.Reason]++
		switch e.Reason {
		case "retry_exhausted":
			a.base = StateError
			a.lastError = e.Message
		case "overflow":
			a.lastWarning = e.Message
		}
	case Paused:
		a.paused = true
	case Resumed:
		a.paused = false
	default:
		return
	}
	a.publish()
}

func (a *Aggregator) publish() {
	a.version++
	state := a.base
	if a.paused {
		state = StatePaused
	}

	synced := make([]string, 0, len(a.synced))
	for t := range a.synced {
		synced = append(synced, t)
	}
	slices.Sort(synced)

	var dropped map[string]int
	if len(a.dropped) > 0 {
		dropped = make(map[string]int, len(a.dropped))
		for k, v := range a.dropped {
			dropped[k] = v
		}
	}

	var last *time.Time
	if a.lastSyncedAt != nil {
		t := *a.lastSyncedAt
		last = &t
	}

	s := &SyncStatus{
		State:        state,
		PendingCount: a.pending,
		SyncedTypes:  synced,
		LastSyncedAt: last,
		LastError:    a.lastError,
		LastWarning:  a.lastWarning,
		Dropped:      dropped,
		Version:      a.version,
		UpdatedAt:    a.clock.Now(),
	}
	a.current.Store(s)

	for _, st := range allStates {
		v := 0.0
		if st == state {
			v = 1
		}
		stateGauge.WithLabelValues(string(st)).Set(v)
	}

	a.mu.Lock()
	for _, ch := range a.subs {
		offer(ch, *s)
	}
	a.mu.Unlock()
}

// offer delivers s, replacing an undelivered older snapshot.
func offer(ch chan SyncStatus, s SyncStatus) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Snapshot returns the latest status.
func (a *Aggregator) Snapshot() SyncStatus {
	return *a.current.Load()
}

// Subscribe returns a channel that receives the current status and every
// later one. A slow reader sees the latest snapshot; older undelivered
// ones are replaced. cancel closes the channel.
func (a *Aggregator) Subscribe(buffer int) (<-chan SyncStatus, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan SyncStatus, buffer)

	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = ch
	offer(ch, *a.current.Load())
	a.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			close(ch)
			a.mu.Unlock()
		})
	}
	return ch, cancel
}

// Subscribers returns the number of active subscriptions.
func (a *Aggregator) Subscribers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}
