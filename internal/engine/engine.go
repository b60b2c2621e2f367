// Package engine delivers telemetry samples to the destination and defers
// them to the offline queue while it cannot be reached.
//
// All mutable state (queue, throttle, status and the drain guard) is owned
// by a single executor goroutine started with Run. Public operations are
// closures sent to it and executed one at a time, so that state needs no
// locks. Network writes run on the calling goroutine, outside the
// executor, and their outcomes are posted back as new tasks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/szibis/vitals-sync/internal/auth"
	"github.com/szibis/vitals-sync/internal/dedup"
	"github.com/szibis/vitals-sync/internal/exporter"
	"github.com/szibis/vitals-sync/internal/logging"
	"github.com/szibis/vitals-sync/internal/queue"
	"github.com/szibis/vitals-sync/internal/status"
	"github.com/szibis/vitals-sync/internal/throttle"
)

// Reachability is the connectivity signal the engine reads and reports to.
type Reachability interface {
	Reachable() bool
	MarkReachable()
	MarkUnreachable(reason string)
}

// IdentitySource resolves the user identifier that namespaces every path.
type IdentitySource interface {
	Identity(ctx context.Context) (auth.Identity, error)
	// Invalidate forgets the cached identity after an auth rejection.
	Invalidate()
}

// BackoffConfig controls the delay between failed items in a drain.
type BackoffConfig struct {
	// Base is raised to the item's retry count.
	Base float64
	// Unit is the duration of one backoff step.
	Unit time.Duration
	// MaxDelay caps a single delay. Zero means no cap.
	MaxDelay time.Duration
}

// Config holds the engine configuration.
type Config struct {
	// PathPrefix is the root node holding per-user data.
	PathPrefix string
	// Backoff between failed items of a drain.
	Backoff BackoffConfig
	// AttemptTimeout bounds every write issued by the engine.
	AttemptTimeout time.Duration
	// Metadata enables the metadata node refresh after writes.
	Metadata bool
}

// DefaultConfig returns the production defaults: 2^n seconds of backoff
// capped at five minutes.
func DefaultConfig() Config {
	return Config{
		PathPrefix: "users",
		Backoff: BackoffConfig{
			Base:     2.0,
			Unit:     time.Second,
			MaxDelay: 5 * time.Minute,
		},
		AttemptTimeout: 15 * time.Second,
		Metadata:       true,
	}
}

// Deps are the collaborators assembled by the caller.
type Deps struct {
	Writer       exporter.Writer
	Identity     IdentitySource
	Reachability Reachability
	Queue        *queue.OfflineQueue
	Throttle     *throttle.Throttle
	Status       *status.Aggregator
	// Dedup is optional.
	Dedup *dedup.Filter
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine is the sync engine.
type Engine struct {
	cfg      Config
	writer   exporter.Writer
	identity IdentitySource
	reach    Reachability
	dedup    *dedup.Filter
	now      func() time.Time

	// Owned by the executor.
	queue    *queue.OfflineQueue
	throttle *throttle.Throttle
	status   *status.Aggregator
	draining bool
	paused   bool

	tasks    chan func()
	drainReq chan struct{}
	stopped  chan struct{}
	runOnce  sync.Once
	stopOnce sync.Once
}

// New creates an engine. Run must be started before any other method is
// called.
func New(cfg Config, d Deps) (*Engine, error) {
	if d.Writer == nil || d.Identity == nil || d.Reachability == nil {
		return nil, errors.New("engine requires a writer, an identity source and a reachability signal")
	}
	if d.Queue == nil || d.Throttle == nil || d.Status == nil {
		return nil, errors.New("engine requires a queue, a throttle and a status aggregator")
	}

	def := DefaultConfig()
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = def.PathPrefix
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = def.Backoff.Base
	}
	if cfg.Backoff.Unit <= 0 {
		cfg.Backoff.Unit = def.Backoff.Unit
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	return &Engine{
		cfg:      cfg,
		writer:   d.Writer,
		identity: d.Identity,
		reach:    d.Reachability,
		dedup:    d.Dedup,
		now:      d.Now,
		queue:    d.Queue,
		throttle: d.Throttle,
		status:   d.Status,
		tasks:    make(chan func()),
		drainReq: make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}, nil
}

// Run executes tasks until ctx is done. Drains requested by connectivity
// transitions run on a second goroutine that Run waits for before
// returning.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("engine is already running")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.drainLoop(ctx)
	}()

	defer func() {
		e.stopOnce.Do(func() { close(e.stopped) })
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-e.tasks:
			task()
		}
	}
}

func (e *Engine) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.drainReq:
			if err := e.Drain(ctx); err != nil && !errors.Is(err, ErrAlreadySyncing) &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, ErrStopped) {
				logging.Warn("background drain failed", logging.F("error", err.Error()))
			}
		}
	}
}

// exec runs fn on the executor and waits for it to finish. fn must not
// block and must not call back into the engine.
func (e *Engine) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case e.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// post runs fn on the executor regardless of any caller deadline. It is
// used for bookkeeping that must not be lost once a write has happened.
func (e *Engine) post(fn func()) error {
	return e.exec(context.Background(), fn)
}

// requestDrain schedules a background drain unless one is pending.
func (e *Engine) requestDrain() {
	select {
	case e.drainReq <- struct{}{}:
	default:
	}
}

// OnReachable is the connectivity hook for a false to true transition. It
// marks the status connected and schedules a drain of the offline queue.
func (e *Engine) OnReachable() {
	paused := false
	e.post(func() {
		e.applyConnection()
		paused = e.paused
	})
	if !paused {
		e.requestDrain()
	}
}

// OnUnreachable is the connectivity hook for a true to false transition.
// The queue is left untouched.
func (e *Engine) OnUnreachable(reason string) {
	e.post(e.applyConnection)
}

// applyConnection derives the status from the current flag rather than
// from the hook that fired, so racing transitions settle on the truth.
func (e *Engine) applyConnection() {
	if e.reach.Reachable() {
		e.status.Apply(status.Connected{})
	} else {
		e.status.Apply(status.Disconnected{})
	}
}

// Authenticate resolves the identity, typically at launch.
func (e *Engine) Authenticate(ctx context.Context) (auth.Identity, error) {
	id, err := e.identity.Identity(ctx)
	if err != nil {
		authFailuresTotal.Inc()
		return auth.Identity{}, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return id, nil
}

// Pause puts the status into the paused state. Automatic drains on
// reconnection are skipped while paused; Drain and ManualSync still work.
func (e *Engine) Pause(ctx context.Context) error {
	return e.exec(ctx, func() {
		e.paused = true
		e.status.Apply(status.Paused{})
	})
}

// Resume leaves the paused state and drains when the link is up.
func (e *Engine) Resume(ctx context.Context) error {
	pending := 0
	err := e.exec(ctx, func() {
		e.paused = false
		e.status.Apply(status.Resumed{})
		pending = e.queue.Len()
	})
	if err == nil && pending > 0 && e.reach.Reachable() {
		e.requestDrain()
	}
	return err
}

// ClearQueue discards every queued item and returns how many there were.
func (e *Engine) ClearQueue(ctx context.Context) (int, error) {
	n := 0
	err := e.exec(ctx, func() {
		n = e.queue.Clear()
		e.status.Apply(status.ItemDropped{
			Reason:  string(queue.ReasonCleared),
			Pending: e.queue.Len(),
		})
	})
	if err == nil {
		logging.Info("offline queue cleared", logging.F("discarded", n))
	}
	return n, err
}

// Status returns the current status snapshot.
func (e *Engine) Status() status.SyncStatus {
	return e.status.Snapshot()
}

// Subscribe streams status snapshots. See status.Aggregator.Subscribe.
func (e *Engine) Subscribe(buffer int) (<-chan status.SyncStatus, func()) {
	return e.status.Subscribe(buffer)
}

// QueueLen returns the number of pending items.
func (e *Engine) QueueLen(ctx context.Context) (int, error) {
	n := 0
	err := e.exec(ctx, func() { n = e.queue.Len() })
	return n, err
}

// QueueItems returns a snapshot of the pending items in queue order.
func (e *Engine) QueueItems(ctx context.Context) ([]queue.Item, error) {
	var items []queue.Item
	err := e.exec(ctx, func() { items = e.queue.List() })
	return items, err
}

// Backoff returns the delay after a failed item with the given retry count.
func (c BackoffConfig) Backoff(retryCount int) time.Duration {
	d := math.Pow(c.Base, float64(retryCount)) * float64(c.Unit)
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// attempt performs one bounded write.
func (e *Engine) attempt(ctx context.Context, w write) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	if w.appendChild {
		return e.writer.Post(ctx, w.path, w.payload)
	}
	return e.writer.Patch(ctx, w.path, w.payload)
}

// noteFailure reports a failed write to the connectivity signal and the
// identity cache. It runs outside the executor.
func (e *Engine) noteFailure(err error) {
	var we *exporter.WriteError
	if !errors.As(err, &we) {
		return
	}
	if we.IsTransport() {
		e.reach.MarkUnreachable(we.Error())
	}
	if we.Type == exporter.ErrorTypeAuth {
		e.identity.Invalidate()
	}
}

// isTransport reports whether err never produced an HTTP response.
func isTransport(err error) bool {
	var we *exporter.WriteError
	return errors.As(err, &we) && we.IsTransport()
}
