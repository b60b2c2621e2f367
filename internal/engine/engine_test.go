package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szibis/vitals-sync/internal/auth"
	"github.com/szibis/vitals-sync/internal/connectivity"
	"github.com/szibis/vitals-sync/internal/dedup"
	"github.com/szibis/vitals-sync/internal/exporter"
	"github.com/szibis/vitals-sync/internal/logging"
	"github.com/szibis/vitals-sync/internal/queue"
	"github.com/szibis/vitals-sync/internal/sample"
	"github.com/szibis/vitals-sync/internal/status"
	"github.com/szibis/vitals-sync/internal/throttle"
)

type call struct {
	method  string
	path    string
	payload map[string]any
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []call
	fail  func(method, path string) error
}

func (w *fakeWriter) Post(ctx context.Context, path string, body any) error {
	return w.record(ctx, http.MethodPost, path, body)
}

func (w *fakeWriter) Patch(ctx context.Context, path string, body any) error {
	return w.record(ctx, http.MethodPatch, path, body)
}

func (w *fakeWriter) record(_ context.Context, method, path string, body any) error {
	w.mu.Lock()
	payload, _ := body.(map[string]any)
	w.calls = append(w.calls, call{method: method, path: path, payload: payload})
	fail := w.fail
	w.mu.Unlock()
	if fail != nil {
		return fail(method, path)
	}
	return nil
}

func (w *fakeWriter) setFail(fn func(method, path string) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fail = fn
}

// matching returns the recorded calls whose path contains substr.
func (w *fakeWriter) matching(substr string) []call {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []call
	for _, c := range w.calls {
		if strings.Contains(c.path, substr) {
			out = append(out, c)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	errServer = &exporter.WriteError{
		Err: errors.New("unexpected status 503"), Type: exporter.ErrorTypeServerError,
		Method: http.MethodPatch, StatusCode: http.StatusServiceUnavailable, Message: "unavailable",
	}
	errNetwork = &exporter.WriteError{
		Err: errors.New("connection refused"), Type: exporter.ErrorTypeNetwork, Method: http.MethodPost,
	}
)

type harness struct {
	eng    *Engine
	mon    *connectivity.Monitor
	writer *fakeWriter
	queue  *queue.OfflineQueue
	clock  *fakeClock
}

type options struct {
	queue    queue.Config
	identity IdentitySource
	dedup    *dedup.Filter
	writer   exporter.Writer
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	if opts.queue.MaxSize == 0 {
		opts.queue = queue.DefaultConfig()
	}
	if opts.identity == nil {
		opts.identity = auth.NewSession(auth.StaticProvider{UserID: "u1"})
	}

	q, err := queue.Open(opts.queue, queue.NewMemoryStore())
	if err != nil {
		t.Fatalf("queue.Open() error = %v", err)
	}
	fw := &fakeWriter{}
	var w exporter.Writer = fw
	if opts.writer != nil {
		w = opts.writer
	}
	clock := &fakeClock{now: time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)}
	mon := connectivity.New(connectivity.Config{}, nil)

	cfg := DefaultConfig()
	cfg.Backoff.Unit = time.Millisecond
	eng, err := New(cfg, Deps{
		Writer:       w,
		Identity:     opts.identity,
		Reachability: mon,
		Queue:        q,
		Throttle:     throttle.New(throttle.DefaultConfig()),
		Status:       status.New(nil, q.Len()),
		Dedup:        opts.dedup,
		Now:          clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	mon.OnReachable(eng.OnReachable)
	mon.OnUnreachable(eng.OnUnreachable)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{eng: eng, mon: mon, writer: fw, queue: q, clock: clock}
}

func (h *harness) queueLen(t *testing.T) int {
	t.Helper()
	n, err := h.eng.QueueLen(context.Background())
	if err != nil {
		t.Fatalf("QueueLen() error = %v", err)
	}
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func reading(typ sample.MetricType, value float64, at time.Time) sample.TelemetrySample {
	return sample.TelemetrySample{Type: typ, Value: value, Timestamp: at}
}

func TestOfflineSamplesDrainOnReconnect(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	now := h.clock.Now()

	for _, s := range []sample.TelemetrySample{
		reading(sample.HeartRate, 72, now),
		reading(sample.HRV, 41, now),
		reading(sample.RespiratoryRate, 14, now),
	} {
		if err := h.eng.Submit(ctx, s); err != nil {
			t.Fatalf("Submit(%s) error = %v", s.Type, err)
		}
	}

	if n := h.queueLen(t); n != 3 {
		t.Fatalf("queue length = %d, want 3", n)
	}
	st := h.eng.Status()
	if st.State != status.StateOffline || st.PendingCount != 3 {
		t.Fatalf("status = %s pending=%d, want offline pending=3", st.State, st.PendingCount)
	}
	if got := len(h.writer.matching("")); got != 0 {
		t.Fatalf("no write may be attempted while offline, got %d", got)
	}

	h.mon.MarkReachable()

	eventually(t, "queue drained", func() bool {
		s := h.eng.Status()
		return s.PendingCount == 0 && len(s.SyncedTypes) == 3
	})
	if n := h.queueLen(t); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	st = h.eng.Status()
	if st.State != status.StateActive {
		t.Errorf("state = %s, want active", st.State)
	}
	for _, typ := range []string{"heartRate", "hrv", "respiratoryRate"} {
		if !st.HasSynced(typ) {
			t.Errorf("SyncedTypes = %v, missing %s", st.SyncedTypes, typ)
		}
	}

	// Replays merge one child per sample under the realtime node.
	replays := h.writer.matching("/realtime/")
	if len(replays) != 3 {
		t.Fatalf("replayed %d writes, want 3", len(replays))
	}
	for _, c := range replays {
		if c.method != http.MethodPatch {
			t.Errorf("replay used %s, want PATCH", c.method)
		}
		parts := strings.Split(c.path, "/")
		if len(parts) != 6 || parts[0] != "users" || parts[1] != "u1" || parts[5] == "" {
			t.Errorf("replay path %q, want users/u1/healthData/realtime/{type}/{id}", c.path)
		}
		if _, ok := c.payload["timestamp"]; !ok {
			t.Errorf("replay payload %v lacks timestamp", c.payload)
		}
	}
}

func TestRetryExhaustedReportedOnce(t *testing.T) {
	h := newHarness(t, options{queue: queue.Config{MaxSize: 100, MaxRetries: 3}})
	ctx := context.Background()

	if err := h.eng.Submit(ctx, reading(sample.HRV, 40, h.clock.Now())); err != nil {
		t.Fatal(err)
	}
	h.writer.setFail(func(string, string) error { return errServer })

	for i := 1; i <= 3; i++ {
		if err := h.eng.Drain(ctx); err != nil {
			t.Fatalf("Drain() #%d error = %v", i, err)
		}
		items, _ := h.eng.QueueItems(ctx)
		switch {
		case i < 3 && (len(items) != 1 || items[0].RetryCount != i):
			t.Fatalf("after drain %d: items = %+v, want one item with RetryCount %d", i, items, i)
		case i == 3 && len(items) != 0:
			t.Fatalf("item should be dropped after 3 failed attempts, got %+v", items)
		}
	}
	if err := h.eng.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	if got := len(h.writer.matching("/realtime/")); got != 3 {
		t.Errorf("attempts = %d, want exactly 3", got)
	}
	st := h.eng.Status()
	if st.Dropped["retry_exhausted"] != 1 {
		t.Errorf("retry exhausted reported %d times, want 1", st.Dropped["retry_exhausted"])
	}
	if st.State != status.StateError || !strings.Contains(st.LastError, ErrRetryExhausted.Error()) {
		t.Errorf("status = %s %q, want error with retry exhaustion", st.State, st.LastError)
	}
	if st.PendingCount != 0 {
		t.Errorf("PendingCount = %d, want 0", st.PendingCount)
	}
}

func TestQueueOverflowKeepsNewest(t *testing.T) {
	h := newHarness(t, options{queue: queue.Config{MaxSize: 100, MaxRetries: 3}})
	ctx := context.Background()
	start := h.clock.Now()

	for i := 0; i < 101; i++ {
		s := reading(sample.HRV, float64(i), start.Add(time.Duration(i)*time.Second))
		if err := h.eng.Submit(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	items, err := h.eng.QueueItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 100 {
		t.Fatalf("queue length = %d, want 100", len(items))
	}
	for i, it := range items {
		if got := it.Payload["value"]; got != float64(i+1) {
			t.Fatalf("items[%d] value = %v, want %d (oldest evicted, order kept)", i, got, i+1)
		}
	}

	st := h.eng.Status()
	if st.PendingCount != 100 {
		t.Errorf("PendingCount = %d, want 100", st.PendingCount)
	}
	if st.Dropped["overflow"] != 1 || !strings.Contains(st.LastWarning, ErrQueueOverflow.Error()) {
		t.Errorf("overflow not reported: dropped=%v warning=%q", st.Dropped, st.LastWarning)
	}
}

func TestAggregateStepsOnly(t *testing.T) {
	h := newHarness(t, options{})
	h.mon.MarkReachable()
	ctx := context.Background()

	updated := time.Date(2024, 3, 9, 18, 30, 0, 0, time.UTC)
	err := h.eng.SubmitAggregate(ctx, sample.AggregatedRecord{
		Date:        time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC),
		Steps:       sample.Int64(4200),
		LastUpdated: updated,
	})
	if err != nil {
		t.Fatalf("SubmitAggregate() error = %v", err)
	}

	writes := h.writer.matching("/aggregated/daily/")
	if len(writes) != 1 {
		t.Fatalf("aggregate writes = %d, want 1", len(writes))
	}
	c := writes[0]
	if c.method != http.MethodPatch || c.path != "users/u1/healthData/aggregated/daily/2024-03-09" {
		t.Errorf("write = %s %s", c.method, c.path)
	}
	if len(c.payload) != 2 || c.payload["steps/total"] != int64(4200) || c.payload["steps/lastUpdated"] != updated.UnixMilli() {
		t.Errorf("payload = %v, want only steps/total and steps/lastUpdated", c.payload)
	}

	meta := h.writer.matching("/metadata")
	if len(meta) != 1 || meta[0].path != "users/u1/healthData/metadata" {
		t.Fatalf("metadata writes = %+v", meta)
	}
	for _, k := range []string{"lastSync", "syncStatus", "pendingItems"} {
		if _, ok := meta[0].payload[k]; !ok {
			t.Errorf("metadata payload %v lacks %s", meta[0].payload, k)
		}
	}

	if err := h.eng.SubmitAggregate(ctx, sample.AggregatedRecord{Date: updated}); err != nil {
		t.Fatal(err)
	}
	if got := len(h.writer.matching("/aggregated/")); got != 1 {
		t.Errorf("empty record must not be written, writes = %d", got)
	}
}

func TestAggregateAllFields(t *testing.T) {
	r := sample.AggregatedRecord{
		Date:             time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC),
		Steps:            sample.Int64(1),
		DistanceMeters:   sample.Float64(2),
		ActiveEnergyKcal: sample.Float64(3),
		FlightsClimbed:   sample.Int64(4),
	}
	p := aggregatePayload(r, time.UnixMilli(1000))
	want := map[string]any{
		"steps/total": int64(1), "steps/lastUpdated": int64(1000),
		"distance/total": 2.0, "distance/unit": "meters", "distance/lastUpdated": int64(1000),
		"activeEnergy/total": 3.0, "activeEnergy/unit": "kcal", "activeEnergy/lastUpdated": int64(1000),
		"flightsClimbed/total": int64(4), "flightsClimbed/lastUpdated": int64(1000),
	}
	if len(p) != len(want) {
		t.Fatalf("payload has %d keys, want %d: %v", len(p), len(want), p)
	}
	for k, v := range want {
		if p[k] != v {
			t.Errorf("%s = %v (%T), want %v (%T)", k, p[k], p[k], v, v)
		}
	}
}

func TestHeartRateThrottle(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	submit := func(typ sample.MetricType) {
		t.Helper()
		if err := h.eng.Submit(ctx, reading(typ, 70, h.clock.Now())); err != nil {
			t.Fatal(err)
		}
	}

	submit(sample.HeartRate)
	h.clock.Advance(500 * time.Millisecond)
	submit(sample.HeartRate) // inside the window
	submit(sample.HRV)       // not throttled
	h.clock.Advance(500 * time.Millisecond)
	submit(sample.HeartRate) // window elapsed

	items, _ := h.eng.QueueItems(ctx)
	counts := map[string]int{}
	for _, it := range items {
		counts[it.DataType]++
	}
	if counts["heartRate"] != 2 || counts["hrv"] != 1 {
		t.Errorf("queued per type = %v, want heartRate=2 hrv=1", counts)
	}
}

func TestWriteFailureWhileReachable(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantReachable bool
		wantState     status.State
	}{
		{"transport failure marks link down", errNetwork, false, status.StateOffline},
		{"status failure keeps link up", errServer, true, status.StateError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, options{})
			h.mon.MarkReachable()
			h.writer.setFail(func(string, string) error { return tt.err })

			if err := h.eng.Submit(context.Background(), reading(sample.BloodOxygen, 98, h.clock.Now())); err != nil {
				t.Fatalf("write failures must not surface, got %v", err)
			}
			if n := h.queueLen(t); n != 1 {
				t.Fatalf("queue length = %d, want 1", n)
			}
			items, _ := h.eng.QueueItems(context.Background())
			if !strings.HasPrefix(items[0].Path, "users/u1/healthData/realtime/bloodOxygen/") {
				t.Errorf("queued path = %q, want re-keyed child of the realtime node", items[0].Path)
			}
			if h.mon.Reachable() != tt.wantReachable {
				t.Errorf("Reachable() = %v, want %v", h.mon.Reachable(), tt.wantReachable)
			}
			if st := h.eng.Status(); st.State != tt.wantState || st.PendingCount != 1 {
				t.Errorf("status = %s pending=%d, want %s pending=1", st.State, st.PendingCount, tt.wantState)
			}
		})
	}
}

func TestPendingMatchesQueueLength(t *testing.T) {
	h := newHarness(t, options{queue: queue.Config{MaxSize: 3, MaxRetries: 2}})
	ctx := context.Background()

	check := func(step string) {
		t.Helper()
		n := h.queueLen(t)
		if p := h.eng.Status().PendingCount; p != n {
			t.Fatalf("%s: PendingCount = %d, queue length = %d", step, p, n)
		}
	}

	for i := 0; i < 5; i++ {
		h.eng.Submit(ctx, reading(sample.HRV, float64(i), h.clock.Now().Add(time.Duration(i)*time.Second)))
		check("submit")
	}
	h.writer.setFail(func(string, string) error { return errServer })
	h.eng.Drain(ctx)
	check("failed drain")
	h.eng.Drain(ctx)
	check("exhausting drain")
	h.eng.Submit(ctx, reading(sample.HRV, 9, h.clock.Now()))
	check("resubmit")
	h.writer.setFail(nil)
	h.eng.Drain(ctx)
	check("successful drain")
	h.eng.Submit(ctx, reading(sample.HRV, 10, h.clock.Now()))
	h.eng.ClearQueue(ctx)
	check("clear")
}

func TestAuthenticationFailure(t *testing.T) {
	h := newHarness(t, options{identity: auth.NewSession(auth.StaticProvider{})})
	ctx := context.Background()

	err := h.eng.Submit(ctx, reading(sample.HRV, 40, h.clock.Now()))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Submit() error = %v, want ErrAuthentication", err)
	}
	err = h.eng.SubmitAggregate(ctx, sample.AggregatedRecord{Date: h.clock.Now(), Steps: sample.Int64(1)})
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("SubmitAggregate() error = %v, want ErrAuthentication", err)
	}
	if n := h.queueLen(t); n != 0 {
		t.Errorf("nothing may be queued without identity, got %d", n)
	}
}

func TestInvalidSampleRejected(t *testing.T) {
	h := newHarness(t, options{})
	if err := h.eng.Submit(context.Background(), sample.TelemetrySample{Type: sample.HRV}); err == nil {
		t.Fatal("expected validation error")
	}
}

type countingProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *countingProvider) Identity(context.Context) (auth.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return auth.Identity{UserID: "u1"}, nil
}

func TestAuthRejectionInvalidatesIdentity(t *testing.T) {
	p := &countingProvider{}
	h := newHarness(t, options{identity: auth.NewSession(p)})
	h.mon.MarkReachable()
	h.writer.setFail(func(string, string) error {
		return &exporter.WriteError{Err: errors.New("unexpected status 401"), Type: exporter.ErrorTypeAuth, StatusCode: 401}
	})

	ctx := context.Background()
	h.eng.Submit(ctx, reading(sample.HRV, 40, h.clock.Now()))
	h.eng.Submit(ctx, reading(sample.HRV, 41, h.clock.Now()))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls != 2 {
		t.Errorf("identity fetched %d times, want a re-fetch after the 401", p.calls)
	}
}

func TestConcurrentDrainRejected(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	h.eng.Submit(ctx, reading(sample.HRV, 40, h.clock.Now()))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.writer.setFail(func(string, string) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- h.eng.Drain(ctx) }()
	<-started

	if err := h.eng.Drain(ctx); !errors.Is(err, ErrAlreadySyncing) {
		t.Errorf("second Drain() error = %v, want ErrAlreadySyncing", err)
	}
	res, err := h.eng.ManualSync(ctx)
	if err != nil || !res.AlreadySyncing {
		t.Errorf("ManualSync() = %+v, %v, want AlreadySyncing without error", res, err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first Drain() error = %v", err)
	}
	if got := len(h.writer.matching("/realtime/")); got != 1 {
		t.Errorf("item attempted %d times, want 1", got)
	}
}

func TestManualSync(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	h.eng.Submit(ctx, reading(sample.HRV, 40, h.clock.Now()))
	h.eng.Submit(ctx, reading(sample.RespiratoryRate, 12, h.clock.Now()))

	res, err := h.eng.ManualSync(ctx)
	if err != nil {
		t.Fatalf("ManualSync() error = %v", err)
	}
	if res.AlreadySyncing || res.Attempted != 2 || res.Delivered != 2 || res.Pending != 0 {
		t.Errorf("ManualSync() = %+v", res)
	}
	if got := len(h.writer.matching("/metadata")); got != 1 {
		t.Errorf("metadata refreshes = %d, want 1", got)
	}
}

func TestPauseSuppressesAutomaticDrain(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	h.eng.Submit(ctx, reading(sample.HRV, 40, h.clock.Now()))

	if err := h.eng.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	h.mon.MarkReachable()
	if st := h.eng.Status(); st.State != status.StatePaused {
		t.Errorf("state = %s, want paused", st.State)
	}
	if n := h.queueLen(t); n != 1 {
		t.Fatalf("queue drained while paused, length = %d", n)
	}

	if err := h.eng.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, "drain after resume", func() bool { return h.eng.Status().PendingCount == 0 })
	if st := h.eng.Status(); st.State != status.StateActive {
		t.Errorf("state = %s, want active", st.State)
	}
}

func TestClearQueue(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.eng.Submit(ctx, reading(sample.HRV, float64(i), h.clock.Now()))
	}
	n, err := h.eng.ClearQueue(ctx)
	if err != nil || n != 3 {
		t.Fatalf("ClearQueue() = %d, %v, want 3", n, err)
	}
	st := h.eng.Status()
	if st.PendingCount != 0 || st.Dropped["cleared"] != 1 {
		t.Errorf("status after clear = %+v", st)
	}
	if got := len(h.writer.matching("")); got != 0 {
		t.Errorf("cleared items must not be delivered, writes = %d", got)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	h := newHarness(t, options{dedup: dedup.New(dedup.Config{Enabled: true, Window: time.Minute})})
	ctx := context.Background()
	s := reading(sample.HRV, 40, h.clock.Now())
	h.eng.Submit(ctx, s)
	h.eng.Submit(ctx, s)
	h.eng.Submit(ctx, reading(sample.HRV, 41, h.clock.Now()))
	if n := h.queueLen(t); n != 2 {
		t.Errorf("queue length = %d, want 2 (exact repeat dropped)", n)
	}
}

func TestDuplicateDoesNotConsumeThrottleWindow(t *testing.T) {
	h := newHarness(t, options{dedup: dedup.New(dedup.Config{Enabled: true, Window: time.Minute})})
	ctx := context.Background()

	first := reading(sample.HeartRate, 72, h.clock.Now())
	h.eng.Submit(ctx, first)
	h.clock.Advance(time.Second)
	h.eng.Submit(ctx, first) // re-delivered
	h.clock.Advance(200 * time.Millisecond)
	h.eng.Submit(ctx, reading(sample.HeartRate, 74, h.clock.Now()))

	if n := h.queueLen(t); n != 2 {
		t.Errorf("queue length = %d, want 2 (repeat dropped, next reading admitted)", n)
	}
}

func TestDuplicateDropIsLogged(t *testing.T) {
	var mu sync.Mutex
	var msgs []string
	logging.SetHook(func(level logging.Level, msg string, _ map[string]interface{}) {
		if level == logging.LevelInfo {
			mu.Lock()
			msgs = append(msgs, msg)
			mu.Unlock()
		}
	})
	t.Cleanup(func() { logging.SetHook(nil) })

	h := newHarness(t, options{dedup: dedup.New(dedup.Config{Enabled: true, Window: time.Minute})})
	s := reading(sample.HRV, 40, h.clock.Now())
	h.eng.Submit(context.Background(), s)
	h.eng.Submit(context.Background(), s)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, m := range msgs {
		if m == "duplicate sample dropped" {
			found = true
		}
	}
	if !found {
		t.Errorf("no info entry for the dropped duplicate, got %v", msgs)
	}
}

func TestSubmitRejectsUnsafeType(t *testing.T) {
	h := newHarness(t, options{})
	h.mon.MarkReachable()

	err := h.eng.Submit(context.Background(),
		reading("../../../u2/healthData/realtime/heartRate", 72, h.clock.Now()))
	if !errors.Is(err, sample.ErrInvalidType) {
		t.Fatalf("Submit() error = %v, want ErrInvalidType", err)
	}
	if got := h.writer.matching(""); len(got) != 0 {
		t.Errorf("writes = %+v, want none", got)
	}
	if n := h.queueLen(t); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestBackoff(t *testing.T) {
	cfg := BackoffConfig{Base: 2, Unit: time.Second, MaxDelay: 10 * time.Second}
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{100, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.retries); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
	if got := (BackoffConfig{Base: 2, Unit: time.Second}).Backoff(1000); got <= 0 {
		t.Errorf("uncapped backoff overflowed to %v", got)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}
