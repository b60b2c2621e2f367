package status

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestInitialState(t *testing.T) {
	a := New(nil, 4)
	s := a.Snapshot()
	if s.State != StateOffline {
		t.Errorf("State = %s, want offline", s.State)
	}
	if s.PendingCount != 4 {
		t.Errorf("PendingCount = %d, want 4", s.PendingCount)
	}
	if s.LastSyncedAt != nil || s.LastError != "" || len(s.SyncedTypes) != 0 {
		t.Errorf("unexpected initial status %+v", s)
	}
}

func TestTransitions(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}

	tests := []struct {
		name  string
		ev    Event
		state State
		check func(t *testing.T, s SyncStatus)
	}{
		{"connected", Connected{}, StateActive, nil},
		{"queued", ItemQueued{Pending: 1}, StateActive, func(t *testing.T, s SyncStatus) {
			if s.PendingCount != 1 {
				t.Errorf("PendingCount = %d", s.PendingCount)
			}
		}},
		{"write failed", WriteFailed{Message: "status 503"}, StateError, func(t *testing.T, s SyncStatus) {
			if s.LastError != "status 503" {
				t.Errorf("LastError = %q", s.LastError)
			}
		}},
		{"write succeeded", WriteSucceeded{DataType: "heartRate"}, StateActive, func(t *testing.T, s SyncStatus) {
			if s.LastError != "" {
				t.Errorf("LastError should be cleared, got %q", s.LastError)
			}
			if !s.HasSynced("heartRate") {
				t.Errorf("SyncedTypes = %v", s.SyncedTypes)
			}
			if s.LastSyncedAt == nil || !s.LastSyncedAt.Equal(time.Unix(1700000000, 0)) {
				t.Errorf("LastSyncedAt = %v", s.LastSyncedAt)
			}
		}},
		{"disconnected", Disconnected{Reason: "probe failed"}, StateOffline, nil},
		{"paused", Paused{}, StatePaused, nil},
		{"connected while paused", Connected{}, StatePaused, nil},
		{"dequeued while paused", ItemDequeued{Pending: 0}, StatePaused, func(t *testing.T, s SyncStatus) {
			if s.PendingCount != 0 {
				t.Errorf("counts must keep updating while paused, got %d", s.PendingCount)
			}
		}},
		{"resumed", Resumed{}, StateActive, nil},
		{"retry exhausted", ItemDropped{Reason: "retry_exhausted", Pending: 0, Message: "gave up"}, StateError, func(t *testing.T, s SyncStatus) {
			if s.LastError != "gave up" || s.Dropped["retry_exhausted"] != 1 {
				t.Errorf("unexpected status %+v", s)
			}
		}},
		{"overflow", ItemDropped{Reason: "overflow", Pending: 100, Message: "evicted"}, StateError, func(t *testing.T, s SyncStatus) {
			if s.LastWarning != "evicted" || s.PendingCount != 100 {
				t.Errorf("unexpected status %+v", s)
			}
		}},
	}

	a := New(clock, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.Apply(tt.ev)
			s := a.Snapshot()
			if s.State != tt.state {
				t.Errorf("State = %s, want %s", s.State, tt.state)
			}
			if tt.check != nil {
				tt.check(t, s)
			}
		})
	}
}

func TestPendingTakenFromEvent(t *testing.T) {
	a := New(nil, 0)
	a.Apply(ItemQueued{Pending: 3})
	a.Apply(ItemQueued{Pending: 3})
	if got := a.Snapshot().PendingCount; got != 3 {
		t.Errorf("PendingCount = %d, want 3 (never incremented)", got)
	}
	a.Apply(ItemDropped{Reason: "cleared", Pending: 0})
	if got := a.Snapshot().PendingCount; got != 0 {
		t.Errorf("PendingCount = %d, want 0", got)
	}
}

func TestSyncedTypesSorted(t *testing.T) {
	a := New(nil, 0)
	for _, typ := range []string{"respiratoryRate", "heartRate", "hrv", "heartRate"} {
		a.Apply(WriteSucceeded{DataType: typ})
	}
	got := a.Snapshot().SyncedTypes
	want := []string{"heartRate", "hrv", "respiratoryRate"}
	if len(got) != len(want) {
		t.Fatalf("SyncedTypes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SyncedTypes = %v, want %v", got, want)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	a := New(nil, 0)
	a.Apply(WriteSucceeded{DataType: "hrv"})
	s := a.Snapshot()
	s.SyncedTypes[0] = "mutated"
	if a.Snapshot().SyncedTypes[0] != "hrv" {
		t.Error("mutating a snapshot changed aggregator state")
	}
}

func TestSubscribe(t *testing.T) {
	a := New(nil, 0)
	ch, cancel := a.Subscribe(1)

	first := <-ch
	if first.State != StateOffline {
		t.Errorf("first snapshot state = %s", first.State)
	}

	// A slow subscriber only sees the latest snapshot.
	a.Apply(ItemQueued{Pending: 1})
	a.Apply(ItemQueued{Pending: 2})
	a.Apply(ItemQueued{Pending: 3})
	latest := <-ch
	if latest.PendingCount != 3 {
		t.Errorf("PendingCount = %d, want latest 3", latest.PendingCount)
	}
	select {
	case s := <-ch:
		t.Errorf("unexpected extra snapshot %+v", s)
	default:
	}

	if a.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d", a.Subscribers())
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	if a.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d after cancel", a.Subscribers())
	}
	a.Apply(Connected{})
}

func TestVersionIncreases(t *testing.T) {
	a := New(nil, 0)
	v := a.Snapshot().Version
	a.Apply(Connected{})
	if a.Snapshot().Version <= v {
		t.Error("Version should increase on every applied event")
	}
}
