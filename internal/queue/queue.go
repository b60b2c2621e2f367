// Package queue implements the bounded offline queue of deferred writes.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/szibis/vitals-sync/internal/logging"
)

// DropReason labels why an item left the queue without being delivered.
type DropReason string

const (
	ReasonOverflow       DropReason = "overflow"
	ReasonRetryExhausted DropReason = "retry_exhausted"
	ReasonCleared        DropReason = "cleared"
	ReasonPayloadLost    DropReason = "payload_lost"
)

// Config holds the queue configuration.
type Config struct {
	// MaxSize is the capacity. Enqueue beyond it evicts the oldest item.
	MaxSize int
	// MaxRetries is the number of failed attempts after which an item is
	// removed. An item is attempted at most MaxRetries times by drains.
	MaxRetries int
}

// DefaultConfig returns the default capacity of 100 items and 3 attempts.
func DefaultConfig() Config {
	return Config{MaxSize: 100, MaxRetries: 3}
}

// Item is a deferred write.
type Item struct {
	ID         string         `json:"id"`
	Path       string         `json:"path"`
	DataType   string         `json:"data_type"`
	Payload    map[string]any `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	RetryCount int            `json:"retry_count"`
}

func (it *Item) record() Record {
	return Record{
		ID:         it.ID,
		Path:       it.Path,
		DataType:   it.DataType,
		EnqueuedAt: it.EnqueuedAt,
		RetryCount: it.RetryCount,
	}
}

func (it *Item) clone() Item {
	c := *it
	c.Payload = maps.Clone(it.Payload)
	return c
}

// OfflineQueue is an ordered, bounded, persisted list of deferred writes.
//
// It is not safe for concurrent use: the sync engine owns it from a single
// goroutine. Every mutation is written through to the Store.
type OfflineQueue struct {
	cfg     Config
	store   Store
	items   []*Item
	encoded map[string][]byte
	now     func() time.Time

	persistErr atomic.Value // string, empty after a successful save
}

// Open creates a queue and restores the items persisted in store. Items
// whose payload was not persisted are dropped and counted as payload_lost;
// they never show up in Len.
func Open(cfg Config, store Store) (*OfflineQueue, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if store == nil {
		store = NewMemoryStore()
	}

	q := &OfflineQueue{
		cfg:     cfg,
		store:   store,
		encoded: make(map[string][]byte),
		now:     time.Now,
	}

	records, payloads, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	lost := 0
	for _, rec := range records {
		raw, ok := payloads[rec.ID]
		if !ok {
			lost++
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			logging.Warn("discarding queued item with unreadable payload", logging.F(
				"id", rec.ID, "path", rec.Path, "error", err.Error()))
			lost++
			continue
		}
		q.items = append(q.items, &Item{
			ID:         rec.ID,
			Path:       rec.Path,
			DataType:   rec.DataType,
			Payload:    payload,
			EnqueuedAt: rec.EnqueuedAt,
			RetryCount: rec.RetryCount,
		})
		q.encoded[rec.ID] = raw
	}

	// Restored state may exceed a capacity lowered since the last run.
	for len(q.items) > cfg.MaxSize {
		q.removeAt(0)
		droppedTotal.WithLabelValues(string(ReasonOverflow)).Inc()
	}

	if lost > 0 {
		droppedTotal.WithLabelValues(string(ReasonPayloadLost)).Add(float64(lost))
		logging.Warn("queued items lost across restart", logging.F(
			"lost", lost,
			"restored", len(q.items),
		))
	}
	if lost > 0 || len(q.items) != len(records) {
		q.persist()
	}

	queueCapacity.Set(float64(cfg.MaxSize))
	queueLength.Set(float64(len(q.items)))
	if len(q.items) > 0 {
		logging.Info("restored offline queue", logging.F("items", len(q.items)))
	}
	return q, nil
}

// Enqueue appends a new item with RetryCount 0. When the queue is at
// capacity the oldest item is evicted first and returned as evicted.
// An error means the payload cannot be encoded and nothing changed.
func (q *OfflineQueue) Enqueue(path, dataType string, payload map[string]any) (Item, *Item, error) {
	return q.enqueue(NewID(), path, dataType, payload)
}

// EnqueueWithID is Enqueue with a caller-chosen ID, for callers that embed
// the ID in the destination path. A duplicate ID is rejected.
func (q *OfflineQueue) EnqueueWithID(id, path, dataType string, payload map[string]any) (Item, *Item, error) {
	if id == "" || q.index(id) >= 0 {
		return Item{}, nil, fmt.Errorf("invalid or duplicate queue item id %q", id)
	}
	return q.enqueue(id, path, dataType, payload)
}

func (q *OfflineQueue) enqueue(id, path, dataType string, payload map[string]any) (Item, *Item, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Item{}, nil, fmt.Errorf("failed to encode payload for %s: %w", path, err)
	}

	var evicted *Item
	if len(q.items) >= q.cfg.MaxSize {
		old := q.items[0].clone()
		evicted = &old
		q.removeAt(0)
		droppedTotal.WithLabelValues(string(ReasonOverflow)).Inc()
	}

	it := &Item{
		ID:         id,
		Path:       path,
		DataType:   dataType,
		Payload:    maps.Clone(payload),
		EnqueuedAt: q.now(),
	}
	q.items = append(q.items, it)
	q.encoded[it.ID] = raw
	enqueuedTotal.Inc()

	q.persist()
	return it.clone(), evicted, nil
}

// Dequeue removes the item with the given id. It reports false when the
// item is absent, which makes repeated calls no-ops.
func (q *OfflineQueue) Dequeue(id string) bool {
	i := q.index(id)
	if i < 0 {
		return false
	}
	q.removeAt(i)
	dequeuedTotal.Inc()
	q.persist()
	return true
}

// IncrementRetry records a failed attempt. When the count reaches
// MaxRetries the item is removed instead and dropped is true. ok is false
// when the item is absent.
func (q *OfflineQueue) IncrementRetry(id string) (retries int, dropped bool, ok bool) {
	i := q.index(id)
	if i < 0 {
		return 0, false, false
	}
	retriesTotal.Inc()
	retries = q.items[i].RetryCount + 1
	if retries >= q.cfg.MaxRetries {
		q.removeAt(i)
		droppedTotal.WithLabelValues(string(ReasonRetryExhausted)).Inc()
		q.persist()
		return retries, true, true
	}
	q.items[i].RetryCount = retries
	q.persist()
	return retries, false, true
}

// List returns a copy of the queued items in insertion order.
func (q *OfflineQueue) List() []Item {
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = it.clone()
	}
	return out
}

// Get returns a copy of the item with the given id.
func (q *OfflineQueue) Get(id string) (Item, bool) {
	i := q.index(id)
	if i < 0 {
		return Item{}, false
	}
	return q.items[i].clone(), true
}

// Len returns the number of queued items.
func (q *OfflineQueue) Len() int {
	return len(q.items)
}

// Cap returns the configured capacity.
func (q *OfflineQueue) Cap() int {
	return q.cfg.MaxSize
}

// MaxRetries returns the configured attempt ceiling.
func (q *OfflineQueue) MaxRetries() int {
	return q.cfg.MaxRetries
}

// Clear discards every item and returns how many were removed.
func (q *OfflineQueue) Clear() int {
	n := len(q.items)
	q.items = nil
	q.encoded = make(map[string][]byte)
	if n > 0 {
		droppedTotal.WithLabelValues(string(ReasonCleared)).Add(float64(n))
	}
	queueLength.Set(0)
	q.persist()
	return n
}

// Close releases the store.
func (q *OfflineQueue) Close() error {
	return q.store.Close()
}

func (q *OfflineQueue) index(id string) int {
	for i, it := range q.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (q *OfflineQueue) removeAt(i int) {
	delete(q.encoded, q.items[i].ID)
	if i == 0 {
		q.items[0] = nil
		q.items = q.items[1:]
	} else {
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = nil
		q.items = q.items[:len(q.items)-1]
	}
	queueLength.Set(float64(len(q.items)))
}

// persist writes the current state through to the store. A failure keeps
// the in-memory state authoritative and is retried on the next mutation.
func (q *OfflineQueue) persist() {
	queueLength.Set(float64(len(q.items)))

	records := make([]Record, len(q.items))
	for i, it := range q.items {
		records[i] = it.record()
	}
	start := time.Now()
	if err := q.store.Save(records, q.encoded); err != nil {
		persistErrorsTotal.Inc()
		logging.Error("failed to persist offline queue", logging.F(
			"items", len(records),
			"error", err.Error(),
		))
		q.persistErr.Store(err.Error())
		return
	}
	q.persistErr.Store("")
	persistDuration.Observe(time.Since(start).Seconds())
}

// PersistErr returns the error of the last save if it failed. It is safe
// to call from any goroutine.
func (q *OfflineQueue) PersistErr() error {
	if msg, _ := q.persistErr.Load().(string); msg != "" {
		return errors.New(msg)
	}
	return nil
}

// NewID returns a time-ordered unique item id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
