package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/szibis/vitals-sync/internal/logging"
	"github.com/szibis/vitals-sync/internal/queue"
	"github.com/szibis/vitals-sync/internal/status"
)

// SyncResult summarises one drain pass.
type SyncResult struct {
	// AlreadySyncing is set when another drain was in flight and nothing
	// was done.
	AlreadySyncing bool `json:"already_syncing"`
	Attempted      int  `json:"attempted"`
	Delivered      int  `json:"delivered"`
	Failed         int  `json:"failed"`
	Exhausted      int  `json:"exhausted"`
	// Skipped counts items removed from the queue after the pass started.
	Skipped int `json:"skipped"`
	Pending int `json:"pending"`
}

// Drain attempts every item queued when it starts, in queue order. A
// failed item that survives its retry increment delays the next item by
// Backoff(retryCount). Only one drain runs at a time; a concurrent call
// returns ErrAlreadySyncing without doing anything.
func (e *Engine) Drain(ctx context.Context) error {
	_, err := e.drain(ctx)
	return err
}

// ManualSync is a user-requested drain followed by a metadata refresh.
// A drain already in flight is reported through AlreadySyncing, not as an
// error.
func (e *Engine) ManualSync(ctx context.Context) (SyncResult, error) {
	res, err := e.drain(ctx)
	if errors.Is(err, ErrAlreadySyncing) {
		return SyncResult{AlreadySyncing: true, Pending: e.status.Snapshot().PendingCount}, nil
	}
	if err != nil {
		return res, err
	}

	id, err := e.Authenticate(ctx)
	if err != nil {
		return res, err
	}
	e.refreshMetadata(ctx, id.UserID)
	res.Pending = e.status.Snapshot().PendingCount
	return res, nil
}

func (e *Engine) drain(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	var (
		items []queueItem
		busy  bool
	)
	err := e.exec(ctx, func() {
		if e.draining {
			busy = true
			return
		}
		e.draining = true
		for _, it := range e.queue.List() {
			items = append(items, queueItem{id: it.ID, write: write{
				path:     it.Path,
				payload:  it.Payload,
				dataType: it.DataType,
			}})
		}
	})
	if err != nil {
		return res, err
	}
	if busy {
		drainsTotal.WithLabelValues("already_syncing").Inc()
		return res, ErrAlreadySyncing
	}

	start := time.Now()
	defer func() {
		e.post(func() { e.draining = false })
		drainDuration.Observe(time.Since(start).Seconds())
	}()

	if len(items) > 0 {
		logging.Info("draining offline queue", logging.F("items", len(items)))
	}

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			drainsTotal.WithLabelValues("canceled").Inc()
			return res, err
		}

		present := false
		if err := e.exec(ctx, func() { _, present = e.queue.Get(it.id) }); err != nil {
			drainsTotal.WithLabelValues("canceled").Inc()
			return res, err
		}
		if !present {
			res.Skipped++
			drainItemsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		res.Attempted++
		err := e.attempt(ctx, it.write)
		if err == nil {
			res.Delivered++
			drainItemsTotal.WithLabelValues("delivered").Inc()
			e.reach.MarkReachable()
			e.post(func() {
				if e.queue.Dequeue(it.id) {
					e.status.Apply(status.ItemDequeued{Pending: e.queue.Len()})
				}
				e.status.Apply(status.WriteSucceeded{DataType: it.write.dataType})
			})
			continue
		}

		// A canceled attempt does not count against the item.
		if ctx.Err() != nil {
			drainsTotal.WithLabelValues("canceled").Inc()
			return res, ctx.Err()
		}

		e.noteFailure(err)
		failure := writeFailure(it.write.path, err)

		var (
			retries       int
			dropped, kept bool
		)
		e.post(func() {
			if !isTransport(err) {
				e.status.Apply(status.WriteFailed{Message: failure.Error()})
			}
			var ok bool
			retries, dropped, ok = e.queue.IncrementRetry(it.id)
			kept = ok && !dropped
			if dropped {
				e.status.Apply(status.ItemDropped{
					Reason:  string(queue.ReasonRetryExhausted),
					Pending: e.queue.Len(),
					Message: fmt.Sprintf("%v: %s after %d attempts: %v", ErrRetryExhausted, it.write.path, retries, err),
				})
			}
		})

		switch {
		case dropped:
			res.Exhausted++
			drainItemsTotal.WithLabelValues("exhausted").Inc()
			logging.Error("dropping queued item after last attempt", logging.F(
				"id", it.id,
				"path", it.write.path,
				"attempts", retries,
				"error_type", string(failure.Type),
				"error", err.Error(),
			))
		case kept:
			res.Failed++
			drainItemsTotal.WithLabelValues("failed").Inc()
			delay := e.cfg.Backoff.Backoff(retries)
			logging.Debug("queued item failed, backing off", logging.F(
				"id", it.id,
				"retry_count", retries,
				"delay", delay.String(),
				"error", err.Error(),
			))
			if err := sleep(ctx, delay); err != nil {
				drainsTotal.WithLabelValues("canceled").Inc()
				return res, err
			}
		default:
			res.Skipped++
			drainItemsTotal.WithLabelValues("skipped").Inc()
		}
	}

	drainsTotal.WithLabelValues("completed").Inc()
	if res.Attempted > 0 {
		logging.Info("drain finished", logging.F(
			"attempted", res.Attempted,
			"delivered", res.Delivered,
			"failed", res.Failed,
			"exhausted", res.Exhausted,
		))
	}
	return res, nil
}

type queueItem struct {
	id    string
	write write
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	backoffSecondsTotal.Add(d.Seconds())
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
