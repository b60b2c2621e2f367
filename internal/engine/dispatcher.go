package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/szibis/vitals-sync/internal/logging"
	"github.com/szibis/vitals-sync/internal/queue"
	"github.com/szibis/vitals-sync/internal/sample"
	"github.com/szibis/vitals-sync/internal/status"
)

var errDuplicate = errors.New("duplicate sample")

// Submit delivers one real-time sample or queues it for later. Throttled
// and duplicate samples are dropped silently. Only validation and
// authentication errors are returned; write failures are recovered by
// queueing.
func (e *Engine) Submit(ctx context.Context, s sample.TelemetrySample) error {
	if err := s.Validate(); err != nil {
		return err
	}

	var rejected error
	if err := e.exec(ctx, func() { rejected = e.admit(s) }); err != nil {
		return err
	}
	if rejected != nil {
		if errors.Is(rejected, errDuplicate) {
			// A bloom false positive looks the same as a real repeat.
			samplesTotal.WithLabelValues(string(s.Type), "duplicate").Inc()
			logging.Info("duplicate sample dropped", logging.F(
				"type", string(s.Type), "timestamp", s.Timestamp, "value", s.Value))
			return nil
		}
		samplesTotal.WithLabelValues(string(s.Type), "throttled").Inc()
		logging.Debug("sample dropped", logging.F("type", string(s.Type), "reason", rejected.Error()))
		return nil
	}

	id, err := e.Authenticate(ctx)
	if err != nil {
		logging.Error("cannot submit sample without identity", logging.F(
			"type", string(s.Type), "error", err.Error()))
		return err
	}

	outcome, err := e.deliver(ctx, id.UserID, e.realtimeWrite(id.UserID, s))
	samplesTotal.WithLabelValues(string(s.Type), outcome).Inc()
	return err
}

// admit applies the optional duplicate filter and then the throttle, so a
// repeat never takes a throttle slot. It runs on the executor.
func (e *Engine) admit(s sample.TelemetrySample) error {
	if e.dedup.Enabled() && e.dedup.Seen([]byte(s.Key()), e.now()) {
		return errDuplicate
	}
	if !e.throttle.Accept(s.Type, e.now()) {
		return ErrThrottled
	}
	return nil
}

// SubmitAggregate merges the present fields of r into the day's node or
// queues the merge. An empty record is a no-op.
func (e *Engine) SubmitAggregate(ctx context.Context, r sample.AggregatedRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.IsEmpty() {
		aggregatesTotal.WithLabelValues("empty").Inc()
		return nil
	}

	id, err := e.Authenticate(ctx)
	if err != nil {
		logging.Error("cannot submit aggregate without identity", logging.F(
			"date", r.Day(), "error", err.Error()))
		return err
	}

	outcome, err := e.deliver(ctx, id.UserID, e.aggregateWrite(id.UserID, r))
	aggregatesTotal.WithLabelValues(outcome).Inc()
	return err
}

// deliver writes w directly when the link is up and queues it otherwise
// or when the write fails. It returns the outcome label.
func (e *Engine) deliver(ctx context.Context, uid string, w write) (string, error) {
	if !e.reach.Reachable() {
		if err := e.enqueue(w, ErrUnreachable); err != nil {
			return "lost", err
		}
		e.refreshMetadata(ctx, uid)
		return "queued", nil
	}

	err := e.attempt(ctx, w)
	if err == nil {
		e.reach.MarkReachable()
		e.post(func() {
			e.status.Apply(status.WriteSucceeded{DataType: w.dataType})
		})
		e.refreshMetadata(ctx, uid)
		return "sent", nil
	}

	// A write abandoned by the caller says nothing about the link.
	if ctx.Err() == nil {
		e.noteFailure(err)
	}
	failure := writeFailure(w.path, err)
	logging.Warn("write failed, queueing for retry", logging.F(
		"path", w.path,
		"error_type", string(failure.Type),
		"error", err.Error(),
	))
	if qerr := e.enqueue(w, failure); qerr != nil {
		return "lost", qerr
	}
	e.refreshMetadata(ctx, uid)
	return "queued", nil
}

// enqueue adds w to the offline queue on the executor. Appends are
// re-keyed to {path}/{id} so that the merge replay creates exactly one
// child per sample, however often it is retried.
func (e *Engine) enqueue(w write, cause error) error {
	var enqErr error
	err := e.post(func() {
		if !errors.Is(cause, ErrUnreachable) && !isTransport(cause) {
			e.status.Apply(status.WriteFailed{Message: cause.Error()})
		}

		var (
			item    queue.Item
			evicted *queue.Item
			err     error
		)
		if w.appendChild {
			id := queue.NewID()
			item, evicted, err = e.queue.EnqueueWithID(id, w.path+"/"+id, w.dataType, w.payload)
		} else {
			item, evicted, err = e.queue.Enqueue(w.path, w.dataType, w.payload)
		}
		if err != nil {
			enqErr = err
			return
		}

		if evicted != nil {
			msg := fmt.Sprintf("%v: %s", ErrQueueOverflow, evicted.Path)
			logging.Warn("offline queue overflow", logging.F(
				"evicted_id", evicted.ID,
				"evicted_path", evicted.Path,
				"capacity", e.queue.Cap(),
			))
			e.status.Apply(status.ItemDropped{
				Reason:  string(queue.ReasonOverflow),
				Pending: e.queue.Len(),
				Message: msg,
			})
		}
		e.status.Apply(status.ItemQueued{Pending: e.queue.Len()})
		logging.Debug("write queued", logging.F(
			"id", item.ID,
			"path", item.Path,
			"cause", cause.Error(),
			"pending", e.queue.Len(),
		))
	})
	if err == nil {
		err = enqErr
	}
	if err != nil {
		logging.Error("failed to queue write, data lost", logging.F(
			"path", w.path, "error", err.Error()))
	}
	return err
}
