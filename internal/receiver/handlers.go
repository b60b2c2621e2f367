package receiver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/szibis/vitals-sync/internal/compression"
	"github.com/szibis/vitals-sync/internal/engine"
	"github.com/szibis/vitals-sync/internal/logging"
	"github.com/szibis/vitals-sync/internal/sample"
)

// errorResponse is the body of every non-2xx reply. Accepted is set on
// batch endpoints: items before that index were handed to the engine and
// stay submitted, so a client retrying must resend only the rest.
type errorResponse struct {
	Error    string `json:"error"`
	Accepted *int   `json:"accepted,omitempty"`
}

// aggregateRequest is the wire form of an AggregatedRecord. Date is a
// calendar day (YYYY-MM-DD).
type aggregateRequest struct {
	Date             string    `json:"date"`
	Steps            *int64    `json:"steps,omitempty"`
	DistanceMeters   *float64  `json:"distance_meters,omitempty"`
	ActiveEnergyKcal *float64  `json:"active_energy_kcal,omitempty"`
	FlightsClimbed   *int64    `json:"flights_climbed,omitempty"`
	LastUpdated      time.Time `json:"last_updated"`
}

func (a aggregateRequest) record() (sample.AggregatedRecord, error) {
	day, err := time.Parse(sample.DateLayout, a.Date)
	if err != nil {
		return sample.AggregatedRecord{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", a.Date)
	}
	return sample.AggregatedRecord{
		Date:             day,
		Steps:            a.Steps,
		DistanceMeters:   a.DistanceMeters,
		ActiveEnergyKcal: a.ActiveEnergyKcal,
		FlightsClimbed:   a.FlightsClimbed,
		LastUpdated:      a.LastUpdated,
	}, nil
}

// readBody reads the size-limited body and undoes Content-Encoding.
func (r *Receiver) readBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBody))
	if err != nil {
		receiverErrorsTotal.WithLabelValues("read").Inc()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read body")
		}
		return nil, false
	}

	if enc := req.Header.Get("Content-Encoding"); enc != "" {
		t, err := compression.ParseType(enc)
		if err != nil {
			receiverErrorsTotal.WithLabelValues("decompress").Inc()
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
			return nil, false
		}
		body, err = compression.Decompress(body, t)
		if err != nil {
			receiverErrorsTotal.WithLabelValues("decompress").Inc()
			writeError(w, http.StatusBadRequest, "failed to decompress body")
			return nil, false
		}
		if int64(len(body)) > r.maxBody {
			receiverErrorsTotal.WithLabelValues("read").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "decoded request body too large")
			return nil, false
		}
	}
	return body, true
}

// decodeOneOrMany decodes a JSON object or an array of objects.
func decodeOneOrMany[T any](body []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var many []T
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

func (r *Receiver) handleSamples(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("samples").Inc()

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}
	samples, err := decodeOneOrMany[sample.TelemetrySample](body)
	if err != nil {
		receiverErrorsTotal.WithLabelValues("decode").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	for i, s := range samples {
		if err := s.Validate(); err != nil {
			receiverErrorsTotal.WithLabelValues("validation").Inc()
			writeError(w, http.StatusBadRequest, fmt.Sprintf("sample %d: %v", i, err))
			return
		}
	}

	for i, s := range samples {
		if err := r.engine.Submit(req.Context(), s); err != nil {
			receiverSamplesTotal.WithLabelValues("sample").Add(float64(i))
			r.writeBatchError(w, err, i)
			return
		}
	}
	receiverSamplesTotal.WithLabelValues("sample").Add(float64(len(samples)))
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(samples)})
}

func (r *Receiver) handleAggregates(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("aggregates").Inc()

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}
	reqs, err := decodeOneOrMany[aggregateRequest](body)
	if err != nil {
		receiverErrorsTotal.WithLabelValues("decode").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	records := make([]sample.AggregatedRecord, 0, len(reqs))
	for i, a := range reqs {
		rec, err := a.record()
		if err == nil {
			err = rec.Validate()
		}
		if err != nil {
			receiverErrorsTotal.WithLabelValues("validation").Inc()
			writeError(w, http.StatusBadRequest, fmt.Sprintf("aggregate %d: %v", i, err))
			return
		}
		records = append(records, rec)
	}

	for i, rec := range records {
		if err := r.engine.SubmitAggregate(req.Context(), rec); err != nil {
			receiverSamplesTotal.WithLabelValues("aggregate").Add(float64(i))
			r.writeBatchError(w, err, i)
			return
		}
	}
	receiverSamplesTotal.WithLabelValues("aggregate").Add(float64(len(records)))
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(records)})
}

func (r *Receiver) handleStatus(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("status").Inc()
	writeJSON(w, http.StatusOK, r.engine.Status())
}

// handleStatusStream sends every status snapshot as a server-sent event
// until the client goes away or the server stops.
func (r *Receiver) handleStatusStream(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("status_stream").Inc()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, cancel := r.engine.Subscribe(1)
	defer cancel()
	streamSubscribers.Inc()
	defer streamSubscribers.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(r.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-r.quit:
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case s, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(s)
			if err != nil {
				logging.Error("failed to encode status", logging.F("error", err.Error()))
				return
			}
			if _, err := fmt.Fprintf(w, "event: status\nid: %d\ndata: %s\n\n", s.Version, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (r *Receiver) handleSync(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("sync").Inc()
	res, err := r.engine.ManualSync(req.Context())
	if err != nil {
		r.writeEngineError(w, err)
		return
	}
	code := http.StatusOK
	if res.AlreadySyncing {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

func (r *Receiver) handleQueue(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("queue").Inc()
	items, err := r.engine.QueueItems(req.Context())
	if err != nil {
		r.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (r *Receiver) handleClearQueue(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("clear_queue").Inc()
	n, err := r.engine.ClearQueue(req.Context())
	if err != nil {
		r.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (r *Receiver) handlePause(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("pause").Inc()
	if err := r.engine.Pause(req.Context()); err != nil {
		r.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.engine.Status())
}

func (r *Receiver) handleResume(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("resume").Inc()
	if err := r.engine.Resume(req.Context()); err != nil {
		r.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.engine.Status())
}

func (r *Receiver) writeEngineError(w http.ResponseWriter, err error) {
	writeJSON(w, engineErrorStatus(err), errorResponse{Error: err.Error()})
}

// writeBatchError reports err together with the number of items that
// were submitted before it.
func (r *Receiver) writeBatchError(w http.ResponseWriter, err error, accepted int) {
	writeJSON(w, engineErrorStatus(err), errorResponse{Error: err.Error(), Accepted: &accepted})
}

func engineErrorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrAuthentication):
		receiverErrorsTotal.WithLabelValues("auth").Inc()
		return http.StatusServiceUnavailable
	case errors.Is(err, sample.ErrMissingType), errors.Is(err, sample.ErrInvalidType),
		errors.Is(err, sample.ErrInvalidValue), errors.Is(err, sample.ErrMissingTime):
		receiverErrorsTotal.WithLabelValues("validation").Inc()
		return http.StatusBadRequest
	default:
		receiverErrorsTotal.WithLabelValues("engine").Inc()
		logging.Warn("API request failed", logging.F("error", err.Error()))
		return http.StatusServiceUnavailable
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
