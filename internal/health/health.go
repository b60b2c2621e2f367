// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
	// StatusDegraded means only informational checks failed. The instance
	// still reports ready.
	StatusDegraded Status = "degraded"
)

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Critical bool   `json:"critical"`
}

// Response is the JSON body returned by health endpoints.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil if the component is healthy, or an error describing the issue.
type CheckFunc func(ctx context.Context) error

type check struct {
	fn       CheckFunc
	critical bool
}

// Checker provides liveness and readiness probes.
type Checker struct {
	timeout      time.Duration
	mu           sync.RWMutex
	checks       map[string]check
	shuttingDown atomic.Bool
}

// New creates a checker whose checks are each bounded by timeout.
func New(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		timeout: timeout,
		checks:  make(map[string]check),
	}
}

// RegisterReadiness registers a check whose failure makes /ready return 503.
func (c *Checker) RegisterReadiness(name string, fn CheckFunc) {
	c.register(name, fn, true)
}

// RegisterInformational registers a check that is reported but only
// degrades readiness. The destination being unreachable is one: the
// engine keeps accepting samples into the offline queue.
func (c *Checker) RegisterInformational(name string, fn CheckFunc) {
	c.register(name, fn, false)
}

func (c *Checker) register(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check{fn: fn, critical: critical}
}

// SetShuttingDown marks the instance as shutting down.
// After this, both /live and /ready return 503.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// LiveHandler returns an http.HandlerFunc for the /live endpoint.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, shuttingDown())
			return
		}
		writeJSON(w, http.StatusOK, Response{Status: StatusUp, Timestamp: timestamp()})
	}
}

// ReadyHandler returns an http.HandlerFunc for the /ready endpoint.
// Checks run concurrently.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, shuttingDown())
			return
		}

		resp := c.Check(r.Context())
		code := http.StatusOK
		if resp.Status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// Check runs every registered check.
func (c *Checker) Check(ctx context.Context) Response {
	c.mu.RLock()
	checks := make(map[string]check, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components = make(map[string]ComponentCheck, len(checks))
	)
	for name, chk := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := ComponentCheck{Status: StatusUp, Critical: chk.critical}
			if err := chk.fn(ctx); err != nil {
				result.Status = StatusDown
				result.Message = err.Error()
			}
			mu.Lock()
			components[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	overall := StatusUp
	for _, comp := range components {
		if comp.Status != StatusDown {
			continue
		}
		if comp.Critical {
			overall = StatusDown
			break
		}
		overall = StatusDegraded
	}

	return Response{
		Status:     overall,
		Components: components,
		Timestamp:  timestamp(),
	}
}

func shuttingDown() Response {
	return Response{
		Status:    StatusDown,
		Timestamp: timestamp(),
		Components: map[string]ComponentCheck{
			"process": {Status: StatusDown, Message: "shutting down", Critical: true},
		},
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
