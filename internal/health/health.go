// Package health serves the liveness and readiness endpoints of the engine.
//
//   - /healthz: liveness; always 200 while the process serves HTTP.
//   - /readyz: readiness; 200 only when every registered check passes. The
//     body also carries an optional session snapshot (queue depth, turn
//     count) so operators can see what the engine is doing.
//
// Responses are JSON objects with a "status" field ("ok" or "fail").
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single readiness check.
const DefaultCheckTimeout = 5 * time.Second

// CheckFunc probes one dependency. It returns nil when healthy and must
// respect context cancellation.
type CheckFunc func(ctx context.Context) error

type check struct {
	name string
	fn   CheckFunc
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheck registers a named readiness check, e.g. "media" or "artifacts".
func WithCheck(name string, fn CheckFunc) Option {
	return func(h *Handler) { h.checks = append(h.checks, check{name: name, fn: fn}) }
}

// WithStats attaches a snapshot function whose result is reported under
// "stats" on /readyz.
func WithStats(fn func() any) Option {
	return func(h *Handler) { h.stats = fn }
}

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Stats  any               `json:"stats,omitempty"`
}

// Handler serves /healthz and /readyz. Checks are fixed at construction and
// run concurrently on every /readyz request.
type Handler struct {
	checks  []check
	stats   func() any
	timeout time.Duration
}

// New returns a handler with the given options applied.
func New(opts ...Option) *Handler {
	h := &Handler{timeout: DefaultCheckTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every check with its own deadline derived from the request
// context and answers 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checks))
		allOK  = true
	)

	var g errgroup.Group
	for _, c := range h.checks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
			defer cancel()
			err := c.fn(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.name] = "fail: " + err.Error()
				allOK = false
				return nil
			}
			checks[c.name] = "ok"
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	if h.stats != nil {
		res.Stats = h.stats()
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
