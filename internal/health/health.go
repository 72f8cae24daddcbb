// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
//
// Only critical checkers gate readiness. [Handler.Report] evaluates every
// checker and grades the service healthy, degraded or unhealthy; the voice API
// serves it on its own health route.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/speakstream/pkg/audio/device"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "database",
	// "providers"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error

	// Critical marks checks whose failure makes the service unready. A
	// failing non-critical check only degrades it.
	Critical bool
}

// Status grades the overall result of a [Report].
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Report is the outcome of evaluating every checker.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Report(r.Context())

	res := result{
		Status: "ok",
		Checks: rep.Checks,
	}
	status := http.StatusOK
	if rep.Status == StatusUnhealthy {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Report evaluates every checker sequentially. The result is unhealthy when a
// critical check fails, degraded when only non-critical checks fail.
func (h *Handler) Report(ctx context.Context) Report {
	rep := Report{Status: StatusHealthy, Checks: make(map[string]string, len(h.checkers))}

	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()

		if err == nil {
			rep.Checks[c.Name] = "ok"
			continue
		}
		rep.Checks[c.Name] = "fail: " + err.Error()
		switch {
		case c.Critical:
			rep.Status = StatusUnhealthy
		case rep.Status == StatusHealthy:
			rep.Status = StatusDegraded
		}
	}
	return rep
}

// ErrNoPinger is reported by [ProviderCheck] for providers without a health
// endpoint.
var ErrNoPinger = errors.New("health: provider has no health check")

// ProviderCheck returns a non-critical checker that pings p. Providers that do
// not implement [tts.Pinger] report [ErrNoPinger].
func ProviderCheck(name string, p tts.Provider) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			pinger, ok := p.(tts.Pinger)
			if !ok {
				return ErrNoPinger
			}
			return pinger.Ping(ctx)
		},
	}
}

// DeviceCheck returns a critical checker that fails once the output device
// has been closed.
func DeviceCheck(dev device.Device) Checker {
	return Checker{
		Name:     "audio_device",
		Critical: true,
		Check: func(context.Context) error {
			if dev == nil {
				return errors.New("health: no output device")
			}
			if c, ok := dev.(interface{ Closed() bool }); ok && c.Closed() {
				return device.ErrClosed
			}
			return nil
		},
	}
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
