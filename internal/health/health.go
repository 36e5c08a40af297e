// Package health serves the liveness and readiness probes for the call
// server.
//
// /healthz answers 200 whenever the process can serve HTTP at all. /readyz
// additionally runs every registered probe (Redis, the responder breaker)
// and answers 503 with a per-probe breakdown if any of them fails, so a load
// balancer stops routing new calls to a degraded instance without killing
// the calls already in flight.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker is one named readiness probe.
type Checker struct {
	// Name keys the probe's result in the /readyz response body.
	Name string

	// Check probes the dependency and returns nil when it is usable. It must
	// honour ctx; slow dependencies are cut off, not waited on.
	Check func(ctx context.Context) error
}

// Handler answers both probe endpoints. The probe set is fixed at
// construction, so it needs no locking.
type Handler struct {
	checkers     []Checker
	probeTimeout time.Duration
}

// Option adjusts a Handler.
type Option func(*Handler)

// WithProbeTimeout caps how long a single readiness probe may run.
// Default: 5s.
func WithProbeTimeout(d time.Duration) Option {
	return func(h *Handler) { h.probeTimeout = d }
}

// New builds a Handler over the given probes. Probes run in order on every
// /readyz request.
func New(checkers ...Checker) *Handler {
	h := &Handler{
		checkers:     append([]Checker(nil), checkers...),
		probeTimeout: 5 * time.Second,
	}
	return h
}

// NewWith builds a Handler with options applied.
func NewWith(opts []Option, checkers ...Checker) *Handler {
	h := New(checkers...)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// probeReport is the JSON body for both endpoints.
type probeReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz reports liveness. Serving the request is the proof.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, probeReport{Status: "ok"})
}

// Readyz runs every probe and reports 200 only when all of them pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	report := probeReport{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	code := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), h.probeTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			report.Checks[c.Name] = "fail: " + err.Error()
			report.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		report.Checks[c.Name] = "ok"
	}

	h.respond(w, code, report)
}

// Register mounts both probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.Healthz)
	mux.HandleFunc("/readyz", h.Readyz)
}

func (h *Handler) respond(w http.ResponseWriter, code int, report probeReport) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
