// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 for any process able to serve HTTP. /readyz answers
// 200 only while every registered [Checker] passes, so a node that lost its
// booking database or session cache stops receiving new calls before callers
// notice. Bodies are JSON:
//
//	{"status":"ok","checks":{"cache":"ok","database":"ok"}}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

// probeBudget bounds one whole /readyz evaluation. Checks run concurrently
// and share it.
const probeBudget = 5 * time.Second

// Checker probes one dependency. Check returns nil while the dependency can
// serve calls; it must respect ctx cancellation.
type Checker struct {
	// Name keys this check in the JSON response, e.g. "database".
	Name string

	Check func(ctx context.Context) error
}

// Pinger is anything that can probe its backing connection. The booking
// store and the session cache both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker wraps a [Pinger] dependency as a named [Checker].
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// report is the JSON body of both probes.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction, so it is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Healthz reports liveness. Serving the response is the proof; checkers are
// not consulted.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker concurrently under one shared deadline and
// reports 503 when any of them fails. Concurrency keeps slow dependencies
// from stacking: the whole evaluation finishes within probeBudget.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeBudget)
	defer cancel()

	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			errs[i] = c.Check(ctx)
		})
	}
	wg.Wait()

	checks := make(map[string]string, len(h.checkers))
	rep := report{Status: "ok", Checks: checks}
	code := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			checks[c.Name] = "fail: " + errs[i].Error()
			rep.Status = "fail"
			code = http.StatusServiceUnavailable
		} else {
			checks[c.Name] = "ok"
		}
	}

	writeJSON(w, code, rep)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON marshals before writing so a marshalling failure can still turn
// into a clean 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
