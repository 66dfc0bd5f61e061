// Package httpapi exposes the voxline HTTP surface: the telephony webhook,
// the media WebSocket, health and metrics endpoints, and a small read-only
// API over live calls, transcripts, recaps, and appointments.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxline/internal/booking"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/sessioncache"
)

// CallSummary is one live call as reported by GET /api/calls.
type CallSummary struct {
	CallSID   string    `json:"call_sid"`
	StreamSID string    `json:"stream_sid,omitempty"`
	From      string    `json:"from,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// CallHost serves accepted media websockets and reports the calls currently
// in progress. The app's call manager implements it.
type CallHost interface {
	// ServeCall bridges one accepted media websocket until the call ends.
	// It owns the connection from this point on.
	ServeCall(ctx context.Context, conn *websocket.Conn) error

	// LiveCalls snapshots the calls currently in progress.
	LiveCalls() []CallSummary
}

// Config holds the request-handling settings.
type Config struct {
	// PublicURL is the externally visible base URL. It appears in the
	// webhook answer document and anchors signature verification.
	PublicURL string

	// AuthToken enables webhook signature verification when non-empty.
	AuthToken string
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Calls    CallHost
	Cache    sessioncache.Store
	Bookings booking.Store
	Metrics  *observe.Metrics
	Log      *slog.Logger

	// Checkers are mounted on /readyz.
	Checkers []health.Checker
}

// Server owns the route table. Create instances with [New].
type Server struct {
	cfg      Config
	calls    CallHost
	cache    sessioncache.Store
	bookings booking.Store
	log      *slog.Logger
	handler  http.Handler
}

// New assembles the route table and wraps it in the observability
// middleware. Metrics and Log fall back to the package defaults when nil.
func New(deps Deps, cfg Config) *Server {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		calls:    deps.Calls,
		cache:    deps.Cache,
		bookings: deps.Bookings,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /voice", s.handleVoice)
	mux.HandleFunc("GET /media", s.handleMedia)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/calls", s.handleCalls)
	mux.HandleFunc("GET /api/calls/{callSid}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /api/calls/{callSid}/recap", s.handleRecap)
	mux.HandleFunc("GET /api/appointments", s.handleAppointments)
	health.New(deps.Checkers...).Register(mux)

	s.handler = observe.Middleware(metrics)(mux)
	return s
}

// Handler returns the middleware-wrapped route table, ready for an
// [http.Server].
func (s *Server) Handler() http.Handler {
	return s.handler
}

// writeJSON encodes v with the given status. By the time encoding can fail
// the status line is already on the wire, so failures are only logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}

// apiError writes the uniform JSON error body.
func apiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
