package httpapi

import (
	"errors"
	"net/http"

	"github.com/MrWong99/voxline/internal/booking"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/sessioncache"
)

// handleCalls lists the calls currently in progress on this node.
func (s *Server) handleCalls(w http.ResponseWriter, _ *http.Request) {
	calls := s.calls.LiveCalls()
	if calls == nil {
		calls = []CallSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

// handleTranscript returns the cached transcript for a call, live or ended.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("callSid")

	if _, err := s.cache.Call(r.Context(), sid); err != nil {
		if errors.Is(err, sessioncache.ErrNotFound) {
			apiError(w, http.StatusNotFound, "unknown call")
			return
		}
		observe.Logger(r.Context()).Error("call lookup failed", "call_sid", sid, "err", err)
		apiError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}

	entries, err := s.cache.Transcript(r.Context(), sid)
	if err != nil {
		observe.Logger(r.Context()).Error("transcript read failed", "call_sid", sid, "err", err)
		apiError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}
	if entries == nil {
		entries = []sessioncache.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"call_sid": sid,
		"entries":  entries,
	})
}

// handleRecap returns the stored post-call summary. It is 404 until the
// recap generator has run for the call.
func (s *Server) handleRecap(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("callSid")

	recap, err := s.cache.Recap(r.Context(), sid)
	if err != nil {
		if errors.Is(err, sessioncache.ErrNotFound) {
			apiError(w, http.StatusNotFound, "recap not available")
			return
		}
		observe.Logger(r.Context()).Error("recap read failed", "call_sid", sid, "err", err)
		apiError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"call_sid": sid,
		"recap":    recap,
	})
}

// handleAppointments lists every appointment on a date, any status.
func (s *Server) handleAppointments(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		apiError(w, http.StatusBadRequest, "date query parameter is required")
		return
	}
	if _, err := booking.ParseDate(date); err != nil {
		apiError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	appts, err := s.bookings.AppointmentsOn(r.Context(), date)
	if err != nil {
		observe.Logger(r.Context()).Error("appointment read failed", "date", date, "err", err)
		apiError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if appts == nil {
		appts = []booking.Appointment{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"date":         date,
		"appointments": appts,
	})
}
