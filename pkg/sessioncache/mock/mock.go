// Package mock provides an in-memory test double for the sessioncache.Store
// interface.
//
// The Store keeps written state in maps so tests can both inspect recorded
// calls and read back what the code under test wrote. Per-method Func
// overrides and Err fields allow scripting failures.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/sessioncache"
)

// AppendEntryCall records a single invocation of Store.AppendEntry.
type AppendEntryCall struct {
	// CallSID is the call the entry was appended to.
	CallSID string
	// Entry is the appended transcript entry.
	Entry sessioncache.Entry
}

// MarkEndedCall records a single invocation of Store.MarkEnded.
type MarkEndedCall struct {
	// CallSID is the call that was marked ended.
	CallSID string
	// Reason is the termination reason.
	Reason string
	// EndedAt is the recorded end instant.
	EndedAt time.Time
}

// Store is a mock implementation of sessioncache.Store backed by maps.
type Store struct {
	mu sync.Mutex

	// Calls holds the latest CallState per call SID.
	Calls map[string]sessioncache.CallState

	// Transcripts holds appended entries per call SID.
	Transcripts map[string][]sessioncache.Entry

	// Recaps holds stored recap text per call SID.
	Recaps map[string]string

	// Ended holds the end record per call SID.
	Ended map[string]sessioncache.EndRecord

	// --- Configurable errors ---

	// PutCallErr, if non-nil, is returned by every PutCall call.
	PutCallErr error

	// AppendEntryErr, if non-nil, is returned by every AppendEntry call.
	AppendEntryErr error

	// MarkEndedErr, if non-nil, is returned by every MarkEnded call.
	MarkEndedErr error

	// SetRecapErr, if non-nil, is returned by every SetRecap call.
	SetRecapErr error

	// PingErr, if non-nil, is returned by every Ping call.
	PingErr error

	// --- Func overrides ---

	// AppendEntryFunc, if non-nil, replaces the default AppendEntry
	// behaviour entirely. Useful for blocking the cache writer in tests.
	AppendEntryFunc func(ctx context.Context, callSID string, entry sessioncache.Entry) error

	// PutCallFunc, if non-nil, replaces the default PutCall behaviour.
	PutCallFunc func(ctx context.Context, call sessioncache.CallState) error

	// --- Call records ---

	// PutCallCalls records every CallState passed to PutCall in order.
	PutCallCalls []sessioncache.CallState

	// AppendEntryCalls records every call to AppendEntry in order.
	AppendEntryCalls []AppendEntryCall

	// MarkEndedCalls records every call to MarkEnded in order.
	MarkEndedCalls []MarkEndedCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewStore returns an empty in-memory Store.
func NewStore() *Store {
	return &Store{
		Calls:       make(map[string]sessioncache.CallState),
		Transcripts: make(map[string][]sessioncache.Entry),
		Recaps:      make(map[string]string),
		Ended:       make(map[string]sessioncache.EndRecord),
	}
}

// PutCall records the call and stores the state.
func (s *Store) PutCall(ctx context.Context, call sessioncache.CallState) error {
	s.mu.Lock()
	fn := s.PutCallFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, call)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutCallCalls = append(s.PutCallCalls, call)
	if s.PutCallErr != nil {
		return s.PutCallErr
	}
	s.Calls[call.CallSID] = call
	return nil
}

// Call returns the stored state or sessioncache.ErrNotFound.
func (s *Store) Call(_ context.Context, callSID string) (sessioncache.CallState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.Calls[callSID]
	if !ok {
		return sessioncache.CallState{}, sessioncache.ErrNotFound
	}
	return call, nil
}

// AppendEntry records the call and appends the entry.
func (s *Store) AppendEntry(ctx context.Context, callSID string, entry sessioncache.Entry) error {
	s.mu.Lock()
	fn := s.AppendEntryFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, callSID, entry)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendEntryCalls = append(s.AppendEntryCalls, AppendEntryCall{CallSID: callSID, Entry: entry})
	if s.AppendEntryErr != nil {
		return s.AppendEntryErr
	}
	s.Transcripts[callSID] = append(s.Transcripts[callSID], entry)
	return nil
}

// Transcript returns appended entries in order.
func (s *Store) Transcript(_ context.Context, callSID string) ([]sessioncache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]sessioncache.Entry, len(s.Transcripts[callSID]))
	copy(entries, s.Transcripts[callSID])
	return entries, nil
}

// MarkEnded records the call; the first invocation per SID returns true.
func (s *Store) MarkEnded(_ context.Context, callSID, reason string, endedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MarkEndedCalls = append(s.MarkEndedCalls, MarkEndedCall{CallSID: callSID, Reason: reason, EndedAt: endedAt})
	if s.MarkEndedErr != nil {
		return false, s.MarkEndedErr
	}
	if _, exists := s.Ended[callSID]; exists {
		return false, nil
	}
	s.Ended[callSID] = sessioncache.EndRecord{Reason: reason, EndedAt: endedAt}
	return true, nil
}

// SetRecap stores the recap text.
func (s *Store) SetRecap(_ context.Context, callSID, recap string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetRecapErr != nil {
		return s.SetRecapErr
	}
	s.Recaps[callSID] = recap
	return nil
}

// Recap returns the stored recap or sessioncache.ErrNotFound.
func (s *Store) Recap(_ context.Context, callSID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recap, ok := s.Recaps[callSID]
	if !ok {
		return "", sessioncache.ErrNotFound
	}
	return recap, nil
}

// Ping returns PingErr.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Close records the call.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// Entries returns a copy of the recorded AppendEntry calls. Thread-safe.
func (s *Store) Entries() []AppendEntryCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AppendEntryCall, len(s.AppendEntryCalls))
	copy(out, s.AppendEntryCalls)
	return out
}

// EndRecords returns a copy of the recorded MarkEnded calls. Thread-safe.
func (s *Store) EndRecords() []MarkEndedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MarkEndedCall, len(s.MarkEndedCalls))
	copy(out, s.MarkEndedCalls)
	return out
}

// Ensure Store implements sessioncache.Store at compile time.
var _ sessioncache.Store = (*Store)(nil)
