// Package sessioncache mirrors per-call state into a shared key/value store
// with a TTL, so dashboards and the recap pipeline can observe calls without
// touching the bridge.
//
// The bridge treats every write as fire-and-forget: audio-path writes go
// through a [Writer] that never blocks, and a failed write is never fatal to
// the call. Entries are append-only and retained for at least a day after
// the call ends.
//
// All implementations must be safe for concurrent use.
package sessioncache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no cached state exists for a call.
var ErrNotFound = errors.New("sessioncache: not found")

// Role identifies the author of a transcript entry.
type Role string

// Transcript entry roles.
const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool-call"
	RoleToolResult Role = "tool-result"
)

// Entry is one append-only transcript record. Entries are monotonic by
// Timestamp within a call and are never mutated after the append.
type Entry struct {
	// Timestamp is the instant the entry was produced.
	Timestamp time.Time `json:"timestamp"`

	// Role identifies who produced the entry.
	Role Role `json:"role"`

	// Text is the spoken transcript, or the tool result payload for
	// tool-result entries.
	Text string `json:"text"`

	// Tool is the function name for tool-call and tool-result entries.
	Tool string `json:"tool,omitempty"`

	// Args is the JSON-encoded argument string for tool-call entries.
	Args string `json:"args,omitempty"`
}

// CallStats are cumulative per-call counters, updated by the bridge.
type CallStats struct {
	InboundFrames  int64 `json:"inbound_frames"`
	OutboundFrames int64 `json:"outbound_frames"`
	InboundBytes   int64 `json:"inbound_bytes"`
	OutboundBytes  int64 `json:"outbound_bytes"`
	BargeIns       int64 `json:"barge_ins"`
	Reconnects     int64 `json:"reconnects"`
	ToolCalls      int64 `json:"tool_calls"`
}

// Call lifecycle status values.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// CallState is the externally visible subset of a call, written as an
// idempotent upsert. The bridge owns the authoritative record; this is the
// mirror observers read.
type CallState struct {
	CallSID   string    `json:"call_sid"`
	StreamSID string    `json:"stream_sid,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Status    string    `json:"status"`
	EndReason string    `json:"end_reason,omitempty"`
	Stats     CallStats `json:"stats"`
}

// EndRecord is the single end-of-call marker written when a call
// terminates.
type EndRecord struct {
	Reason  string    `json:"reason"`
	EndedAt time.Time `json:"ended_at"`
}

// Store is the session cache interface. RedisStore is the production
// implementation; tests use the mock subpackage.
type Store interface {
	// PutCall upserts the mirrored call state.
	PutCall(ctx context.Context, call CallState) error

	// Call returns the mirrored state for callSID, or ErrNotFound.
	Call(ctx context.Context, callSID string) (CallState, error)

	// AppendEntry appends one transcript entry for callSID.
	AppendEntry(ctx context.Context, callSID string, entry Entry) error

	// Transcript returns all entries for callSID in append order. A call
	// with no entries yields an empty slice, not an error.
	Transcript(ctx context.Context, callSID string) ([]Entry, error)

	// MarkEnded writes the end-of-call record for callSID. The record is
	// written at most once per call across all processes; the returned bool
	// reports whether this invocation created it.
	MarkEnded(ctx context.Context, callSID, reason string, endedAt time.Time) (bool, error)

	// SetRecap stores the post-call summary text for callSID.
	SetRecap(ctx context.Context, callSID, recap string) error

	// Recap returns the stored summary for callSID, or ErrNotFound.
	Recap(ctx context.Context, callSID string) (string, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the client. Further calls fail.
	Close() error
}
