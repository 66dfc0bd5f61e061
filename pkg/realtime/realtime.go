// Package realtime implements the client side of the OpenAI Realtime API
// over WebSocket.
//
// A Client dials the realtime endpoint and configures the session for
// bidirectional PCM16 audio with server-side voice activity detection. The
// returned Session is a multiplexed handle: outgoing audio, text items and
// control messages are written through methods, while everything the server
// emits arrives as ServerEvent values on a single channel.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by write methods invoked after Close.
var ErrSessionClosed = errors.New("realtime: session closed")

// Session represents one open realtime conversation. It is an interface so
// that test code can supply scripted implementations without a live model
// connection.
//
// The session is the hot path of a live call, so every method must return
// quickly. Server traffic is channel-based to avoid blocking the caller's
// audio loop. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// AppendAudio delivers a chunk of 24 kHz little-endian PCM16 audio to
	// the model's input buffer. Returns [ErrSessionClosed] after Close, or
	// the write error.
	AppendAudio(pcm []byte) error

	// CreateResponse asks the model to start generating a response from the
	// current conversation state.
	CreateResponse() error

	// CancelResponse aborts the in-progress model response. Used when the
	// caller starts speaking over playback (barge-in).
	CancelResponse() error

	// CreateUserMessage appends a text item with the user role to the
	// conversation without triggering a response.
	CreateUserMessage(text string) error

	// SendToolOutput returns a function call result to the model. The output
	// must be a JSON-encoded string; follow with CreateResponse so the model
	// speaks the result.
	SendToolOutput(callID, output string) error

	// TruncateItem cuts the stored assistant audio for itemID down to
	// audioEndMs milliseconds, so the conversation state matches what the
	// caller actually heard before an interruption.
	TruncateItem(itemID string, audioEndMs int64) error

	// Events returns a read-only channel that emits every event the server
	// sends, in arrival order. The channel is closed when the session ends.
	// After the channel closes, call [Session.Err] to check whether the
	// session ended cleanly. Consumers must drain this channel promptly to
	// prevent backpressure from stalling the receive loop.
	Events() <-chan ServerEvent

	// Err returns the error that caused the Events channel to close
	// prematurely, or nil if the session ended cleanly.
	Err() error

	// Close terminates the session, releases all resources, and closes the
	// Events channel. Calling Close more than once is safe and returns nil.
	Close() error
}

// Dialer is the abstraction over a realtime backend. *Client is the
// production implementation; the bridge re-dials through this interface
// after a dropped connection.
type Dialer interface {
	// Dial establishes a new realtime session with the given configuration.
	// The returned Session accepts audio as soon as the session.updated
	// confirmation arrives on its Events channel. The caller owns the
	// Session and is responsible for calling Close.
	Dial(ctx context.Context, cfg SessionConfig) (Session, error)
}

// SessionConfig is the initial configuration for a new realtime session.
type SessionConfig struct {
	// Voice selects the timbre used for synthesised speech output.
	Voice string

	// Instructions is the system-level prompt that defines the assistant's
	// persona and behavioural constraints.
	Instructions string

	// Tools is the set of functions offered to the model for the lifetime of
	// the session. Calls are surfaced as function call events on the Events
	// channel.
	Tools []Tool

	// Temperature controls response sampling. Zero selects
	// DefaultTemperature.
	Temperature float64
}

// Tool describes one function the model may invoke during a session.
type Tool struct {
	// Name is the function name the model uses to request the tool.
	Name string

	// Description tells the model when the tool is appropriate.
	Description string

	// Parameters is a JSON Schema object describing the accepted arguments.
	Parameters map[string]any
}
