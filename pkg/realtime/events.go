package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Server event types the bridge reacts to. Events of any other type are
// still delivered so callers can log or ignore them.
const (
	EventSessionCreated      = "session.created"
	EventSessionUpdated      = "session.updated"
	EventSpeechStarted       = "input_audio_buffer.speech_started"
	EventSpeechStopped       = "input_audio_buffer.speech_stopped"
	EventAudioDelta          = "response.audio.delta"
	EventAudioDone           = "response.audio.done"
	EventAudioTranscriptDone = "response.audio_transcript.done"
	EventInputTranscript     = "conversation.item.input_audio_transcription.completed"
	EventFunctionCallDone    = "response.function_call_arguments.done"
	EventResponseDone        = "response.done"
	EventRateLimitsUpdated   = "rate_limits.updated"
	EventError               = "error"
)

// ServerError is the nested detail object of an "error" event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: %s (%s)", e.Message, e.Code)
	}
	return "realtime: " + e.Message
}

// RateLimit is one entry of a rate_limits.updated event.
type RateLimit struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}

// ServerEvent is one decoded event from the model. Only the fields relevant
// to the event's Type are populated.
type ServerEvent struct {
	// Type discriminates the event; compare against the Event constants.
	Type string

	// EventID is the server-assigned event identifier.
	EventID string

	// SessionID is set on session.created and session.updated.
	SessionID string

	// ItemID identifies the conversation item the event refers to. On audio
	// deltas it names the assistant item being synthesised, which is what
	// TruncateItem needs after a barge-in.
	ItemID string

	// Audio holds decoded PCM16 bytes for response.audio.delta events.
	Audio []byte

	// Transcript carries final transcript text for both
	// response.audio_transcript.done and caller speech transcription events.
	Transcript string

	// Name, Arguments and CallID describe a completed function call request.
	Name      string
	Arguments string
	CallID    string

	// AudioStartMs and AudioEndMs frame the detected speech for
	// speech_started and speech_stopped events.
	AudioStartMs int64
	AudioEndMs   int64

	// Err is the decoded detail of an "error" event.
	Err *ServerError

	// RateLimits is populated for rate_limits.updated.
	RateLimits []RateLimit
}

// wireEvent mirrors the JSON layout shared by all incoming server events.
type wireEvent struct {
	Type         string       `json:"type"`
	EventID      string       `json:"event_id,omitempty"`
	Delta        string       `json:"delta,omitempty"`
	Transcript   string       `json:"transcript,omitempty"`
	Name         string       `json:"name,omitempty"`
	Arguments    string       `json:"arguments,omitempty"`
	CallID       string       `json:"call_id,omitempty"`
	ItemID       string       `json:"item_id,omitempty"`
	AudioStartMs int64        `json:"audio_start_ms,omitempty"`
	AudioEndMs   int64        `json:"audio_end_ms,omitempty"`
	Error        *ServerError `json:"error,omitempty"`
	RateLimits   []RateLimit  `json:"rate_limits,omitempty"`
	Session      *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`
}

// parseServerEvent decodes one raw WebSocket frame into a ServerEvent.
// Audio deltas are base64-decoded here so consumers never see the wire
// encoding.
func parseServerEvent(data []byte) (ServerEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return ServerEvent{}, fmt.Errorf("realtime: decode event: %w", err)
	}

	evt := ServerEvent{
		Type:         w.Type,
		EventID:      w.EventID,
		ItemID:       w.ItemID,
		Transcript:   w.Transcript,
		Name:         w.Name,
		Arguments:    w.Arguments,
		CallID:       w.CallID,
		AudioStartMs: w.AudioStartMs,
		AudioEndMs:   w.AudioEndMs,
		Err:          w.Error,
		RateLimits:   w.RateLimits,
	}
	if w.Session != nil {
		evt.SessionID = w.Session.ID
	}
	if w.Type == EventAudioDelta && w.Delta != "" {
		audio, err := base64.StdEncoding.DecodeString(w.Delta)
		if err != nil {
			return ServerEvent{}, fmt.Errorf("realtime: decode audio delta: %w", err)
		}
		evt.Audio = audio
	}
	return evt, nil
}
