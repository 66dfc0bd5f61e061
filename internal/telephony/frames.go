// Package telephony speaks the provider's media-stream protocol: JSON text
// frames over a WebSocket carrying base64 μ-law audio, plus the TwiML webhook
// answer and its signature check.
//
// [ParseFrame] decodes inbound frames into typed [Frame] values; [Stream]
// wraps an accepted connection with a read loop and serialized writes. Audio
// payloads cross this boundary as raw μ-law bytes; nothing downstream touches
// the wire encoding.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Kind identifies the type of an inbound media-stream frame.
type Kind string

const (
	FrameConnected Kind = "connected"
	FrameStart     Kind = "start"
	FrameMedia     Kind = "media"
	FrameMark      Kind = "mark"
	FrameStop      Kind = "stop"

	// FrameUnknown covers event names this package does not recognize.
	// Callers log and ignore them.
	FrameUnknown Kind = "unknown"
)

// MediaFormat describes the audio encoding advertised in the start frame.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StartInfo carries the call identity delivered with the start frame.
type StartInfo struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// CallerPhone returns the caller's number from the stream's custom
// parameters. The webhook pins it under "callerPhone"; "from" is accepted as
// a fallback for streams wired by other answer documents. Empty when neither
// is present.
func (s *StartInfo) CallerPhone() string {
	if v := s.CustomParameters["callerPhone"]; v != "" {
		return v
	}
	return s.CustomParameters["from"]
}

// Frame is one decoded inbound frame.
type Frame struct {
	Kind      Kind
	StreamSID string

	// Event is the raw wire event name, kept for logging unknown frames.
	Event string

	// Start is set only on start frames.
	Start *StartInfo

	// Payload is the decoded μ-law audio of a media frame.
	Payload []byte

	// Mark is the advisory label of a mark frame.
	Mark string
}

// ── Wire shapes ────────────────────────────────────────────────────────────────

// wireFrame mirrors the JSON envelope shared by all inbound frames.
type wireFrame struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid"`
	Start     *StartInfo `json:"start"`
	Media     *wireMedia `json:"media"`
	Mark      *wireMark  `json:"mark"`
}

type wireMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type wireMark struct {
	Name string `json:"name"`
}

type outboundMedia struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid"`
	Media     outboundPayload `json:"media"`
}

type outboundPayload struct {
	Payload string `json:"payload"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

type outboundMark struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      wireMark `json:"mark"`
}

// ── Parsing ────────────────────────────────────────────────────────────────────

// ParseFrame decodes one inbound JSON text frame. Media payloads are
// base64-decoded here; a payload that does not decode is an error and the
// frame should be dropped. Unrecognized event names parse successfully as
// FrameUnknown.
func ParseFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("telephony: decode frame: %w", err)
	}

	f := Frame{StreamSID: w.StreamSID, Event: w.Event}
	switch w.Event {
	case "connected":
		f.Kind = FrameConnected
	case "start":
		if w.Start == nil {
			return Frame{}, fmt.Errorf("telephony: start frame missing start block")
		}
		f.Kind = FrameStart
		f.Start = w.Start
		if f.StreamSID == "" {
			f.StreamSID = w.Start.StreamSID
		}
	case "media":
		if w.Media == nil {
			return Frame{}, fmt.Errorf("telephony: media frame missing media block")
		}
		payload, err := base64.StdEncoding.DecodeString(w.Media.Payload)
		if err != nil {
			return Frame{}, fmt.Errorf("telephony: media payload: %w", err)
		}
		f.Kind = FrameMedia
		f.Payload = payload
	case "mark":
		f.Kind = FrameMark
		if w.Mark != nil {
			f.Mark = w.Mark.Name
		}
	case "stop":
		f.Kind = FrameStop
	default:
		f.Kind = FrameUnknown
	}
	return f, nil
}
