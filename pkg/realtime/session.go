package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateEvent struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionParams `json:"turn_detection,omitempty"`
	Tools                   []wireTool           `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

type wireTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Audio   string `json:"audio"` // base64-encoded PCM16
}

type controlEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

type createItemEvent struct {
	EventID string           `json:"event_id"`
	Type    string           `json:"type"`
	Item    conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// truncateItemEvent always serialises content_index so the zero index is
// explicit on the wire.
type truncateItemEvent struct {
	EventID      string `json:"event_id"`
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan ServerEvent

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures the session for bidirectional PCM16 audio,
// caller transcription and server-side turn detection.
func (s *session) sendSessionUpdate(cfg SessionConfig) error {
	temp := cfg.Temperature
	if temp == 0 {
		temp = DefaultTemperature
	}
	params := sessionParams{
		Modalities:              []string{"text", "audio"},
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionParams{Model: transcriptionModel},
		TurnDetection: &turnDetectionParams{
			Type:              "server_vad",
			Threshold:         vadThreshold,
			PrefixPaddingMs:   vadPrefixPaddingMs,
			SilenceDurationMs: vadSilenceDurationMs,
			CreateResponse:    true,
		},
		Temperature: temp,
	}
	if cfg.Voice != "" {
		params.Voice = cfg.Voice
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toWireTools(cfg.Tools)
		params.ToolChoice = "auto"
	}
	return s.writeJSON(sessionUpdateEvent{
		EventID: uuid.NewString(),
		Type:    "session.update",
		Session: params,
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads server frames and forwards decoded events.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		evt, err := parseServerEvent(data)
		if err != nil {
			slog.Debug("discarding undecodable realtime event", "err", err)
			continue
		}

		select {
		case s.events <- evt:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// toWireTools converts Tool definitions to the realtime function format.
func toWireTools(tools []Tool) []wireTool {
	out := make([]wireTool, len(tools))
	for i, t := range tools {
		out[i] = wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── Session methods ────────────────────────────────────────────────────────────

// AppendAudio delivers a raw PCM16 chunk to the model's input buffer.
func (s *session) AppendAudio(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioEvent{
		EventID: uuid.NewString(),
		Type:    "input_audio_buffer.append",
		Audio:   base64.StdEncoding.EncodeToString(pcm),
	})
}

// CreateResponse asks the model to start generating a response.
func (s *session) CreateResponse() error {
	return s.writeJSON(controlEvent{EventID: uuid.NewString(), Type: "response.create"})
}

// CancelResponse aborts the in-progress model response.
func (s *session) CancelResponse() error {
	return s.writeJSON(controlEvent{EventID: uuid.NewString(), Type: "response.cancel"})
}

// CreateUserMessage appends a user-role text item to the conversation.
func (s *session) CreateUserMessage(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	return s.writeJSON(createItemEvent{
		EventID: uuid.NewString(),
		Type:    "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	})
}

// SendToolOutput returns a function call result to the model.
func (s *session) SendToolOutput(callID, output string) error {
	return s.writeJSON(createItemEvent{
		EventID: uuid.NewString(),
		Type:    "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
}

// TruncateItem trims stored assistant audio to what was actually heard.
func (s *session) TruncateItem(itemID string, audioEndMs int64) error {
	return s.writeJSON(truncateItemEvent{
		EventID:    uuid.NewString(),
		Type:       "conversation.item.truncate",
		ItemID:     itemID,
		AudioEndMs: audioEndMs,
	})
}

// Events returns the channel on which decoded server events arrive.
func (s *session) Events() <-chan ServerEvent { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
