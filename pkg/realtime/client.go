package realtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Compile-time assertions that the concrete types satisfy the interfaces.
var _ Dialer = (*Client)(nil)
var _ Session = (*session)(nil)

const (
	defaultModel       = "gpt-realtime"
	defaultBaseURL     = "wss://api.openai.com/v1/realtime"
	defaultDialTimeout = 10 * time.Second

	// DefaultTemperature is applied when SessionConfig.Temperature is zero.
	DefaultTemperature = 0.8

	// transcriptionModel transcribes caller speech alongside the voice turn.
	transcriptionModel = "whisper-1"

	// maxEventBytes raises the connection read limit above the library
	// default; audio delta events routinely exceed 32 KiB.
	maxEventBytes = 1 << 20
)

// Server-side voice activity detection parameters sent with session.update.
const (
	vadThreshold         = 0.5
	vadPrefixPaddingMs   = 300
	vadSilenceDurationMs = 500
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model identifier appended to the dial URL.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithDialTimeout bounds how long Dial waits for the WebSocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client dials OpenAI Realtime sessions.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	dialTimeout time.Duration
}

// NewClient creates a realtime Client with the given API key and options.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		model:       defaultModel,
		baseURL:     defaultBaseURL,
		dialTimeout: defaultDialTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dial establishes a new realtime session with the given configuration. The
// session.update message configuring audio formats, transcription, turn
// detection and tools is sent before Dial returns.
func (c *Client) Dial(ctx context.Context, cfg SessionConfig) (Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)

	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(maxEventBytes)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan ServerEvent, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}
