package telephony

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

const (
	// frameBuffer bounds the events channel. At 50 inbound frames per
	// second this is more than a second of slack before the read loop
	// applies backpressure.
	frameBuffer = 64

	// maxFrameBytes raises the read limit above the library default.
	// Normal media frames are ~300 bytes on the wire but providers may
	// batch larger payloads.
	maxFrameBytes = 1 << 16
)

// Stream adapts an accepted media-stream WebSocket to typed frames. Reads
// happen on a single loop started by Start; writes may come from any
// goroutine and are serialized with a mutex.
type Stream struct {
	conn *websocket.Conn
	log  *slog.Logger

	events chan Frame

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	errVal    error
	closed    bool
	closeOnce sync.Once
}

// NewStream wraps an accepted connection. Call Start to begin reading.
func NewStream(conn *websocket.Conn, log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	conn.SetReadLimit(maxFrameBytes)
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		conn:   conn,
		log:    log,
		events: make(chan Frame, frameBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the read loop feeding Events. The loop stops when ctx is
// cancelled, the peer disconnects, or Close is called.
func (s *Stream) Start(ctx context.Context) {
	go s.readLoop(ctx)
}

// readLoop reads frames until the connection dies. It owns the events
// channel and closes it when it exits.
func (s *Stream) readLoop(ctx context.Context) {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			s.log.Warn("dropping malformed media-stream frame", "err", err)
			continue
		}

		select {
		case s.events <- frame:
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Events returns the channel on which decoded inbound frames arrive. The
// channel closes when the read loop exits.
func (s *Stream) Events() <-chan Frame { return s.events }

// SendMedia emits one outbound audio frame. The μ-law payload is
// base64-encoded here.
func (s *Stream) SendMedia(streamSID string, mulaw []byte) error {
	return s.writeJSON(outboundMedia{
		Event:     "media",
		StreamSID: streamSID,
		Media:     outboundPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// SendClear asks the peer to flush its buffered outbound audio. Sent on
// barge-in so the caller stops hearing a reply they already interrupted.
func (s *Stream) SendClear(streamSID string) error {
	return s.writeJSON(outboundClear{Event: "clear", StreamSID: streamSID})
}

// SendMark emits an advisory mark frame. An empty label is replaced with a
// fresh UUID so the peer's mark echo stays correlatable.
func (s *Stream) SendMark(streamSID, label string) error {
	if label == "" {
		label = uuid.NewString()
	}
	return s.writeJSON(outboundMark{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      wireMark{Name: label},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message. Safe for
// concurrent use.
func (s *Stream) writeJSON(v any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("telephony: stream closed")
	}
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("telephony: marshal: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *Stream) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// Err returns the first error that terminated the read loop, nil after a
// clean shutdown via Close or context cancellation.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the stream and releases the connection. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	return nil
}
