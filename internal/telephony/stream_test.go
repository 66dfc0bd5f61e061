package telephony_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/telephony"
	"github.com/coder/websocket"
)

// newTestStream stands up a WebSocket pair: the returned client conn plays
// the telephony provider, the returned Stream is the server side under test
// with its read loop already running.
func newTestStream(t *testing.T) (*websocket.Conn, *telephony.Stream) {
	t.Helper()

	streams := make(chan *telephony.Stream, 1)
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		streams <- telephony.NewStream(conn, slog.New(slog.NewTextHandler(io.Discard, nil)))
		<-done
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(done) })

	dialCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(dialCtx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "test done") })

	select {
	case s := <-streams:
		t.Cleanup(func() { _ = s.Close() })
		s.Start(context.Background())
		return client, s
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for accepted stream")
		return nil, nil
	}
}

// clientWrite sends raw as one text frame from the provider side.
func clientWrite(t *testing.T, client *websocket.Conn, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

// clientRead reads one text frame from the provider side into v.
func clientRead(t *testing.T, client *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("client read unmarshal: %v", err)
	}
}

// nextFrame waits for the next decoded frame from the stream.
func nextFrame(t *testing.T, s *telephony.Stream) telephony.Frame {
	t.Helper()
	select {
	case f, ok := <-s.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frame")
		return telephony.Frame{}
	}
}

func TestStream_DeliversParsedFrames(t *testing.T) {
	t.Parallel()

	client, s := newTestStream(t)

	clientWrite(t, client, `{"event":"connected"}`)
	clientWrite(t, client, `{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"callerPhone":"+15550100"}}}`)

	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	clientWrite(t, client, `{"event":"media","streamSid":"MZ1","media":{"payload":"`+payload+`"}}`)

	if f := nextFrame(t, s); f.Kind != telephony.FrameConnected {
		t.Errorf("frame 1 kind = %q; want connected", f.Kind)
	}

	start := nextFrame(t, s)
	if start.Kind != telephony.FrameStart || start.Start == nil {
		t.Fatalf("frame 2 = %+v; want start with info", start)
	}
	if start.Start.CallSID != "CA1" || start.Start.CallerPhone() != "+15550100" {
		t.Errorf("start info = %+v", start.Start)
	}

	media := nextFrame(t, s)
	if media.Kind != telephony.FrameMedia {
		t.Fatalf("frame 3 kind = %q; want media", media.Kind)
	}
	if string(media.Payload) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("payload = %v; want [1 2 3 4]", media.Payload)
	}
}

func TestStream_DropsMalformedFrames(t *testing.T) {
	t.Parallel()

	client, s := newTestStream(t)

	// Bad base64 payload, then an undecodable blob, then a valid stop.
	clientWrite(t, client, `{"event":"media","streamSid":"MZ1","media":{"payload":"%%%"}}`)
	clientWrite(t, client, `not json at all`)
	clientWrite(t, client, `{"event":"stop","streamSid":"MZ1"}`)

	if f := nextFrame(t, s); f.Kind != telephony.FrameStop {
		t.Errorf("first delivered frame = %q; malformed frames should be dropped", f.Kind)
	}
}

func TestStream_SendMedia_EncodesBase64(t *testing.T) {
	t.Parallel()

	client, s := newTestStream(t)

	mulaw := []byte{0xFF, 0x00, 0x7F, 0x80}
	if err := s.SendMedia("MZ1", mulaw); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}

	var out struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	clientRead(t, client, &out)

	if out.Event != "media" || out.StreamSID != "MZ1" {
		t.Errorf("envelope = %q/%q; want media/MZ1", out.Event, out.StreamSID)
	}
	decoded, err := base64.StdEncoding.DecodeString(out.Media.Payload)
	if err != nil {
		t.Fatalf("payload base64: %v", err)
	}
	if string(decoded) != string(mulaw) {
		t.Errorf("payload = %v; want %v", decoded, mulaw)
	}
}

func TestStream_SendClear(t *testing.T) {
	t.Parallel()

	client, s := newTestStream(t)

	if err := s.SendClear("MZ1"); err != nil {
		t.Fatalf("SendClear: %v", err)
	}

	var out map[string]any
	clientRead(t, client, &out)
	if out["event"] != "clear" || out["streamSid"] != "MZ1" {
		t.Errorf("clear frame = %v", out)
	}
}

func TestStream_SendMark_GeneratesLabel(t *testing.T) {
	t.Parallel()

	client, s := newTestStream(t)

	if err := s.SendMark("MZ1", ""); err != nil {
		t.Fatalf("SendMark: %v", err)
	}
	if err := s.SendMark("MZ1", "wrap-up"); err != nil {
		t.Fatalf("SendMark: %v", err)
	}

	var first struct {
		Event string `json:"event"`
		Mark  struct {
			Name string `json:"name"`
		} `json:"mark"`
	}
	clientRead(t, client, &first)
	if first.Event != "mark" {
		t.Errorf("event = %q; want mark", first.Event)
	}
	if first.Mark.Name == "" {
		t.Error("empty label should be replaced with a generated one")
	}

	var second struct {
		Mark struct {
			Name string `json:"name"`
		} `json:"mark"`
	}
	clientRead(t, client, &second)
	if second.Mark.Name != "wrap-up" {
		t.Errorf("label = %q; want wrap-up", second.Mark.Name)
	}
}

func TestStream_EventsCloseOnPeerDisconnect(t *testing.T) {
	t.Parallel()

	client, s := newTestStream(t)

	client.Close(websocket.StatusNormalClosure, "caller hung up")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, open := <-s.Events():
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for events channel to close")
		}
	}
}

func TestStream_CloseIdempotent(t *testing.T) {
	t.Parallel()

	_, s := newTestStream(t)

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.SendMedia("MZ1", []byte{1}); err == nil {
		t.Error("SendMedia after Close should return an error")
	}
}

func TestStream_ConcurrentSends(t *testing.T) {
	t.Parallel()

	client, s := newTestStream(t)

	const senders = 8
	const framesPerSender = 10

	var wg sync.WaitGroup
	for range senders {
		wg.Go(func() {
			for range framesPerSender {
				_ = s.SendMedia("MZ1", []byte{0x7F})
			}
		})
	}

	got := 0
	deadline := time.After(5 * time.Second)
	for got < senders*framesPerSender {
		select {
		case <-deadline:
			t.Fatalf("received %d of %d frames before timeout", got, senders*framesPerSender)
		default:
		}
		var out map[string]any
		clientRead(t, client, &out)
		if out["event"] == "media" {
			got++
		}
	}
	wg.Wait()
}
