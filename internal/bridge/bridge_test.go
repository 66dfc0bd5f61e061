package bridge_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/bridge"
	"github.com/MrWong99/voxline/internal/telephony"
	"github.com/MrWong99/voxline/internal/tools"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/realtime"
	rtmock "github.com/MrWong99/voxline/pkg/realtime/mock"
	"github.com/MrWong99/voxline/pkg/sessioncache"
	scmock "github.com/MrWong99/voxline/pkg/sessioncache/mock"
)

const (
	testStreamSID = "MZ1000"
	testCallSID   = "CA1000"
	testCaller    = "+15550100"
)

// ── Fakes ──────────────────────────────────────────────────────────────────────

// fakeStream implements bridge.TelephonyStream with an in-memory event
// channel and recorded outbound calls.
type fakeStream struct {
	mu     sync.Mutex
	events chan telephony.Frame

	media     [][]byte
	mediaSIDs []string
	clears    []string
	marks     []string
	closed    bool

	sendMediaErr error

	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan telephony.Frame, 64)}
}

func (f *fakeStream) Events() <-chan telephony.Frame { return f.events }

func (f *fakeStream) SendMedia(streamSID string, mulaw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendMediaErr != nil {
		return f.sendMediaErr
	}
	cp := make([]byte, len(mulaw))
	copy(cp, mulaw)
	f.media = append(f.media, cp)
	f.mediaSIDs = append(f.mediaSIDs, streamSID)
	return nil
}

func (f *fakeStream) SendClear(streamSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, streamSID)
	return nil
}

func (f *fakeStream) SendMark(streamSID, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, label)
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeEvents()
	return nil
}

// closeEvents simulates the peer hanging up the socket. Safe to call
// alongside Close.
func (f *fakeStream) closeEvents() {
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeStream) mediaFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.media))
	copy(out, f.media)
	return out
}

func (f *fakeStream) mediaSIDAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.mediaSIDs) {
		return ""
	}
	return f.mediaSIDs[i]
}

func (f *fakeStream) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clears)
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// executeCall records one fakeRunner.Execute invocation.
type executeCall struct {
	call tools.CallInfo
	name string
	args string
}

// fakeRunner implements bridge.ToolRunner with a canned output.
type fakeRunner struct {
	mu     sync.Mutex
	defs   []realtime.Tool
	output string
	delay  time.Duration
	calls  []executeCall
}

func (r *fakeRunner) Definitions() []realtime.Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defs
}

func (r *fakeRunner) Execute(_ context.Context, call tools.CallInfo, name, args string) string {
	r.mu.Lock()
	r.calls = append(r.calls, executeCall{call: call, name: name, args: args})
	out, delay := r.output, r.delay
	r.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return out
}

func (r *fakeRunner) executed() []executeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]executeCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// ── Harness ────────────────────────────────────────────────────────────────────

type endEvent struct {
	callSID string
	reason  string
}

// harness wires a bridge against in-memory fakes and runs it on a background
// goroutine.
type harness struct {
	t      *testing.T
	stream *fakeStream
	sess   *rtmock.Session
	dialer *rtmock.Dialer
	store  *scmock.Store
	writer *sessioncache.Writer
	runner *fakeRunner
	bridge *bridge.Bridge
	runErr chan error
	ended  chan endEvent
}

func newHarness(t *testing.T, cfg bridge.Config) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		stream: newFakeStream(),
		sess:   rtmock.NewSession(),
		store:  scmock.NewStore(),
		runner: &fakeRunner{output: `{"ok":true}`},
		runErr: make(chan error, 1),
		ended:  make(chan endEvent, 1),
	}
	h.dialer = &rtmock.Dialer{Session: h.sess}
	h.writer = sessioncache.NewWriter(h.store)
	t.Cleanup(func() { _ = h.writer.Close() })

	if cfg.OnEnd == nil {
		cfg.OnEnd = func(callSID, reason string) {
			h.ended <- endEvent{callSID: callSID, reason: reason}
		}
	}

	h.bridge = bridge.New(bridge.Deps{
		Stream: h.stream,
		Dialer: h.dialer,
		Tools:  h.runner,
		Writer: h.writer,
		Cache:  h.store,
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, cfg)
	return h
}

func (h *harness) run(ctx context.Context) {
	h.t.Helper()
	go func() { h.runErr <- h.bridge.Run(ctx) }()
}

// begin sends the start frame and brings the initial session up through
// session.created and session.updated.
func (h *harness) begin() {
	h.t.Helper()
	h.stream.events <- startFrame()
	h.sess.EventsCh <- realtime.ServerEvent{Type: realtime.EventSessionCreated}
	h.sess.EventsCh <- realtime.ServerEvent{Type: realtime.EventSessionUpdated}
}

func (h *harness) waitEnd() endEvent {
	h.t.Helper()
	select {
	case evt := <-h.ended:
		return evt
	case <-time.After(3 * time.Second):
		h.t.Fatal("timed out waiting for the call to end")
		return endEvent{}
	}
}

func (h *harness) waitRun() error {
	h.t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(3 * time.Second):
		h.t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

func startFrame() telephony.Frame {
	return telephony.Frame{
		Kind:      telephony.FrameStart,
		StreamSID: testStreamSID,
		Event:     "start",
		Start: &telephony.StartInfo{
			StreamSID:        testStreamSID,
			CallSID:          testCallSID,
			Tracks:           []string{"inbound"},
			CustomParameters: map[string]string{"callerPhone": testCaller},
			MediaFormat: telephony.MediaFormat{
				Encoding:   "audio/x-mulaw",
				SampleRate: 8000,
				Channels:   1,
			},
		},
	}
}

func mediaFrame(payload []byte) telephony.Frame {
	return telephony.Frame{
		Kind:      telephony.FrameMedia,
		StreamSID: testStreamSID,
		Event:     "media",
		Payload:   payload,
	}
}

func stopFrame() telephony.Frame {
	return telephony.Frame{Kind: telephony.FrameStop, StreamSID: testStreamSID, Event: "stop"}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// ── Audio forwarding ───────────────────────────────────────────────────────────

func TestRun_ForwardsCallerAudioToModel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{})
	h.run(context.Background())

	// Media ahead of the start frame must be dropped, not forwarded.
	early := bytes.Repeat([]byte{0x7F}, 160)
	h.stream.events <- mediaFrame(early)

	h.begin()

	mulaw := bytes.Repeat([]byte{0xFF}, 160)
	h.stream.events <- mediaFrame(mulaw)

	waitFor(t, func() bool { return len(h.sess.AppendedAudio()) == 1 }, "audio append")

	got := h.sess.AppendedAudio()[0]
	want := audio.MuLawToPCM24k(mulaw)
	if !bytes.Equal(got, want) {
		t.Errorf("appended audio mismatch: got %d bytes, want %d", len(got), len(want))
	}
	if len(got) != 960 {
		t.Errorf("appended %d bytes for a 20ms frame, want 960", len(got))
	}

	h.stream.events <- stopFrame()
	if evt := h.waitEnd(); evt.reason != bridge.ReasonTelephonyStop {
		t.Errorf("end reason = %q, want %q", evt.reason, bridge.ReasonTelephonyStop)
	}
	if err := h.waitRun(); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

func TestRun_ForwardsModelAudioToCaller(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{})
	h.run(context.Background())
	h.begin()

	pcm := audio.MuLawToPCM24k(bytes.Repeat([]byte{0x55}, 160))
	h.sess.EventsCh <- realtime.ServerEvent{
		Type:   realtime.EventAudioDelta,
		ItemID: "item_1",
		Audio:  pcm,
	}

	waitFor(t, func() bool { return len(h.stream.mediaFrames()) == 1 }, "outbound media")

	got := h.stream.mediaFrames()[0]
	want := audio.PCM24kToMuLaw(pcm)
	if !bytes.Equal(got, want) {
		t.Errorf("outbound media mismatch: got %d bytes, want %d", len(got), len(want))
	}
	if len(got) != 160 {
		t.Errorf("sent %d μ-law bytes for a 20ms delta, want 160", len(got))
	}
	if sid := h.stream.mediaSIDAt(0); sid != testStreamSID {
		t.Errorf("media sent on stream %q, want %q", sid, testStreamSID)
	}

	h.stream.events <- stopFrame()
	h.waitEnd()
}

// ── Greeting ───────────────────────────────────────────────────────────────────

func TestRun_GreetsExactlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{})
	h.run(context.Background())
	h.begin()

	waitFor(t, func() bool {
		_, responses, _ := h.sess.Counts()
		return responses == 1
	}, "greeting")

	// A second session.updated (e.g. a mid-call reconfiguration ack) must
	// not trigger another unprompted response. The audio delta behind it
	// proves the loop consumed both before we stop the call.
	h.sess.EventsCh <- realtime.ServerEvent{Type: realtime.EventSessionUpdated}
	h.sess.EventsCh <- realtime.ServerEvent{
		Type:   realtime.EventAudioDelta,
		ItemID: "item_1",
		Audio:  make([]byte, 960),
	}
	waitFor(t, func() bool { return len(h.stream.mediaFrames()) == 1 }, "outbound media")

	h.stream.events <- stopFrame()
	h.waitEnd()
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if _, responses, _ := h.sess.Counts(); responses != 1 {
		t.Errorf("CreateResponse called %d times, want exactly 1 greeting", responses)
	}
}

// ── Barge-in ───────────────────────────────────────────────────────────────────

func TestRun_BargeInCancelsAndTruncates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{})
	h.run(context.Background())
	h.begin()

	// 30720 bytes of 24kHz PCM16 is 640ms of played audio.
	h.sess.EventsCh <- realtime.ServerEvent{
		Type:   realtime.EventAudioDelta,
		ItemID: "item_1",
		Audio:  make([]byte, 30720),
	}
	waitFor(t, func() bool { return len(h.stream.mediaFrames()) == 1 }, "outbound media")

	h.sess.EventsCh <- realtime.ServerEvent{Type: realtime.EventSpeechStarted}
	waitFor(t, func() bool {
		cancels, _, _ := h.sess.Counts()
		return cancels == 1
	}, "response cancel")

	truncates := h.sess.Truncates()
	if len(truncates) != 1 {
		t.Fatalf("got %d truncates, want 1", len(truncates))
	}
	if truncates[0].ItemID != "item_1" || truncates[0].AudioEndMs != 640 {
		t.Errorf("truncate = %+v, want item_1 at 640ms", truncates[0])
	}
	if n := h.stream.clearCount(); n != 1 {
		t.Errorf("got %d clear frames, want 1", n)
	}

	h.stream.events <- stopFrame()
	h.waitEnd()
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	call, err := h.store.Call(context.Background(), testCallSID)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if call.Stats.BargeIns != 1 {
		t.Errorf("mirrored barge-in count = %d, want 1", call.Stats.BargeIns)
	}
}

func TestRun_SpeechStartedWhileIdleOnlyFlushes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{})
	h.run(context.Background())
	h.begin()

	// AI finishes speaking; audio is still queued on the caller's side.
	h.sess.EventsCh <- realtime.ServerEvent{
		Type:   realtime.EventAudioDelta,
		ItemID: "item_1",
		Audio:  make([]byte, 960),
	}
	waitFor(t, func() bool { return len(h.stream.mediaFrames()) == 1 }, "outbound media")
	h.sess.EventsCh <- realtime.ServerEvent{Type: realtime.EventAudioDone}

	h.sess.EventsCh <- realtime.ServerEvent{Type: realtime.EventSpeechStarted}
	waitFor(t, func() bool { return h.stream.clearCount() == 1 }, "buffer flush")

	// Already user-speaking: a repeated VAD signal changes nothing. The
	// transcript event behind it proves the loop consumed it before we
	// stop the call.
	h.sess.EventsCh <- realtime.ServerEvent{Type: realtime.EventSpeechStarted}
	h.sess.EventsCh <- realtime.ServerEvent{
		Type:       realtime.EventInputTranscript,
		Transcript: "hold on",
	}
	waitFor(t, func() bool { return len(h.store.Entries()) == 1 }, "transcript entry")

	h.stream.events <- stopFrame()
	h.waitEnd()
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if cancels, _, _ := h.sess.Counts(); cancels != 0 {
		t.Errorf("CancelResponse called %d times, want 0 without an active response", cancels)
	}
	if n := len(h.sess.Truncates()); n != 0 {
		t.Errorf("got %d truncates, want 0", n)
	}
	if n := h.stream.clearCount(); n != 1 {
		t.Errorf("got %d clear frames, want 1", n)
	}
}

// ── Tool dispatch ──────────────────────────────────────────────────────────────

func TestRun_ToolCallRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{})
	h.runner.output = `{"available_slots":[]}`
	h.run(context.Background())
	h.begin()

	h.sess.EventsCh <- realtime.ServerEvent{
		Type:      realtime.EventFunctionCallDone,
		Name:      "list_available_slots",
		Arguments: `{"date":"2026-09-01"}`,
		CallID:    "call_9",
	}

	waitFor(t, func() bool { return len(h.sess.ToolOutputs()) == 1 }, "tool output")

	out := h.sess.ToolOutputs()[0]
	if out.CallID != "call_9" || out.Output != `{"available_slots":[]}` {
		t.Errorf("tool output = %+v", out)
	}

	execs := h.runner.executed()
	if len(execs) != 1 {
		t.Fatalf("runner executed %d times, want 1", len(execs))
	}
	if execs[0].call.CallSID != testCallSID || execs[0].call.From != testCaller {
		t.Errorf("call info = %+v, want call %s from %s", execs[0].call, testCallSID, testCaller)
	}
	if execs[0].name != "list_available_slots" || execs[0].args != `{"date":"2026-09-01"}` {
		t.Errorf("executed %q with %q", execs[0].name, execs[0].args)
	}

	// Greeting plus the post-tool continuation.
	waitFor(t, func() bool {
		_, responses, _ := h.sess.Counts()
		return responses == 2
	}, "post-tool response")

	h.stream.events <- stopFrame()
	h.waitEnd()
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	call, err := h.store.Call(context.Background(), testCallSID)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if call.Stats.ToolCalls != 1 {
		t.Errorf("mirrored tool-call count = %d, want 1", call.Stats.ToolCalls)
	}
}

func TestRun_ConcurrentToolsShareOneContinuation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{})
	h.runner.delay = 20 * time.Millisecond
	h.run(context.Background())
	h.begin()

	h.sess.EventsCh <- realtime.ServerEvent{
		Type: realtime.EventFunctionCallDone, Name: "list_available_slots", CallID: "call_1",
	}
	h.sess.EventsCh <- realtime.ServerEvent{
		Type: realtime.EventFunctionCallDone, Name: "create_appointment", CallID: "call_2",
	}

	waitFor(t, func() bool { return len(h.sess.ToolOutputs()) == 2 }, "both tool outputs")

	h.stream.events <- stopFrame()
	h.waitEnd()
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	// One greeting, one continuation after the last outstanding tool.
	if _, responses, _ := h.sess.Counts(); responses != 2 {
		t.Errorf("CreateResponse called %d times, want 2", responses)
	}
}

// ── Transcripts and stats ──────────────────────────────────────────────────────

func TestRun_AppendsTranscriptEntries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{})
	h.run(context.Background())
	h.begin()

	h.sess.EventsCh <- realtime.ServerEvent{
		Type:       realtime.EventInputTranscript,
		Transcript: "I'd like to book a haircut.",
	}
	h.sess.EventsCh <- realtime.ServerEvent{
		Type:       realtime.EventAudioTranscriptDone,
		Transcript: "Sure, what day works for you?",
	}

	waitFor(t, func() bool { return len(h.store.Entries()) == 2 }, "transcript entries")

	entries := h.store.Entries()
	if entries[0].CallSID != testCallSID || entries[0].Entry.Role != sessioncache.RoleUser {
		t.Errorf("first entry = %+v, want user entry for %s", entries[0], testCallSID)
	}
	if entries[0].Entry.Text != "I'd like to book a haircut." {
		t.Errorf("user text = %q", entries[0].Entry.Text)
	}
	if entries[1].Entry.Role != sessioncache.RoleAssistant {
		t.Errorf("second entry role = %q, want assistant", entries[1].Entry.Role)
	}

	h.stream.events <- stopFrame()
	h.waitEnd()
}

func TestRun_MirrorsStatsEveryFiftyFrames(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{})
	h.run(context.Background())
	h.begin()

	payload := bytes.Repeat([]byte{0xFF}, 160)
	for range 50 {
		h.stream.events <- mediaFrame(payload)
	}

	waitFor(t, func() bool {
		call, err := h.store.Call(context.Background(), testCallSID)
		return err == nil && call.Stats.InboundFrames == 50
	}, "stats mirror at frame 50")

	call, _ := h.store.Call(context.Background(), testCallSID)
	if call.Stats.InboundBytes != 50*160 {
		t.Errorf("mirrored inbound bytes = %d, want %d", call.Stats.InboundBytes, 50*160)
	}
	if call.Status != sessioncache.StatusActive {
		t.Errorf("mirrored status = %q, want active", call.Status)
	}

	h.stream.events <- stopFrame()
	h.waitEnd()
}

// ── Reconnect ──────────────────────────────────────────────────────────────────

// scriptedDialer hands out a fresh mock session per Dial call.
type scriptedDialer struct {
	mu       sync.Mutex
	sessions []*rtmock.Session
	failFrom int // fail every dial at index >= failFrom; 0 disables
	calls    int
}

func (d *scriptedDialer) Dial(context.Context, realtime.SessionConfig) (realtime.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failFrom > 0 && d.calls > d.failFrom {
		return nil, errors.New("dial refused")
	}
	sess := rtmock.NewSession()
	d.sessions = append(d.sessions, sess)
	return sess, nil
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *scriptedDialer) session(i int) *rtmock.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

// newReconnectHarness builds a harness around a scriptedDialer instead of the
// canned single-session dialer.
func newReconnectHarness(t *testing.T, cfg bridge.Config) (*harness, *scriptedDialer) {
	t.Helper()
	h := newHarness(t, cfg)
	d := &scriptedDialer{}
	cfg.OnEnd = func(callSID, reason string) {
		h.ended <- endEvent{callSID: callSID, reason: reason}
	}
	h.bridge = bridge.New(bridge.Deps{
		Stream: h.stream,
		Dialer: d,
		Tools:  h.runner,
		Writer: h.writer,
		Cache:  h.store,
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, cfg)
	return h, d
}

func TestRun_ReconnectRedialsAndSessionCreatedResetsBudget(t *testing.T) {
	t.Parallel()

	h, d := newReconnectHarness(t, bridge.Config{
		MaxReconnects:    3,
		ReconnectBackoff: 5 * time.Millisecond,
	})
	h.run(context.Background())
	h.stream.events <- startFrame()

	// Four consecutive socket losses, each followed by a successful redial
	// that reaches session.created. Without the reset a three-attempt
	// budget could never survive four cycles. Closing right after the send
	// is fine: the buffered event drains before the channel reports closed.
	for cycle := range 5 {
		waitFor(t, func() bool { return d.dialCount() == cycle+1 }, "dial")
		sess := d.session(cycle)
		sess.EventsCh <- realtime.ServerEvent{Type: realtime.EventSessionCreated}
		if cycle < 4 {
			sess.CloseEvents()
		}
	}

	h.stream.events <- stopFrame()
	evt := h.waitEnd()
	if evt.reason != bridge.ReasonTelephonyStop {
		t.Errorf("end reason = %q, want %q", evt.reason, bridge.ReasonTelephonyStop)
	}
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if n := d.dialCount(); n != 5 {
		t.Errorf("dialed %d times, want 5 (initial + 4 redials)", n)
	}
	call, err := h.store.Call(context.Background(), testCallSID)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if call.Stats.Reconnects != 4 {
		t.Errorf("mirrored reconnect count = %d, want 4", call.Stats.Reconnects)
	}
}

func TestRun_ReconnectExhaustedEndsCall(t *testing.T) {
	t.Parallel()

	h, d := newReconnectHarness(t, bridge.Config{
		MaxReconnects:    3,
		ReconnectBackoff: 3 * time.Millisecond,
	})
	d.failFrom = 1 // initial dial succeeds, every redial fails

	h.run(context.Background())
	h.stream.events <- startFrame()

	waitFor(t, func() bool { return d.dialCount() == 1 }, "initial dial")
	sess := d.session(0)
	sess.EventsCh <- realtime.ServerEvent{Type: realtime.EventSessionCreated}
	sess.CloseEvents()

	evt := h.waitEnd()
	if evt.reason != bridge.ReasonReconnectExhausted {
		t.Errorf("end reason = %q, want %q", evt.reason, bridge.ReasonReconnectExhausted)
	}
	if err := h.waitRun(); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}

	if n := d.dialCount(); n != 4 {
		t.Errorf("dialed %d times, want 4 (initial + 3 failed redials)", n)
	}
	rec, ok := h.store.Ended[testCallSID]
	if !ok {
		t.Fatal("no end-of-call record written")
	}
	if rec.Reason != bridge.ReasonReconnectExhausted {
		t.Errorf("recorded reason = %q", rec.Reason)
	}
}

func TestRun_ReconnectBudgetPersistsUntilSessionCreated(t *testing.T) {
	t.Parallel()

	h, d := newReconnectHarness(t, bridge.Config{
		MaxReconnects:    3,
		ReconnectBackoff: 3 * time.Millisecond,
	})
	h.run(context.Background())
	h.stream.events <- startFrame()

	waitFor(t, func() bool { return d.dialCount() == 1 }, "initial dial")
	first := d.session(0)
	first.EventsCh <- realtime.ServerEvent{Type: realtime.EventSessionCreated}
	first.CloseEvents()

	// Each redialed socket dies before session.created arrives, so every
	// cycle burns a fresh attempt from the same budget.
	for i := 1; i <= 3; i++ {
		waitFor(t, func() bool { return d.dialCount() == i+1 }, "redial")
		d.session(i).CloseEvents()
	}

	evt := h.waitEnd()
	if evt.reason != bridge.ReasonReconnectExhausted {
		t.Errorf("end reason = %q, want %q", evt.reason, bridge.ReasonReconnectExhausted)
	}
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if n := d.dialCount(); n != 4 {
		t.Errorf("dialed %d times, want 4", n)
	}
}

// ── Duration ceiling ───────────────────────────────────────────────────────────

func TestRun_MaxDurationWrapsUpThenCuts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{
		MaxCallDuration: 30 * time.Millisecond,
		WrapUpGrace:     40 * time.Millisecond,
		WrapUpPrompt:    "Please say goodbye now.",
	})
	h.run(context.Background())
	h.begin()

	waitFor(t, func() bool { return len(h.sess.UserMessages()) == 1 }, "wrap-up prompt")
	if got := h.sess.UserMessages()[0]; got != "Please say goodbye now." {
		t.Errorf("wrap-up message = %q", got)
	}

	evt := h.waitEnd()
	if evt.reason != bridge.ReasonMaxDuration {
		t.Errorf("end reason = %q, want %q", evt.reason, bridge.ReasonMaxDuration)
	}
	if err := h.waitRun(); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}

	// Greeting plus the wrap-up response request.
	if _, responses, _ := h.sess.Counts(); responses != 2 {
		t.Errorf("CreateResponse called %d times, want 2", responses)
	}
}

// ── Lifecycle and teardown ─────────────────────────────────────────────────────

func TestRun_TelephonyStopWritesEndRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{})
	h.run(context.Background())
	h.begin()

	h.stream.events <- stopFrame()
	evt := h.waitEnd()
	if evt.callSID != testCallSID || evt.reason != bridge.ReasonTelephonyStop {
		t.Errorf("OnEnd(%q, %q), want (%q, %q)",
			evt.callSID, evt.reason, testCallSID, bridge.ReasonTelephonyStop)
	}
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if !h.stream.isClosed() {
		t.Error("telephony stream left open after teardown")
	}
	if _, _, closes := h.sess.Counts(); closes == 0 {
		t.Error("llm session left open after teardown")
	}

	call, err := h.store.Call(context.Background(), testCallSID)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if call.Status != sessioncache.StatusEnded {
		t.Errorf("final status = %q, want ended", call.Status)
	}
	if call.EndReason != bridge.ReasonTelephonyStop {
		t.Errorf("final end reason = %q", call.EndReason)
	}
	if call.EndedAt.IsZero() {
		t.Error("final EndedAt not set")
	}
	if got := len(h.store.MarkEndedCalls); got != 1 {
		t.Errorf("MarkEnded called %d times, want 1", got)
	}
}

func TestRun_TelephonyDisconnectEndsCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{})
	h.run(context.Background())
	h.begin()

	h.stream.closeEvents()

	evt := h.waitEnd()
	if evt.reason != bridge.ReasonTelephonyClosed {
		t.Errorf("end reason = %q, want %q", evt.reason, bridge.ReasonTelephonyClosed)
	}
	if err := h.waitRun(); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

func TestRun_ContextCancelShutsDown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, bridge.Config{})
	h.run(ctx)
	h.begin()

	// Let the loop establish before pulling the plug.
	waitFor(t, func() bool {
		_, responses, _ := h.sess.Counts()
		return responses == 1
	}, "greeting")
	cancel()

	evt := h.waitEnd()
	if evt.reason != bridge.ReasonShutdown {
		t.Errorf("end reason = %q, want %q", evt.reason, bridge.ReasonShutdown)
	}
	if err := h.waitRun(); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

func TestRun_DialFailureEndsCallWithError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{})
	h.dialer.DialErr = errors.New("upstream unavailable")
	h.run(context.Background())
	h.stream.events <- startFrame()

	evt := h.waitEnd()
	if evt.reason != bridge.ReasonError {
		t.Errorf("end reason = %q, want %q", evt.reason, bridge.ReasonError)
	}
	err := h.waitRun()
	if err == nil || !strings.Contains(err.Error(), "dial llm") {
		t.Errorf("Run returned %v, want dial error", err)
	}
}

func TestRun_StartRejectionAbortsBeforeDial(t *testing.T) {
	t.Parallel()

	rejection := errors.New("call already active")
	h := newHarness(t, bridge.Config{
		OnStart: func(*telephony.StartInfo) error { return rejection },
	})
	h.run(context.Background())
	h.stream.events <- startFrame()

	evt := h.waitEnd()
	if evt.reason != bridge.ReasonError {
		t.Errorf("end reason = %q, want %q", evt.reason, bridge.ReasonError)
	}
	err := h.waitRun()
	if !errors.Is(err, rejection) {
		t.Errorf("Run returned %v, want wrapped rejection", err)
	}
	if n := len(h.dialer.Calls()); n != 0 {
		t.Errorf("dialed %d times after rejection, want 0", n)
	}

	// A refused call must not touch the cache documents owned by the bridge
	// that holds the SID.
	if evt.callSID != "" {
		t.Errorf("OnEnd call SID = %q, want empty after rejection", evt.callSID)
	}
	if n := len(h.store.PutCallCalls); n != 0 {
		t.Errorf("rejected call wrote %d call documents, want 0", n)
	}
	if n := len(h.store.EndRecords()); n != 0 {
		t.Errorf("rejected call wrote %d end records, want 0", n)
	}
}

func TestRun_StopBeforeStartEndsQuietly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{})
	h.run(context.Background())
	h.stream.events <- stopFrame()

	evt := h.waitEnd()
	if evt.callSID != "" {
		t.Errorf("OnEnd call SID = %q, want empty before start", evt.callSID)
	}
	if evt.reason != bridge.ReasonTelephonyStop {
		t.Errorf("end reason = %q, want %q", evt.reason, bridge.ReasonTelephonyStop)
	}
	if err := h.waitRun(); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}

	// No call identity means nothing to mirror or mark ended.
	if n := len(h.store.MarkEndedCalls); n != 0 {
		t.Errorf("MarkEnded called %d times for an unstarted call", n)
	}
	if n := len(h.store.PutCallCalls); n != 0 {
		t.Errorf("PutCall called %d times for an unstarted call", n)
	}
}

func TestRun_PassesToolDefinitionsToDial(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bridge.Config{Voice: "alloy", Instructions: "Be brief."})
	h.runner.defs = []realtime.Tool{
		{Name: "list_available_slots"},
		{Name: "create_appointment"},
	}
	h.run(context.Background())
	h.begin()

	waitFor(t, func() bool { return len(h.dialer.Calls()) == 1 }, "dial")
	cfg := h.dialer.Calls()[0].Cfg
	if cfg.Voice != "alloy" || cfg.Instructions != "Be brief." {
		t.Errorf("dialed with voice %q instructions %q", cfg.Voice, cfg.Instructions)
	}
	if len(cfg.Tools) != 2 || cfg.Tools[0].Name != "list_available_slots" {
		t.Errorf("dialed with tools %+v", cfg.Tools)
	}

	h.stream.events <- stopFrame()
	h.waitEnd()
}
