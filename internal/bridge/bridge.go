// Package bridge contains the per-call orchestrator connecting one telephony
// media stream to one LLM realtime session.
//
// A [Bridge] owns both sockets for the lifetime of a single call and runs a
// single event loop over them: inbound μ-law frames are transcoded and
// appended to the model's audio buffer, model audio deltas are transcoded
// back and sent to the caller, and the conversation state machine
// (idle / user-speaking / ai-speaking / tool-running) decides side effects
// such as barge-in cancellation, tool dispatch, and wrap-up on the duration
// ceiling. All mutable call state is owned by the loop goroutine; tools run
// on worker goroutines that post results back into the loop.
//
// This package is internal because it encapsulates application-private call
// handling and is not intended for import by external code.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/telephony"
	"github.com/MrWong99/voxline/internal/tools"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/realtime"
	"github.com/MrWong99/voxline/pkg/sessioncache"
)

// End reasons recorded with the call's end-of-call record.
const (
	ReasonTelephonyStop      = "telephony-stop"
	ReasonTelephonyClosed    = "telephony-closed"
	ReasonReconnectExhausted = "llm-reconnect-exhausted"
	ReasonMaxDuration        = "max-duration"
	ReasonError              = "error"
	ReasonShutdown           = "shutdown"
)

const (
	// DefaultMaxCallDuration is the call ceiling applied when the config
	// leaves it zero.
	DefaultMaxCallDuration = 5 * time.Minute

	// DefaultWrapUpGrace is how long the model gets to say goodbye after
	// the ceiling fires before both sockets are cut.
	DefaultWrapUpGrace = 12 * time.Second

	// DefaultMaxReconnects bounds LLM redial attempts per call.
	DefaultMaxReconnects = 3

	// DefaultReconnectBackoff is the linear backoff step: attempt n fires
	// n×step after the socket was lost.
	DefaultReconnectBackoff = time.Second

	// DefaultWrapUpPrompt is injected as a user message when the duration
	// ceiling fires. The provider has no documented mid-conversation system
	// role, so the wrap-up instruction travels as user text.
	DefaultWrapUpPrompt = "We are almost out of time for this call. Please wrap up now: " +
		"briefly confirm any appointment that was booked, thank the caller, and say goodbye."

	// statsMirrorEvery is the inbound-frame interval between async stat
	// snapshots to the session cache: 50 frames ≈ one second of audio.
	statsMirrorEvery = 50

	// endWriteTimeout bounds the direct cache writes performed at teardown.
	endWriteTimeout = 2 * time.Second

	// pcmBytesPerMs converts model-side PCM16 byte counts to milliseconds
	// for conversation.item.truncate.
	pcmBytesPerMs = audio.ModelRate / 1000 * 2

	// toolResultBuffer sizes the channel tool workers post results to.
	toolResultBuffer = 8
)

// conversationState enumerates the per-call state machine.
type conversationState int

const (
	stateIdle conversationState = iota
	stateUserSpeaking
	stateAISpeaking
	stateToolRunning
)

func (s conversationState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateUserSpeaking:
		return "user-speaking"
	case stateAISpeaking:
		return "ai-speaking"
	case stateToolRunning:
		return "tool-running"
	default:
		return "unknown"
	}
}

// TelephonyStream is the slice of [telephony.Stream] the bridge drives.
type TelephonyStream interface {
	Events() <-chan telephony.Frame
	SendMedia(streamSID string, mulaw []byte) error
	SendClear(streamSID string) error
	SendMark(streamSID, label string) error
	Close() error
}

// ToolRunner is the dispatcher surface the bridge needs: tool definitions
// for the session configuration and synchronous execution.
type ToolRunner interface {
	Definitions() []realtime.Tool
	Execute(ctx context.Context, call tools.CallInfo, name, args string) string
}

// Config carries per-call tunables. The zero value is usable; every field
// has a default.
type Config struct {
	// Voice and Instructions configure the LLM session.
	Voice        string
	Instructions string
	Temperature  float64

	// MaxCallDuration is the hard ceiling on call length. When it expires
	// the bridge asks the model to wrap up and cuts the call WrapUpGrace
	// later.
	MaxCallDuration time.Duration
	WrapUpGrace     time.Duration
	WrapUpPrompt    string

	// MaxReconnects and ReconnectBackoff shape the LLM redial policy.
	MaxReconnects    int
	ReconnectBackoff time.Duration

	// OnStart is invoked once the start frame arrives, before the LLM is
	// dialed. Returning an error (e.g. duplicate call SID) aborts the call.
	OnStart func(info *telephony.StartInfo) error

	// OnEnd is invoked exactly once during teardown.
	OnEnd func(callSID, reason string)
}

func (c Config) withDefaults() Config {
	if c.MaxCallDuration <= 0 {
		c.MaxCallDuration = DefaultMaxCallDuration
	}
	if c.WrapUpGrace <= 0 {
		c.WrapUpGrace = DefaultWrapUpGrace
	}
	if c.WrapUpPrompt == "" {
		c.WrapUpPrompt = DefaultWrapUpPrompt
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	return c
}

// Deps are the collaborators a bridge is wired with.
type Deps struct {
	Stream  TelephonyStream
	Dialer  realtime.Dialer
	Tools   ToolRunner
	Writer  *sessioncache.Writer
	Cache   sessioncache.Store
	Metrics *observe.Metrics
	Log     *slog.Logger
}

// toolResult is what a tool worker posts back into the event loop.
type toolResult struct {
	callID string
	output string
}

// Bridge relays one call. Create with [New], drive with [Run]; a Bridge is
// single-use.
type Bridge struct {
	stream  TelephonyStream
	dialer  realtime.Dialer
	tools   ToolRunner
	writer  *sessioncache.Writer
	cache   sessioncache.Store
	metrics *observe.Metrics
	cfg     Config
	log     *slog.Logger

	// All fields below are owned by the Run loop goroutine.

	llm       realtime.Session
	streamSID string
	callSID   string
	from      string
	to        string
	startedAt time.Time

	state           conversationState
	respItemID      string
	respAudioBytes  int64
	playbackPending bool
	greeted         bool
	reconnects      int
	toolsRunning    int
	stats           sessioncache.CallStats

	ceilingTimer *time.Timer
	ceilingC     <-chan time.Time
	hardCutTimer *time.Timer
	hardCutC     <-chan time.Time

	toolResults chan toolResult
	done        chan struct{}
	endOnce     sync.Once
	wg          sync.WaitGroup
}

// New wires a bridge for a single call. deps.Stream, deps.Dialer, deps.Tools,
// deps.Writer and deps.Cache are required; Metrics and Log fall back to the
// package defaults.
func New(deps Deps, cfg Config) *Bridge {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Bridge{
		stream:      deps.Stream,
		dialer:      deps.Dialer,
		tools:       deps.Tools,
		writer:      deps.Writer,
		cache:       deps.Cache,
		metrics:     metrics,
		cfg:         cfg.withDefaults(),
		log:         log,
		toolResults: make(chan toolResult, toolResultBuffer),
		done:        make(chan struct{}),
	}
}

// Run drives the call to completion: wait for the telephony start frame,
// dial the LLM session, then loop over both sockets until the call ends.
// Teardown has run by the time Run returns, whatever the exit path.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.wg.Wait()

	start, ok := b.awaitStart(ctx)
	if !ok {
		return nil
	}
	b.applyStart(start)

	if b.cfg.OnStart != nil {
		if err := b.cfg.OnStart(start); err != nil {
			b.log.Error("call rejected", "err", err)
			// The per-call cache documents belong to the bridge that owns
			// this SID; a refused call must not overwrite them.
			callSID := b.callSID
			b.callSID = ""
			b.teardown(ReasonError)
			return fmt.Errorf("bridge: start call %s: %w", callSID, err)
		}
	}

	b.writer.PutCall(b.callState())

	sess, err := b.dialer.Dial(ctx, b.sessionConfig())
	if err != nil {
		b.log.Error("llm dial failed", "err", err)
		b.teardown(ReasonError)
		return fmt.Errorf("bridge: dial llm: %w", err)
	}
	b.llm = sess

	b.ceilingTimer = time.NewTimer(b.cfg.MaxCallDuration)
	b.ceilingC = b.ceilingTimer.C

	return b.loop(ctx)
}

// awaitStart consumes pre-call frames until start arrives. A stop, a closed
// stream or a cancelled context ends the call before it began.
func (b *Bridge) awaitStart(ctx context.Context) (*telephony.StartInfo, bool) {
	for {
		select {
		case <-ctx.Done():
			b.teardown(ReasonShutdown)
			return nil, false
		case frame, ok := <-b.stream.Events():
			if !ok {
				b.teardown(ReasonTelephonyClosed)
				return nil, false
			}
			switch frame.Kind {
			case telephony.FrameStart:
				return frame.Start, true
			case telephony.FrameStop:
				b.teardown(ReasonTelephonyStop)
				return nil, false
			case telephony.FrameConnected:
				b.log.Debug("telephony handshake complete")
			case telephony.FrameMedia:
				b.log.Warn("media before start frame, dropping")
			}
		}
	}
}

// applyStart records the call identity from the start frame.
func (b *Bridge) applyStart(start *telephony.StartInfo) {
	b.streamSID = start.StreamSID
	b.callSID = start.CallSID
	b.from = start.CallerPhone()
	b.to = start.CustomParameters["to"]
	b.startedAt = time.Now()
	b.log = b.log.With("call_sid", b.callSID, "stream_sid", b.streamSID)
	b.log.Info("call started",
		"from", b.from,
		"tracks", start.Tracks,
		"encoding", start.MediaFormat.Encoding,
	)
}

// sessionConfig builds the LLM session configuration, pulling the current
// tool definitions so re-dials always carry the full set.
func (b *Bridge) sessionConfig() realtime.SessionConfig {
	return realtime.SessionConfig{
		Voice:        b.cfg.Voice,
		Instructions: b.cfg.Instructions,
		Temperature:  b.cfg.Temperature,
		Tools:        b.tools.Definitions(),
	}
}

// loop is the single event loop owning all call state.
func (b *Bridge) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.teardown(ReasonShutdown)
			return nil

		case frame, ok := <-b.stream.Events():
			if !ok {
				b.teardown(ReasonTelephonyClosed)
				return nil
			}
			if ended := b.handleTelephony(ctx, frame); ended {
				return nil
			}

		case evt, ok := <-b.llm.Events():
			if !ok {
				if !b.reconnect(ctx) {
					return nil
				}
				continue
			}
			b.handleLLM(ctx, evt)

		case res := <-b.toolResults:
			b.handleToolResult(res)

		case <-b.ceilingC:
			b.beginWrapUp()

		case <-b.hardCutC:
			b.teardown(ReasonMaxDuration)
			return nil
		}
	}
}

// ── Telephony side ─────────────────────────────────────────────────────────────

// handleTelephony processes one inbound frame. It reports true when the
// frame ended the call.
func (b *Bridge) handleTelephony(ctx context.Context, frame telephony.Frame) bool {
	switch frame.Kind {
	case telephony.FrameMedia:
		b.forwardInbound(ctx, frame.Payload)
	case telephony.FrameMark:
		b.log.Debug("mark echoed by peer", "label", frame.Mark)
	case telephony.FrameStop:
		b.log.Info("telephony stop frame received")
		b.teardown(ReasonTelephonyStop)
		return true
	case telephony.FrameStart:
		b.log.Warn("duplicate start frame ignored")
	case telephony.FrameConnected:
		// Handshake frame; nothing to do mid-call.
	default:
		b.log.Debug("ignoring telephony frame", "event", frame.Event)
	}
	return false
}

// forwardInbound transcodes one caller frame and appends it to the model's
// input buffer. Failures drop the frame; a dead session surfaces through the
// events channel, not here.
func (b *Bridge) forwardInbound(ctx context.Context, mulaw []byte) {
	b.stats.InboundFrames++
	b.stats.InboundBytes += int64(len(mulaw))
	b.metrics.RecordMediaFrame(ctx, observe.DirectionInbound, len(mulaw))

	transcodeStart := time.Now()
	pcm := audio.MuLawToPCM24k(mulaw)
	b.metrics.TranscodeDuration.Record(ctx, time.Since(transcodeStart).Seconds(),
		metric.WithAttributes(observe.Attr("direction", observe.DirectionInbound)),
	)

	if err := b.llm.AppendAudio(pcm); err != nil {
		b.log.Warn("dropping inbound frame", "err", err)
	}

	if b.stats.InboundFrames%statsMirrorEvery == 0 {
		b.writer.PutCall(b.callState())
	}
}

// ── LLM side ───────────────────────────────────────────────────────────────────

func (b *Bridge) handleLLM(ctx context.Context, evt realtime.ServerEvent) {
	switch evt.Type {
	case realtime.EventSessionCreated:
		if b.reconnects > 0 {
			b.log.Info("llm session restored", "attempts_used", b.reconnects)
		}
		b.reconnects = 0

	case realtime.EventSessionUpdated:
		if !b.greeted {
			b.greeted = true
			if err := b.llm.CreateResponse(); err != nil {
				b.log.Warn("greeting request failed", "err", err)
			} else {
				b.log.Info("greeting requested")
			}
		}

	case realtime.EventSpeechStarted:
		b.onSpeechStarted(ctx)

	case realtime.EventSpeechStopped:
		if b.state == stateUserSpeaking {
			b.state = stateIdle
		}

	case realtime.EventAudioDelta:
		b.forwardOutbound(ctx, evt)

	case realtime.EventAudioDone:
		if b.state == stateAISpeaking {
			b.state = stateIdle
		}
		b.respItemID = ""
		b.respAudioBytes = 0

	case realtime.EventInputTranscript:
		if evt.Transcript != "" {
			b.writer.AppendEntry(b.callSID, sessioncache.Entry{
				Timestamp: time.Now(),
				Role:      sessioncache.RoleUser,
				Text:      evt.Transcript,
			})
		}

	case realtime.EventAudioTranscriptDone:
		if evt.Transcript != "" {
			b.writer.AppendEntry(b.callSID, sessioncache.Entry{
				Timestamp: time.Now(),
				Role:      sessioncache.RoleAssistant,
				Text:      evt.Transcript,
			})
		}

	case realtime.EventFunctionCallDone:
		b.runTool(ctx, evt)

	case realtime.EventResponseDone:
		// State settles via audio.done or barge-in; nothing left to do.

	case realtime.EventRateLimitsUpdated:
		b.log.Debug("llm rate limits updated")

	case realtime.EventError:
		// Non-fatal per the protocol; a broken socket closes the events
		// channel instead.
		b.log.Warn("llm error event", "err", evt.Err)

	default:
		b.log.Debug("ignoring llm event", "type", evt.Type)
	}
}

// onSpeechStarted applies the caller-started-talking transitions. From
// ai-speaking this is a barge-in; from idle it only flushes audio the caller
// has not heard yet. During tool-running the VAD signal is informational.
func (b *Bridge) onSpeechStarted(ctx context.Context) {
	switch b.state {
	case stateAISpeaking:
		b.interruptPlayback(ctx)
		b.state = stateUserSpeaking
	case stateIdle:
		if b.playbackPending {
			b.sendClear()
		}
		b.state = stateUserSpeaking
	}
}

// interruptPlayback is the barge-in sequence: flush the caller's buffered
// audio, cancel the in-flight response, and truncate the conversation item
// to the audio actually heard so the model's context matches reality.
func (b *Bridge) interruptPlayback(ctx context.Context) {
	b.sendClear()

	if err := b.llm.CancelResponse(); err != nil {
		b.log.Warn("response cancel failed", "err", err)
	}

	heardMs := b.respAudioBytes / pcmBytesPerMs
	if b.respItemID != "" {
		if err := b.llm.TruncateItem(b.respItemID, heardMs); err != nil {
			b.log.Warn("item truncate failed", "item_id", b.respItemID, "err", err)
		}
	}

	b.stats.BargeIns++
	b.metrics.BargeIns.Add(ctx, 1)
	b.log.Info("barge-in", "item_id", b.respItemID, "heard_ms", heardMs)

	b.respItemID = ""
	b.respAudioBytes = 0
}

// sendClear flushes the peer's outbound audio buffer and resets the
// playback-pending flag.
func (b *Bridge) sendClear() {
	if err := b.stream.SendClear(b.streamSID); err != nil {
		b.log.Warn("clear frame failed", "err", err)
	}
	b.playbackPending = false
}

// forwardOutbound transcodes one model audio delta and sends it to the
// caller. Deltas arriving while a tool runs are relayed without a state
// transition so the tool-running → idle edge stays owned by the result.
func (b *Bridge) forwardOutbound(ctx context.Context, evt realtime.ServerEvent) {
	if b.state != stateToolRunning {
		b.state = stateAISpeaking
		if evt.ItemID != "" && evt.ItemID != b.respItemID {
			b.respItemID = evt.ItemID
			b.respAudioBytes = 0
		}
	}
	b.respAudioBytes += int64(len(evt.Audio))

	transcodeStart := time.Now()
	mulaw := audio.PCM24kToMuLaw(evt.Audio)
	b.metrics.TranscodeDuration.Record(ctx, time.Since(transcodeStart).Seconds(),
		metric.WithAttributes(observe.Attr("direction", observe.DirectionOutbound)),
	)

	if err := b.stream.SendMedia(b.streamSID, mulaw); err != nil {
		b.log.Warn("dropping outbound frame", "err", err)
		return
	}
	b.playbackPending = true
	b.stats.OutboundFrames++
	b.stats.OutboundBytes += int64(len(mulaw))
	b.metrics.RecordMediaFrame(ctx, observe.DirectionOutbound, len(mulaw))
}

// ── Tools ──────────────────────────────────────────────────────────────────────

// runTool executes the requested function on a worker goroutine so database
// time never blocks the audio path. The result re-enters the loop through
// toolResults.
func (b *Bridge) runTool(ctx context.Context, evt realtime.ServerEvent) {
	b.state = stateToolRunning
	b.toolsRunning++
	b.stats.ToolCalls++
	b.log.Info("tool call requested", "tool", evt.Name, "llm_call_id", evt.CallID)

	call := tools.CallInfo{CallSID: b.callSID, From: b.from}
	name, args, callID := evt.Name, evt.Arguments, evt.CallID
	b.wg.Go(func() {
		output := b.tools.Execute(ctx, call, name, args)
		select {
		case b.toolResults <- toolResult{callID: callID, output: output}:
		case <-b.done:
		}
	})
}

// handleToolResult returns a tool's output to the model. Once no tool is
// outstanding it asks for a fresh response so the model can verbalize the
// result.
func (b *Bridge) handleToolResult(res toolResult) {
	if err := b.llm.SendToolOutput(res.callID, res.output); err != nil {
		b.log.Warn("tool output delivery failed", "llm_call_id", res.callID, "err", err)
	}

	b.toolsRunning--
	if b.toolsRunning > 0 {
		return
	}
	if err := b.llm.CreateResponse(); err != nil {
		b.log.Warn("post-tool response request failed", "err", err)
	}
	if b.state == stateToolRunning {
		b.state = stateIdle
	}
}

// ── Timers ─────────────────────────────────────────────────────────────────────

// beginWrapUp runs when the duration ceiling fires: tell the model to say
// goodbye and arm the hard cut.
func (b *Bridge) beginWrapUp() {
	b.ceilingC = nil
	b.log.Info("duration ceiling reached, wrapping up",
		"ceiling", b.cfg.MaxCallDuration,
		"grace", b.cfg.WrapUpGrace,
	)

	if err := b.llm.CreateUserMessage(b.cfg.WrapUpPrompt); err != nil {
		b.log.Warn("wrap-up message failed", "err", err)
	}
	if err := b.llm.CreateResponse(); err != nil {
		b.log.Warn("wrap-up response request failed", "err", err)
	}

	b.hardCutTimer = time.NewTimer(b.cfg.WrapUpGrace)
	b.hardCutC = b.hardCutTimer.C
}

// ── Reconnect ──────────────────────────────────────────────────────────────────

// reconnect re-dials the model after its socket died mid-call. Attempt n
// fires n×backoff after the cycle starts; the attempt counter persists
// across cycles and only session.created resets it, so a socket that dies
// again before session.created burns its attempt. Returns false when the
// call is over (teardown has already run).
func (b *Bridge) reconnect(ctx context.Context) bool {
	if err := b.llm.Err(); err != nil {
		b.log.Warn("llm session lost", "err", err)
	} else {
		b.log.Warn("llm session closed by peer")
	}
	_ = b.llm.Close()

	cycleStart := time.Now()
	for b.reconnects < b.cfg.MaxReconnects {
		attempt := b.reconnects + 1
		if !b.waitReconnectSlot(ctx, cycleStart, attempt) {
			return false
		}
		b.reconnects = attempt
		b.stats.Reconnects++
		b.metrics.Reconnects.Add(ctx, 1)
		b.log.Info("reconnecting llm session",
			"attempt", attempt,
			"max_attempts", b.cfg.MaxReconnects,
		)

		sess, err := b.dialer.Dial(ctx, b.sessionConfig())
		if err != nil {
			b.log.Warn("llm reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}

		b.llm = sess
		// The interrupted response is gone with the old socket.
		b.state = stateIdle
		b.respItemID = ""
		b.respAudioBytes = 0
		b.log.Info("llm session reconnected", "attempt", attempt)
		return true
	}

	b.log.Error("llm reconnect attempts exhausted", "attempts", b.reconnects)
	b.teardown(ReasonReconnectExhausted)
	return false
}

// waitReconnectSlot sleeps until attempt×backoff past cycleStart while still
// honouring telephony stop, the call timers, and shutdown. Media received
// while disconnected is counted and discarded.
func (b *Bridge) waitReconnectSlot(ctx context.Context, cycleStart time.Time, attempt int) bool {
	deadline := cycleStart.Add(time.Duration(attempt) * b.cfg.ReconnectBackoff)
	wait := time.Until(deadline)
	if wait <= 0 {
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true

		case <-ctx.Done():
			b.teardown(ReasonShutdown)
			return false

		case frame, ok := <-b.stream.Events():
			if !ok {
				b.teardown(ReasonTelephonyClosed)
				return false
			}
			switch frame.Kind {
			case telephony.FrameStop:
				b.teardown(ReasonTelephonyStop)
				return false
			case telephony.FrameMedia:
				b.stats.InboundFrames++
				b.stats.InboundBytes += int64(len(frame.Payload))
			}

		case <-b.ceilingC:
			b.beginWrapUp()

		case <-b.hardCutC:
			b.teardown(ReasonMaxDuration)
			return false
		}
	}
}

// ── Teardown ───────────────────────────────────────────────────────────────────

// callState snapshots the call document mirrored to the session cache.
func (b *Bridge) callState() sessioncache.CallState {
	return sessioncache.CallState{
		CallSID:   b.callSID,
		StreamSID: b.streamSID,
		From:      b.from,
		To:        b.to,
		StartedAt: b.startedAt,
		Status:    sessioncache.StatusActive,
		Stats:     b.stats,
	}
}

// teardown ends the call exactly once: stop timers, release workers, close
// both sockets, write the final call document and the end-of-call record
// (direct, bounded, never through the async writer), then notify the owner.
func (b *Bridge) teardown(reason string) {
	b.endOnce.Do(func() {
		close(b.done)

		if b.ceilingTimer != nil {
			b.ceilingTimer.Stop()
		}
		if b.hardCutTimer != nil {
			b.hardCutTimer.Stop()
		}

		if b.llm != nil {
			_ = b.llm.Close()
		}
		_ = b.stream.Close()

		endedAt := time.Now()
		var duration time.Duration
		if !b.startedAt.IsZero() {
			duration = endedAt.Sub(b.startedAt)
		}

		ctx, cancel := context.WithTimeout(context.Background(), endWriteTimeout)
		defer cancel()

		if b.callSID != "" {
			final := b.callState()
			final.Status = sessioncache.StatusEnded
			final.EndReason = reason
			final.EndedAt = endedAt
			if err := b.cache.PutCall(ctx, final); err != nil {
				b.log.Warn("final call write failed", "err", err)
			}
			if _, err := b.cache.MarkEnded(ctx, b.callSID, reason, endedAt); err != nil {
				b.log.Warn("end-of-call record failed", "err", err)
			}
			b.metrics.RecordCallEnd(ctx, reason, duration)
		}

		if b.cfg.OnEnd != nil {
			b.cfg.OnEnd(b.callSID, reason)
		}

		b.log.Info("call ended",
			"reason", reason,
			"duration", duration.Round(time.Millisecond),
			"inbound_frames", b.stats.InboundFrames,
			"outbound_frames", b.stats.OutboundFrames,
			"barge_ins", b.stats.BargeIns,
			"tool_calls", b.stats.ToolCalls,
			"reconnects", b.stats.Reconnects,
		)
	})
}
