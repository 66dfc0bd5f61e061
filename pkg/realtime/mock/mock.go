// Package mock provides test doubles for the realtime package interfaces.
//
// Use Dialer to verify Dial calls and feed controlled sessions. Use Session
// to script server events and inspect which methods the bridge invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	d := &mock.Dialer{Session: sess}
//	handle, _ := d.Dial(ctx, cfg)
//	sess.EventsCh <- realtime.ServerEvent{Type: realtime.EventSessionUpdated}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxline/pkg/realtime"
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Ctx is the context passed to Dial.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Dial.
	Cfg realtime.SessionConfig
}

// Dialer is a mock implementation of realtime.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Session is the Session returned by Dial. If nil, Dial returns a new
	// default Session.
	Session realtime.Session

	// DialErr, if non-nil, is returned as the error from every Dial call.
	DialErr error

	// DialFunc, if non-nil, overrides the canned Session/DialErr behaviour.
	// Useful for scripting reconnect sequences where successive attempts
	// behave differently.
	DialFunc func(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error)

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall
}

// Dial records the call and returns the configured session or error.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	d.mu.Lock()
	d.DialCalls = append(d.DialCalls, DialCall{Ctx: ctx, Cfg: cfg})
	fn := d.DialFunc
	d.mu.Unlock()

	if fn != nil {
		return fn(ctx, cfg)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Session != nil {
		return d.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a snapshot of recorded Dial calls. Thread-safe.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DialCall, len(d.DialCalls))
	copy(out, d.DialCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (d *Dialer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = nil
}

// Ensure Dialer implements realtime.Dialer at compile time.
var _ realtime.Dialer = (*Dialer)(nil)

// ToolOutputCall records a single invocation of Session.SendToolOutput.
type ToolOutputCall struct {
	// CallID is the function call identifier passed to SendToolOutput.
	CallID string
	// Output is the JSON result string passed to SendToolOutput.
	Output string
}

// TruncateCall records a single invocation of Session.TruncateItem.
type TruncateCall struct {
	// ItemID is the conversation item passed to TruncateItem.
	ItemID string
	// AudioEndMs is the playback cutoff passed to TruncateItem.
	AudioEndMs int64
}

// Session is a mock implementation of realtime.Session.
// Feed server events into EventsCh and call CloseEvents (not close) to
// signal end-of-session; Close does this automatically.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events().
	EventsCh chan realtime.ServerEvent

	// --- Configurable errors ---

	// AppendAudioErr, if non-nil, is returned by every AppendAudio call.
	AppendAudioErr error

	// CreateResponseErr, if non-nil, is returned by every CreateResponse call.
	CreateResponseErr error

	// CancelResponseErr, if non-nil, is returned by every CancelResponse call.
	CancelResponseErr error

	// CreateUserMessageErr, if non-nil, is returned by every CreateUserMessage call.
	CreateUserMessageErr error

	// SendToolOutputErr, if non-nil, is returned by every SendToolOutput call.
	SendToolOutputErr error

	// TruncateItemErr, if non-nil, is returned by every TruncateItem call.
	TruncateItemErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// ErrVal is returned by Err.
	ErrVal error

	// --- Call records ---

	// AppendAudioCalls records a copy of every chunk passed to AppendAudio.
	AppendAudioCalls [][]byte

	// CreateResponseCount is the number of times CreateResponse was called.
	CreateResponseCount int

	// CancelResponseCount is the number of times CancelResponse was called.
	CancelResponseCount int

	// CreateUserMessageCalls records every text passed to CreateUserMessage.
	CreateUserMessageCalls []string

	// SendToolOutputCalls records every call to SendToolOutput in order.
	SendToolOutputCalls []ToolOutputCall

	// TruncateItemCalls records every call to TruncateItem in order.
	TruncateItemCalls []TruncateCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closeOnce sync.Once
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{EventsCh: make(chan realtime.ServerEvent, 64)}
}

// AppendAudio records a copy of the chunk and returns AppendAudioErr.
func (s *Session) AppendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.AppendAudioCalls = append(s.AppendAudioCalls, cp)
	return s.AppendAudioErr
}

// CreateResponse records the call and returns CreateResponseErr.
func (s *Session) CreateResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateResponseCount++
	return s.CreateResponseErr
}

// CancelResponse records the call and returns CancelResponseErr.
func (s *Session) CancelResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelResponseCount++
	return s.CancelResponseErr
}

// CreateUserMessage records the call and returns CreateUserMessageErr.
func (s *Session) CreateUserMessage(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateUserMessageCalls = append(s.CreateUserMessageCalls, text)
	return s.CreateUserMessageErr
}

// SendToolOutput records the call and returns SendToolOutputErr.
func (s *Session) SendToolOutput(callID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendToolOutputCalls = append(s.SendToolOutputCalls, ToolOutputCall{CallID: callID, Output: output})
	return s.SendToolOutputErr
}

// TruncateItem records the call and returns TruncateItemErr.
func (s *Session) TruncateItem(itemID string, audioEndMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TruncateItemCalls = append(s.TruncateItemCalls, TruncateCall{ItemID: itemID, AudioEndMs: audioEndMs})
	return s.TruncateItemErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan realtime.ServerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// CloseEvents closes EventsCh exactly once. Safe to call alongside Close.
func (s *Session) CloseEvents() {
	s.closeOnce.Do(func() { close(s.EventsCh) })
}

// Close records the call, closes the events channel and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.CloseEvents()
	return err
}

// Snapshot helpers below return copies so tests can assert without racing
// the bridge goroutines.

// AppendedAudio returns a copy of all recorded AppendAudio chunks.
func (s *Session) AppendedAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.AppendAudioCalls))
	copy(out, s.AppendAudioCalls)
	return out
}

// Truncates returns a copy of all recorded TruncateItem calls.
func (s *Session) Truncates() []TruncateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TruncateCall, len(s.TruncateItemCalls))
	copy(out, s.TruncateItemCalls)
	return out
}

// ToolOutputs returns a copy of all recorded SendToolOutput calls.
func (s *Session) ToolOutputs() []ToolOutputCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolOutputCall, len(s.SendToolOutputCalls))
	copy(out, s.SendToolOutputCalls)
	return out
}

// UserMessages returns a copy of all recorded CreateUserMessage texts.
func (s *Session) UserMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.CreateUserMessageCalls))
	copy(out, s.CreateUserMessageCalls)
	return out
}

// Counts returns the cancel, response and close call counters. Thread-safe.
func (s *Session) Counts() (cancels, responses, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CancelResponseCount, s.CreateResponseCount, s.CloseCallCount
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendAudioCalls = nil
	s.CreateResponseCount = 0
	s.CancelResponseCount = 0
	s.CreateUserMessageCalls = nil
	s.SendToolOutputCalls = nil
	s.TruncateItemCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements realtime.Session at compile time.
var _ realtime.Session = (*Session)(nil)
