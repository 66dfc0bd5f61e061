package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/internal/bridge"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/httpapi"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/recap"
	"github.com/MrWong99/voxline/internal/telephony"
	"github.com/MrWong99/voxline/pkg/realtime"
	"github.com/MrWong99/voxline/pkg/sessioncache"
)

// liveCall tracks one media connection from accept to teardown. The summary
// is populated once the start frame registers the call.
type liveCall struct {
	summary httpapi.CallSummary
	cancel  context.CancelFunc
	done    chan struct{}
}

// CallManager owns every media connection on this node. It builds one bridge
// per accepted websocket, refuses duplicate call SIDs, and kicks off recap
// generation when a call ends. All exported methods are safe for concurrent
// use.
//
// CallManager implements [httpapi.CallHost].
type CallManager struct {
	dialer  realtime.Dialer
	tools   bridge.ToolRunner
	writer  *sessioncache.Writer
	cache   sessioncache.Store
	metrics *observe.Metrics
	recaps  *recap.Generator
	log     *slog.Logger

	// profile snapshots the assistant persona for each new call; nil means
	// no profile is configured and the built-in defaults apply.
	profile func() *config.Profile

	voice           string
	maxCallDuration time.Duration

	mu sync.Mutex
	// calls holds registered calls keyed by call SID.
	calls map[string]*liveCall
	// conns holds every connection in flight, registered or not.
	conns map[*liveCall]struct{}
	// wg counts recap goroutines.
	wg sync.WaitGroup
}

// ManagerDeps are the per-node collaborators shared by all calls.
type ManagerDeps struct {
	Dialer  realtime.Dialer
	Tools   bridge.ToolRunner
	Writer  *sessioncache.Writer
	Cache   sessioncache.Store
	Metrics *observe.Metrics

	// Recaps, when non-nil, generates a post-call summary after each call.
	Recaps *recap.Generator

	Log *slog.Logger
}

// ManagerConfig carries the per-call settings.
type ManagerConfig struct {
	// Profile returns the current assistant profile. May be nil.
	Profile func() *config.Profile

	// Voice is the fallback voice when the profile does not set one.
	Voice string

	// MaxCallDuration is the per-call ceiling passed to each bridge.
	MaxCallDuration time.Duration
}

// NewCallManager creates a manager with no live calls. Metrics and Log fall
// back to the package defaults when nil.
func NewCallManager(deps ManagerDeps, cfg ManagerConfig) *CallManager {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &CallManager{
		dialer:          deps.Dialer,
		tools:           deps.Tools,
		writer:          deps.Writer,
		cache:           deps.Cache,
		metrics:         metrics,
		recaps:          deps.Recaps,
		log:             log,
		profile:         cfg.Profile,
		voice:           cfg.Voice,
		maxCallDuration: cfg.MaxCallDuration,
		calls:           make(map[string]*liveCall),
		conns:           make(map[*liveCall]struct{}),
	}
}

// ServeCall bridges one accepted media websocket until the call ends. The
// assistant persona is snapshotted at call start, so a profile reload applies
// to the next call, never mid-conversation.
func (m *CallManager) ServeCall(ctx context.Context, conn *websocket.Conn) error {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := &liveCall{cancel: cancel, done: make(chan struct{})}
	m.track(h)
	defer m.untrack(h)

	prof := m.profileSnapshot()
	br := bridge.New(bridge.Deps{
		Stream:  telephony.NewStream(conn, m.log),
		Dialer:  m.dialer,
		Tools:   m.tools,
		Writer:  m.writer,
		Cache:   m.cache,
		Metrics: m.metrics,
		Log:     m.log,
	}, bridge.Config{
		Voice:           prof.EffectiveVoice(m.voice),
		Instructions:    prof.EffectiveInstructions(),
		MaxCallDuration: m.maxCallDuration,
		OnStart: func(info *telephony.StartInfo) error {
			return m.register(info, h)
		},
		OnEnd: m.onEnd,
	})

	return br.Run(callCtx)
}

// LiveCalls snapshots the registered calls, oldest first.
func (m *CallManager) LiveCalls() []httpapi.CallSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]httpapi.CallSummary, 0, len(m.calls))
	for _, h := range m.calls {
		out = append(out, h.summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// EndAll hangs up every connection in flight and waits for teardown, then for
// any in-flight recap generation. Waiting stops when ctx expires.
func (m *CallManager) EndAll(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*liveCall, 0, len(m.conns))
	for h := range m.conns {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	if len(handles) > 0 {
		m.log.Info("ending live calls", "count", len(handles))
	}
	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			m.log.Warn("gave up waiting for call teardown", "call_sid", h.summary.CallSID)
			return
		}
	}

	recapsDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(recapsDone)
	}()
	select {
	case <-recapsDone:
	case <-ctx.Done():
		m.log.Warn("gave up waiting for recap generation")
	}
}

// track adds a not-yet-registered connection so EndAll can hang it up even
// before the start frame arrives.
func (m *CallManager) track(h *liveCall) {
	m.mu.Lock()
	m.conns[h] = struct{}{}
	m.mu.Unlock()
}

// untrack releases the connection handle after ServeCall returns.
func (m *CallManager) untrack(h *liveCall) {
	m.mu.Lock()
	delete(m.conns, h)
	m.mu.Unlock()
	close(h.done)
}

// register admits a started call, refusing a SID that is already bridged.
// The refusing error ends the new connection; the established call is not
// disturbed.
func (m *CallManager) register(info *telephony.StartInfo, h *liveCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.calls[info.CallSID]; exists {
		return fmt.Errorf("call %s is already bridged on this node", info.CallSID)
	}

	h.summary = httpapi.CallSummary{
		CallSID:   info.CallSID,
		StreamSID: info.StreamSID,
		From:      info.CallerPhone(),
		StartedAt: time.Now(),
	}
	m.calls[info.CallSID] = h
	m.metrics.ActiveCalls.Add(context.Background(), 1)
	m.log.Debug("call registered", "call_sid", info.CallSID, "active", len(m.calls))
	return nil
}

// onEnd releases the registration and kicks off recap generation. Bridges
// that never registered report an empty SID and are ignored.
func (m *CallManager) onEnd(callSID, reason string) {
	if callSID == "" {
		return
	}

	m.mu.Lock()
	_, tracked := m.calls[callSID]
	delete(m.calls, callSID)
	m.mu.Unlock()
	if !tracked {
		return
	}
	m.metrics.ActiveCalls.Add(context.Background(), -1)

	if m.recaps == nil {
		return
	}
	m.wg.Go(func() {
		if _, err := m.recaps.Generate(context.Background(), callSID); err != nil {
			m.log.Error("recap generation failed", "call_sid", callSID, "err", err)
		}
	})
}

// profileSnapshot returns the current profile, or nil when none is
// configured. Profile methods are nil-safe.
func (m *CallManager) profileSnapshot() *config.Profile {
	if m.profile == nil {
		return nil
	}
	return m.profile()
}
