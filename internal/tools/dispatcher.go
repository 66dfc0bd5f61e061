// Package tools dispatches model-issued function calls to registered
// handlers.
//
// A [Dispatcher] maintains a concurrent-safe registry keyed by tool name.
// [Dispatcher.Execute] runs a tool to completion and always returns a JSON
// result string for the model: handler errors, panics, and unknown tool
// names are converted to a JSON error discriminator, never surfaced as a Go
// error, so a misbehaving tool can degrade a single answer but not the call.
// Every execution is measured, counted, and mirrored to the session cache as
// a tool-call / tool-result transcript pair.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/realtime"
	"github.com/MrWong99/voxline/pkg/sessioncache"
)

// CallInfo identifies the call on whose behalf a tool runs. The bridge fills
// it from the stream start frame; the model never supplies these values.
type CallInfo struct {
	// CallSID is the telephony call identifier, stamped onto appointments
	// and transcript entries.
	CallSID string

	// From is the caller id, used as the phone-number fallback when the
	// caller does not dictate one.
	From string
}

// Handler executes one tool invocation. args is the raw JSON argument object
// from the model. The returned string must be a JSON value.
type Handler func(ctx context.Context, call CallInfo, args string) (string, error)

// Tool pairs a model-visible definition with its handler.
type Tool struct {
	Definition realtime.Tool
	Handler    Handler
}

// Dispatcher routes tool calls by name.
//
// The zero value is NOT usable; create instances with [NewDispatcher].
type Dispatcher struct {
	mu    sync.RWMutex
	tools map[string]Tool

	writer  *sessioncache.Writer
	metrics *observe.Metrics
}

// NewDispatcher creates an empty dispatcher that logs transcript entries
// through writer and records instruments on metrics. A nil metrics falls back
// to the global provider.
func NewDispatcher(writer *sessioncache.Writer, metrics *observe.Metrics) *Dispatcher {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Dispatcher{
		tools:   make(map[string]Tool),
		writer:  writer,
		metrics: metrics,
	}
}

// Register adds tool to the registry. Registering a name twice replaces the
// earlier handler.
func (d *Dispatcher) Register(tool Tool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools[tool.Definition.Name] = tool
}

// Definitions returns the registered tool definitions sorted by name, ready
// for the LLM session configuration.
func (d *Dispatcher) Definitions() []realtime.Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]realtime.Tool, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t.Definition)
	}
	slices.SortFunc(out, func(a, b realtime.Tool) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Execute runs the named tool and returns its JSON result. The result is
// always valid JSON: failures come back as
//
//	{"error": true, "message": "..."}
//
// Each execution runs under its own span, is timed, counted under
// voxline.tool.* with the tool name and status, and appended to the call
// transcript as a tool-call entry (name + arguments) followed by a
// tool-result entry (name + result).
func (d *Dispatcher) Execute(ctx context.Context, call CallInfo, name, args string) string {
	if args == "" {
		args = "{}"
	}

	ctx, span := observe.StartSpan(ctx, "tool "+name,
		trace.WithAttributes(
			observe.Attr("tool", name),
			observe.Attr("call_sid", call.CallSID),
		),
	)
	defer span.End()

	start := time.Now()
	result, status := d.invoke(ctx, call, name, args)
	duration := time.Since(start)

	if status != "ok" {
		span.SetStatus(codes.Error, "tool returned an error result")
	}

	d.metrics.ToolDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(observe.Attr("tool", name)),
	)
	d.metrics.RecordToolCall(ctx, name, status)

	d.writer.AppendEntry(call.CallSID, sessioncache.Entry{
		Timestamp: start,
		Role:      sessioncache.RoleToolCall,
		Tool:      name,
		Args:      args,
	})
	d.writer.AppendEntry(call.CallSID, sessioncache.Entry{
		Timestamp: time.Now(),
		Role:      sessioncache.RoleToolResult,
		Tool:      name,
		Text:      result,
	})

	observe.Logger(ctx).Info("tool executed",
		"call_sid", call.CallSID,
		"tool", name,
		"status", status,
		"duration_ms", duration.Milliseconds(),
	)
	return result
}

// invoke resolves and runs the handler, translating every failure mode into
// the JSON error shape.
func (d *Dispatcher) invoke(ctx context.Context, call CallInfo, name, args string) (result, status string) {
	d.mu.RLock()
	tool, ok := d.tools[name]
	d.mu.RUnlock()

	if !ok {
		return errorResult(fmt.Sprintf("unknown tool %q", name)), "error"
	}
	if !json.Valid([]byte(args)) {
		return errorResult("tool arguments are not valid JSON"), "error"
	}

	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("tool handler panicked",
				"call_sid", call.CallSID,
				"tool", name,
				"panic", fmt.Sprint(r),
			)
			result = errorResult("internal tool failure")
			status = "error"
		}
	}()

	out, err := tool.Handler(ctx, call, args)
	if err != nil {
		return errorResult(err.Error()), "error"
	}
	return out, "ok"
}

// errorResult encodes the uniform JSON error discriminator.
func errorResult(msg string) string {
	b, err := json.Marshal(map[string]any{"error": true, "message": msg})
	if err != nil {
		// Marshalling a string map cannot fail; keep the compiler honest.
		return `{"error":true,"message":"internal tool failure"}`
	}
	return string(b)
}
