package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusTap records the status code written by the downstream handler.
type statusTap struct {
	http.ResponseWriter
	status int
}

func (t *statusTap) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

// Unwrap lets [http.ResponseController] reach the real writer, which the
// media websocket upgrade needs to hijack the connection.
func (t *statusTap) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

// routeLabel returns the matched mux pattern with any method prefix cut off.
// Unmatched requests share one fixed label so that path scanners cannot grow
// the histogram's label set.
func routeLabel(r *http.Request) string {
	pat := r.Pattern
	if pat == "" {
		return "(unmatched)"
	}
	if _, path, ok := strings.Cut(pat, " "); ok {
		return path
	}
	return pat
}

// isUpgrade reports whether the request asked to switch protocols, as the
// media socket does.
func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// Middleware instruments every request with a server span, W3C trace context
// propagation, an X-Correlation-ID response header carrying the trace id, a
// route-labelled duration histogram sample, and a completion log line.
//
// The span starts under the raw URL path and is renamed to the matched route
// pattern once the wrapped mux has resolved it, keeping span names bounded.
// Upgraded connections are traced and logged but skipped by the duration
// histogram: the media socket lives for the whole call, so its elapsed time
// measures call length, not handler latency.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			tap := &statusTap{ResponseWriter: w, status: http.StatusOK}

			// The mux stamps the matched pattern onto this request, so the
			// post-serve code below can read it back.
			r = r.WithContext(ctx)
			next.ServeHTTP(tap, r)

			elapsed := time.Since(start)
			span.SetAttributes(semconv.HTTPResponseStatusCode(tap.status))
			if r.Pattern != "" {
				span.SetName(r.Method + " " + routeLabel(r))
			}

			if !isUpgrade(r) {
				m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
					metric.WithAttributes(
						attribute.String("method", r.Method),
						attribute.String("path", routeLabel(r)),
					),
				)
			}

			Logger(ctx).LogAttrs(ctx, slog.LevelInfo, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", tap.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
