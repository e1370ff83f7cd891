package observe

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// RouteOther is the route label of requests for paths not registered with
// [WithRoutes].
const RouteOther = "other"

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

type middleware struct {
	metrics    *Metrics
	sessionKey string
	routes     map[string]bool
	quiet      map[string]bool
	failure    func(context.Context) []attribute.KeyValue
}

// WithSessionKey tags every request span and log line with the session key.
func WithSessionKey(key string) MiddlewareOption {
	return func(m *middleware) { m.sessionKey = key }
}

// WithRoutes lists the paths the ops mux serves. Requests for any other path
// are recorded under [RouteOther]. Without it the raw path is the route.
func WithRoutes(paths ...string) MiddlewareOption {
	return func(m *middleware) {
		if m.routes == nil {
			m.routes = make(map[string]bool, len(paths))
		}
		for _, p := range paths {
			m.routes[p] = true
		}
	}
}

// WithQuietRoutes lists polled routes, such as health checks and scrapes, whose
// successful requests are logged at debug level.
func WithQuietRoutes(paths ...string) MiddlewareOption {
	return func(m *middleware) {
		if m.quiet == nil {
			m.quiet = make(map[string]bool, len(paths))
		}
		for _, p := range paths {
			m.quiet[p] = true
		}
	}
}

// WithFailureContext sets fn to collect engine state, such as queue depth or
// the snapshot backend, for responses with a 5xx status. The attributes are
// added to the request span and the log line.
func WithFailureContext(fn func(context.Context) []attribute.KeyValue) MiddlewareOption {
	return func(m *middleware) { m.failure = fn }
}

func (m *middleware) route(path string) string {
	if m.routes == nil || m.routes[path] {
		return path
	}
	return RouteOther
}

// Middleware returns the ops HTTP middleware. For every request it:
//
//  1. Continues a W3C trace from the request headers or starts a new one.
//  2. Starts a server span named after the method and route.
//  3. Sets the X-Correlation-ID response header from the trace ID.
//  4. Records the duration to [Metrics.HTTPRequestDuration] by method,
//     route and status.
//  5. Logs completion: debug for quiet routes, warn with engine state for
//     5xx responses, info otherwise.
func Middleware(met *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: met}
	for _, o := range opts {
		o(mw)
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := mw.route(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx = WithSession(ctx, mw.sessionKey)
			ctx, span := StartSpan(ctx, "ops "+r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			mw.metrics.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.Int("status", rec.statusCode),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			level := slog.LevelInfo
			if mw.quiet[route] {
				level = slog.LevelDebug
			}
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			}
			if rec.statusCode >= http.StatusInternalServerError {
				level = slog.LevelWarn
				span.SetStatus(codes.Error, http.StatusText(rec.statusCode))
				if mw.failure != nil {
					kvs := mw.failure(ctx)
					span.SetAttributes(kvs...)
					for _, kv := range kvs {
						attrs = append(attrs, slog.Any(string(kv.Key), kv.Value.AsInterface()))
					}
				}
			}
			Logger(ctx).LogAttrs(ctx, level, "ops request", attrs...)
		})
	}
}
