package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the storyloom tracer.
const tracerName = "github.com/MrWong99/storyloom"

// Span and log attribute keys for the game context carried in a context.
const (
	AttrSessionKey = attribute.Key("storyloom.session_key")
	AttrTurnID     = attribute.Key("storyloom.turn_id")
)

type ctxKey int

const (
	sessionCtxKey ctxKey = iota
	turnCtxKey
)

// WithSession returns a context carrying the session key. Spans started from
// it and loggers derived from it are tagged with the key.
func WithSession(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionCtxKey, key)
}

// WithTurn returns a context carrying turnID. The span already active in ctx,
// if recording, is tagged with it as well.
func WithTurn(ctx context.Context, turnID string) context.Context {
	if turnID == "" {
		return ctx
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(AttrTurnID.String(turnID))
	}
	return context.WithValue(ctx, turnCtxKey, turnID)
}

// SessionKey returns the session key carried by ctx, or "".
func SessionKey(ctx context.Context) string {
	s, _ := ctx.Value(sessionCtxKey).(string)
	return s
}

// TurnID returns the turn id carried by ctx, or "".
func TurnID(ctx context.Context) string {
	s, _ := ctx.Value(turnCtxKey).(string)
	return s
}

// gameAttrs returns the session and turn attributes present in ctx.
func gameAttrs(ctx context.Context) []attribute.KeyValue {
	var kvs []attribute.KeyValue
	if k := SessionKey(ctx); k != "" {
		kvs = append(kvs, AttrSessionKey.String(k))
	}
	if id := TurnID(ctx); id != "" {
		kvs = append(kvs, AttrTurnID.String(id))
	}
	return kvs
}

// Tracer returns the package-level [trace.Tracer] for storyloom. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span tagged with the session and turn carried by
// ctx. The caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if kvs := gameAttrs(ctx); len(kvs) > 0 {
		opts = append(opts, trace.WithAttributes(kvs...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanError records err on span and marks it failed. A nil err is ignored.
func SpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Logger returns the default [slog.Logger] enriched with session_key and
// turn_id from ctx and with trace_id and span_id of the active span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	var args []any
	if k := SessionKey(ctx); k != "" {
		args = append(args, slog.String("session_key", k))
	}
	if id := TurnID(ctx); id != "" {
		args = append(args, slog.String("turn_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}
