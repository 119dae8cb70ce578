package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the storycircle tracer.
const tracerName = "github.com/MrWong99/storycircle"

// Span and log attribute keys identifying the conversation being worked on.
const (
	AttrStudentID = attribute.Key("storycircle.student_id")
	AttrBookID    = attribute.Key("storycircle.book_id")
)

type sessionKey struct{}

// session identifies the student and book a piece of work belongs to.
type session struct {
	studentID string
	bookID    string
}

// WithSession returns a copy of ctx tagged with the student and book of the
// conversation. Spans started with [StartSpan] and loggers from [Logger]
// carry the tags. Empty ids are omitted.
func WithSession(ctx context.Context, studentID, bookID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, session{studentID: studentID, bookID: bookID})
}

func sessionAttrs(ctx context.Context) []attribute.KeyValue {
	s, ok := ctx.Value(sessionKey{}).(session)
	if !ok {
		return nil
	}
	var kv []attribute.KeyValue
	if s.studentID != "" {
		kv = append(kv, AttrStudentID.String(s.studentID))
	}
	if s.bookID != "" {
		kv = append(kv, AttrBookID.String(s.bookID))
	}
	return kv
}

// Tracer returns the package-level [trace.Tracer] for storycircle. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if kv := sessionAttrs(ctx); len(kv) > 0 {
		opts = append(opts, trace.WithAttributes(kv...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none. The HTTP middleware echoes it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the trace and span ids of
// ctx and with the session tags set by [WithSession].
func Logger(ctx context.Context) *slog.Logger {
	var args []any
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		args = append(args,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	for _, kv := range sessionAttrs(ctx) {
		args = append(args, slog.String(string(kv.Key), kv.Value.AsString()))
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}
