package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxctl"

// StartSpan starts a span on the global tracer provider. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartVoiceSpan starts a span for one governed voice session, tagged with
// the operation ("stt" or "tts") and the governor session id.
func StartVoiceSpan(ctx context.Context, name, operation, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(
		attribute.String("voxctl.operation", operation),
		attribute.String("voxctl.session_id", sessionID),
	))
}

// EndVoiceSpan tags span with the session outcome and ends it. An "error"
// outcome marks the span as failed.
func EndVoiceSpan(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("voxctl.outcome", outcome))
	if outcome == "error" {
		span.SetStatus(codes.Error, "voice session failed")
	}
	span.End()
}

// TraceID returns the hex trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
