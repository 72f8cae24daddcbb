package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/speakstream"

// Span names.
const (
	SpanSession   = "speech.session"
	SpanSynthesis = "speech.synthesize"
)

// Span and log attribute keys shared by the speech pipeline.
const (
	AttrSessionID   = "session.id"
	AttrGeneration  = "session.generation"
	AttrVoiceID     = "voice.id"
	AttrModelID     = "tts.model"
	AttrTransport   = "tts.transport"
	AttrContentType = "audio.content_type"
	AttrBytes       = "audio.bytes"
	AttrChunks      = "audio.chunks"
)

// Tracer returns the speakstream tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts the span covering one speech session, from
// opening the provider stream to the last fetched chunk.
func StartSessionSpan(ctx context.Context, sessionID, voiceID string, generation uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanSession, trace.WithAttributes(
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrVoiceID, voiceID),
		attribute.Int64(AttrGeneration, int64(generation)),
	))
}

// StartSynthesisSpan starts the span of a synthesis served over HTTP, which
// reads the whole response instead of playing it.
func StartSynthesisSpan(ctx context.Context, voiceID, modelID string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanSynthesis, trace.WithAttributes(
		attribute.String(AttrVoiceID, voiceID),
		attribute.String(AttrModelID, modelID),
	))
}

// SetStreamInfo annotates span with the negotiated audio stream.
func SetStreamInfo(span trace.Span, contentType, transport string) {
	span.SetAttributes(
		attribute.String(AttrContentType, contentType),
		attribute.String(AttrTransport, transport),
	)
}

// SetProgress annotates span with the bytes and chunks received so far.
func SetProgress(span trace.Span, bytes int64, chunks int) {
	span.SetAttributes(
		attribute.Int64(AttrBytes, bytes),
		attribute.Int(AttrChunks, chunks),
	)
}

// FailSpan marks span as failed with err. A cancelled context is how a
// session is stopped on purpose and leaves the span status unset.
func FailSpan(span trace.Span, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// The middleware sends it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id of the span in
// ctx attached.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// SessionLogger is [Logger] with the session identifier attached, so every
// line of one speech session can be grepped by either ID.
func SessionLogger(ctx context.Context, sessionID string) *slog.Logger {
	return Logger(ctx).With(slog.String("session", sessionID))
}
