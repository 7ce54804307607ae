package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "codepair"

// StartSessionSpan starts a span for a session lifecycle operation such as
// "session.create" or "session.end".
func StartSessionSpan(ctx context.Context, op, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, op,
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
		),
	)
}

// StartConflictSpan starts a span for a conflict resolution.
func StartConflictSpan(ctx context.Context, conflictID, strategy string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "conflict.resolve",
		trace.WithAttributes(
			attribute.String("conflict.id", conflictID),
			attribute.String("conflict.strategy", strategy),
		),
	)
}

// StartPersistSpan starts a span for writing a recording to the store.
func StartPersistSpan(ctx context.Context, recordingID string, events int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "recording.persist",
		trace.WithAttributes(
			attribute.String("recording.id", recordingID),
			attribute.Int("recording.events", events),
		),
	)
}

// StartPlaybackSpan starts a span covering the replay of a recording.
func StartPlaybackSpan(ctx context.Context, recordingID string, speed float64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "recording.play",
		trace.WithAttributes(
			attribute.String("recording.id", recordingID),
			attribute.Float64("playback.speed", speed),
		),
	)
}
