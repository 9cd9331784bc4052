package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToSubSession propagates tracing context into a sub-agent session.
// The trace ID is kept so parent and child runs correlate; the session ID is
// replaced with the child's.
func PropagateToSubSession(ctx context.Context, childSessionID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	newCtx := WithTraceID(ctx, traceID)
	return WithSessionID(newCtx, childSessionID)
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.SessionID != "" {
		logger = logger.With().Str("session_id", tc.SessionID).Logger()
	}
	if tc.ExtractionID != "" {
		logger = logger.With().Str("extraction_id", tc.ExtractionID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}
