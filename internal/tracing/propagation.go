package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToWorker derives the context for a worker sub-loop. The trace and
// session are kept, the role changes and the run gets a child ID.
func PropagateToWorker(ctx context.Context) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}
	ctx = WithTraceID(ctx, traceID)
	ctx = WithRunID(ctx, NewRunID())
	return WithRole(ctx, "worker")
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.Role != "" {
		lc = lc.Str("role", tc.Role)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	return lc.Logger()
}
