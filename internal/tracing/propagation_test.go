package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPropagateToWorker(t *testing.T) {
	parent := NewRunContext(context.Background(), "s1")
	parent = WithRole(parent, "instructor")

	child := PropagateToWorker(parent)

	assert.Equal(t, GetTraceID(parent), GetTraceID(child))
	assert.Equal(t, "s1", GetSessionID(child))
	assert.Equal(t, "worker", GetRole(child))
	assert.NotEqual(t, GetRunID(parent), GetRunID(child))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithSessionID(WithTraceID(context.Background(), "t-1"), "s-1")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"t-1"`)
	assert.Contains(t, out, `"session_id":"s-1"`)
	assert.NotContains(t, out, "run_id")
}
