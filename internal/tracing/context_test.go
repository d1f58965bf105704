package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
	assert.NotEqual(t, NewRunID(), NewRunID())
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace")
	ctx = WithRunID(ctx, "run")
	ctx = WithRole(ctx, "instructor")
	ctx = WithSessionID(ctx, "abc123")

	tc := FromContext(ctx)
	assert.Equal(t, "trace", tc.TraceID)
	assert.Equal(t, "run", tc.RunID)
	assert.Equal(t, "instructor", tc.Role)
	assert.Equal(t, "abc123", tc.SessionID)
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetRunID(ctx))
	assert.Empty(t, GetRole(ctx))
	assert.Empty(t, GetSessionID(ctx))
}

func TestNewRunContext(t *testing.T) {
	ctx := WithTraceID(context.Background(), "keep-me")
	ctx = NewRunContext(ctx, "s1")

	assert.Equal(t, "keep-me", GetTraceID(ctx))
	assert.NotEmpty(t, GetRunID(ctx))
	assert.Equal(t, "s1", GetSessionID(ctx))

	fresh := NewRunContext(context.Background(), "s2")
	assert.NotEmpty(t, GetTraceID(fresh))
}
