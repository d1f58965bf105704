package gateway

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tandem/pkg/toolexecutor"
)

func TestWebApprover_FallsBackWithoutClients(t *testing.T) {
	b := NewEventBroadcaster(NewClientRegistry(), zerolog.Nop())
	req := toolexecutor.ApprovalRequest{ToolName: "bash", ToolUseID: "tu_1", SessionID: "s1"}

	resp, err := NewWebApprover(b, nil).RequestApproval(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Approved, "default fallback denies")

	resp, err = NewWebApprover(b, toolexecutor.AutoApproveHandler{}).RequestApproval(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Approved)
}

func TestWebApprover_ResolveUnknown(t *testing.T) {
	a := NewWebApprover(NewEventBroadcaster(NewClientRegistry(), zerolog.Nop()), nil)
	assert.False(t, a.Resolve("s1", "tu_1", true, ""))
}

func TestWebApprover_ResolveDeliversOnce(t *testing.T) {
	a := NewWebApprover(NewEventBroadcaster(NewClientRegistry(), zerolog.Nop()), nil)
	ch := make(chan toolexecutor.ApprovalResponse, 1)
	a.pending[approvalKey("s1", "tu_1")] = ch

	assert.True(t, a.Resolve("s1", "tu_1", true, "ok"))
	assert.False(t, a.Resolve("s1", "tu_1", false, "late"), "a second answer is dropped")
	assert.Equal(t, toolexecutor.ApprovalResponse{Approved: true, Reason: "ok"}, <-ch)
	assert.False(t, a.Resolve("s2", "tu_1", true, ""), "keys include the session")
}
