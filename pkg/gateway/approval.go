package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/harun/tandem/pkg/toolexecutor"
)

var _ toolexecutor.ApprovalHandler = (*WebApprover)(nil)

// WebApprover asks the browsers attached to a session to decide ask_user
// tool calls. With no browser attached it defers to the fallback handler.
type WebApprover struct {
	broadcaster *EventBroadcaster
	fallback    toolexecutor.ApprovalHandler

	mu      sync.Mutex
	pending map[string]chan toolexecutor.ApprovalResponse
}

// NewWebApprover creates an approver. A nil fallback denies.
func NewWebApprover(broadcaster *EventBroadcaster, fallback toolexecutor.ApprovalHandler) *WebApprover {
	if fallback == nil {
		fallback = toolexecutor.DenyAllHandler{}
	}
	return &WebApprover{
		broadcaster: broadcaster,
		fallback:    fallback,
		pending:     make(map[string]chan toolexecutor.ApprovalResponse),
	}
}

// RequestApproval implements toolexecutor.ApprovalHandler. It blocks until a
// client answers or ctx ends.
func (a *WebApprover) RequestApproval(ctx context.Context, req toolexecutor.ApprovalRequest) (toolexecutor.ApprovalResponse, error) {
	if !a.broadcaster.Clients().HasSession(req.SessionID) {
		return a.fallback.RequestApproval(ctx, req)
	}

	key := approvalKey(req.SessionID, req.ToolUseID)
	ch := make(chan toolexecutor.ApprovalResponse, 1)
	a.mu.Lock()
	a.pending[key] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, key)
		a.mu.Unlock()
	}()

	payload := map[string]interface{}{
		"tool":        req.ToolName,
		"tool_use_id": req.ToolUseID,
		"work_dir":    req.WorkDir,
	}
	if len(req.Input) > 0 {
		payload["input"] = json.RawMessage(req.Input)
	}
	if deadline, ok := ctx.Deadline(); ok {
		payload["expires_at"] = deadline
	}
	a.broadcaster.Send(req.SessionID, EventMessage{
		Type:      EventApprovalRequest,
		Timestamp: time.Now(),
		Payload:   payload,
	})

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return toolexecutor.ApprovalResponse{}, ctx.Err()
	}
}

// Resolve delivers a client's decision. It returns false when nothing is
// waiting on that tool call.
func (a *WebApprover) Resolve(sessionID, toolUseID string, approved bool, reason string) bool {
	a.mu.Lock()
	ch, ok := a.pending[approvalKey(sessionID, toolUseID)]
	a.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- toolexecutor.ApprovalResponse{Approved: approved, Reason: reason}:
		return true
	default:
		// already answered by another client
		return false
	}
}

func approvalKey(sessionID, toolUseID string) string {
	return sessionID + "/" + toolUseID
}
