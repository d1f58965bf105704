package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ApprovalRequest describes a tool call whose permission level is ask_user.
type ApprovalRequest struct {
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id"`
	Input     json.RawMessage `json:"input"`
	SessionID string          `json:"session_id"`
	WorkDir   string          `json:"work_dir"`
	Timeout   time.Duration   `json:"timeout"`
}

// ApprovalResponse represents the response to an approval request
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// ApprovalHandler decides ask_user tool calls.
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// ApprovalManager runs an ApprovalHandler with a deadline.
type ApprovalManager struct {
	handler        ApprovalHandler
	defaultTimeout time.Duration
}

// NewApprovalManager creates a new approval manager
func NewApprovalManager(handler ApprovalHandler) *ApprovalManager {
	return &ApprovalManager{
		handler:        handler,
		defaultTimeout: 60 * time.Second,
	}
}

// RequestApproval returns true when the handler approves the call. A handler
// error or a timeout is reported as an error and counts as a denial.
func (am *ApprovalManager) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, string, error) {
	if am.handler == nil {
		return false, "", fmt.Errorf("no approval handler configured")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = am.defaultTimeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Debug().
		Str("tool", req.ToolName).
		Str("session_id", req.SessionID).
		Msg("Requesting approval")

	type outcome struct {
		resp ApprovalResponse
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		resp, err := am.handler.RequestApproval(timeoutCtx, req)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			log.Error().Err(out.err).Str("tool", req.ToolName).Msg("Approval request failed")
			return false, "", fmt.Errorf("approval request failed: %w", out.err)
		}
		if !out.resp.Approved {
			log.Warn().Str("tool", req.ToolName).Str("reason", out.resp.Reason).Msg("Approval denied")
		}
		return out.resp.Approved, out.resp.Reason, nil

	case <-timeoutCtx.Done():
		log.Warn().Str("tool", req.ToolName).Dur("timeout", timeout).Msg("Approval request timed out")
		return false, "", fmt.Errorf("approval request timed out after %v", timeout)
	}
}

// SetDefaultTimeout sets the default timeout for approval requests
func (am *ApprovalManager) SetDefaultTimeout(timeout time.Duration) {
	am.defaultTimeout = timeout
}

// DefaultTimeout returns the default timeout
func (am *ApprovalManager) DefaultTimeout() time.Duration {
	return am.defaultTimeout
}
