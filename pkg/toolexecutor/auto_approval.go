package toolexecutor

import "context"

// AutoApproveHandler approves every request without user interaction. It is
// the default, so ask_user tools run immediately.
type AutoApproveHandler struct{}

// RequestApproval implements ApprovalHandler.
func (AutoApproveHandler) RequestApproval(_ context.Context, _ ApprovalRequest) (ApprovalResponse, error) {
	return ApprovalResponse{Approved: true, Reason: "auto-approved"}, nil
}

// DenyAllHandler rejects every ask_user request. Used for unattended runs.
type DenyAllHandler struct{}

// RequestApproval implements ApprovalHandler.
func (DenyAllHandler) RequestApproval(_ context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	return ApprovalResponse{Approved: false, Reason: "approval required for " + req.ToolName}, nil
}
