// Package toolexecutor registers tools, checks them against a permission
// policy and executes them on behalf of the orchestrator.
//
// Invariants:
//   - Tool names are unique.
//   - Every call yields exactly one ToolResult carrying the call's id.
//   - Execute never panics; failures become is_error results.
//   - Inputs are schema-validated before a handler runs.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.Options{Policy: toolexecutor.NewPermissionPolicy(toolexecutor.Overrides{})})
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Category:    toolexecutor.CategoryRead,
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
//			return params["text"], nil
//		},
//	})
package toolexecutor
