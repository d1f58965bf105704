package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
	"github.com/harun/tandem/pkg/agent"
)

// Coordination tools are dispatched by the orchestrator, never by handlers.
const (
	CallWorker = "call_worker"
	TellWorker = "tell_worker"
)

// IsCoordinationTool reports whether name is one of the worker coordination tools.
func IsCoordinationTool(name string) bool {
	return name == CallWorker || name == TellWorker
}

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxOutputBytes = 100 * 1024
	truncationNotice      = "\n... [output truncated]"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Items       string      `json:"items,omitempty"` // element type for arrays
	Enum        []string    `json:"enum,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    ToolCategory    `json:"category"`
	Parameters  []ToolParameter `json:"parameters"`
	Timeout     time.Duration   `json:"-"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	SessionID string
	WorkDir   string
	Role      string
	Timeout   time.Duration
	// AllowedTools restricts the callable set when non-nil.
	AllowedTools []string
}

func (ec *ExecutionContext) allows(name string) bool {
	if ec == nil || ec.AllowedTools == nil {
		return true
	}
	for _, allowed := range ec.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}

func (ec *ExecutionContext) sessionID() string {
	if ec == nil {
		return ""
	}
	return ec.SessionID
}

// ToolResult represents the result of a tool execution. Content is what the
// model sees; Output and Error keep the raw handler outcome.
type ToolResult struct {
	ToolUseID string                 `json:"tool_use_id"`
	Content   string                 `json:"content"`
	IsError   bool                   `json:"is_error"`
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Block converts the result into a tool_result content block.
func (r ToolResult) Block() agent.ContentBlock {
	return agent.ToolResultBlock(r.ToolUseID, r.Content, r.IsError)
}

// Options configures a ToolExecutor.
type Options struct {
	Policy         *PermissionPolicy
	Approval       ApprovalHandler
	MaxOutputBytes int
	DefaultTimeout time.Duration
	Logger         zerolog.Logger
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools          map[string]*ToolDefinition
	schemas        map[string]*gojsonschema.Schema
	inputSchemas   map[string]map[string]interface{}
	order          []string
	policy         *PermissionPolicy
	approval       *ApprovalManager
	maxOutputBytes int
	defaultTimeout time.Duration
	logger         zerolog.Logger
	mu             sync.RWMutex
}

// New creates a new ToolExecutor
func New(opts Options) *ToolExecutor {
	if opts.Policy == nil {
		opts.Policy = NewPermissionPolicy(Overrides{})
	}
	if opts.Approval == nil {
		opts.Approval = AutoApproveHandler{}
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = defaultMaxOutputBytes
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}

	return &ToolExecutor{
		tools:          make(map[string]*ToolDefinition),
		schemas:        make(map[string]*gojsonschema.Schema),
		inputSchemas:   make(map[string]map[string]interface{}),
		policy:         opts.Policy,
		approval:       NewApprovalManager(opts.Approval),
		maxOutputBytes: opts.MaxOutputBytes,
		defaultTimeout: opts.DefaultTimeout,
		logger:         opts.Logger.With().Str("component", "tool_executor").Logger(),
	}
}

// Policy returns the permission policy consulted by Execute.
func (te *ToolExecutor) Policy() *PermissionPolicy {
	return te.policy
}

// SetApprovalHandler replaces the handler used for ask_user tools.
func (te *ToolExecutor) SetApprovalHandler(handler ApprovalHandler) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.approval = NewApprovalManager(handler)
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := te.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	if def.Category == "" {
		def.Category = CategoryWrite
	}

	schemaMap := te.buildSchemaMap(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	if _, exists := te.tools[def.Name]; exists {
		te.mu.Unlock()
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema
	te.inputSchemas[def.Name] = schemaMap
	te.order = append(te.order, def.Name)
	te.mu.Unlock()

	te.policy.SetDefault(def.Name, def.Category.DefaultLevel())

	te.logger.Debug().Str("tool", def.Name).Str("category", string(def.Category)).Msg("Tool registered")
	return nil
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return te.tools[name]
}

// ListTools returns registered tool names in registration order.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return append([]string(nil), te.order...)
}

// Schemas returns the model-facing schemas of the named tools, in the order
// given. Unknown names are skipped.
func (te *ToolExecutor) Schemas(names ...string) []agent.ToolSchema {
	te.mu.RLock()
	defer te.mu.RUnlock()

	out := make([]agent.ToolSchema, 0, len(names))
	for _, name := range names {
		def, ok := te.tools[name]
		if !ok {
			continue
		}
		out = append(out, agent.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: te.inputSchemas[name],
		})
	}
	return out
}

// Execute runs one tool call and always returns a result whose ToolUseID
// matches call.ID.
func (te *ToolExecutor) Execute(ctx context.Context, call agent.ToolCall, execCtx *ExecutionContext) (result ToolResult) {
	startTime := time.Now()
	logger := tracing.LoggerFromContext(ctx, te.logger).With().
		Str("tool", call.Name).
		Str("tool_use_id", call.ID).
		Logger()

	ctx, span := tracing.StartSpan(ctx, "tandem.toolexecutor", "tool.execute",
		attribute.String("tool.name", call.Name),
		attribute.String("session.id", execCtx.sessionID()),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Tool execution panicked")
			result = errorResult(call.ID, fmt.Sprintf("tool %s failed: internal error: %v", call.Name, r))
		}
		result.ToolUseID = call.ID
		if result.IsError {
			span.SetAttributes(attribute.Bool("tool.is_error", true))
		}
		observability.RecordToolExecution(call.Name, time.Since(startTime), !result.IsError)
	}()

	if IsCoordinationTool(call.Name) {
		return ToolResult{
			Content:  fmt.Sprintf("%s is handled by the orchestrator", call.Name),
			Success:  true,
			Metadata: map[string]interface{}{"coordination": true},
		}
	}

	if !execCtx.allows(call.Name) {
		logger.Warn().Str("role", execCtx.Role).Msg("Tool not available in this context")
		return errorResult(call.ID, fmt.Sprintf("tool %s is not available here", call.Name))
	}

	switch te.policy.Level(call.Name) {
	case LevelDenied:
		logger.Warn().Msg("Tool execution blocked by permission policy")
		observability.RecordPermissionDenied(call.Name)
		observability.RecordToolAudit(ctx, call.Name, execCtx.sessionID(), "denied", nil)
		res := errorResult(call.ID, fmt.Sprintf("tool %s is denied by permission policy", call.Name))
		res.Metadata = map[string]interface{}{"policy_violation": true}
		return res
	case LevelAskUser:
		if res, ok := te.askUser(ctx, call, execCtx); !ok {
			return res
		}
	}

	te.mu.RLock()
	tool := te.tools[call.Name]
	schema := te.schemas[call.Name]
	te.mu.RUnlock()

	if tool == nil {
		logger.Warn().Msg("Tool not found")
		return errorResult(call.ID, fmt.Sprintf("unknown tool: %s", call.Name))
	}

	params := call.Input
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := validateParameters(schema, params); err != nil {
		logger.Warn().Err(err).Msg("Parameter validation failed")
		return errorResult(call.ID, fmt.Sprintf("invalid input for %s: %v", call.Name, err))
	}

	timeout := te.defaultTimeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}

	output, err := te.dispatch(ContextWithExecContext(ctx, execCtx), tool, params, timeout)
	duration := time.Since(startTime)
	if err != nil {
		tracing.Fail(span, err)
		logger.Warn().Dur("duration", duration).Err(err).Msg("Tool execution failed")
		observability.RecordToolAudit(ctx, call.Name, execCtx.sessionID(), "failed", nil)
		res := errorResult(call.ID, err.Error())
		res.Metadata = map[string]interface{}{"duration": duration.Milliseconds()}
		return res
	}

	content, truncated := te.truncate(normalizeContent(output))
	logger.Debug().Dur("duration", duration).Bool("truncated", truncated).Msg("Tool execution completed")
	observability.RecordToolAudit(ctx, call.Name, execCtx.sessionID(), "executed", nil)

	return ToolResult{
		ToolUseID: call.ID,
		Content:   content,
		Success:   true,
		Output:    output,
		Truncated: truncated,
		Metadata:  map[string]interface{}{"duration": duration.Milliseconds()},
	}
}

// askUser consults the approval handler. ok is false when the call must not run.
func (te *ToolExecutor) askUser(ctx context.Context, call agent.ToolCall, execCtx *ExecutionContext) (ToolResult, bool) {
	te.mu.RLock()
	approval := te.approval
	te.mu.RUnlock()

	input, _ := json.Marshal(call.Input)
	req := ApprovalRequest{
		ToolName:  call.Name,
		ToolUseID: call.ID,
		Input:     input,
		SessionID: execCtx.sessionID(),
	}
	if execCtx != nil {
		req.WorkDir = execCtx.WorkDir
	}

	approved, reason, err := approval.RequestApproval(ctx, req)
	if err != nil {
		observability.RecordToolAudit(ctx, call.Name, req.SessionID, "approval_failed", nil)
		return errorResult(call.ID, fmt.Sprintf("approval for %s failed: %v", call.Name, err)), false
	}
	if !approved {
		observability.RecordPermissionDenied(call.Name)
		observability.RecordToolAudit(ctx, call.Name, req.SessionID, "rejected", map[string]interface{}{"reason": reason})
		msg := fmt.Sprintf("tool %s was not approved", call.Name)
		if reason != "" {
			msg += ": " + reason
		}
		return errorResult(call.ID, msg), false
	}
	return ToolResult{}, true
}

// dispatch runs the handler in its own goroutine so a stuck handler cannot
// outlive its timeout and a panicking one cannot take the process down.
func (te *ToolExecutor) dispatch(ctx context.Context, tool *ToolDefinition, params map[string]interface{}, timeout time.Duration) (interface{}, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				te.logger.Error().
					Str("tool", tool.Name).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("Tool handler panicked")
				done <- outcome{err: fmt.Errorf("tool %s failed: internal error: %v", tool.Name, r)}
			}
		}()
		output, err := tool.Handler(timeoutCtx, params)
		done <- outcome{output: output, err: err}
	}()

	select {
	case out := <-done:
		return out.output, out.err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool %s aborted: %w", tool.Name, ctx.Err())
		}
		return nil, fmt.Errorf("tool execution timeout after %v", timeout)
	}
}

func errorResult(id, msg string) ToolResult {
	return ToolResult{
		ToolUseID: id,
		Content:   msg,
		IsError:   true,
		Error:     msg,
	}
}

// validateToolDefinition validates a tool definition
func (te *ToolExecutor) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if IsCoordinationTool(def.Name) {
		return fmt.Errorf("tool name %s is reserved", def.Name)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
		if param.Items != "" && !validTypes[param.Items] {
			return fmt.Errorf("invalid item type %s for %s", param.Items, param.Name)
		}
	}

	return nil
}

// buildSchemaMap generates a JSON Schema object from tool parameters. The
// same map is validated against and sent to the model.
func (te *ToolExecutor) buildSchemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if param.Type == "array" {
			items := param.Items
			if items == "" {
				items = "string"
			}
			paramSchema["items"] = map[string]interface{}{"type": items}
		}
		if len(param.Enum) > 0 {
			enum := make([]interface{}, len(param.Enum))
			for i, v := range param.Enum {
				enum[i] = v
			}
			paramSchema["enum"] = enum
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}

// normalizeContent renders handler output as text. Strings pass through
// verbatim; anything else is JSON with object keys sorted.
func normalizeContent(output interface{}) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	// Round-trip through a generic value so struct fields come out sorted too.
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	sorted, err := json.Marshal(generic)
	if err != nil {
		return string(raw)
	}
	return string(sorted)
}

// truncate cuts content at maxOutputBytes on a rune boundary.
func (te *ToolExecutor) truncate(content string) (string, bool) {
	if len(content) <= te.maxOutputBytes {
		return content, false
	}

	cut := te.maxOutputBytes
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}

	te.logger.Warn().
		Int("original", len(content)).
		Int("truncated", cut).
		Msg("Output truncated")

	return content[:cut] + truncationNotice, true
}
