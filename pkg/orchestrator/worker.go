package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tandem/internal/tracing"
	"github.com/harun/tandem/pkg/agent"
	"github.com/harun/tandem/pkg/toolexecutor"
)

// runWorker handles call_worker and tell_worker. Tool-level problems come
// back as an error result for the instructor; a failed or cancelled model
// turn is returned as an error and ends the run.
func (o *Orchestrator) runWorker(ctx context.Context, run *runState, call agent.ToolCall) (toolexecutor.ToolResult, error) {
	if !o.client.SupportsWorker() {
		return workerError(call.ID, workerUnavailable), nil
	}

	key := "task"
	if call.Name == toolexecutor.TellWorker {
		key = "message"
	}
	text := stringInput(call, key)
	if strings.TrimSpace(text) == "" {
		return workerError(call.ID, fmt.Sprintf("%s requires a non-empty %s", call.Name, key)), nil
	}

	if call.Name == toolexecutor.CallWorker || run.worker == nil {
		prompt := o.cfg.WorkerPrompt
		if custom := stringInput(call, "system_prompt"); strings.TrimSpace(custom) != "" {
			prompt = custom
		}
		run.worker = newWorkerContext(systemPrompt(prompt, run.workDir))
	}
	w := run.worker
	w.addUserText(text, o.now())

	ctx = tracing.PropagateToWorker(ctx)
	ctx, span := tracing.StartSpan(ctx, tracerName, "worker.run",
		attribute.String("session.id", run.sessionID),
		attribute.String("tool", call.Name),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	execCtx := &toolexecutor.ExecutionContext{
		SessionID:    run.sessionID,
		WorkDir:      run.workDir,
		Role:         RoleWorker,
		AllowedTools: o.cfg.WorkerTools,
	}
	tools := o.workerTools()

	summary := ""
	for i := 0; i < o.cfg.WorkerMaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return toolexecutor.ToolResult{}, err
		}

		resp, err := o.client.Converse(ctx, agent.Request{
			System:    w.system,
			Messages:  w.messages(),
			Tools:     tools,
			Model:     run.model,
			MaxTokens: o.cfg.MaxTokens,
			WorkDir:   run.workDir,
		}, o.streamTo(run.sessionID, RoleWorker))
		if err != nil {
			tracing.Fail(span, err)
			return toolexecutor.ToolResult{}, fmt.Errorf("worker turn failed: %w", err)
		}
		if resp == nil {
			return toolexecutor.ToolResult{}, fmt.Errorf("%s backend returned no worker response", o.client.Backend())
		}

		msg := resp.Message(o.now())
		if len(resp.Content) > 0 {
			w.add(msg)
		}
		if text := textOf(resp.Content); text != "" {
			summary = text
			o.emit(run.sessionID, KindWorkerMessage, map[string]interface{}{"text": text, "iteration": i + 1})
		}

		calls := msg.ToolUses()
		if len(calls) == 0 {
			break
		}

		blocks := make([]agent.ContentBlock, 0, len(calls))
		for _, c := range calls {
			if err := ctx.Err(); err != nil {
				return toolexecutor.ToolResult{}, err
			}
			o.emitToolUse(run.sessionID, RoleWorker, c)

			var res toolexecutor.ToolResult
			if toolexecutor.IsCoordinationTool(c.Name) {
				res = workerError(c.ID, fmt.Sprintf("tool %s is not available to the worker", c.Name))
			} else {
				res = o.executor.Execute(ctx, c, execCtx)
			}
			o.emitToolResult(run.sessionID, RoleWorker, c, res)
			blocks = append(blocks, res.Block())
		}
		w.add(agent.Message{Role: agent.RoleUser, Content: agent.BlocksContent(blocks...), Timestamp: o.now()})

		if i == o.cfg.WorkerMaxIterations-1 {
			logger.Warn().Int("max_iterations", o.cfg.WorkerMaxIterations).Msg("Worker reached its iteration limit")
		}
	}

	if summary == "" {
		summary = workerFallbackSummary
	}
	return toolexecutor.ToolResult{
		ToolUseID: call.ID,
		Content:   summary,
		Success:   true,
		Output:    summary,
		Metadata:  map[string]interface{}{"role": RoleWorker},
	}, nil
}

func workerError(id, msg string) toolexecutor.ToolResult {
	return toolexecutor.ToolResult{
		ToolUseID: id,
		Content:   msg,
		IsError:   true,
		Error:     msg,
	}
}
