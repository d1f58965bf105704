package orchestrator

import (
	"github.com/harun/tandem/pkg/agent"
	"github.com/harun/tandem/pkg/toolexecutor"
)

func coordinationSchemas() []agent.ToolSchema {
	return []agent.ToolSchema{
		{
			Name:        toolexecutor.CallWorker,
			Description: "Start a fresh Worker on a self-contained task. The Worker can read, write and edit files, search, and run shell and read-only git commands in the working directory. Returns the Worker's summary.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task": map[string]interface{}{
						"type":        "string",
						"description": "What the Worker should do, with all the context it needs",
					},
					"system_prompt": map[string]interface{}{
						"type":        "string",
						"description": "Optional replacement for the Worker's system prompt",
					},
				},
				"required":             []string{"task"},
				"additionalProperties": false,
			},
		},
		{
			Name:        toolexecutor.TellWorker,
			Description: "Send a follow-up message to the Worker started earlier in this run, keeping its context. Starts a new Worker if none exists.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"message": map[string]interface{}{
						"type":        "string",
						"description": "Follow-up instruction for the Worker",
					},
				},
				"required":             []string{"message"},
				"additionalProperties": false,
			},
		},
	}
}

// instructorTools returns the schemas offered to the instructor.
func (o *Orchestrator) instructorTools() []agent.ToolSchema {
	tools := o.executor.Schemas(o.cfg.InstructorTools...)
	if o.client.SupportsWorker() {
		tools = append(tools, coordinationSchemas()...)
	}
	return tools
}

func (o *Orchestrator) workerTools() []agent.ToolSchema {
	return o.executor.Schemas(o.cfg.WorkerTools...)
}

func stringInput(call agent.ToolCall, key string) string {
	if v, ok := call.Input[key].(string); ok {
		return v
	}
	return ""
}

func textOf(blocks []agent.ContentBlock) string {
	return agent.BlocksContent(blocks...).PlainText()
}
