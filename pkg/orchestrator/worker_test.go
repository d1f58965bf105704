package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tandem/pkg/agent"
	"github.com/harun/tandem/pkg/agent/agenttest"
	"github.com/harun/tandem/pkg/coretools"
	"github.com/harun/tandem/pkg/toolexecutor"
)

func toolNames(schemas []agent.ToolSchema) []string {
	out := make([]string, len(schemas))
	for i, s := range schemas {
		out[i] = s.Name
	}
	return out
}

func TestWorker_CallWorkerRunsToolsAndSummarizes(t *testing.T) {
	client := agenttest.New(
		agenttest.ToolUse("tu_cw", toolexecutor.CallWorker, map[string]interface{}{"task": "create hello.txt"}),
		agenttest.ToolUse("w_1", coretools.WriteFile, map[string]interface{}{"path": "hello.txt", "content": "hello"}),
		agenttest.Text("Created hello.txt.", agent.StopEndTurn),
		agenttest.Text("The worker created the file.", agent.StopEndTurn),
	)
	h := newHarness(t, client, nil)
	id := h.create(t)

	outcome, err := h.orch.Run(context.Background(), id, "make a hello file")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaitingInput, outcome)

	data, err := os.ReadFile(filepath.Join(h.workDir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.Len(t, client.Requests, 4)
	workerReq := client.Requests[1]
	assert.Equal(t, systemPrompt(DefaultWorkerPrompt, h.workDir), workerReq.System)
	assert.ElementsMatch(t, coretools.WorkerToolNames(), toolNames(workerReq.Tools))
	require.Len(t, workerReq.Messages, 1)
	assert.Equal(t, "create hello.txt", workerReq.Messages[0].Content.Text())
	assert.Len(t, client.Requests[2].Messages, 3, "worker sees its own tool results")

	workerMsgs := h.sink.ofKind(KindWorkerMessage)
	require.Len(t, workerMsgs, 1)
	assert.Equal(t, "Created hello.txt.", workerMsgs[0].Payload["text"])

	assertInOrder(t, h.sink.all(),
		is(KindToolUse, "tool", toolexecutor.CallWorker, "source", RoleInstructor),
		is(KindToolUse, "tool", coretools.WriteFile, "source", RoleWorker),
		is(KindToolResult, "tool", coretools.WriteFile, "source", RoleWorker, "success", true),
		is(KindWorkerMessage),
		is(KindToolResult, "tool", toolexecutor.CallWorker, "source", RoleInstructor, "success", true),
		is(KindRoundComplete, "round", 1),
	)

	// Worker turns stay out of the session history.
	s := h.sessions.Snapshot(id)
	require.Len(t, s.History, 4)
	results := s.History[2].Content.Blocks()
	require.Len(t, results, 1)
	assert.Equal(t, "tu_cw", results[0].ToolUseID)
	assert.Equal(t, "Created hello.txt.", results[0].Content)
}

func TestWorker_FallbackSummary(t *testing.T) {
	client := agenttest.New(
		agenttest.ToolUse("tu_cw", toolexecutor.CallWorker, map[string]interface{}{"task": "do nothing"}),
		agenttest.Turn{Response: &agent.Response{StopReason: agent.StopEndTurn}},
		agenttest.Text("ok", agent.StopEndTurn),
	)
	h := newHarness(t, client, nil)
	id := h.create(t)

	_, err := h.orch.Run(context.Background(), id, "go")
	require.NoError(t, err)

	results := h.sink.ofKind(KindToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, workerFallbackSummary, results[0].Payload["content"])
}

func TestWorker_TellWorkerContinuesContext(t *testing.T) {
	client := agenttest.New(
		agenttest.ToolUse("tu_1", toolexecutor.CallWorker, map[string]interface{}{"task": "step one"}),
		agenttest.Text("did one", agent.StopEndTurn),
		agenttest.ToolUse("tu_2", toolexecutor.TellWorker, map[string]interface{}{"message": "step two"}),
		agenttest.Text("did two", agent.StopEndTurn),
		agenttest.Text("all steps done", agent.StopEndTurn),
	)
	h := newHarness(t, client, nil)
	id := h.create(t)

	_, err := h.orch.Run(context.Background(), id, "two steps")
	require.NoError(t, err)

	require.Len(t, client.Requests, 5)
	second := client.Requests[3].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "step one", second[0].Content.Text())
	assert.Equal(t, "did one", second[1].Content.PlainText())
	assert.Equal(t, "step two", second[2].Content.Text())
	assert.Equal(t, 2, h.sessions.Snapshot(id).RoundCount)
}

func TestWorker_TellWorkerWithoutWorkerStartsOne(t *testing.T) {
	client := agenttest.New(
		agenttest.ToolUse("tu_1", toolexecutor.TellWorker, map[string]interface{}{"message": "hello"}),
		agenttest.Text("hi", agent.StopEndTurn),
		agenttest.Text("done", agent.StopEndTurn),
	)
	h := newHarness(t, client, nil)
	id := h.create(t)

	_, err := h.orch.Run(context.Background(), id, "go")
	require.NoError(t, err)

	require.Len(t, client.Requests[1].Messages, 1)
	assert.Equal(t, "hello", client.Requests[1].Messages[0].Content.Text())
}

func TestWorker_CustomSystemPrompt(t *testing.T) {
	client := agenttest.New(
		agenttest.ToolUse("tu_1", toolexecutor.CallWorker, map[string]interface{}{"task": "review", "system_prompt": "You review code."}),
		agenttest.Text("looks fine", agent.StopEndTurn),
		agenttest.Text("done", agent.StopEndTurn),
	)
	h := newHarness(t, client, nil)
	id := h.create(t)

	_, err := h.orch.Run(context.Background(), id, "review it")
	require.NoError(t, err)
	assert.Equal(t, systemPrompt("You review code.", h.workDir), client.Requests[1].System)
}

func TestWorker_UnavailableForBackend(t *testing.T) {
	client := agenttest.New(
		agenttest.ToolUse("tu_1", toolexecutor.CallWorker, map[string]interface{}{"task": "anything"}),
		agenttest.Text("ok", agent.StopEndTurn),
	)
	client.Worker = false
	h := newHarness(t, client, nil)
	id := h.create(t)

	_, err := h.orch.Run(context.Background(), id, "go")
	require.NoError(t, err)

	assert.Equal(t, 2, client.Calls(), "no worker turn is made")
	results := h.sink.ofKind(KindToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, true, results[0].Payload["is_error"])
	assert.Equal(t, workerUnavailable, results[0].Payload["content"])
}

func TestWorker_RejectsCoordinationAndBlankTask(t *testing.T) {
	client := agenttest.New(
		agenttest.ToolUse("tu_1", toolexecutor.CallWorker, map[string]interface{}{"task": "  "}),
		agenttest.ToolUse("tu_2", toolexecutor.CallWorker, map[string]interface{}{"task": "nest"}),
		agenttest.ToolUse("w_1", toolexecutor.CallWorker, map[string]interface{}{"task": "deeper"}),
		agenttest.Text("cannot nest", agent.StopEndTurn),
		agenttest.Text("ok", agent.StopEndTurn),
	)
	h := newHarness(t, client, nil)
	id := h.create(t)

	_, err := h.orch.Run(context.Background(), id, "go")
	require.NoError(t, err)

	results := h.sink.ofKind(KindToolResult)
	require.Len(t, results, 3)
	assert.Equal(t, true, results[0].Payload["is_error"])
	assert.Contains(t, results[0].Payload["content"], "requires a non-empty task")
	assert.Equal(t, RoleWorker, results[1].Payload["source"])
	assert.Contains(t, results[1].Payload["content"], "not available to the worker")
	assert.Equal(t, "cannot nest", results[2].Payload["content"])
}

func TestWorker_IterationLimit(t *testing.T) {
	client := agenttest.New(
		agenttest.ToolUse("tu_1", toolexecutor.CallWorker, map[string]interface{}{"task": "spin"}),
	)
	calls := 0
	client.Fallback = func(call int) agenttest.Turn {
		calls++
		if calls <= 2 {
			return agenttest.ToolUse("w", coretools.Glob, map[string]interface{}{"pattern": "*"})
		}
		return agenttest.Text("stopped", agent.StopEndTurn)
	}
	h := newHarness(t, client, func(c *Config) { c.WorkerMaxIterations = 2 })
	id := h.create(t)

	_, err := h.orch.Run(context.Background(), id, "go")
	require.NoError(t, err)

	// instructor, two worker iterations, instructor
	assert.Equal(t, 4, client.Calls())
	var cw Message
	for _, m := range h.sink.ofKind(KindToolResult) {
		if m.Payload["tool"] == toolexecutor.CallWorker {
			cw = m
		}
	}
	assert.Equal(t, workerFallbackSummary, cw.Payload["content"])
}

func TestWorker_BackendErrorEndsRun(t *testing.T) {
	client := agenttest.New(
		agenttest.ToolUse("tu_1", toolexecutor.CallWorker, map[string]interface{}{"task": "x"}),
		agenttest.Turn{Err: &agent.ClientError{Kind: agent.ErrServer, Backend: "scripted", StatusCode: 500, Err: assert.AnError}},
	)
	h := newHarness(t, client, nil)
	id := h.create(t)

	outcome, err := h.orch.Run(context.Background(), id, "go")
	require.Error(t, err)
	assert.Equal(t, OutcomeError, outcome)

	s := h.sessions.Snapshot(id)
	require.Len(t, s.History, 2, "no partial tool results are stored")
	assert.Empty(t, h.sink.ofKind(KindRoundComplete))
}

func TestWorkerContext_AddUserTextMergesTrailingUserTurn(t *testing.T) {
	w := newWorkerContext("sys")
	now := time.Now()
	w.addUserText("first", now)
	w.add(agent.Message{Role: agent.RoleAssistant, Content: agent.BlocksContent(agent.ToolUseBlock("t", "glob", []byte(`{}`)))})
	w.add(agent.Message{Role: agent.RoleUser, Content: agent.BlocksContent(agent.ToolResultBlock("t", "x", false))})
	w.addUserText("second", now)

	msgs := w.messages()
	require.Len(t, msgs, 3)
	blocks := msgs[2].Content.Blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, agent.BlockToolResult, blocks[0].Type)
	assert.Equal(t, "second", blocks[1].Text)
}
