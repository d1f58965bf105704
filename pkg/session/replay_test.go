package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tandem/pkg/agent"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

func userMsg(text string, ts time.Time) agent.Message {
	return agent.Message{Role: agent.RoleUser, Content: agent.TextContent(text), Timestamp: ts}
}

func TestReplay_EmptyAndHeadless(t *testing.T) {
	assert.Nil(t, Replay(nil))
	assert.Nil(t, Replay([]Event{NewUserMessage(userMsg("orphan", at(0)))}))
}

func TestReplay_FoldRules(t *testing.T) {
	assistant := agent.Message{
		Role:      agent.RoleAssistant,
		Content:   agent.BlocksContent(agent.TextBlock("looking"), agent.ToolUseBlock("tu_1", "glob", []byte(`{"pattern":"*.md"}`))),
		Timestamp: at(2),
	}
	results := agent.Message{
		Role:      agent.RoleUser,
		Content:   agent.BlocksContent(agent.ToolResultBlock("tu_1", "README.md", false)),
		Timestamp: at(3),
	}

	events := []Event{
		NewUserMessage(userMsg("before creation", at(-1))),
		NewSessionCreated("abc123", "/tmp/proj", "model-x", at(0)),
		NewStatusChange(StatusThinking, at(1)),
		NewUserMessage(userMsg("list files", at(1))),
		NewInstructorMessage(assistant),
		NewToolResults(results),
		NewRoundComplete(1, at(4)),
		{Type: "future_event_type", Timestamp: at(5)},
		NewCLISessionLinked("cli-token", at(6)),
		NewStatusChange(StatusWaiting, at(7)),
	}

	s := Replay(events)
	require.NotNil(t, s)

	assert.Equal(t, "abc123", s.ID)
	assert.Equal(t, "/tmp/proj", s.WorkDir)
	assert.Equal(t, "model-x", s.Model)
	assert.Equal(t, StatusWaiting, s.Status)
	assert.Equal(t, 1, s.RoundCount)
	assert.Equal(t, "cli-token", s.CLISessionID)
	assert.Equal(t, at(0), s.CreatedAt)
	assert.Equal(t, at(4), s.LastActivity, "status and link events do not count as activity")

	require.Len(t, s.History, 3)
	assert.Equal(t, "list files", s.History[0].Content.Text())
	assert.Equal(t, agent.RoleAssistant, s.History[1].Role)
	assert.Len(t, s.History[1].ToolUses(), 1)
	assert.Equal(t, agent.RoleUser, s.History[2].Role)
}

func TestReplay_SessionEnded(t *testing.T) {
	s := Replay([]Event{
		NewSessionCreated("abc123", "/tmp", "", at(0)),
		NewSessionEnded(at(1)),
	})
	require.NotNil(t, s)
	assert.Equal(t, StatusEnded, s.Status)
	assert.False(t, s.Status.CanRun())
}

func TestReplay_RoundCompleteIsAuthoritative(t *testing.T) {
	s := Replay([]Event{
		NewSessionCreated("abc123", "/tmp", "", at(0)),
	})
	assert.Equal(t, 0, s.RoundCount)
	assert.Equal(t, StatusWaiting, s.Status, "a replayed session is never mid-creation")

	s = Replay([]Event{
		NewSessionCreated("abc123", "/tmp", "", at(0)),
		NewRoundComplete(1, at(1)),
		NewRoundComplete(4, at(2)),
	})
	assert.Equal(t, 4, s.RoundCount)
}

func TestReplay_IsDeterministic(t *testing.T) {
	events := []Event{
		NewSessionCreated("abc123", "/tmp", "", at(0)),
		NewUserMessage(userMsg("hi", at(1))),
		NewRoundComplete(1, at(2)),
	}
	assert.Equal(t, Replay(events), Replay(events))
}

func TestStatusCanRun(t *testing.T) {
	assert.True(t, StatusInitializing.CanRun())
	assert.True(t, StatusWaiting.CanRun())
	assert.True(t, StatusPaused.CanRun())
	assert.False(t, StatusThinking.CanRun())
	assert.False(t, StatusExecuting.CanRun())
	assert.False(t, StatusEnded.CanRun())
}
