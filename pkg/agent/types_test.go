package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentJSON(t *testing.T) {
	t.Run("text encodes as string", func(t *testing.T) {
		data, err := json.Marshal(TextContent("hello"))
		require.NoError(t, err)
		assert.JSONEq(t, `"hello"`, string(data))
	})

	t.Run("blocks encode as array", func(t *testing.T) {
		c := BlocksContent(TextBlock("hi"), ToolUseBlock("tu_1", "glob", json.RawMessage(`{"pattern":"*.md"}`)))
		data, err := json.Marshal(c)
		require.NoError(t, err)
		assert.JSONEq(t, `[{"type":"text","text":"hi"},{"type":"tool_use","id":"tu_1","name":"glob","input":{"pattern":"*.md"}}]`, string(data))
	})

	t.Run("decodes either shape", func(t *testing.T) {
		var c Content
		require.NoError(t, json.Unmarshal([]byte(`"plain"`), &c))
		assert.Equal(t, ContentText, c.Kind())
		assert.Equal(t, "plain", c.Text())

		require.NoError(t, json.Unmarshal([]byte(`[{"type":"tool_result","tool_use_id":"tu_1","content":"ok","is_error":true}]`), &c))
		require.Equal(t, ContentBlocks, c.Kind())
		require.Len(t, c.Blocks(), 1)
		assert.Equal(t, ToolResultBlock("tu_1", "ok", true), c.Blocks()[0])
	})

	t.Run("rejects other shapes", func(t *testing.T) {
		var c Content
		assert.Error(t, json.Unmarshal([]byte(`42`), &c))
	})
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{Role: RoleAssistant, Content: BlocksContent(ThinkingBlock("hmm"), TextBlock("done"))}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, RoleAssistant, decoded.Role)
	assert.Equal(t, "done", decoded.Content.PlainText())
}

func TestToolUses(t *testing.T) {
	msg := Message{Role: RoleAssistant, Content: BlocksContent(
		TextBlock("looking"),
		ToolUseBlock("a", "glob", json.RawMessage(`{"pattern":"*.go"}`)),
		ToolUseBlock("b", "read_file", json.RawMessage(`not json`)),
	)}

	calls := msg.ToolUses()
	require.Len(t, calls, 2)
	assert.Equal(t, "glob", calls[0].Name)
	assert.Equal(t, "*.go", calls[0].Input["pattern"])
	assert.Equal(t, "b", calls[1].ID)
	assert.NotNil(t, calls[1].Input)

	assert.Nil(t, Message{Role: RoleUser, Content: TextContent("hi")}.ToolUses())
}

func TestAsBlocks(t *testing.T) {
	assert.Nil(t, TextContent("").AsBlocks())
	assert.Equal(t, []ContentBlock{TextBlock("x")}, TextContent("x").AsBlocks())
}
