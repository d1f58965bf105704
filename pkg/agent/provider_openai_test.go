package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIClientConverse(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "Let me look.",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "glob", "arguments": "{\"pattern\":\"*.md\"}"}}]
				}
			}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL)
	var streamed []StreamEvent
	resp, err := c.Converse(context.Background(), Request{
		System: "be brief",
		Model:  "gpt-4o",
		Messages: []Message{
			{Role: RoleUser, Content: TextContent("list files")},
		},
		Tools: []ToolSchema{{Name: "glob", Description: "find files", InputSchema: map[string]interface{}{"type": "object"}}},
	}, func(ev StreamEvent) { streamed = append(streamed, ev) })
	require.NoError(t, err)

	assert.Equal(t, StopToolUse, resp.StopReason)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "Let me look.", resp.Content[0].Text)
	assert.Equal(t, "glob", resp.Content[1].Name)
	assert.JSONEq(t, `{"pattern":"*.md"}`, string(resp.Content[1].Input))
	assert.Equal(t, 5, resp.Usage.InputTokens)
	assert.Len(t, streamed, 2)

	messages, ok := body["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, messages, 2)
}

func TestOpenAIClientClassifiesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIClient("sk-test", srv.URL).Converse(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: TextContent("hi")}},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, ErrRateLimit, KindOf(err))
}

func TestToOpenAIMessages(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: TextContent("hi")},
		{Role: RoleAssistant, Content: BlocksContent(ToolUseBlock("c1", "glob", json.RawMessage(`{}`)))},
		{Role: RoleUser, Content: BlocksContent(ToolResultBlock("c1", "a.md", false))},
	}
	msgs, err := toOpenAIMessages("sys", history)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)

	_, err = toOpenAIMessages("", []Message{{Role: "tool"}})
	assert.Error(t, err)
}

func TestMapOpenAIFinishReason(t *testing.T) {
	assert.Equal(t, StopEndTurn, mapOpenAIFinishReason("stop"))
	assert.Equal(t, StopMaxTokens, mapOpenAIFinishReason("length"))
	assert.Equal(t, StopUnknown, mapOpenAIFinishReason("content_filter"))
}
