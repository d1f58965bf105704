package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// ContentBlock is one element of structured message content. Which fields
// are meaningful depends on Type:
//
//	text         Text
//	thinking     Text
//	tool_use     ID, Name, Input
//	tool_result  ToolUseID, Content, IsError
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock builds a thinking block.
func ThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Text: text}
}

// ToolUseBlock builds a tool_use block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// ContentKind discriminates Content.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentBlocks
)

// Content is either plain text or a sequence of blocks. It encodes as a JSON
// string in the first case and a JSON array in the second.
type Content struct {
	kind   ContentKind
	text   string
	blocks []ContentBlock
}

// TextContent returns plain text content.
func TextContent(text string) Content {
	return Content{kind: ContentText, text: text}
}

// BlocksContent returns structured content.
func BlocksContent(blocks ...ContentBlock) Content {
	return Content{kind: ContentBlocks, blocks: blocks}
}

// Kind reports which variant is populated.
func (c Content) Kind() ContentKind { return c.kind }

// Text returns the text variant. It is empty for block content.
func (c Content) Text() string { return c.text }

// Blocks returns the block variant. It is nil for text content.
func (c Content) Blocks() []ContentBlock { return c.blocks }

// AsBlocks views either variant as blocks.
func (c Content) AsBlocks() []ContentBlock {
	switch c.kind {
	case ContentText:
		if c.text == "" {
			return nil
		}
		return []ContentBlock{TextBlock(c.text)}
	case ContentBlocks:
		return c.blocks
	default:
		panic(fmt.Sprintf("agent: unknown content kind %d", c.kind))
	}
}

// PlainText concatenates the text blocks, ignoring thinking and tool blocks.
func (c Content) PlainText() string {
	switch c.kind {
	case ContentText:
		return c.text
	case ContentBlocks:
		var sb strings.Builder
		for _, b := range c.blocks {
			if b.Type == BlockText {
				if sb.Len() > 0 && b.Text != "" {
					sb.WriteString("\n")
				}
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	default:
		panic(fmt.Sprintf("agent: unknown content kind %d", c.kind))
	}
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	switch c.kind {
	case ContentText:
		return json.Marshal(c.text)
	case ContentBlocks:
		if c.blocks == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.blocks)
	default:
		return nil, fmt.Errorf("agent: unknown content kind %d", c.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = TextContent("")
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = TextContent(s)
	case '[':
		var blocks []ContentBlock
		if err := json.Unmarshal(trimmed, &blocks); err != nil {
			return err
		}
		*c = BlocksContent(blocks...)
	default:
		return fmt.Errorf("agent: content must be a string or an array, got %q", trimmed[0])
	}
	return nil
}

// Message is one turn in a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   Content   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ToolCall {
	if m.Content.Kind() != ContentBlocks {
		return nil
	}
	var calls []ToolCall
	for _, b := range m.Content.Blocks() {
		if b.Type == BlockToolUse {
			calls = append(calls, ToolCallFromBlock(b))
		}
	}
	return calls
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolCallFromBlock decodes a tool_use block. Malformed input decodes to an
// empty map; the executor's schema validation reports it.
func ToolCallFromBlock(b ContentBlock) ToolCall {
	input := map[string]interface{}{}
	if len(b.Input) > 0 {
		_ = json.Unmarshal(b.Input, &input)
		if input == nil {
			input = map[string]interface{}{}
		}
	}
	return ToolCall{ID: b.ID, Name: b.Name, Input: input}
}

// ToolSchema describes a tool offered to the model.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// StopReason is the backend-neutral reason a turn ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopDone      StopReason = "done"
	StopUnknown   StopReason = "unknown"
)

// CompletionMarker is the stop sequence a model emits to declare the task
// finished rather than hand control back for more input.
const CompletionMarker = "<<TASK_COMPLETE>>"

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is one model turn.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSchema
	Model       string
	MaxTokens   int
	ResumeToken string
	WorkDir     string
}

// Response is the final, complete result of a model turn.
type Response struct {
	Content     []ContentBlock
	StopReason  StopReason
	Usage       TokenUsage
	ResumeToken string
}

// Message converts the response into an assistant history entry.
func (r *Response) Message(now time.Time) Message {
	return Message{Role: RoleAssistant, Content: BlocksContent(r.Content...), Timestamp: now}
}

// StreamEventType discriminates StreamEvent.
type StreamEventType string

const (
	StreamThinkingDelta StreamEventType = "thinking_delta"
	StreamTextDelta     StreamEventType = "text_delta"
	StreamToolUseDelta  StreamEventType = "tool_use_delta"
)

// StreamEvent is an incremental, advisory update delivered while a turn runs.
type StreamEvent struct {
	Type     StreamEventType
	Text     string
	ToolName string
}

// StreamFunc receives stream events. It may be nil.
type StreamFunc func(StreamEvent)

func (f StreamFunc) emit(ev StreamEvent) {
	if f != nil {
		f(ev)
	}
}
