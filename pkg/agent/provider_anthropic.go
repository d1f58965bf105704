package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 8192

// AnthropicClient implements Client on the Anthropic Messages API with
// streaming.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client. An empty apiKey falls
// back to ANTHROPIC_API_KEY.
func NewAnthropicClient(apiKey, baseURL string, opts ...option.RequestOption) *AnthropicClient {
	var all []option.RequestOption
	if apiKey != "" {
		all = append(all, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	// retries are owned by RetryingClient
	all = append(all, option.WithMaxRetries(0))
	all = append(all, opts...)
	return &AnthropicClient{
		client: anthropic.NewClient(all...),
	}
}

// Backend returns the backend name
func (c *AnthropicClient) Backend() string {
	return "anthropic"
}

// SupportsWorker reports that the orchestrator drives the tool loop
func (c *AnthropicClient) SupportsWorker() bool {
	return true
}

// Converse streams one turn from the Messages API.
func (c *AnthropicClient) Converse(ctx context.Context, req Request, onStream StreamFunc) (*Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, &ClientError{Kind: ErrInvalidRequest, Backend: c.Backend(), Err: err}
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, Classify(c.Backend(), fmt.Errorf("failed to accumulate stream: %w", err))
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if ev.ContentBlock.Type == "tool_use" {
				onStream.emit(StreamEvent{Type: StreamToolUseDelta, ToolName: ev.ContentBlock.Name})
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				onStream.emit(StreamEvent{Type: StreamTextDelta, Text: delta.Text})
			case anthropic.ThinkingDelta:
				onStream.emit(StreamEvent{Type: StreamThinkingDelta, Text: delta.Thinking})
			case anthropic.InputJSONDelta:
				onStream.emit(StreamEvent{Type: StreamToolUseDelta, Text: delta.PartialJSON})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, Classify(c.Backend(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, Classify(c.Backend(), err)
	}

	return &Response{
		Content:    convertAnthropicContent(message.Content),
		StopReason: mapAnthropicStopReason(message.StopReason, message.StopSequence),
		Usage: TokenUsage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

func (c *AnthropicClient) buildParams(req Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:         anthropic.Model(req.Model),
		Messages:      messages,
		MaxTokens:     int64(maxTokens),
		StopSequences: []string{CompletionMarker},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema["properties"],
					Required:   requiredFields(tool.InputSchema),
				},
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params, nil
}

// toAnthropicMessages converts history. Thinking blocks are dropped: they
// carry no signature once persisted and the API rejects them unsigned.
func toAnthropicMessages(history []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(history))
	for _, msg := range history {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range msg.Content.AsBlocks() {
			switch b.Type {
			case BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case BlockToolUse:
				input := b.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			case BlockThinking:
			default:
				return nil, fmt.Errorf("unknown content block type %q", b.Type)
			}
		}
		if len(blocks) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if msg.Role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out, nil
}

func convertAnthropicContent(content []anthropic.ContentBlockUnion) []ContentBlock {
	blocks := make([]ContentBlock, 0, len(content))
	for _, block := range content {
		switch block.Type {
		case "text":
			blocks = append(blocks, TextBlock(block.Text))
		case "thinking":
			blocks = append(blocks, ThinkingBlock(block.Thinking))
		case "tool_use":
			blocks = append(blocks, ToolUseBlock(block.ID, block.Name, json.RawMessage(block.Input)))
		}
	}
	return blocks
}

func mapAnthropicStopReason(reason anthropic.StopReason, sequence string) StopReason {
	switch reason {
	case anthropic.StopReasonEndTurn:
		return StopEndTurn
	case anthropic.StopReasonToolUse:
		return StopToolUse
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	case anthropic.StopReasonStopSequence:
		if sequence == CompletionMarker {
			return StopDone
		}
		return StopEndTurn
	default:
		return StopUnknown
	}
}

func requiredFields(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
