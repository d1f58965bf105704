package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient implements Client on OpenAI chat completions. It does not
// stream; the whole text arrives as one delta.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(apiKey, baseURL string, opts ...option.RequestOption) *OpenAIClient {
	var all []option.RequestOption
	if apiKey != "" {
		all = append(all, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	all = append(all, option.WithMaxRetries(0))
	all = append(all, opts...)
	return &OpenAIClient{
		client: openai.NewClient(all...),
	}
}

// Backend returns the backend name
func (c *OpenAIClient) Backend() string {
	return "openai"
}

// SupportsWorker reports that the orchestrator drives the tool loop
func (c *OpenAIClient) SupportsWorker() bool {
	return true
}

// Converse makes one chat completion call.
func (c *OpenAIClient) Converse(ctx context.Context, req Request, onStream StreamFunc) (*Response, error) {
	messages, err := toOpenAIMessages(req.System, req.Messages)
	if err != nil {
		return nil, &ClientError{Kind: ErrInvalidRequest, Backend: c.Backend(), Err: err}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	response, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, Classify(c.Backend(), err)
	}
	if len(response.Choices) == 0 {
		return nil, &ClientError{Kind: ErrServer, Backend: c.Backend(), Err: fmt.Errorf("no response choices returned")}
	}

	choice := response.Choices[0]
	var blocks []ContentBlock
	if choice.Message.Content != "" {
		onStream.emit(StreamEvent{Type: StreamTextDelta, Text: choice.Message.Content})
		blocks = append(blocks, TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		onStream.emit(StreamEvent{Type: StreamToolUseDelta, ToolName: tc.Function.Name})
		blocks = append(blocks, ToolUseBlock(tc.ID, tc.Function.Name, json.RawMessage(args)))
	}

	return &Response{
		Content:    blocks,
		StopReason: mapOpenAIFinishReason(choice.FinishReason),
		Usage: TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

func toOpenAIMessages(system string, history []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}

	for _, msg := range history {
		switch msg.Role {
		case RoleUser:
			var text []string
			for _, b := range msg.Content.AsBlocks() {
				switch b.Type {
				case BlockToolResult:
					messages = append(messages, openai.ToolMessage(b.Content, b.ToolUseID))
				case BlockText:
					text = append(text, b.Text)
				}
			}
			if len(text) > 0 {
				messages = append(messages, openai.UserMessage(strings.Join(text, "\n")))
			}
		case RoleAssistant:
			var text []string
			var toolCalls []openai.ChatCompletionMessageToolCall
			for _, b := range msg.Content.AsBlocks() {
				switch b.Type {
				case BlockText:
					text = append(text, b.Text)
				case BlockToolUse:
					args := string(b.Input)
					if args == "" {
						args = "{}"
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
						ID:   b.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      b.Name,
							Arguments: args,
						},
					})
				}
			}
			if len(toolCalls) > 0 {
				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   strings.Join(text, "\n"),
					ToolCalls: toolCalls,
				}
				messages = append(messages, assistantMsg.ToParam())
			} else if len(text) > 0 {
				messages = append(messages, openai.AssistantMessage(strings.Join(text, "\n")))
			}
		default:
			return nil, fmt.Errorf("unknown role %q", msg.Role)
		}
	}
	return messages, nil
}

func mapOpenAIFinishReason(reason string) StopReason {
	switch reason {
	case "stop":
		return StopEndTurn
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopUnknown
	}
}
