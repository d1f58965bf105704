// Package agenttest provides a scripted agent.Client for tests.
package agenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/harun/tandem/pkg/agent"
)

// Turn is one scripted reply. Exactly one of Response or Err is used; Hook,
// when set, runs before the reply is returned.
type Turn struct {
	Response *agent.Response
	Err      error
	Stream   []agent.StreamEvent
	Hook     func(ctx context.Context, req agent.Request)
}

// Client replays turns in order. When the script is exhausted it repeats
// Fallback, or fails if Fallback is nil.
type Client struct {
	mu       sync.Mutex
	turns    []Turn
	Fallback func(call int) Turn
	Requests []agent.Request
	Worker   bool
	Name     string
}

// New creates a scripted client.
func New(turns ...Turn) *Client {
	return &Client{turns: turns, Worker: true, Name: "scripted"}
}

// Backend returns the backend name
func (c *Client) Backend() string { return c.Name }

// SupportsWorker reports c.Worker
func (c *Client) SupportsWorker() bool { return c.Worker }

// Converse returns the next scripted turn.
func (c *Client) Converse(ctx context.Context, req agent.Request, onStream agent.StreamFunc) (*agent.Response, error) {
	c.mu.Lock()
	call := len(c.Requests)
	c.Requests = append(c.Requests, req)
	var turn Turn
	switch {
	case len(c.turns) > 0:
		turn = c.turns[0]
		c.turns = c.turns[1:]
	case c.Fallback != nil:
		turn = c.Fallback(call)
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("agenttest: script exhausted at call %d", call)
	}
	c.mu.Unlock()

	if turn.Hook != nil {
		turn.Hook(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, agent.Classify(c.Name, err)
	}
	for _, ev := range turn.Stream {
		if onStream != nil {
			onStream(ev)
		}
	}
	if turn.Err != nil {
		return nil, turn.Err
	}
	return turn.Response, nil
}

// Calls returns the number of Converse calls so far.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Requests)
}

// Text builds a text-only turn.
func Text(text string, stop agent.StopReason) Turn {
	return Turn{Response: &agent.Response{Content: []agent.ContentBlock{agent.TextBlock(text)}, StopReason: stop}}
}

// ToolUse builds a turn that requests one tool.
func ToolUse(id, name string, input map[string]interface{}) Turn {
	raw, _ := json.Marshal(input)
	return Turn{Response: &agent.Response{
		Content:    []agent.ContentBlock{agent.ToolUseBlock(id, name, raw)},
		StopReason: agent.StopToolUse,
	}}
}
