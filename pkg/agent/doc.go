// Package agent talks to LLM backends.
//
// Every backend satisfies Client: it turns a system prompt, a conversation
// and a tool schema into one complete assistant turn, streaming advisory
// deltas along the way. Three backends exist: the Anthropic Messages API,
// the OpenAI chat completions API, and the claude CLI run as a subprocess
// speaking line-delimited JSON.
//
// Usage:
//
//	client, _ := agent.NewClient(agent.Config{Backend: "anthropic", APIKey: key})
//	client = agent.NewRetryingClient(client, 3, logger)
//	resp, _ := client.Converse(ctx, agent.Request{
//		System:   "You are helpful.",
//		Messages: history,
//		Model:    "claude-sonnet-4-5",
//	}, func(ev agent.StreamEvent) { fmt.Print(ev.Text) })
//	_ = resp
package agent
