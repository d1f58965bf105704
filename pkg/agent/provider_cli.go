package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

const stderrTailBytes = 4096

// CLIClient implements Client by running the claude CLI once per turn in
// stream-json mode. The CLI executes its own tools, so the response never
// carries tool_use blocks and the worker is unavailable.
type CLIClient struct {
	binary string
	// extraArgs are inserted before the prompt; used by tests and for flags
	// such as --permission-mode.
	extraArgs []string
}

// NewCLIClient creates a client for the CLI at binary (looked up on PATH).
func NewCLIClient(binary string, extraArgs ...string) *CLIClient {
	if binary == "" {
		binary = "claude"
	}
	return &CLIClient{binary: binary, extraArgs: extraArgs}
}

// Backend returns the backend name
func (c *CLIClient) Backend() string {
	return "cli"
}

// SupportsWorker is false: the CLI owns its orchestration.
func (c *CLIClient) SupportsWorker() bool {
	return false
}

// Converse sends the latest user text to the CLI, resuming the CLI's own
// session when req.ResumeToken is set.
func (c *CLIClient) Converse(ctx context.Context, req Request, onStream StreamFunc) (*Response, error) {
	prompt := latestUserText(req.Messages)
	if strings.TrimSpace(prompt) == "" {
		return nil, &ClientError{Kind: ErrInvalidRequest, Backend: c.Backend(), Err: fmt.Errorf("no user text to send")}
	}

	cmd := exec.CommandContext(ctx, c.binary, c.buildArgs(req, prompt)...)
	cmd.Dir = req.WorkDir
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ClientError{Kind: ErrTransport, Backend: c.Backend(), Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &ClientError{Kind: ErrTransport, Backend: c.Backend(), Err: fmt.Errorf("failed to start %s: %w", c.binary, err)}
	}

	resp, parseErr := parseCLIStream(stdout, onStream)
	// drain so Wait does not block on a full pipe
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, Classify(c.Backend(), ctx.Err())
	}
	if parseErr != nil {
		return nil, &ClientError{Kind: ErrTransport, Backend: c.Backend(), Err: parseErr}
	}
	if resp.err != nil {
		return nil, &ClientError{Kind: ErrServer, Backend: c.Backend(), Err: resp.err}
	}
	if waitErr != nil {
		return nil, &ClientError{Kind: ErrServer, Backend: c.Backend(), Err: fmt.Errorf("%w: %s", waitErr, strings.TrimSpace(stderr.String()))}
	}
	if !resp.sawResult {
		return nil, &ClientError{Kind: ErrTransport, Backend: c.Backend(), Err: fmt.Errorf("cli exited without a result")}
	}

	return &resp.Response, nil
}

func (c *CLIClient) buildArgs(req Request, prompt string) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	if req.System != "" {
		args = append(args, "--append-system-prompt", req.System)
	}
	args = append(args, c.extraArgs...)
	return append(args, "--", prompt)
}

func latestUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			if text := messages[i].Content.PlainText(); text != "" {
				return text
			}
		}
	}
	return ""
}

// cliStreamLine is the subset of a stream-json line that matters here.
type cliStreamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	Message   *struct {
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
			Name     string `json:"name"`
		} `json:"content"`
	} `json:"message"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type cliResult struct {
	Response
	sawResult bool
	err       error
}

// parseCLIStream reads stream-json lines until EOF. Lines that are not JSON
// are skipped.
func parseCLIStream(r io.Reader, onStream StreamFunc) (*cliResult, error) {
	res := &cliResult{}
	var lastText string

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)

	for scanner.Scan() {
		var line cliStreamLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.SessionID != "" {
			res.ResumeToken = line.SessionID
		}

		switch line.Type {
		case "assistant":
			if line.Message == nil {
				continue
			}
			for _, block := range line.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						lastText = block.Text
						onStream.emit(StreamEvent{Type: StreamTextDelta, Text: block.Text})
					}
				case "thinking":
					onStream.emit(StreamEvent{Type: StreamThinkingDelta, Text: block.Thinking})
				case "tool_use":
					onStream.emit(StreamEvent{Type: StreamToolUseDelta, ToolName: block.Name})
				}
			}
		case "result":
			res.sawResult = true
			if line.Usage != nil {
				res.Usage = TokenUsage{InputTokens: line.Usage.InputTokens, OutputTokens: line.Usage.OutputTokens}
			}
			if line.IsError || (line.Subtype != "" && line.Subtype != "success") {
				msg := line.Result
				if msg == "" {
					msg = line.Subtype
				}
				res.err = fmt.Errorf("cli reported error: %s", msg)
				continue
			}
			text := line.Result
			if text == "" {
				text = lastText
			}
			res.StopReason = StopEndTurn
			if strings.Contains(text, CompletionMarker) {
				text = strings.TrimSpace(strings.ReplaceAll(text, CompletionMarker, ""))
				res.StopReason = StopDone
			}
			res.Content = nil
			if text != "" {
				res.Content = []ContentBlock{TextBlock(text)}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
