package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// waitDelay bounds how long Wait blocks on pipes held open by orphaned
// grandchildren after the process group is killed.
const waitDelay = 2 * time.Second

// HostRunner runs commands directly on the host
type HostRunner struct {
	config Config
}

// NewHostRunner creates a new host runner
func NewHostRunner(config Config) (*HostRunner, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &HostRunner{config: config}, nil
}

// Config returns the runner configuration
func (h *HostRunner) Config() Config {
	return h.config
}

// Execute runs a command. A timeout is reported as ErrExecutionTimeout
// together with the partial result; a non-zero exit is not an error.
func (h *HostRunner) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return ExecuteResult{}, ErrEmptyCommand
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.config.Timeout
	}
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, req.Command, req.Args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = h.buildEnvironment(req.Env)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	stdout := newCappedBuffer(h.config.MaxOutputBytes)
	stderr := newCappedBuffer(h.config.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := ExecuteResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Duration:  duration,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.ExitCode = -1
		result.TimedOut = true
		return result, ErrExecutionTimeout
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("failed to run %s: %w", req.Command, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	log.Debug().
		Str("command", req.Command).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Command executed")

	return result, nil
}

// buildEnvironment inherits the server environment minus secrets.
func (h *HostRunner) buildEnvironment(extra map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if name == "PWD" || name == "OLDPWD" || slices.Contains(h.config.StripEnv, name) {
			continue
		}
		env = append(env, kv)
	}
	for key, value := range extra {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

// cappedBuffer keeps the first limit bytes and discards the rest while
// still reporting full writes so the child never sees EPIPE.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit <= 0 {
		c.buf.Write(p)
		return len(p), nil
	}
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes())
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
