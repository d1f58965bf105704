// Package coretools provides the built-in file, search, shell and git tools
// executed on behalf of the model inside a session's working directory.
package coretools

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/tandem/pkg/sandbox"
	"github.com/harun/tandem/pkg/toolexecutor"
)

// Built-in tool names.
const (
	ReadFile  = "read_file"
	WriteFile = "write_file"
	EditFile  = "edit_file"
	Glob      = "glob"
	Grep      = "grep"
	Bash      = "bash"
	Git       = "git"
	GitCommit = "git_commit"
)

// WorkerToolNames is the tool set offered to the worker. It excludes commit
// and coordination tools.
func WorkerToolNames() []string {
	return []string{ReadFile, WriteFile, EditFile, Glob, Grep, Bash, Git}
}

// InstructorToolNames is the full built-in tool set.
func InstructorToolNames() []string {
	return append(WorkerToolNames(), GitCommit)
}

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot is used when the execution context carries no work dir.
	WorkspaceRoot string
	// Runner executes bash and git. Defaults to a host runner.
	Runner sandbox.Runner
	// BashTimeout is the default and maximum bash timeout.
	BashTimeout time.Duration
	Logger      zerolog.Logger
}

// RegisterCoreTools registers the built-in tools.
func RegisterCoreTools(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}
	if opts.BashTimeout <= 0 {
		opts.BashTimeout = sandbox.DefaultConfig().Timeout
	}
	if opts.Runner == nil {
		cfg := sandbox.DefaultConfig()
		cfg.Timeout = opts.BashTimeout
		runner, err := sandbox.NewHostRunner(cfg)
		if err != nil {
			return fmt.Errorf("failed to create runner: %w", err)
		}
		opts.Runner = runner
	}
	opts.Logger = opts.Logger.With().Str("component", "coretools").Logger()

	tools := []toolexecutor.ToolDefinition{
		readFileTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		globTool(opts),
		grepTool(opts),
		bashTool(opts),
		gitTool(opts),
		gitCommitTool(opts),
	}

	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func stringParam(params map[string]interface{}, name string) string {
	s, _ := params[name].(string)
	return s
}

func intParam(params map[string]interface{}, name string, fallback int) int {
	switch v := params[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

func toStringSlice(value interface{}) []string {
	switch raw := value.(type) {
	case []string:
		return raw
	case []interface{}:
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func parseDurationSeconds(value interface{}, fallback time.Duration) time.Duration {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return fallback
}

func joinOutput(stdout, stderr []byte) string {
	var b strings.Builder
	if len(stdout) > 0 {
		b.Write(stdout)
	}
	if len(stderr) > 0 {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		b.Write(stderr)
	}
	return b.String()
}
