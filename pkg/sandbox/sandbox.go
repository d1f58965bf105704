// Package sandbox runs shell commands on the host with a working directory,
// a timeout and bounded output. It is a resource guard, not an isolation
// boundary.
package sandbox

import (
	"context"
	"time"
)

// Config defines runner limits
type Config struct {
	// Timeout applies when a request sets none
	Timeout time.Duration `json:"timeout"`

	// MaxOutputBytes caps stdout and stderr independently
	MaxOutputBytes int `json:"max_output_bytes"`

	// StripEnv lists environment variables removed from the child
	StripEnv []string `json:"strip_env"`
}

// ExecuteRequest represents one command execution
type ExecuteRequest struct {
	// Command is the program to run
	Command string `json:"command"`

	// Args are the command arguments
	Args []string `json:"args"`

	// Env are extra environment variables
	Env map[string]string `json:"env"`

	// WorkingDir is the working directory
	WorkingDir string `json:"working_dir"`

	// Stdin is the standard input
	Stdin []byte `json:"stdin"`

	// Timeout overrides Config.Timeout
	Timeout time.Duration `json:"timeout"`
}

// ExecuteResult represents a command execution result. On timeout it holds
// whatever output was produced before the process group was killed.
type ExecuteResult struct {
	Stdout    []byte        `json:"stdout"`
	Stderr    []byte        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`
	Truncated bool          `json:"truncated"`
}

// Runner executes commands
type Runner interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// DefaultConfig returns a default runner configuration
func DefaultConfig() Config {
	return Config{
		Timeout:        120 * time.Second,
		MaxOutputBytes: 100 * 1024,
		StripEnv: []string{
			"ANTHROPIC_API_KEY",
			"OPENAI_API_KEY",
			"TANDEM_AGENT_API_KEY",
			"TANDEM_SERVER_PASSWORD",
		},
	}
}

// ValidateConfig validates a runner configuration
func ValidateConfig(cfg Config) error {
	if cfg.Timeout < 0 {
		return ErrInvalidTimeout
	}
	if cfg.MaxOutputBytes < 0 {
		return ErrInvalidOutputLimit
	}
	return nil
}
