package coretools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/harun/tandem/pkg/sandbox"
	"github.com/harun/tandem/pkg/toolexecutor"
)

// ErrBlockedCommand is returned when a bash command matches the denylist.
var ErrBlockedCommand = errors.New("command blocked")

type blockedPattern struct {
	re     *regexp.Regexp
	reason string
}

// The denylist catches obvious catastrophes; it is not a sandbox.
var blockedCommands = []blockedPattern{
	// Any words of the same simple command may sit around the recursive flag,
	// so long options, "--" and other paths do not hide the target.
	{regexp.MustCompile(`\brm\s+([^\s;&|]+\s+)*(-[a-zA-Z]*[rR][a-zA-Z]*|--recursive)\s+([^\s;&|]+\s+)*["']?(/\*?|~/?\*?|\$HOME/?\*?|\$\{HOME\}/?\*?)["']?(\s|;|&|\||$)`), "recursive delete of root or home"},
	{regexp.MustCompile(`\bdd\b.*\bof=/dev/`), "raw write to a device"},
	{regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|disk|xvd|vd)`), "redirect to a disk device"},
	{regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`), "filesystem formatting"},
	{regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), "fork bomb"},
	{regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`), "piping a download into a shell"},
	{regexp.MustCompile(`(^|[;&|]\s*|\bsudo\s+)(shutdown|reboot|halt|poweroff)\b`), "shutdown or reboot"},
	{regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*-R\s+(-[a-zA-Z]+\s+)*0?777\s+/(\s|$)`), "recursive chmod of root"},
}

// CheckCommand returns ErrBlockedCommand when command matches the denylist.
func CheckCommand(command string) error {
	for _, p := range blockedCommands {
		if p.re.MatchString(command) {
			return fmt.Errorf("%w: %s", ErrBlockedCommand, p.reason)
		}
	}
	return nil
}

func bashTool(opts Options) toolexecutor.ToolDefinition {
	maxTimeout := opts.BashTimeout
	return toolexecutor.ToolDefinition{
		Name: Bash,
		Description: fmt.Sprintf("Run a bash command in the working directory. Output is size-limited and the command is killed after %d seconds unless a shorter timeout is given.",
			int(maxTimeout.Seconds())),
		Category: toolexecutor.CategoryShell,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Command line passed to bash -c", Required: true},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds"},
		},
		// Leave room for the runner to kill the process group and report.
		Timeout: maxTimeout + 10*time.Second,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}

			command := strings.TrimSpace(stringParam(params, "command"))
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}
			if err := CheckCommand(command); err != nil {
				opts.Logger.Warn().Err(err).Str("command", command).Msg("Blocked bash command")
				return nil, err
			}

			timeout := parseDurationSeconds(params["timeout"], maxTimeout)
			if timeout > maxTimeout {
				timeout = maxTimeout
			}

			res, err := opts.Runner.Execute(ctx, sandbox.ExecuteRequest{
				Command:    "bash",
				Args:       []string{"-c", command},
				WorkingDir: root,
				Timeout:    timeout,
			})
			output := joinOutput(res.Stdout, res.Stderr)
			if res.Truncated {
				output += "\n... [output truncated]"
			}

			if errors.Is(err, sandbox.ErrExecutionTimeout) || res.TimedOut {
				return nil, fmt.Errorf("command timed out after %v; partial output:\n%s", timeout, output)
			}
			if err != nil {
				return nil, err
			}
			if res.ExitCode != 0 {
				return nil, fmt.Errorf("exit code %d\n%s", res.ExitCode, output)
			}
			if output == "" {
				return "(no output)", nil
			}
			return output, nil
		},
	}
}
