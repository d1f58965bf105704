package coretools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/tandem/pkg/sandbox"
	"github.com/harun/tandem/pkg/toolexecutor"
)

// ErrGitNotAllowed is returned for git invocations outside the read-only set.
var ErrGitNotAllowed = errors.New("git command not allowed")

const gitTimeout = 60 * time.Second

var readOnlyGitCommands = map[string]bool{
	"status":    true,
	"log":       true,
	"diff":      true,
	"show":      true,
	"branch":    true,
	"rev-parse": true,
	"ls-files":  true,
	"blame":     true,
	"remote":    true,
	"tag":       true,
}

// Listing subcommands create or delete refs when given positional arguments
// or one of these flags.
var listingCommands = map[string]bool{"branch": true, "tag": true, "remote": true}

var refMutatingFlags = map[string]bool{
	"-d": true, "-D": true, "--delete": true,
	"-m": true, "-M": true, "--move": true,
	"-c": true, "-C": true, "--copy": true,
	"-f": true, "--force": true,
	"-u": true, "--set-upstream-to": true, "--unset-upstream": true,
	"-s": true, "--sign": true,
	"--edit-description": true,
}

// CheckGitArgs validates args for the read-only git tool.
func CheckGitArgs(args []string) error {
	if err := rejectDestructiveGit(args); err != nil {
		return err
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: no subcommand given", ErrGitNotAllowed)
	}
	sub := args[0]
	if strings.HasPrefix(sub, "-") {
		return fmt.Errorf("%w: global options are not supported", ErrGitNotAllowed)
	}
	if !readOnlyGitCommands[sub] {
		return fmt.Errorf("%w: %q is not a read-only command (use git_commit to commit)", ErrGitNotAllowed, sub)
	}
	if sub == "diff" || sub == "log" || sub == "show" {
		for _, arg := range args[1:] {
			if arg == "--output" || strings.HasPrefix(arg, "--output=") || arg == "--ext-diff" {
				return fmt.Errorf("%w: %s", ErrGitNotAllowed, arg)
			}
		}
	}
	if listingCommands[sub] {
		for _, arg := range args[1:] {
			if refMutatingFlags[arg] {
				return fmt.Errorf("%w: git %s %s modifies the repository", ErrGitNotAllowed, sub, arg)
			}
			if sub != "branch" && !strings.HasPrefix(arg, "-") {
				return fmt.Errorf("%w: git %s with arguments modifies the repository", ErrGitNotAllowed, sub)
			}
		}
		if sub == "branch" && hasPositional(args[1:], "--contains", "--no-contains", "--merged", "--no-merged", "--points-at", "--format", "--sort") {
			return fmt.Errorf("%w: git branch with a name creates a branch", ErrGitNotAllowed)
		}
	}
	return nil
}

// hasPositional reports whether args contain a non-flag argument that is not
// the value of one of valueFlags.
func hasPositional(args []string, valueFlags ...string) bool {
	takesValue := make(map[string]bool, len(valueFlags))
	for _, f := range valueFlags {
		takesValue[f] = true
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if takesValue[arg] {
			i++
			continue
		}
		if !strings.HasPrefix(arg, "-") {
			return true
		}
	}
	return false
}

// rejectDestructiveGit blocks force pushes and hard resets anywhere in args.
func rejectDestructiveGit(args []string) error {
	hasPush, hasReset := false, false
	for _, arg := range args {
		switch arg {
		case "push":
			hasPush = true
		case "reset":
			hasReset = true
		}
	}
	for _, arg := range args {
		if hasPush && (arg == "--force" || arg == "-f" || strings.HasPrefix(arg, "--force-with-lease") || strings.HasPrefix(arg, "+")) {
			return fmt.Errorf("%w: force push is never allowed", ErrGitNotAllowed)
		}
		if hasReset && arg == "--hard" {
			return fmt.Errorf("%w: reset --hard is never allowed", ErrGitNotAllowed)
		}
	}
	return nil
}

func gitTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        Git,
		Description: "Run a read-only git command (status, log, diff, show, branch, rev-parse, ls-files, blame, remote, tag).",
		Category:    toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "args", Type: "array", Items: "string", Description: "Arguments after 'git', e.g. [\"log\", \"--oneline\", \"-5\"]", Required: true},
		},
		Timeout: gitTimeout + 5*time.Second,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			args := toStringSlice(params["args"])
			if err := CheckGitArgs(args); err != nil {
				return nil, err
			}
			return runGit(ctx, opts, root, args...)
		},
	}
}

func gitCommitTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        GitCommit,
		Description: "Stage files and create a git commit. Without files, all changes are staged.",
		Category:    toolexecutor.CategoryWrite,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "message", Type: "string", Description: "Commit message", Required: true},
			{Name: "files", Type: "array", Items: "string", Description: "Paths to stage, relative to the working directory"},
		},
		Timeout: 2*gitTimeout + 5*time.Second,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			message := strings.TrimSpace(stringParam(params, "message"))
			if message == "" {
				return nil, fmt.Errorf("commit message is required")
			}

			addArgs := []string{"add", "-A"}
			if files := toStringSlice(params["files"]); len(files) > 0 {
				addArgs = []string{"add", "--"}
				for _, f := range files {
					target, err := resolvePathInWorkspace(root, f)
					if err != nil {
						return nil, err
					}
					addArgs = append(addArgs, relativeTo(root, target))
				}
			}

			if _, err := runGit(ctx, opts, root, addArgs...); err != nil {
				return nil, fmt.Errorf("git add failed: %w", err)
			}
			out, err := runGit(ctx, opts, root, "commit", "-m", message)
			if err != nil {
				return nil, fmt.Errorf("git commit failed: %w", err)
			}
			return out, nil
		},
	}
}

func runGit(ctx context.Context, opts Options, dir string, args ...string) (string, error) {
	res, err := opts.Runner.Execute(ctx, sandbox.ExecuteRequest{
		Command:    "git",
		Args:       args,
		WorkingDir: dir,
		Timeout:    gitTimeout,
		Env: map[string]string{
			"GIT_TERMINAL_PROMPT": "0",
			"GIT_PAGER":           "cat",
			"PAGER":               "cat",
		},
	})
	output := joinOutput(res.Stdout, res.Stderr)
	if err != nil {
		if output != "" {
			return "", fmt.Errorf("%w\n%s", err, output)
		}
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git exited with code %d\n%s", res.ExitCode, output)
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}
