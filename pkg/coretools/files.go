package coretools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/tandem/pkg/toolexecutor"
)

const (
	defaultReadLimit = 2000
	maxReadBytes     = 2 * 1024 * 1024
	maxLineLength    = 2000
)

func readFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        ReadFile,
		Description: "Read a text file from the working directory. Output lines are prefixed with their line number.",
		Category:    toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the working directory", Required: true},
			{Name: "offset", Type: "integer", Description: "1-based line to start from (default 1)"},
			{Name: "limit", Type: "integer", Description: "Maximum number of lines to return (default 2000)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			target, err := resolvePathInWorkspace(root, stringParam(params, "path"))
			if err != nil {
				return nil, err
			}

			info, err := os.Stat(target)
			if err != nil {
				return nil, err
			}
			if info.IsDir() {
				return nil, fmt.Errorf("%s is a directory", stringParam(params, "path"))
			}
			if info.Size() > maxReadBytes {
				return nil, fmt.Errorf("file is too large (%d bytes); use grep to locate content", info.Size())
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			if isBinary(data) {
				return nil, fmt.Errorf("%s looks like a binary file", stringParam(params, "path"))
			}

			offset := intParam(params, "offset", 1)
			if offset < 1 {
				offset = 1
			}
			limit := intParam(params, "limit", defaultReadLimit)
			if limit < 1 {
				limit = defaultReadLimit
			}
			return numberLines(string(data), offset, limit), nil
		},
	}
}

func numberLines(content string, offset, limit int) string {
	if content == "" {
		return "(empty file)"
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if offset > len(lines) {
		return fmt.Sprintf("(offset %d is past the end of the file, which has %d lines)", offset, len(lines))
	}

	end := offset - 1 + limit
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := offset - 1; i < end; i++ {
		line := lines[i]
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "..."
		}
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, line)
	}
	if end < len(lines) {
		fmt.Fprintf(&b, "... (%d more lines)\n", len(lines)-end)
	}
	return b.String()
}

func isBinary(data []byte) bool {
	sample := data
	if len(sample) > 8000 {
		sample = sample[:8000]
	}
	return bytes.IndexByte(sample, 0) >= 0
}

func writeFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        WriteFile,
		Description: "Create or overwrite a file in the working directory. Parent directories are created.",
		Category:    toolexecutor.CategoryWrite,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the working directory", Required: true},
			{Name: "content", Type: "string", Description: "Full file content", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue := stringParam(params, "path")
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return nil, err
			}
			content := stringParam(params, "content")

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			if err := writePreservingMode(target, []byte(content)); err != nil {
				return nil, err
			}

			return fmt.Sprintf("Wrote %d bytes to %s", len(content), pathValue), nil
		},
	}
}

func editFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        EditFile,
		Description: "Replace one exact occurrence of old_string with new_string in a file. old_string must match exactly once.",
		Category:    toolexecutor.CategoryWrite,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the working directory", Required: true},
			{Name: "old_string", Type: "string", Description: "Exact text to replace; include enough context to be unique", Required: true},
			{Name: "new_string", Type: "string", Description: "Replacement text", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue := stringParam(params, "path")
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return nil, err
			}
			oldString := stringParam(params, "old_string")
			newString := stringParam(params, "new_string")
			if oldString == "" {
				return nil, fmt.Errorf("old_string must not be empty")
			}
			if oldString == newString {
				return nil, fmt.Errorf("old_string and new_string are identical")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			switch n := strings.Count(content, oldString); n {
			case 0:
				return nil, fmt.Errorf("old_string not found in %s", pathValue)
			case 1:
			default:
				return nil, fmt.Errorf("old_string matches %d times in %s; add surrounding context to make it unique", n, pathValue)
			}

			updated := strings.Replace(content, oldString, newString, 1)
			if err := writePreservingMode(target, []byte(updated)); err != nil {
				return nil, err
			}

			return fmt.Sprintf("Edited %s", pathValue), nil
		},
	}
}

func writePreservingMode(target string, data []byte) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(target); err == nil {
		mode = info.Mode().Perm()
	}
	return os.WriteFile(target, data, mode)
}
