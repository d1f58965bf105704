package coretools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/harun/tandem/pkg/toolexecutor"
)

const (
	maxGlobResults  = 500
	maxGrepMatches  = 200
	maxGrepFileSize = 1024 * 1024
)

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
}

var errLimitReached = errors.New("limit reached")

func globTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        Glob,
		Description: "Find files by glob pattern. Supports * ? [] within a path segment and ** across segments. Results are sorted.",
		Category:    toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "pattern", Type: "string", Description: "Glob pattern, e.g. *.md or src/**/*.go", Required: true},
			{Name: "path", Type: "string", Description: "Directory to search, relative to the working directory (default .)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			base, err := resolveDirInWorkspace(root, stringParam(params, "path"))
			if err != nil {
				return nil, err
			}
			pattern := strings.TrimPrefix(filepath.ToSlash(stringParam(params, "pattern")), "./")
			if pattern == "" {
				return nil, fmt.Errorf("pattern is required")
			}
			if _, err := filepath.Match(strings.ReplaceAll(pattern, "**", "*"), ""); err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}

			matches, truncated, err := globFiles(ctx, root, base, pattern)
			if err != nil {
				return nil, err
			}
			if len(matches) == 0 {
				return "No files matched.", nil
			}
			out := strings.Join(matches, "\n")
			if truncated {
				out += fmt.Sprintf("\n... (results limited to %d)", maxGlobResults)
			}
			return out, nil
		},
	}
}

// globFiles walks base and returns work-dir relative paths matching pattern.
func globFiles(ctx context.Context, root, base, pattern string) ([]string, bool, error) {
	patternSegs := strings.Split(pattern, "/")
	var matches []string
	truncated := false

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == base {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel := relativeTo(base, path)
		if d.IsDir() {
			if path != base && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if IsSensitivePath(relativeTo(root, path)) {
			return nil
		}
		if matchSegments(patternSegs, strings.Split(rel, "/")) {
			if len(matches) >= maxGlobResults {
				truncated = true
				return errLimitReached
			}
			matches = append(matches, relativeTo(root, path))
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return nil, false, err
	}

	sort.Strings(matches)
	return matches, truncated, nil
}

// matchSegments matches path segments against pattern segments where "**"
// consumes zero or more segments.
func matchSegments(pattern, path []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			for i := 0; i <= len(path); i++ {
				if matchSegments(rest, path[i:]) {
					return true
				}
			}
			return false
		}
		if len(path) == 0 {
			return false
		}
		ok, err := filepath.Match(pattern[0], path[0])
		if err != nil || !ok {
			return false
		}
		pattern, path = pattern[1:], path[1:]
	}
	return len(path) == 0
}

func grepTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        Grep,
		Description: "Search file contents with a regular expression (Go RE2 syntax). Returns path:line:text for each match.",
		Category:    toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "pattern", Type: "string", Description: "Regular expression", Required: true},
			{Name: "path", Type: "string", Description: "File or directory to search, relative to the working directory (default .)"},
			{Name: "include", Type: "string", Description: "Only search files whose name matches this glob, e.g. *.go"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			re, err := regexp.Compile(stringParam(params, "pattern"))
			if err != nil {
				return nil, fmt.Errorf("invalid pattern: %w", err)
			}
			base, err := resolveDirInWorkspace(root, stringParam(params, "path"))
			if err != nil {
				return nil, err
			}
			include := stringParam(params, "include")
			if include != "" {
				if _, err := filepath.Match(include, ""); err != nil {
					return nil, fmt.Errorf("invalid include pattern: %w", err)
				}
			}

			results, truncated, err := grepFiles(ctx, root, base, re, include)
			if err != nil {
				return nil, err
			}
			if len(results) == 0 {
				return "No matches found.", nil
			}
			out := strings.Join(results, "\n")
			if truncated {
				out += fmt.Sprintf("\n... (matches limited to %d)", maxGrepMatches)
			}
			return out, nil
		},
	}
}

func grepFiles(ctx context.Context, root, base string, re *regexp.Regexp, include string) ([]string, bool, error) {
	var results []string
	truncated := false

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == base {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != base && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel := relativeTo(root, path)
		if IsSensitivePath(rel) {
			return nil
		}
		if include != "" {
			if ok, _ := filepath.Match(include, d.Name()); !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxGrepFileSize || !info.Mode().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil || isBinary(data) {
			return nil
		}

		scanner := bufio.NewScanner(strings.NewReader(string(data)))
		scanner.Buffer(make([]byte, 0, 64*1024), maxGrepFileSize)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if !re.MatchString(line) {
				continue
			}
			if len(results) >= maxGrepMatches {
				truncated = true
				return errLimitReached
			}
			if len(line) > maxLineLength {
				line = line[:maxLineLength] + "..."
			}
			results = append(results, fmt.Sprintf("%s:%d:%s", rel, lineNo, line))
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return nil, false, err
	}
	return results, truncated, nil
}
