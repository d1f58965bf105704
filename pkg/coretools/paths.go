package coretools

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/tandem/pkg/toolexecutor"
)

// ErrSensitivePath is returned for credential-like files. The guard is a
// courtesy check; symlinks are not resolved.
var ErrSensitivePath = errors.New("access to sensitive file is not allowed")

// ErrOutsideWorkDir is returned for paths that normalize outside the work dir.
var ErrOutsideWorkDir = errors.New("path is outside the working directory")

var sensitiveNamePatterns = []string{
	".env",
	".env.*",
	"id_rsa*",
	"id_ed25519*",
	"*.pem",
	"*.key",
	".netrc",
	".git-credentials",
	".npmrc",
	".pypirc",
}

var sensitiveDirs = []string{".ssh"}

// IsSensitivePath reports whether rel (slash or OS separated, relative to the
// work dir) names a credential-like file.
func IsSensitivePath(rel string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	segments := strings.Split(rel, "/")

	for i, seg := range segments {
		for _, dir := range sensitiveDirs {
			if seg == dir {
				return true
			}
		}
		if seg == ".aws" && i+1 < len(segments) && segments[i+1] == "credentials" {
			return true
		}
	}

	base := segments[len(segments)-1]
	for _, pattern := range sensitiveNamePatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func resolveWorkspaceRoot(execCtx *toolexecutor.ExecutionContext, opts Options) (string, error) {
	if execCtx != nil && strings.TrimSpace(execCtx.WorkDir) != "" {
		return filepath.Clean(execCtx.WorkDir), nil
	}
	if strings.TrimSpace(opts.WorkspaceRoot) != "" {
		return filepath.Clean(opts.WorkspaceRoot), nil
	}
	return "", fmt.Errorf("working directory is not configured")
}

// resolvePathInWorkspace resolves pathValue against workspaceRoot and applies
// the containment and sensitive-file checks.
func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkDir, pathValue)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkDir, pathValue)
	}
	if IsSensitivePath(rel) {
		return "", fmt.Errorf("%w: %s", ErrSensitivePath, pathValue)
	}
	return candidate, nil
}

// resolveDirInWorkspace is like resolvePathInWorkspace but an empty value
// means the workspace root itself.
func resolveDirInWorkspace(workspaceRoot string, value string) (string, error) {
	if strings.TrimSpace(value) == "" || strings.TrimSpace(value) == "." {
		return workspaceRoot, nil
	}
	return resolvePathInWorkspace(workspaceRoot, value)
}

func relativeTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
