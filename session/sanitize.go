// Package session identifies workflow sessions and persists their
// cross-invocation metadata: the last known workflow state snapshot and
// opaque per-engine handles such as a remote agent session id.
package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidSessionID is returned when a session id contains path traversal
// sequences or other content that could escape the data directory.
var ErrInvalidSessionID = errors.New("invalid session id")

// SanitizeID maps a raw session identifier to a safe on-disk name.
// Separators are flattened deterministically ("owner/repo" becomes
// "owner_repo"); traversal sequences are rejected outright.
func SanitizeID(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if strings.Contains(raw, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, raw)
	}
	id := strings.ReplaceAll(raw, "/", "_")
	id = strings.ReplaceAll(id, "\\", "_")
	if id == "" || id == "." || strings.TrimLeft(id, "_") == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, raw)
	}
	return id, nil
}

// remotePattern extracts "owner/repo" from ssh and https git remote URLs.
var remotePattern = regexp.MustCompile(`[:/]([\w\-.]+/[\w\-.]+?)(?:\.git)?/?$`)

// DeriveID derives a session id from the current git repository and branch.
// Outside a repository (or when git is unavailable) it falls back to a
// timestamped id so a run can always proceed.
func DeriveID(ctx context.Context, dir string) (string, error) {
	repo := repoName(ctx, dir)
	branch := branchName(ctx, dir)
	if repo == "" || branch == "" {
		return SanitizeID("session-" + time.Now().Format("20060102-150405"))
	}
	return SanitizeID(repo + "/" + branch)
}

func repoName(ctx context.Context, dir string) string {
	if out, err := runGit(ctx, dir, "remote", "get-url", "origin"); err == nil {
		if match := remotePattern.FindStringSubmatch(out); match != nil {
			return strings.ReplaceAll(match[1], "/", "-")
		}
	}
	if out, err := runGit(ctx, dir, "rev-parse", "--show-toplevel"); err == nil && out != "" {
		return filepath.Base(out)
	}
	return ""
}

func branchName(ctx context.Context, dir string) string {
	if out, err := runGit(ctx, dir, "branch", "--show-current"); err == nil && out != "" {
		return out
	}
	// Detached HEAD falls back to the commit hash.
	if out, err := runGit(ctx, dir, "rev-parse", "--short", "HEAD"); err == nil && out != "" {
		return out
	}
	return ""
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
