// Package git wraps the git operations the workflow stages need. All
// commands run through the bounded process runner so a hung remote can never
// stall a stage past its inactivity timeout.
package git

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/deepnoodle-ai/cascade/shell"
)

// ErrProtectedBranch is returned when a force-push targets a protected
// branch. This is a hard stop: the run terminates rather than retrying.
var ErrProtectedBranch = errors.New("refusing to force-push to protected branch")

// Client runs git commands in a working directory.
type Client struct {
	runner    *shell.Runner
	dir       string
	protected []string
}

// NewClient returns a Client for the repository at dir. protected lists
// branch names that may never be force-pushed.
func NewClient(runner *shell.Runner, dir string, protected []string) *Client {
	return &Client{runner: runner, dir: dir, protected: protected}
}

func (c *Client) run(ctx context.Context, stage string, args ...string) (*shell.Result, error) {
	return c.runner.Run(ctx, shell.Command{
		Name:  "git",
		Args:  args,
		Dir:   c.dir,
		Stage: stage,
	})
}

var remotePattern = regexp.MustCompile(`[:/]([\w\-.]+/[\w\-.]+?)(?:\.git)?/?$`)

// RemoteRepo returns the "owner/repo" name parsed from the origin remote.
func (c *Client) RemoteRepo(ctx context.Context) (string, error) {
	result, err := c.run(ctx, "", "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	if err := result.Err("git remote"); err != nil {
		return "", err
	}
	url := strings.TrimSpace(result.Stdout)
	match := remotePattern.FindStringSubmatch(url)
	if match == nil {
		return "", fmt.Errorf("could not parse repository name from remote %q", url)
	}
	return match[1], nil
}

// Pull integrates remote changes into the current branch.
func (c *Client) Pull(ctx context.Context) (string, error) {
	result, err := c.run(ctx, "", "pull")
	if err != nil {
		return "", err
	}
	return result.Output(), result.Err("git pull")
}

// Apply applies a patch file to the work tree.
func (c *Client) Apply(ctx context.Context, patchPath string) (string, error) {
	result, err := c.run(ctx, "", "apply", patchPath)
	if err != nil {
		return "", err
	}
	return result.Output(), result.Err("git apply")
}

// IsRepo reports whether the working directory is inside a git repository.
func (c *Client) IsRepo(ctx context.Context) bool {
	result, err := c.run(ctx, "", "rev-parse", "--is-inside-work-tree")
	return err == nil && result.ExitCode == 0
}

// CurrentBranch returns the checked-out branch name, or "" on detached HEAD.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	result, err := c.run(ctx, "", "branch", "--show-current")
	if err != nil {
		return "", err
	}
	if err := result.Err("git branch"); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

// Head returns the current HEAD commit hash.
func (c *Client) Head(ctx context.Context) (string, error) {
	result, err := c.run(ctx, "", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if err := result.Err("git rev-parse"); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

// Diff returns the diff between base and head. Output events are attributed
// to stage when one is given.
func (c *Client) Diff(ctx context.Context, stage, base, head string) (string, error) {
	if head == "" {
		head = "HEAD"
	}
	result, err := c.run(ctx, stage, "diff", base, head)
	if err != nil {
		return "", err
	}
	if err := result.Err("git diff"); err != nil {
		return "", err
	}
	return result.Stdout, nil
}

// IsDirty reports whether the work tree has uncommitted changes.
func (c *Client) IsDirty(ctx context.Context) (bool, error) {
	result, err := c.run(ctx, "", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if err := result.Err("git status"); err != nil {
		return false, err
	}
	return strings.TrimSpace(result.Stdout) != "", nil
}

// Fetch updates refs from the remote.
func (c *Client) Fetch(ctx context.Context, remote string) error {
	if remote == "" {
		remote = "origin"
	}
	result, err := c.run(ctx, "", "fetch", remote)
	if err != nil {
		return err
	}
	return result.Err("git fetch")
}

// Rebase rebases the current branch onto target. The combined output is
// returned even on failure so the caller can surface conflict details.
func (c *Client) Rebase(ctx context.Context, target string) (string, error) {
	result, err := c.run(ctx, "", "rebase", target)
	if err != nil {
		return "", err
	}
	return result.Output(), result.Err("git rebase")
}

// RebaseAbort abandons an in-progress rebase.
func (c *Client) RebaseAbort(ctx context.Context) error {
	result, err := c.run(ctx, "", "rebase", "--abort")
	if err != nil {
		return err
	}
	return result.Err("git rebase --abort")
}

// Add stages paths for commit.
func (c *Client) Add(ctx context.Context, paths ...string) error {
	result, err := c.run(ctx, "", append([]string{"add"}, paths...)...)
	if err != nil {
		return err
	}
	return result.Err("git add")
}

// Commit creates a commit with the given message.
func (c *Client) Commit(ctx context.Context, message string) error {
	result, err := c.run(ctx, "", "commit", "-m", message)
	if err != nil {
		return err
	}
	return result.Err("git commit")
}

// Push pushes the current branch. A force-push to a protected branch is
// rejected before any command runs.
func (c *Client) Push(ctx context.Context, remote, branch string, force bool) error {
	if remote == "" {
		remote = "origin"
	}
	if force {
		target := branch
		if target == "" {
			current, err := c.CurrentBranch(ctx)
			if err != nil {
				return err
			}
			target = current
		}
		if c.isProtected(target) {
			return fmt.Errorf("%w: %q", ErrProtectedBranch, target)
		}
	}
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	if branch != "" {
		args = append(args, "-u", remote, branch)
	} else {
		args = append(args, remote)
	}
	result, err := c.run(ctx, "", args...)
	if err != nil {
		return err
	}
	return result.Err("git push")
}

func (c *Client) isProtected(branch string) bool {
	for _, name := range c.protected {
		if strings.EqualFold(name, branch) {
			return true
		}
	}
	return false
}
