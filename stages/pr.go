package stages

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/shell"
)

var prURLPattern = regexp.MustCompile(`https://github\.com/[^\s]+`)

// PRPreChecker verifies the branch is ready for a pull request: a clean
// work tree that rebases onto the integration branch without conflicts.
func (d Deps) PRPreChecker(ctx context.Context, state cascade.State) (cascade.Update, error) {
	if err := d.Events.Info(cascade.StagePRPreChecker, "--- PR Pre-Check Stage ---\n"); err != nil {
		return cascade.Update{}, err
	}

	_, ok, err := d.validateGitContext(ctx, cascade.StagePRPreChecker)
	if err != nil {
		return cascade.Update{}, err
	}
	if !ok {
		return cascade.Update{ReviewStatus: cascade.Ptr(cascade.ReviewPRSkipped)}, nil
	}

	dirty, err := d.Git.IsDirty(ctx)
	if err != nil {
		return cascade.Update{}, err
	}
	if dirty {
		if err := d.Events.Info(cascade.StagePRPreChecker, "Uncommitted changes found. Returning to coder.\n"); err != nil {
			return cascade.Update{}, err
		}
		if err := d.Events.Status(cascade.StagePRPreChecker, cascade.StatusFailed); err != nil {
			return cascade.Update{}, err
		}
		message := "Uncommitted changes found. Please ensure all changes are committed before creating a PR."
		return cascade.Update{
			ReviewStatus: cascade.Ptr(cascade.ReviewNeedsCommit),
			Feedback:     cascade.Ptr(message),
			RetryCount:   cascade.Ptr(state.RetryCount + 1),
		}, nil
	}

	target := "origin/" + d.baseBranch()
	if err := d.Events.Info(cascade.StagePRPreChecker, fmt.Sprintf("Syncing with %s...\n", target)); err != nil {
		return cascade.Update{}, err
	}
	if err := d.Git.Fetch(ctx, "origin"); err != nil {
		return cascade.Update{}, err
	}
	rebaseOutput, rebaseErr := d.Git.Rebase(ctx, target)
	if rebaseErr != nil {
		if err := d.Events.Info(cascade.StagePRPreChecker, "Rebase failed. Aborting rebase and returning to coder.\n"); err != nil {
			return cascade.Update{}, err
		}
		if err := d.Git.RebaseAbort(ctx); err != nil {
			d.logger().Warn("failed to abort rebase", "error", err)
		}
		if err := d.Events.Status(cascade.StagePRPreChecker, cascade.StatusFailed); err != nil {
			return cascade.Update{}, err
		}
		message := fmt.Sprintf("Automatic rebase on %s failed with the following error:\n%s\n\nThe rebase has been aborted to keep the repository in a clean state. Please manually resolve the conflicts by running 'git rebase %s', fixing the files, and committing the changes before trying again.", target, rebaseOutput, target)
		return cascade.Update{
			ReviewStatus: cascade.Ptr(cascade.ReviewPRFailed),
			Feedback:     cascade.Ptr(message),
			RetryCount:   cascade.Ptr(state.RetryCount + 1),
		}, nil
	}

	return cascade.Update{ReviewStatus: cascade.Ptr(cascade.ReviewPreCheckPass)}, nil
}

// PRCreator pushes the feature branch and opens a pull request with gh. An
// existing PR for the branch counts as success; an issue URL found in the
// original request is linked into the PR body.
func (d Deps) PRCreator(ctx context.Context, state cascade.State) (cascade.Update, error) {
	if err := d.Events.Info(cascade.StagePRCreator, "--- PR Creator Stage ---\n"); err != nil {
		return cascade.Update{}, err
	}

	branch, ok, err := d.validateGitContext(ctx, cascade.StagePRCreator)
	if err != nil {
		return cascade.Update{}, err
	}
	if !ok {
		return cascade.Update{ReviewStatus: cascade.Ptr(cascade.ReviewPRSkipped)}, nil
	}

	dirty, err := d.Git.IsDirty(ctx)
	if err != nil {
		return cascade.Update{}, err
	}
	if dirty {
		if err := d.Events.Info(cascade.StagePRCreator, "Committing remaining changes...\n"); err != nil {
			return cascade.Update{}, err
		}
		if err := d.Git.Add(ctx, "."); err != nil {
			return cascade.Update{}, err
		}
		if err := d.Git.Commit(ctx, "docs: update project memory and session notes"); err != nil {
			return cascade.Update{}, err
		}
	}

	if err := d.Events.Info(cascade.StagePRCreator, "Pushing to origin...\n"); err != nil {
		return cascade.Update{}, err
	}
	if err := d.Git.Push(ctx, "origin", branch, true); err != nil {
		return cascade.Update{}, err
	}

	if err := d.Events.Info(cascade.StagePRCreator, "Creating Pull Request...\n"); err != nil {
		return cascade.Update{}, err
	}
	result, err := d.Runner.Run(ctx, shell.Command{
		Name:  "gh",
		Args:  []string{"pr", "create", "--fill"},
		Stage: cascade.StagePRCreator,
	})
	if err != nil {
		return cascade.Update{}, err
	}

	if result.ExitCode != 0 {
		if strings.Contains(result.Output(), "already exists") {
			if err := d.Events.Info(cascade.StagePRCreator, "PR already exists. Treating as success.\n"); err != nil {
				return cascade.Update{}, err
			}
			prURL := prURLPattern.FindString(result.Output())
			if prURL == "" {
				prURL = "existing PR"
			}
			return cascade.Update{
				ReviewStatus: cascade.Ptr(cascade.ReviewPRCreated),
				PRURL:        cascade.Ptr(prURL),
			}, nil
		}
		return cascade.Update{}, fmt.Errorf("PR creation failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Output()))
	}

	prURL := strings.TrimSpace(result.Stdout)
	if err := d.Events.Output(cascade.StagePRCreator, fmt.Sprintf("PR created: %s\n", prURL)); err != nil {
		return cascade.Update{}, err
	}

	if state.IssueURL != "" {
		d.linkIssue(ctx, prURL, state.IssueURL)
	}

	return cascade.Update{
		ReviewStatus: cascade.Ptr(cascade.ReviewPRCreated),
		PRURL:        cascade.Ptr(prURL),
	}, nil
}

// linkIssue appends a "Closes <issue>" line to the PR body. Linking is best
// effort: a failure is reported but never fails the stage.
func (d Deps) linkIssue(ctx context.Context, prURL, issueURL string) {
	report := func(err error) {
		d.logger().Warn("failed to link issue to PR", "issue", issueURL, "error", err)
		_ = d.Events.Info(cascade.StagePRCreator, fmt.Sprintf("Warning: Failed to link issue to PR: %v\n", err))
	}

	if err := d.Events.Info(cascade.StagePRCreator, fmt.Sprintf("Linking issue: %s\n", issueURL)); err != nil {
		report(err)
		return
	}
	view, err := d.Runner.Run(ctx, shell.Command{
		Name:  "gh",
		Args:  []string{"pr", "view", prURL, "--json", "body", "--jq", ".body"},
		Stage: cascade.StagePRCreator,
	})
	if err != nil {
		report(err)
		return
	}
	if err := view.Err("gh pr view"); err != nil {
		report(err)
		return
	}
	body := strings.TrimSpace(view.Stdout) + "\n\nCloses " + issueURL
	edit, err := d.Runner.Run(ctx, shell.Command{
		Name:  "gh",
		Args:  []string{"pr", "edit", prURL, "--body", body},
		Stage: cascade.StagePRCreator,
	})
	if err != nil {
		report(err)
		return
	}
	if err := edit.Err("gh pr edit"); err != nil {
		report(err)
		return
	}
	_ = d.Events.Info(cascade.StagePRCreator, "PR body updated with issue reference.\n")
}
