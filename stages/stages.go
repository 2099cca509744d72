// Package stages implements the seven workflow stage functions: coder,
// tester, architect, reviewer, pr_pre_checker, pr_creator and journaler.
// Each stage is a function from an immutable state snapshot to a partial
// update record; all side effects go through the injected dependencies and
// all progress is recorded to the session event log.
package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/config"
	"github.com/deepnoodle-ai/cascade/discovery"
	"github.com/deepnoodle-ai/cascade/git"
	"github.com/deepnoodle-ai/cascade/memory"
	"github.com/deepnoodle-ai/cascade/notify"
	"github.com/deepnoodle-ai/cascade/shell"
	"github.com/deepnoodle-ai/cascade/slogger"
	"github.com/deepnoodle-ai/cascade/telemetry"
)

// Deps carries the shared infrastructure the stage functions use.
type Deps struct {
	Config   *config.Config
	Engine   cascade.Engine
	Runner   *shell.Runner
	Events   *telemetry.Log
	Git      *git.Client
	Project  *discovery.Project
	Memory   *memory.Manager
	Notifier *notify.Notifier
	Logger   slogger.Logger
}

func (d Deps) logger() slogger.Logger {
	if d.Logger == nil {
		return slogger.DefaultLogger
	}
	return d.Logger
}

// Build returns the stage functions keyed by stage name.
func Build(deps Deps) map[string]cascade.StageFunc {
	return map[string]cascade.StageFunc{
		cascade.StageCoder:        deps.Coder,
		cascade.StageTester:       deps.Tester,
		cascade.StageArchitect:    deps.Architect,
		cascade.StageReviewer:     deps.Reviewer,
		cascade.StagePRPreChecker: deps.PRPreChecker,
		cascade.StagePRCreator:    deps.PRCreator,
		cascade.StageJournaler:    deps.Journaler,
	}
}

// baseBranch is the integration branch feature work is rebased onto and
// compared against. The first protected branch doubles as the target.
func (d Deps) baseBranch() string {
	if len(d.Config.ProtectedBranches) > 0 {
		return d.Config.ProtectedBranches[0]
	}
	return "main"
}

func (d Deps) isProtectedBranch(branch string) bool {
	for _, name := range d.Config.ProtectedBranches {
		if strings.EqualFold(name, branch) {
			return true
		}
	}
	return false
}

// validateGitContext checks that PR work makes sense here: the directory is
// a git repository and the checkout is a feature branch. It returns the
// branch name, or ok=false when the PR stages should be skipped.
func (d Deps) validateGitContext(ctx context.Context, stage string) (string, bool, error) {
	if !d.Git.IsRepo(ctx) {
		if err := d.Events.Info(stage, "Not a git repository. Skipping PR creation.\n"); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	branch, err := d.Git.CurrentBranch(ctx)
	if err != nil {
		return "", false, err
	}
	if branch == "" || d.isProtectedBranch(branch) {
		if err := d.Events.Info(stage, "Not on a feature branch. Skipping PR creation.\n"); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	if err := d.Events.Info(stage, fmt.Sprintf("On feature branch: %s\n", branch)); err != nil {
		return "", false, err
	}
	return branch, true, nil
}

// invoke runs the engine with the stage defaults applied.
func (d Deps) invoke(ctx context.Context, stage, prompt string, models []string, verbose bool) (string, error) {
	return d.Engine.Invoke(ctx, prompt, cascade.InvokeOptions{
		Stage:   stage,
		Args:    []string{"--yolo"},
		Models:  models,
		Verbose: verbose,
	})
}

// autoModels prepends automatic model selection ("" lets the CLI pick) to
// the configured fallback list.
func (d Deps) autoModels() []string {
	return append([]string{""}, d.Config.Models...)
}

// changeDiff returns the diff of the current branch since the initial
// commit captured at run start. An empty string means nothing to evaluate.
func (d Deps) changeDiff(ctx context.Context, stage string, state cascade.State) (string, error) {
	if state.InitialCommit == "" {
		return "", fmt.Errorf("missing initial commit hash")
	}
	if !d.Git.IsRepo(ctx) {
		return "", nil
	}
	return d.Git.Diff(ctx, stage, state.InitialCommit, "")
}
