package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/config"
	"github.com/deepnoodle-ai/cascade/discovery"
	"github.com/deepnoodle-ai/cascade/git"
	"github.com/deepnoodle-ai/cascade/notify"
	"github.com/deepnoodle-ai/cascade/session"
	"github.com/deepnoodle-ai/cascade/shell"
	"github.com/deepnoodle-ai/cascade/slogger"
	"github.com/deepnoodle-ai/cascade/stages"
	"github.com/deepnoodle-ai/cascade/telemetry"
)

// issueURLPattern extracts a GitHub issue link from the original request so
// the eventual pull request can reference it.
var issueURLPattern = regexp.MustCompile(`https://github\.com/[^\s]+/issues/\d+`)

// Manager owns one session's run loop: it executes stages, applies the
// transition rules, snapshots state to the session store after every stage,
// and records the terminal outcome.
type Manager struct {
	Config   *config.Config
	Events   *telemetry.Log
	Store    *session.Store
	Runner   *shell.Runner
	Git      *git.Client
	Project  *discovery.Project
	Notifier *notify.Notifier
	Stages   map[string]cascade.StageFunc
	Rules    *Rules
	Executor *Executor
	Logger   slogger.Logger
}

// New wires a Manager from the stage dependencies. The classifier is
// compiled from the configured infrastructure error patterns.
func New(deps stages.Deps, store *session.Store) (*Manager, error) {
	classifier, err := NewClassifier(deps.Config.InfraErrorPatterns)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Config:   deps.Config,
		Events:   deps.Events,
		Store:    store,
		Runner:   deps.Runner,
		Git:      deps.Git,
		Project:  deps.Project,
		Notifier: deps.Notifier,
		Stages:   stages.Build(deps),
		Rules: &Rules{
			MaxRetries: deps.Config.MaxRetries,
			Events:     deps.Events,
			Logger:     deps.Logger,
		},
		Executor: &Executor{
			Config:     deps.Config,
			Events:     deps.Events,
			Classifier: classifier,
			Logger:     deps.Logger,
		},
		Logger: deps.Logger,
	}, nil
}

func (m *Manager) logger() slogger.Logger {
	if m.Logger == nil {
		return slogger.DefaultLogger
	}
	return m.Logger
}

// Run starts a fresh workflow for prompt, entering the graph at startStage
// (default coder). It blocks until the run reaches a terminal outcome.
func (m *Manager) Run(ctx context.Context, prompt, startStage string, verbose bool) (cascade.State, error) {
	entry := cascade.StageCoder
	if startStage != "" {
		if !cascade.IsStage(startStage) {
			m.logger().Warn("invalid start stage, falling back to coder", "stage", startStage)
		} else {
			entry = startStage
		}
	}

	if err := m.Events.WorkflowStatus(string(cascade.OutcomeRunning)); err != nil {
		return cascade.State{}, err
	}
	if err := m.Events.Info(entry, fmt.Sprintf("%s %s", telemetry.RunStartMarker, prompt)); err != nil {
		return cascade.State{}, err
	}
	m.logger().Info("starting workflow", "session", m.Events.SessionID(), "stage", entry)

	initialCommit := m.captureInitialCommit(ctx, entry)
	if entry == cascade.StageCoder {
		m.verifyBaselineTests(ctx)
	}

	reviewStatus := cascade.ReviewPending
	if entry == cascade.StagePRPreChecker || entry == cascade.StagePRCreator {
		// Entering past the reviewer implies the review already passed.
		reviewStatus = cascade.ReviewApproved
	}

	state := cascade.State{
		Prompt:        prompt,
		EngineName:    m.Config.Engine,
		CodeStatus:    cascade.CodeStatusPending,
		ReviewStatus:  reviewStatus,
		IssueURL:      issueURLPattern.FindString(prompt),
		InitialCommit: initialCommit,
		Verbose:       verbose,
	}
	return m.loop(ctx, entry, state)
}

// Resume continues an interrupted run from the event log. The resume point
// comes from replaying the current run; the session store snapshot, when
// present, supplies the richer state (retry counts, feedback).
func (m *Manager) Resume(ctx context.Context, resetRetries bool) (cascade.State, error) {
	stage, info, err := m.Events.LastIncompleteStage()
	if err != nil {
		return cascade.State{}, err
	}
	switch info.Reason {
	case telemetry.ReasonNoLog:
		return cascade.State{}, fmt.Errorf("no previous run found for session %q", m.Events.SessionID())
	case telemetry.ReasonCompleted:
		return cascade.State{}, fmt.Errorf("session %q already completed; start a new run", m.Events.SessionID())
	}

	// A kill between the last stage's success event and the terminal
	// workflow status leaves nothing to rerun. Finish the bookkeeping so
	// the log stops reading as running and the operator sees the success.
	if stage == cascade.End {
		state, _ := m.Store.AgentState(false)
		state.Outcome = cascade.OutcomeSuccess
		if err := m.Events.WorkflowStatus(string(cascade.OutcomeSuccess)); err != nil {
			return state, err
		}
		if err := m.Store.SetAgentState(state); err != nil {
			return state, err
		}
		m.logger().Info("resumed run had already finished",
			"session", m.Events.SessionID())
		m.notifyOutcome(ctx, state)
		return state, nil
	}

	update, err := m.Events.ReconstructState()
	if err != nil {
		return cascade.State{}, err
	}
	state := cascade.State{}.Apply(update)

	if snapshot, ok := m.Store.AgentState(resetRetries); ok {
		if snapshot.Prompt == "" {
			snapshot.Prompt = state.Prompt
		}
		if snapshot.EngineName == "" {
			snapshot.EngineName = state.EngineName
		}
		state = snapshot
	} else if resetRetries {
		state = state.WithRetriesReset()
	}
	if state.Prompt == "" {
		return cascade.State{}, fmt.Errorf("could not reconstruct the original prompt; start a new run")
	}

	if err := m.Events.Info(stage, fmt.Sprintf("Resuming workflow at stage: %s (%s)\n", stage, info.Reason)); err != nil {
		return cascade.State{}, err
	}
	if err := m.Events.WorkflowStatus(string(cascade.OutcomeRunning)); err != nil {
		return cascade.State{}, err
	}
	m.logger().Info("resuming workflow",
		"session", m.Events.SessionID(), "stage", stage, "reason", info.Reason)

	if state.InitialCommit == "" {
		state.InitialCommit = m.captureInitialCommit(ctx, stage)
	}
	return m.loop(ctx, stage, state)
}

func (m *Manager) loop(ctx context.Context, stage string, state cascade.State) (cascade.State, error) {
	for stage != cascade.End {
		fn, ok := m.Stages[stage]
		if !ok {
			return state, fmt.Errorf("no stage function registered for %q", stage)
		}

		var err error
		state, err = m.Executor.Execute(ctx, stage, fn, state)
		if err != nil {
			return state, err
		}
		if err := m.Store.SetAgentState(state); err != nil {
			return state, err
		}

		next, outcome, err := m.Rules.Next(stage, state)
		if err != nil {
			return state, err
		}
		if outcome != cascade.OutcomeRunning {
			state.Outcome = outcome
			if err := m.Events.WorkflowStatus(string(outcome)); err != nil {
				return state, err
			}
			if err := m.Store.SetAgentState(state); err != nil {
				return state, err
			}
			m.notifyOutcome(ctx, state)
			return state, nil
		}
		stage = next
	}
	return state, nil
}

// captureInitialCommit records HEAD so the diff-evaluating stages have a
// stable base. Failure is reported but never blocks the run.
func (m *Manager) captureInitialCommit(ctx context.Context, stage string) string {
	if !m.Git.IsRepo(ctx) {
		return ""
	}
	head, err := m.Git.Head(ctx)
	if err != nil {
		m.logger().Warn("failed to capture initial commit hash", "error", err)
		_ = m.Events.Info(stage, fmt.Sprintf("Warning: Failed to capture initial commit hash: %v\n", err))
		return ""
	}
	_ = m.Events.Info(stage, fmt.Sprintf("Initial commit hash: %s\n", head))
	return head
}

// verifyBaselineTests runs the project test suite before the first coder
// attempt. A failing baseline is worth knowing about but is never fatal:
// the request may be exactly about fixing it.
func (m *Manager) verifyBaselineTests(ctx context.Context) {
	cmd, args := m.Project.TestCommand()
	if cmd == "" {
		return
	}
	_ = m.Events.Info(cascade.StageCoder,
		fmt.Sprintf("Verifying baseline tests...\nRunning %s %s...\n", cmd, strings.Join(args, " ")))
	result, err := m.Runner.Run(ctx, shell.Command{Name: cmd, Args: args, Stage: cascade.StageCoder})
	switch {
	case err != nil:
		m.logger().Warn("could not run baseline tests", "error", err)
		_ = m.Events.Info(cascade.StageCoder, fmt.Sprintf("Warning: Could not run baseline tests: %v\n", err))
	case result.ExitCode != 0 || result.TimedOut:
		_ = m.Events.Info(cascade.StageCoder, "Warning: Baseline tests failed. Proceeding anyway, but be aware.\n")
	default:
		_ = m.Events.Info(cascade.StageCoder, "Baseline tests passed.\n")
	}
}

func (m *Manager) notifyOutcome(ctx context.Context, state cascade.State) {
	if m.Notifier == nil || !m.Notifier.Enabled() {
		return
	}
	if state.Outcome == cascade.OutcomeSuccess {
		message := "Workflow completed."
		if state.PRURL != "" {
			message = "PR: " + state.PRURL
		}
		m.Notifier.Send(ctx, "Workflow: Complete", message, notify.PriorityDefault)
		return
	}
	message := "Workflow failed."
	if state.LastError != nil {
		message = state.LastError.Error()
	}
	m.Notifier.Send(ctx, "Workflow: Failed", message, notify.PriorityHigh)
}
