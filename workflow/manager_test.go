package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/config"
	"github.com/deepnoodle-ai/cascade/discovery"
	"github.com/deepnoodle-ai/cascade/git"
	"github.com/deepnoodle-ai/cascade/notify"
	"github.com/deepnoodle-ai/cascade/session"
	"github.com/deepnoodle-ai/cascade/shell"
	"github.com/deepnoodle-ai/cascade/stages"
	"github.com/deepnoodle-ai/cascade/telemetry"
)

// newTestManager builds a Manager against temp dirs and a non-repo working
// directory. Stage functions are replaced by the callers with fakes.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.TestCommand = "true"

	events, err := telemetry.NewLog(t.TempDir(), "manager-test")
	require.NoError(t, err)
	store, err := session.NewStore(t.TempDir(), "manager-test")
	require.NoError(t, err)

	runner := shell.NewRunner(cfg, events, nil)
	dir := t.TempDir()

	m, err := New(stages.Deps{
		Config:   cfg,
		Events:   events,
		Runner:   runner,
		Git:      git.NewClient(runner, dir, cfg.ProtectedBranches),
		Project:  discovery.NewProject(dir, cfg),
		Notifier: notify.New("", nil),
	}, store)
	require.NoError(t, err)
	return m
}

// happyStages returns fake stage functions that drive a run straight through
// to the journaler, recording the visit order.
func happyStages(visited *[]string) map[string]cascade.StageFunc {
	record := func(stage string, update cascade.Update) cascade.StageFunc {
		return func(ctx context.Context, state cascade.State) (cascade.Update, error) {
			*visited = append(*visited, stage)
			return update, nil
		}
	}
	return map[string]cascade.StageFunc{
		cascade.StageCoder: record(cascade.StageCoder, cascade.Update{
			CodeStatus: cascade.Ptr(cascade.CodeStatusCoded), ClearLastError: true,
		}),
		cascade.StageTester: record(cascade.StageTester, cascade.Update{
			TestOutput: cascade.Ptr(cascade.TestOutputPass),
		}),
		cascade.StageArchitect: record(cascade.StageArchitect, cascade.Update{
			ArchitectStatus: cascade.Ptr(cascade.ArchitectOK),
		}),
		cascade.StageReviewer: record(cascade.StageReviewer, cascade.Update{
			ReviewStatus: cascade.Ptr(cascade.ReviewApproved),
		}),
		cascade.StagePRPreChecker: record(cascade.StagePRPreChecker, cascade.Update{
			ReviewStatus: cascade.Ptr(cascade.ReviewPreCheckPass),
		}),
		cascade.StagePRCreator: record(cascade.StagePRCreator, cascade.Update{
			ReviewStatus: cascade.Ptr(cascade.ReviewPRCreated),
			PRURL:        cascade.Ptr("https://github.com/acme/widgets/pull/42"),
		}),
		cascade.StageJournaler: record(cascade.StageJournaler, cascade.Update{
			JournalStatus: cascade.Ptr(cascade.JournalWritten),
		}),
	}
}

func workflowStatuses(t *testing.T, events *telemetry.Log) []string {
	t.Helper()
	all, err := events.Read()
	require.NoError(t, err)
	var statuses []string
	for _, event := range all {
		if event.EventType != telemetry.EventWorkflowStatus {
			continue
		}
		if status, ok := event.Data.(string); ok {
			statuses = append(statuses, status)
		}
	}
	return statuses
}

func TestRunHappyPath(t *testing.T) {
	m := newTestManager(t)
	var visited []string
	m.Stages = happyStages(&visited)

	prompt := "add retry logic, see https://github.com/acme/widgets/issues/7"
	state, err := m.Run(context.Background(), prompt, "", false)
	require.NoError(t, err)

	require.Equal(t, cascade.OutcomeSuccess, state.Outcome)
	require.Equal(t, "https://github.com/acme/widgets/pull/42", state.PRURL)
	require.Equal(t, "https://github.com/acme/widgets/issues/7", state.IssueURL)
	require.Equal(t, cascade.StageOrder, visited)

	// The terminal snapshot survives in the session store.
	snapshot, ok := m.Store.AgentState(false)
	require.True(t, ok)
	require.Equal(t, cascade.OutcomeSuccess, snapshot.Outcome)
	require.Equal(t, prompt, snapshot.Prompt)

	require.Equal(t,
		[]string{string(cascade.OutcomeRunning), string(cascade.OutcomeSuccess)},
		workflowStatuses(t, m.Events))
}

func TestRunExhaustsRetriesAndFails(t *testing.T) {
	m := newTestManager(t)
	var visited []string
	fakes := happyStages(&visited)
	fakes[cascade.StageTester] = func(ctx context.Context, state cascade.State) (cascade.Update, error) {
		visited = append(visited, cascade.StageTester)
		return cascade.Update{
			TestOutput: cascade.Ptr("FAIL (Unit):\n1 failed"),
			RetryCount: cascade.Ptr(state.RetryCount + 1),
		}, nil
	}
	m.Stages = fakes

	state, err := m.Run(context.Background(), "make the tests pass", "", false)
	require.NoError(t, err)
	require.Equal(t, cascade.OutcomeFailed, state.Outcome)
	require.Equal(t, m.Config.MaxRetries, state.RetryCount)

	// coder/tester alternate until the budget is spent.
	testerRuns := 0
	for _, stage := range visited {
		if stage == cascade.StageTester {
			testerRuns++
		}
	}
	require.Equal(t, m.Config.MaxRetries, testerRuns)

	require.Equal(t,
		[]string{string(cascade.OutcomeRunning), string(cascade.OutcomeFailed)},
		workflowStatuses(t, m.Events))
}

func TestRunInvalidStartStageFallsBackToCoder(t *testing.T) {
	m := newTestManager(t)
	var visited []string
	m.Stages = happyStages(&visited)

	_, err := m.Run(context.Background(), "do the thing", "compiler", false)
	require.NoError(t, err)
	require.Equal(t, cascade.StageCoder, visited[0])
}

func TestRunEntryPastReviewerImpliesApproval(t *testing.T) {
	m := newTestManager(t)
	var visited []string
	fakes := happyStages(&visited)
	var observed cascade.State
	fakes[cascade.StagePRPreChecker] = func(ctx context.Context, state cascade.State) (cascade.Update, error) {
		observed = state
		visited = append(visited, cascade.StagePRPreChecker)
		return cascade.Update{ReviewStatus: cascade.Ptr(cascade.ReviewPreCheckPass)}, nil
	}
	m.Stages = fakes

	state, err := m.Run(context.Background(), "ship it", cascade.StagePRPreChecker, false)
	require.NoError(t, err)
	require.Equal(t, cascade.OutcomeSuccess, state.Outcome)
	require.Equal(t, cascade.ReviewApproved, observed.ReviewStatus)
	require.Equal(t,
		[]string{cascade.StagePRPreChecker, cascade.StagePRCreator, cascade.StageJournaler},
		visited)
}

func TestResumeWithoutLogFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Resume(context.Background(), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no previous run found")
}

func TestResumeCompletedRunFails(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Events.Info(cascade.StageCoder,
		fmt.Sprintf("%s %s", telemetry.RunStartMarker, "finished already")))
	require.NoError(t, m.Events.WorkflowStatus(string(cascade.OutcomeSuccess)))

	_, err := m.Resume(context.Background(), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already completed")
}

func TestResumeContinuesInterruptedRun(t *testing.T) {
	m := newTestManager(t)

	// A prior run finished, then a second run was killed mid-coder. The
	// resume point must come from the latest run only.
	require.NoError(t, m.Events.Info(cascade.StageCoder,
		fmt.Sprintf("%s %s", telemetry.RunStartMarker, "old request")))
	for _, stage := range cascade.StageOrder {
		require.NoError(t, m.Events.Status(stage, cascade.StatusSuccess))
	}
	require.NoError(t, m.Events.WorkflowStatus(string(cascade.OutcomeSuccess)))

	require.NoError(t, m.Events.Info(cascade.StageCoder,
		fmt.Sprintf("%s %s", telemetry.RunStartMarker, "new request")))
	require.NoError(t, m.Events.WorkflowStatus(string(cascade.OutcomeRunning)))
	require.NoError(t, m.Events.Status(cascade.StageCoder, cascade.StatusActive))

	var visited []string
	fakes := happyStages(&visited)
	var observed cascade.State
	coder := fakes[cascade.StageCoder]
	fakes[cascade.StageCoder] = func(ctx context.Context, state cascade.State) (cascade.Update, error) {
		observed = state
		return coder(ctx, state)
	}
	m.Stages = fakes

	state, err := m.Resume(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, cascade.OutcomeSuccess, state.Outcome)
	require.Equal(t, "new request", observed.Prompt)
	require.Equal(t, cascade.StageCoder, visited[0])
	require.Equal(t, cascade.StageOrder, visited)
}

func TestResumeFinishesRunKilledBeforeTerminalStatus(t *testing.T) {
	m := newTestManager(t)

	// Every stage finished but the process died before the terminal
	// workflow status was written.
	require.NoError(t, m.Events.Info(cascade.StageCoder,
		fmt.Sprintf("%s %s", telemetry.RunStartMarker, "almost done")))
	require.NoError(t, m.Events.WorkflowStatus(string(cascade.OutcomeRunning)))
	for _, stage := range cascade.StageOrder {
		require.NoError(t, m.Events.Status(stage, cascade.StatusSuccess))
	}
	require.NoError(t, m.Store.SetAgentState(cascade.State{
		Prompt: "almost done",
		PRURL:  "https://github.com/acme/widgets/pull/9",
	}))

	var visited []string
	m.Stages = happyStages(&visited)

	state, err := m.Resume(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, cascade.OutcomeSuccess, state.Outcome)
	require.Equal(t, "https://github.com/acme/widgets/pull/9", state.PRURL)
	// No stage is rerun; only the missing terminal status is written.
	require.Empty(t, visited)
	require.Equal(t,
		[]string{string(cascade.OutcomeRunning), string(cascade.OutcomeSuccess)},
		workflowStatuses(t, m.Events))

	snapshot, ok := m.Store.AgentState(false)
	require.True(t, ok)
	require.Equal(t, cascade.OutcomeSuccess, snapshot.Outcome)

	// With the terminal status on record, the next resume refuses cleanly.
	_, err = m.Resume(context.Background(), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already completed")
}

func TestResumeAfterTesterSuccessStartsAtArchitect(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Events.Info(cascade.StageCoder,
		fmt.Sprintf("%s %s", telemetry.RunStartMarker, "half done")))
	require.NoError(t, m.Events.Status(cascade.StageCoder, cascade.StatusSuccess))
	require.NoError(t, m.Events.Status(cascade.StageTester, cascade.StatusSuccess))

	var visited []string
	m.Stages = happyStages(&visited)

	state, err := m.Resume(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, cascade.OutcomeSuccess, state.Outcome)
	require.Equal(t,
		[]string{cascade.StageArchitect, cascade.StageReviewer,
			cascade.StagePRPreChecker, cascade.StagePRCreator, cascade.StageJournaler},
		visited)
}

func TestResumePrefersStoreSnapshot(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Events.Info(cascade.StageCoder,
		fmt.Sprintf("%s %s", telemetry.RunStartMarker, "logged prompt")))
	require.NoError(t, m.Events.Status(cascade.StageCoder, cascade.StatusActive))

	require.NoError(t, m.Store.SetAgentState(cascade.State{
		Prompt:     "stored prompt",
		EngineName: "gemini",
		Feedback:   "address the nil check",
		RetryCount: 2,
	}))

	var visited []string
	fakes := happyStages(&visited)
	var observed cascade.State
	coder := fakes[cascade.StageCoder]
	fakes[cascade.StageCoder] = func(ctx context.Context, state cascade.State) (cascade.Update, error) {
		observed = state
		return coder(ctx, state)
	}
	m.Stages = fakes

	_, err := m.Resume(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "stored prompt", observed.Prompt)
	require.Equal(t, "address the nil check", observed.Feedback)
	// --reset-retries clears the budget carried in the snapshot.
	require.Equal(t, 0, observed.RetryCount)
}
