package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/telemetry"
)

func newTestRules(t *testing.T) *Rules {
	t.Helper()
	events, err := telemetry.NewLog(t.TempDir(), "rules-test")
	require.NoError(t, err)
	return &Rules{MaxRetries: 3, Events: events}
}

func next(t *testing.T, r *Rules, stage string, state cascade.State) (string, cascade.Outcome) {
	t.Helper()
	nextStage, outcome, err := r.Next(stage, state)
	require.NoError(t, err)
	return nextStage, outcome
}

func TestCoderTransitions(t *testing.T) {
	r := newTestRules(t)

	stage, outcome := next(t, r, cascade.StageCoder, cascade.State{CodeStatus: cascade.CodeStatusCoded})
	require.Equal(t, cascade.StageTester, stage)
	require.Equal(t, cascade.OutcomeRunning, outcome)

	stage, outcome = next(t, r, cascade.StageCoder, cascade.State{RetryCount: 1})
	require.Equal(t, cascade.StageCoder, stage)
	require.Equal(t, cascade.OutcomeRunning, outcome)

	stage, outcome = next(t, r, cascade.StageCoder, cascade.State{RetryCount: 3})
	require.Equal(t, cascade.End, stage)
	require.Equal(t, cascade.OutcomeFailed, outcome)
}

func TestTesterTransitions(t *testing.T) {
	r := newTestRules(t)

	stage, _ := next(t, r, cascade.StageTester, cascade.State{TestOutput: cascade.TestOutputPass})
	require.Equal(t, cascade.StageArchitect, stage)

	stage, outcome := next(t, r, cascade.StageTester, cascade.State{
		TestOutput: "FAIL (Unit):\n2 failed", RetryCount: 2,
	})
	require.Equal(t, cascade.StageCoder, stage)
	require.Equal(t, cascade.OutcomeRunning, outcome)
}

func TestRetryBudgetIsExactAtMax(t *testing.T) {
	r := newTestRules(t)
	failing := cascade.State{TestOutput: "FAIL (Unit):\nboom"}

	// One below max still retries; exactly max terminates.
	failing.RetryCount = r.MaxRetries - 1
	stage, outcome := next(t, r, cascade.StageTester, failing)
	require.Equal(t, cascade.StageCoder, stage)
	require.Equal(t, cascade.OutcomeRunning, outcome)

	failing.RetryCount = r.MaxRetries
	stage, outcome = next(t, r, cascade.StageTester, failing)
	require.Equal(t, cascade.End, stage)
	require.Equal(t, cascade.OutcomeFailed, outcome)
}

func TestArchitectTransitions(t *testing.T) {
	r := newTestRules(t)

	stage, _ := next(t, r, cascade.StageArchitect, cascade.State{ArchitectStatus: cascade.ArchitectOK})
	require.Equal(t, cascade.StageReviewer, stage)

	// A missing verdict re-runs the evaluation rather than the coder.
	stage, _ = next(t, r, cascade.StageArchitect, cascade.State{ArchitectStatus: cascade.ArchitectError, RetryCount: 1})
	require.Equal(t, cascade.StageArchitect, stage)

	stage, _ = next(t, r, cascade.StageArchitect, cascade.State{ArchitectStatus: cascade.ArchitectRejected, RetryCount: 1})
	require.Equal(t, cascade.StageCoder, stage)
}

func TestReviewerTransitions(t *testing.T) {
	r := newTestRules(t)

	stage, _ := next(t, r, cascade.StageReviewer, cascade.State{ReviewStatus: cascade.ReviewApproved})
	require.Equal(t, cascade.StagePRPreChecker, stage)

	stage, _ = next(t, r, cascade.StageReviewer, cascade.State{ReviewStatus: cascade.ReviewError, RetryCount: 1})
	require.Equal(t, cascade.StageReviewer, stage)

	stage, _ = next(t, r, cascade.StageReviewer, cascade.State{ReviewStatus: cascade.ReviewRejected, RetryCount: 1})
	require.Equal(t, cascade.StageCoder, stage)

	stage, outcome := next(t, r, cascade.StageReviewer, cascade.State{ReviewStatus: cascade.ReviewPRFailed})
	require.Equal(t, cascade.End, stage)
	require.Equal(t, cascade.OutcomeFailed, outcome)
}

func TestPRStageTransitions(t *testing.T) {
	r := newTestRules(t)

	stage, _ := next(t, r, cascade.StagePRPreChecker, cascade.State{ReviewStatus: cascade.ReviewPreCheckPass})
	require.Equal(t, cascade.StagePRCreator, stage)

	// Skipping PR creation still journals the session.
	stage, _ = next(t, r, cascade.StagePRPreChecker, cascade.State{ReviewStatus: cascade.ReviewPRSkipped})
	require.Equal(t, cascade.StageJournaler, stage)

	stage, _ = next(t, r, cascade.StagePRPreChecker, cascade.State{ReviewStatus: cascade.ReviewNeedsCommit, RetryCount: 1})
	require.Equal(t, cascade.StageCoder, stage)

	stage, _ = next(t, r, cascade.StagePRCreator, cascade.State{ReviewStatus: cascade.ReviewPRCreated})
	require.Equal(t, cascade.StageJournaler, stage)

	stage, _ = next(t, r, cascade.StagePRCreator, cascade.State{ReviewStatus: cascade.ReviewPRFailed, RetryCount: 1})
	require.Equal(t, cascade.StageCoder, stage)
}

func TestJournalerAlwaysEndsSuccessfully(t *testing.T) {
	r := newTestRules(t)

	for _, status := range []string{cascade.JournalWritten, cascade.JournalNoLesson, cascade.JournalFailed} {
		stage, outcome := next(t, r, cascade.StageJournaler, cascade.State{JournalStatus: status})
		require.Equal(t, cascade.End, stage)
		require.Equal(t, cascade.OutcomeSuccess, outcome)
	}
}

func TestInfraErrorInCurrentStageTerminates(t *testing.T) {
	r := newTestRules(t)
	state := cascade.State{
		TestOutput: cascade.TestOutputPass,
		LastError:  &cascade.StageError{Stage: cascade.StageTester, Message: "rate limit reached", Infra: true},
	}
	stage, outcome := next(t, r, cascade.StageTester, state)
	require.Equal(t, cascade.End, stage)
	require.Equal(t, cascade.OutcomeFailed, outcome)
}

func TestStaleInfraErrorFromOtherStageIsIgnored(t *testing.T) {
	r := newTestRules(t)
	state := cascade.State{
		TestOutput: cascade.TestOutputPass,
		// The error is infra but originated in the coder; it must not
		// influence the tester's transition.
		LastError: &cascade.StageError{Stage: cascade.StageCoder, Message: "rate limit reached", Infra: true},
	}
	stage, outcome := next(t, r, cascade.StageTester, state)
	require.Equal(t, cascade.StageArchitect, stage)
	require.Equal(t, cascade.OutcomeRunning, outcome)
}

func TestNonInfraErrorDoesNotTerminate(t *testing.T) {
	r := newTestRules(t)
	state := cascade.State{
		TestOutput: "FAIL (Unit):\nboom",
		LastError:  &cascade.StageError{Stage: cascade.StageTester, Message: "assertion failed"},
		RetryCount: 1,
	}
	stage, outcome := next(t, r, cascade.StageTester, state)
	require.Equal(t, cascade.StageCoder, stage)
	require.Equal(t, cascade.OutcomeRunning, outcome)
}
