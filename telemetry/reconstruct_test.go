package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/cascade"
)

func startRun(t *testing.T, log *Log, prompt string) {
	t.Helper()
	require.NoError(t, log.Info(cascade.WorkflowStage, RunStartMarker+" "+prompt))
	require.NoError(t, log.WorkflowStatus(string(cascade.OutcomeRunning)))
}

func TestReconstructStateIdempotent(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)
	startRun(t, log, "add caching")
	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusSuccess))
	require.NoError(t, log.Status(cascade.StageTester, cascade.StatusSuccess))

	first, err := log.ReconstructState()
	require.NoError(t, err)
	second, err := log.ReconstructState()
	require.NoError(t, err)
	require.Equal(t, cascade.State{}.Apply(first), cascade.State{}.Apply(second))
}

func TestReconstructStateDerivesFields(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)
	startRun(t, log, "add caching")
	require.NoError(t, log.Status(cascade.StageTester, cascade.StatusSuccess))
	require.NoError(t, log.Status(cascade.StageReviewer, cascade.ReviewApproved))

	update, err := log.ReconstructState()
	require.NoError(t, err)
	state := cascade.State{}.Apply(update)
	require.Equal(t, "add caching", state.Prompt)
	require.Equal(t, "gemini", state.EngineName)
	require.Equal(t, cascade.TestOutputPass, state.TestOutput)
	require.Equal(t, cascade.ReviewApproved, state.ReviewStatus)
}

func TestReconstructStateEngineFromAnnouncement(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)
	startRun(t, log, "p")
	require.NoError(t, log.Output(cascade.StageCoder, "Jules session created: https://jules.example/s/123"))

	update, err := log.ReconstructState()
	require.NoError(t, err)
	require.Equal(t, "jules", *update.EngineName)
}

func TestReconstructStatePRCreatorOverridesReviewer(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)
	startRun(t, log, "p")
	require.NoError(t, log.Status(cascade.StageReviewer, cascade.ReviewApproved))
	require.NoError(t, log.Status(cascade.StagePRCreator, cascade.StatusFailed))

	update, err := log.ReconstructState()
	require.NoError(t, err)
	require.Equal(t, cascade.ReviewPRFailed, *update.ReviewStatus)
}

func TestReconstructStateIsolatedFromPreviousRuns(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)

	// Run A succeeded fully.
	startRun(t, log, "old prompt")
	require.NoError(t, log.Status(cascade.StageTester, cascade.StatusSuccess))
	require.NoError(t, log.Status(cascade.StageReviewer, cascade.ReviewApproved))
	require.NoError(t, log.WorkflowStatus(string(cascade.OutcomeSuccess)))

	// Run B starts fresh.
	startRun(t, log, "new prompt")
	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusActive))

	update, err := log.ReconstructState()
	require.NoError(t, err)
	state := cascade.State{}.Apply(update)
	require.Equal(t, "new prompt", state.Prompt)
	require.Empty(t, state.TestOutput)
	require.Empty(t, state.ReviewStatus)
}

func TestReconstructStateIgnoresAgentEchoedMarker(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)
	startRun(t, log, "real prompt")
	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusActive))
	// The agent quotes the marker in its output; it must not open a new run.
	require.NoError(t, log.Output(cascade.StageCoder, RunStartMarker+" bogus prompt"))
	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusSuccess))

	update, err := log.ReconstructState()
	require.NoError(t, err)
	require.Equal(t, "real prompt", *update.Prompt)
}

func TestLastIncompleteStageNoLog(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)
	stage, info, err := log.LastIncompleteStage()
	require.NoError(t, err)
	require.Equal(t, cascade.End, stage)
	require.Equal(t, ReasonNoLog, info.Reason)
}

func TestLastIncompleteStageCompletedRun(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)
	startRun(t, log, "p")
	require.NoError(t, log.Status(cascade.StageJournaler, cascade.StatusSuccess))
	require.NoError(t, log.WorkflowStatus(string(cascade.OutcomeSuccess)))

	stage, info, err := log.LastIncompleteStage()
	require.NoError(t, err)
	require.Equal(t, cascade.End, stage)
	require.Equal(t, ReasonCompleted, info.Reason)
}

func TestLastIncompleteStageResumesFailedStage(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)
	startRun(t, log, "p")
	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusSuccess))
	require.NoError(t, log.Status(cascade.StageTester, cascade.StatusFailed))

	stage, info, err := log.LastIncompleteStage()
	require.NoError(t, err)
	require.Equal(t, cascade.StageTester, stage)
	require.Equal(t, ReasonIncomplete, info.Reason)
}

func TestLastIncompleteStageResumesAfterSuccess(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)
	startRun(t, log, "p")
	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusSuccess))
	require.NoError(t, log.Status(cascade.StageTester, cascade.StatusSuccess))

	stage, info, err := log.LastIncompleteStage()
	require.NoError(t, err)
	require.Equal(t, cascade.StageArchitect, stage)
	require.Equal(t, ReasonIncomplete, info.Reason)
}

func TestLastIncompleteStageTimeoutResumesSameStage(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)
	startRun(t, log, "p")
	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusTimeout))

	stage, info, err := log.LastIncompleteStage()
	require.NoError(t, err)
	require.Equal(t, cascade.StageCoder, stage)
	require.Equal(t, ReasonIncomplete, info.Reason)
}

func TestLastIncompleteStageUncertainWithoutStatuses(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)
	startRun(t, log, "p")
	require.NoError(t, log.Output(cascade.StageCoder, "some output but no status"))

	stage, info, err := log.LastIncompleteStage()
	require.NoError(t, err)
	require.Equal(t, cascade.StageCoder, stage)
	require.Equal(t, ReasonUncertain, info.Reason)
}

func TestLastIncompleteStageIgnoresEarlierRun(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)

	// Run A: tester succeeded and the run finished.
	startRun(t, log, "old")
	require.NoError(t, log.Status(cascade.StageTester, cascade.StatusSuccess))
	require.NoError(t, log.WorkflowStatus(string(cascade.OutcomeSuccess)))

	// Run B: coder went active and the process died.
	startRun(t, log, "new")
	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusActive))

	stage, info, err := log.LastIncompleteStage()
	require.NoError(t, err)
	require.Equal(t, cascade.StageCoder, stage)
	require.Equal(t, ReasonIncomplete, info.Reason)
}

func TestFormattedLogTruncatesAndWindows(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)
	startRun(t, log, "p")
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, log.Output(cascade.StageCoder, string(long)))
	require.NoError(t, log.LogMetric(cascade.StageCoder, "latency", 2.0))

	out, err := log.FormattedLog()
	require.NoError(t, err)
	require.Contains(t, out, "... (truncated)")
	require.NotContains(t, out, "latency")
}
