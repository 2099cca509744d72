package workflow

import (
	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/slogger"
	"github.com/deepnoodle-ai/cascade/telemetry"
)

// Rules evaluates the outgoing edge of each stage. The topology is fixed;
// every decision is a function of the stage's own recorded status, the
// retry budget, and the classification of the most recent error restricted
// to errors that originated in the stage under evaluation.
type Rules struct {
	MaxRetries int
	Events     *telemetry.Log
	Logger     slogger.Logger
}

func (r *Rules) logger() slogger.Logger {
	if r.Logger == nil {
		return slogger.DefaultLogger
	}
	return r.Logger
}

// Next returns the stage to run after stage, given the state it produced.
// A non-running outcome means the run is over. The returned error is only
// non-nil for event log write failures, which are fatal.
func (r *Rules) Next(stage string, state cascade.State) (string, cascade.Outcome, error) {
	// An infrastructure failure in the stage we just ran means retrying is
	// futile: the same network/quota problem will recur. Errors tagged with
	// a different stage are stale and never influence this decision.
	if state.LastError != nil && state.LastError.Infra && state.LastError.Stage == stage {
		r.logger().Error("infrastructure failure detected, terminating workflow",
			"stage", stage, "error", state.LastError.Message)
		if err := r.Events.Status(stage, cascade.StatusFailed); err != nil {
			return cascade.End, cascade.OutcomeFailed, err
		}
		return cascade.End, cascade.OutcomeFailed, nil
	}

	switch stage {
	case cascade.StageCoder:
		if state.CodeStatus == cascade.CodeStatusCoded {
			return r.succeed(stage, cascade.StageTester)
		}
		if state.RetryCount >= r.MaxRetries {
			return r.abort(stage)
		}
		return r.retry(stage, cascade.StageCoder)

	case cascade.StageTester:
		if state.TestOutput == cascade.TestOutputPass {
			return r.succeed(stage, cascade.StageArchitect)
		}
		if state.RetryCount >= r.MaxRetries {
			return r.abort(stage)
		}
		return r.retry(stage, cascade.StageCoder)

	case cascade.StageArchitect:
		if state.ArchitectStatus == cascade.ArchitectOK {
			return r.succeed(stage, cascade.StageReviewer)
		}
		if state.RetryCount >= r.MaxRetries {
			return r.abort(stage)
		}
		if state.ArchitectStatus == cascade.ArchitectError {
			// No usable verdict: re-run the evaluation, not the coder.
			return r.retry(stage, cascade.StageArchitect)
		}
		return r.retry(stage, cascade.StageCoder)

	case cascade.StageReviewer:
		switch state.ReviewStatus {
		case cascade.ReviewApproved:
			return r.succeed(stage, cascade.StagePRPreChecker)
		case cascade.ReviewPRFailed:
			if err := r.Events.Status(stage, cascade.StatusFailed); err != nil {
				return cascade.End, cascade.OutcomeFailed, err
			}
			return cascade.End, cascade.OutcomeFailed, nil
		}
		if state.RetryCount >= r.MaxRetries {
			return r.abort(stage)
		}
		if state.ReviewStatus == cascade.ReviewError {
			return r.retry(stage, cascade.StageReviewer)
		}
		return r.retry(stage, cascade.StageCoder)

	case cascade.StagePRPreChecker:
		switch state.ReviewStatus {
		case cascade.ReviewPreCheckPass:
			return r.succeed(stage, cascade.StagePRCreator)
		case cascade.ReviewPRSkipped:
			return r.succeed(stage, cascade.StageJournaler)
		}
		if state.RetryCount >= r.MaxRetries {
			return r.abort(stage)
		}
		return r.retry(stage, cascade.StageCoder)

	case cascade.StagePRCreator:
		switch state.ReviewStatus {
		case cascade.ReviewPRCreated, cascade.ReviewPRSkipped:
			return r.succeed(stage, cascade.StageJournaler)
		}
		if state.RetryCount >= r.MaxRetries {
			return r.abort(stage)
		}
		return r.retry(stage, cascade.StageCoder)

	case cascade.StageJournaler:
		// Journaling never blocks the run: reaching the final stage means
		// the run ended well regardless of whether a lesson was recorded.
		if err := r.Events.Status(stage, cascade.StatusSuccess); err != nil {
			return cascade.End, cascade.OutcomeFailed, err
		}
		return cascade.End, cascade.OutcomeSuccess, nil
	}

	return cascade.End, cascade.OutcomeFailed, nil
}

func (r *Rules) succeed(stage, next string) (string, cascade.Outcome, error) {
	if err := r.Events.Status(stage, cascade.StatusSuccess); err != nil {
		return cascade.End, cascade.OutcomeFailed, err
	}
	return next, cascade.OutcomeRunning, nil
}

// abort ends the run because the retry budget is exhausted. The terminal
// failure happens exactly at the configured max, never one attempt later.
func (r *Rules) abort(stage string) (string, cascade.Outcome, error) {
	r.logger().Warn("max retries exceeded, aborting", "stage", stage)
	if err := r.Events.Status(stage, cascade.StatusError); err != nil {
		return cascade.End, cascade.OutcomeFailed, err
	}
	return cascade.End, cascade.OutcomeFailed, nil
}

func (r *Rules) retry(stage, next string) (string, cascade.Outcome, error) {
	if err := r.Events.Status(stage, cascade.StatusFailed); err != nil {
		return cascade.End, cascade.OutcomeFailed, err
	}
	return next, cascade.OutcomeRunning, nil
}
