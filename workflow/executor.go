package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/config"
	"github.com/deepnoodle-ai/cascade/git"
	"github.com/deepnoodle-ai/cascade/slogger"
	"github.com/deepnoodle-ai/cascade/telemetry"
)

// Executor runs one stage under its wall-clock budget and converts every
// failure mode (timeout, raised error, panic) into status events plus a
// stage-shaped partial state. It never aborts the run itself; the only
// errors it returns are fatal ones (event log write failure, cancellation).
type Executor struct {
	Config     *config.Config
	Events     *telemetry.Log
	Classifier *Classifier
	Logger     slogger.Logger
}

func (e *Executor) logger() slogger.Logger {
	if e.Logger == nil {
		return slogger.DefaultLogger
	}
	return e.Logger
}

type stageResult struct {
	update cascade.Update
	err    error
}

// Execute runs fn for stage against an immutable snapshot and returns the
// next state.
func (e *Executor) Execute(ctx context.Context, stage string, fn cascade.StageFunc, state cascade.State) (cascade.State, error) {
	if err := e.Events.Status(stage, cascade.StatusActive); err != nil {
		return state, err
	}

	budget := e.Config.StageTimeout(stage)
	stageCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan stageResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- stageResult{err: fmt.Errorf("stage panicked: %v", p)}
			}
		}()
		update, err := fn(stageCtx, state)
		done <- stageResult{update: update, err: err}
	}()

	select {
	case result := <-done:
		if result.err != nil {
			// A stage that noticed the deadline itself is still a timeout.
			if errors.Is(result.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return e.handleTimeout(stage, state, budget)
			}
			return e.handleError(stage, state, result.err)
		}
		return state.Apply(result.update), nil

	case <-stageCtx.Done():
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		return e.handleTimeout(stage, state, budget)
	}
}

func (e *Executor) handleTimeout(stage string, state cascade.State, budget time.Duration) (cascade.State, error) {
	message := fmt.Sprintf("Stage '%s' timed out after %s", stage, budget)
	e.logger().Warn("stage timed out", "stage", stage, "budget", budget)
	if err := e.Events.Status(stage, cascade.StatusTimeout); err != nil {
		return state, err
	}
	return state.Apply(e.timeoutUpdate(stage, state, message)), nil
}

// handleError classifies a raised error and folds it into the state. The
// stage tag on the recorded error keeps it from influencing transition
// decisions of any other stage.
func (e *Executor) handleError(stage string, state cascade.State, raised error) (cascade.State, error) {
	if errors.Is(raised, telemetry.ErrAppend) {
		return state, raised
	}
	if errors.Is(raised, context.Canceled) {
		return state, raised
	}

	message := raised.Error()
	// A force-push against a protected branch is a hard stop, same as an
	// infrastructure failure: retrying would attempt the same push again.
	infra := e.Classifier.IsInfra(message) || errors.Is(raised, git.ErrProtectedBranch)

	e.logger().Error("stage failed", "stage", stage, "infra", infra, "error", message)
	if err := e.Events.Info(stage, fmt.Sprintf("Stage error: %s\n", message)); err != nil {
		return state, err
	}
	if err := e.Events.Status(stage, cascade.StatusError); err != nil {
		return state, err
	}

	stageErr := &cascade.StageError{Stage: stage, Message: message, Infra: infra}
	update := e.failureUpdate(stage, state, "FAIL:\n"+message)
	update.LastError = stageErr
	return state.Apply(update), nil
}

func (e *Executor) timeoutUpdate(stage string, state cascade.State, message string) cascade.Update {
	update := e.failureUpdate(stage, state, "FAIL (Timeout):\n"+message)
	update.LastError = &cascade.StageError{Stage: stage, Message: message}
	return update
}

// failureUpdate synthesizes the partial state a failed stage would have
// produced, so downstream transition rules see a payload of the right
// shape: a tester failure looks different from a reviewer failure.
func (e *Executor) failureUpdate(stage string, state cascade.State, testOutput string) cascade.Update {
	update := cascade.Update{RetryCount: cascade.Ptr(state.RetryCount + 1)}
	switch stage {
	case cascade.StageTester:
		update.TestOutput = cascade.Ptr(testOutput)
	case cascade.StageArchitect:
		update.ArchitectStatus = cascade.Ptr(cascade.ArchitectError)
	case cascade.StageReviewer:
		update.ReviewStatus = cascade.Ptr(cascade.ReviewError)
	case cascade.StagePRPreChecker, cascade.StagePRCreator:
		update.ReviewStatus = cascade.Ptr(cascade.ReviewPRFailed)
	case cascade.StageJournaler:
		update.JournalStatus = cascade.Ptr(cascade.JournalFailed)
	}
	return update
}
