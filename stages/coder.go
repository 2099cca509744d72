package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/cascade"
)

const coderBasePrompt = `You are a software engineer. Implement the following request: %s.
You have access to the file system and git.

CRITICAL: You MUST follow Test-Driven Development (TDD) methodology:
1. Write tests FIRST (they should fail initially)
2. Run tests to verify they fail
3. Write minimal implementation to make tests pass
4. Run tests to verify they pass
5. Refactor and ensure 80%%+ test coverage
6. Run linting to ensure code quality

Do not skip writing tests - they are mandatory for all new functionality.
Always run the test suite and the linter to verify your changes.

IMPORTANT: You MUST commit your changes using git. You may create multiple commits if it makes sense for the task.
When resolving conflicts or rebasing, ALWAYS use the '--no-edit' flag (e.g., 'git rebase --continue --no-edit' or 'git commit --no-edit') to avoid interactive editors.`

// Coder asks the engine to implement the request, or to fix it when a
// previous attempt failed tests, was rejected in review, broke PR creation
// or left uncommitted changes.
func (d Deps) Coder(ctx context.Context, state cascade.State) (cascade.Update, error) {
	if err := d.Events.Info(cascade.StageCoder, "--- Coder Stage ---\n"); err != nil {
		return cascade.Update{}, err
	}

	prompt := d.coderPrompt(state)
	if _, err := d.invoke(ctx, cascade.StageCoder, prompt, d.autoModels(), state.Verbose); err != nil {
		return cascade.Update{}, err
	}

	if err := d.Events.Info(cascade.StageCoder, "\nCoding complete.\n"); err != nil {
		return cascade.Update{}, err
	}
	if err := d.Events.Status(cascade.StageCoder, cascade.StatusIdle); err != nil {
		return cascade.Update{}, err
	}
	return cascade.Update{
		CodeStatus:     cascade.Ptr(cascade.CodeStatusCoded),
		ClearLastError: true,
	}, nil
}

// coderPrompt selects the prompt variant for the current failure mode.
// Untrusted content (test output, feedback, errors) is fenced and sanitized
// so an earlier agent response cannot inject instructions.
func (d Deps) coderPrompt(state cascade.State) string {
	request := state.Prompt
	prompt := fmt.Sprintf(coderBasePrompt, request)

	testOutput := state.TestOutput
	switch {
	case testOutput != "" && (strings.Contains(testOutput, "FAIL") || strings.Contains(testOutput, "failed")):
		prompt = fmt.Sprintf(`Your previous implementation failed tests.

<test_output>
%s
</test_output>

Please fix the code to satisfy the tests and the original request: %s.

Make sure to commit your fixes.`, d.Engine.Sanitize(testOutput, 0), request)

	case state.ReviewStatus == cascade.ReviewRejected:
		prompt = fmt.Sprintf(`Your previous implementation was rejected by the reviewer.

<reviewer_feedback>
%s
</reviewer_feedback>

Please fix the code to satisfy the reviewer and the original request: %s.

Make sure to commit your fixes.`, d.Engine.Sanitize(state.Feedback, 0), request)

	case state.ReviewStatus == cascade.ReviewPRFailed:
		prompt = fmt.Sprintf(`Your previous attempt to create a PR failed.

<error>
%s
</error>

Please fix any issues (e.g., git push failures, branch issues) and try again.
Original request: %s

Make sure to commit your fixes if necessary.`, d.Engine.Sanitize(d.coderErrorContext(state), 0), request)
	}

	if state.ReviewStatus == cascade.ReviewNeedsCommit {
		prompt = fmt.Sprintf(`You have uncommitted changes that prevent PR creation.
Please review your changes and commit them using git.
Original request: %s`, request)
	}
	return prompt
}

// coderErrorContext prefers the most recent real (non-infrastructure) error
// so a retry addresses the actual defect instead of transient noise.
func (d Deps) coderErrorContext(state cascade.State) string {
	if stageErr := state.RelevantError(); stageErr != nil {
		return stageErr.Message
	}
	return state.Feedback
}
