package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/cascade"
)

const journalerRules = `DECISION LOGIC:
1. **Project-Specific Memory**: If the lesson is specific to THIS codebase (e.g., "The 'foobar' module is deprecated", "Always import X from Y"):
   -> Output the lesson text directly.

ANTI-PATTERNS (WHAT NOT TO LOG):
- Do NOT log "changelogs" or "status reports" of what you just did.
- Do NOT log vague statements like "Updated the code."
- Do NOT log things that are already obvious from the git history.

PRINCIPLES:
- Focus on the *principle* or *rule* that was established or discovered.
- Make it actionable for future agents.
- Use the "Bad" vs "Good" examples below as a guide.

EXAMPLES:
- Bad: The journaler now deduplicates learnings.
- Good: Deduplicate learnings by checking against existing memories before logging.
- Bad: Added a check for null values in the user object.
- Good: Always check for null values in the user object before accessing properties to prevent runtime errors.

RULES:
- If there is no project-specific lesson, output "NO_LESSON".
- If the project-specific lesson is redundant with existing memories, output "NO_LESSON".
- If you have a project lesson, output ONLY that single sentence.
- Strictly NO status reports or summaries.`

// Journaler distills the session into a project lesson and appends it to
// the project memory file. Journaling is best effort: any failure is
// recorded and the run proceeds to its terminal outcome regardless.
func (d Deps) Journaler(ctx context.Context, state cascade.State) (cascade.Update, error) {
	if err := d.Events.Info(cascade.StageJournaler, "--- Journaler Stage ---\n"); err != nil {
		return cascade.Update{}, err
	}

	update, err := d.journal(ctx, state)
	if err != nil {
		d.logger().Warn("journaling failed", "error", err)
		if logErr := d.Events.Info(cascade.StageJournaler, fmt.Sprintf("\nJournaling failed gracefully: %v\n", err)); logErr != nil {
			return cascade.Update{}, logErr
		}
		if logErr := d.Events.Status(cascade.StageJournaler, cascade.JournalFailed); logErr != nil {
			return cascade.Update{}, logErr
		}
		return cascade.Update{JournalStatus: cascade.Ptr(cascade.JournalFailed)}, nil
	}
	return update, nil
}

func (d Deps) journal(ctx context.Context, state cascade.State) (cascade.Update, error) {
	existing, err := d.Memory.Learnings()
	if err != nil {
		return cascade.Update{}, err
	}
	existingList := "None yet."
	if len(existing) > 0 {
		var lines []string
		for _, m := range existing {
			lines = append(lines, "- "+m)
		}
		existingList = strings.Join(lines, "\n")
	}

	diff := ""
	if state.InitialCommit != "" && d.Git.IsRepo(ctx) {
		diff, err = d.Git.Diff(ctx, cascade.StageJournaler, state.InitialCommit, "")
		if err != nil {
			return cascade.Update{}, err
		}
	}

	sessionLog, err := d.Events.FormattedLog()
	if err != nil {
		return cascade.Update{}, err
	}

	prompt := fmt.Sprintf(`Analyze the following development session and distill key learnings.

%s

EXISTING PROJECT MEMORIES:
%s

SESSION OUTCOME:
Review Status: %s
Test Output: %s

CHANGES MADE (Diff):
<git_diff>
%s
</git_diff>

TELEMETRY LOG:
%s

Output ONLY the project lesson or "NO_LESSON".`,
		journalerRules, existingList, state.ReviewStatus,
		d.Engine.Sanitize(state.TestOutput, 0),
		d.Engine.Sanitize(diff, 0), sessionLog)

	lesson, err := d.invoke(ctx, cascade.StageJournaler, prompt, d.autoModels(), state.Verbose)
	if err != nil {
		return cascade.Update{}, err
	}
	lesson = strings.Trim(strings.TrimSpace(lesson), `"'`)

	if lesson == "" || strings.EqualFold(lesson, "NO_LESSON") {
		if err := d.Events.Info(cascade.StageJournaler, "\nNo lesson learned.\n"); err != nil {
			return cascade.Update{}, err
		}
		if err := d.Events.Status(cascade.StageJournaler, cascade.JournalNoLesson); err != nil {
			return cascade.Update{}, err
		}
		return cascade.Update{JournalStatus: cascade.Ptr(cascade.JournalNoLesson)}, nil
	}

	if err := d.Memory.LogLearning(lesson); err != nil {
		return cascade.Update{}, err
	}
	if err := d.Events.Info(cascade.StageJournaler, fmt.Sprintf("\nLesson Learned: %s\n", lesson)); err != nil {
		return cascade.Update{}, err
	}
	if err := d.Events.Status(cascade.StageJournaler, cascade.JournalWritten); err != nil {
		return cascade.Update{}, err
	}
	return cascade.Update{JournalStatus: cascade.Ptr(cascade.JournalWritten)}, nil
}
