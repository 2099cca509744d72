package stages

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/shell"
)

// failurePatterns flag failures that a zero exit code can hide: test
// runners and linters that report problems without failing the process.
var failurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)\b[1-9]\d* (failed|failing)\b`),
	regexp.MustCompile(`(?im)\b[1-9]\d* errors?\b`),
	regexp.MustCompile(`(?im)Found \d+ errors?`),
	regexp.MustCompile(`(?im)^={3,}\s+ERRORS\s+={3,}$`),
	regexp.MustCompile(`(?im)^={3,}\s+FAILURES\s+={3,}$`),
	regexp.MustCompile(`(?im)^\s*FAIL\b`),
	regexp.MustCompile(`(?im)^\s*FAILED\b`),
	regexp.MustCompile(`(?im)^\s*error:`),
	// "error:" mid-line, but not in a path like /usr/error: or C:\error:
	regexp.MustCompile(`(?im)(?:^|[^/\\0-9A-Za-z_])error:`),
	regexp.MustCompile(`(?i)\bUnreachable code\b`),
}

// lintCodePattern matches linter diagnostics like ":10:5: F401". The
// line/column prefix keeps it from firing on ordinary test output.
var lintCodePattern = regexp.MustCompile(`(?im):\d+:(\d+:)?\s*[A-Z]+\d{3,4}\b`)

// coveragePatterns identify coverage-threshold failures so they can be
// reported distinctly from plain unit failures.
var coveragePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)Required test coverage of \d+% not reached\. Total coverage: [\d.]+%`),
	regexp.MustCompile(`(?m)Jest: Coverage for .+? \([\d.]+%\) does not meet global threshold \([\d.]+%\)`),
	regexp.MustCompile(`(?m)Coverage check failed`),
}

// Tester runs the project checks in order: lint, build, unit tests. The
// first failing step short-circuits with a typed FAIL payload; a clean pass
// records PASS.
func (d Deps) Tester(ctx context.Context, state cascade.State) (cascade.Update, error) {
	if err := d.Events.Info(cascade.StageTester, "--- Tester Stage ---\n"); err != nil {
		return cascade.Update{}, err
	}

	lintCmd, lintArgs := d.Project.LintCommand()
	if lintCmd != "" {
		ok, output, err := d.runCheck(ctx, "linting", lintCmd, lintArgs)
		if err != nil {
			return cascade.Update{}, err
		}
		if !ok {
			return d.testFailure(state, "Lint", output)
		}
	}

	buildCmd, buildArgs := d.Project.BuildCommand()
	if buildCmd != "" {
		ok, output, err := d.runCheck(ctx, "build", buildCmd, buildArgs)
		if err != nil {
			return cascade.Update{}, err
		}
		if !ok {
			return d.testFailure(state, "Build", output)
		}
	}

	testCmd, testArgs := d.Project.TestCommand()
	ok, output, err := d.runCheck(ctx, "unit tests", testCmd, testArgs)
	if err != nil {
		return cascade.Update{}, err
	}
	if !ok {
		failType := "Unit"
		if isCoverageFailure(output) {
			failType = "Coverage"
		}
		return d.testFailure(state, failType, output)
	}

	if err := d.Events.Status(cascade.StageTester, cascade.StatusSuccess); err != nil {
		return cascade.Update{}, err
	}
	return cascade.Update{TestOutput: cascade.Ptr(cascade.TestOutputPass)}, nil
}

// runCheck runs one check step and decides pass/fail. A zero exit code is
// re-examined against textual failure patterns for the lint and test steps.
func (d Deps) runCheck(ctx context.Context, name, cmd string, args []string) (bool, string, error) {
	if err := d.Events.Info(cascade.StageTester, fmt.Sprintf("Running %s...\n", name)); err != nil {
		return false, "", err
	}
	result, err := d.Runner.Run(ctx, shell.Command{
		Name:  cmd,
		Args:  args,
		Stage: cascade.StageTester,
	})
	if err != nil {
		return false, "", err
	}
	output := result.Output()
	if result.TimedOut {
		return false, output + "\n" + result.TimeoutMessage, nil
	}
	ok := result.ExitCode == 0
	if ok && (name == "linting" || name == "unit tests") {
		ok = !matchesFailurePattern(output, name == "linting")
	}
	if !ok {
		if err := d.Events.Info(cascade.StageTester, fmt.Sprintf("%s failed.\n", capitalize(name))); err != nil {
			return false, "", err
		}
	}
	return ok, output, nil
}

func (d Deps) testFailure(state cascade.State, failType, output string) (cascade.Update, error) {
	if err := d.Events.Status(cascade.StageTester, cascade.StatusFailed); err != nil {
		return cascade.Update{}, err
	}
	return cascade.Update{
		TestOutput: cascade.Ptr(fmt.Sprintf("FAIL (%s):\n%s", failType, output)),
		RetryCount: cascade.Ptr(state.RetryCount + 1),
	}, nil
}

func matchesFailurePattern(output string, lint bool) bool {
	for _, pattern := range failurePatterns {
		if pattern.MatchString(output) {
			return true
		}
	}
	if lint && lintCodePattern.MatchString(output) {
		return true
	}
	return false
}

func isCoverageFailure(output string) bool {
	for _, pattern := range coveragePatterns {
		if pattern.MatchString(output) {
			return true
		}
	}
	return false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
