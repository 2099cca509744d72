// Package cascade contains the core types for the cascade development
// workflow: a fixed graph of stages (coder, tester, architect, reviewer,
// pr_pre_checker, pr_creator, journaler) that is driven to a terminal
// outcome by the workflow package, with all progress recorded to a
// per-session event log so that a killed run can be resumed.
package cascade

import (
	"context"
	"fmt"
)

// Stage names, in graph order. The topology is fixed: the entry point is
// configurable but the set of stages and their edges are not.
const (
	StageCoder        = "coder"
	StageTester       = "tester"
	StageArchitect    = "architect"
	StageReviewer     = "reviewer"
	StagePRPreChecker = "pr_pre_checker"
	StagePRCreator    = "pr_creator"
	StageJournaler    = "journaler"
)

// End is the terminal pseudo-stage returned by transition rules.
const End = "end"

// WorkflowStage is the stage name used for run-level events in the event log.
const WorkflowStage = "workflow"

// StageOrder lists all stages in graph order. Resume-point detection walks
// this slice backwards.
var StageOrder = []string{
	StageCoder,
	StageTester,
	StageArchitect,
	StageReviewer,
	StagePRPreChecker,
	StagePRCreator,
	StageJournaler,
}

// IsStage reports whether name is a known stage.
func IsStage(name string) bool {
	for _, s := range StageOrder {
		if s == name {
			return true
		}
	}
	return false
}

// NextStage returns the stage following name in graph order, or End if name
// is the last stage.
func NextStage(name string) string {
	for i, s := range StageOrder {
		if s == name {
			if i+1 < len(StageOrder) {
				return StageOrder[i+1]
			}
			return End
		}
	}
	return End
}

// Per-stage status values written as "status" events.
const (
	StatusIdle    = "idle"
	StatusActive  = "active"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Domain status values carried in State fields.
const (
	CodeStatusPending = "pending"
	CodeStatusCoded   = "coded"

	TestOutputPass = "PASS"

	ReviewPending      = "pending"
	ReviewApproved     = "approved"
	ReviewRejected     = "rejected"
	ReviewError        = "error"
	ReviewNeedsCommit  = "needs_commit"
	ReviewPreCheckPass = "pre_check_passed"
	ReviewPRCreated    = "pr_created"
	ReviewPRSkipped    = "pr_skipped"
	ReviewPRFailed     = "pr_failed"
	ArchitectOK        = "ok"
	ArchitectRejected  = "rejected"
	ArchitectError     = "error"
	JournalWritten     = "journaled"
	JournalNoLesson    = "no_lesson"
	JournalFailed      = "failed"
)

// Outcome is the run-level state recorded as "workflow_status" events.
type Outcome string

const (
	OutcomeRunning Outcome = "running"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// StageError is an error tagged with the stage it originated in. Transition
// rules only honor errors whose Stage matches the stage under evaluation, so
// a stale error carried over from another stage never influences a decision.
type StageError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Infra   bool   `json:"infra"`
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Message)
}

// State is the transient workflow projection. It is never stored as the
// source of truth: it is derived from event log replay plus session store
// overrides, and snapshotted back to the session store after each stage.
type State struct {
	Prompt          string      `json:"prompt"`
	EngineName      string      `json:"engine_name"`
	CodeStatus      string      `json:"code_status"`
	TestOutput      string      `json:"test_output"`
	ArchitectStatus string      `json:"architect_status"`
	ReviewStatus    string      `json:"review_status"`
	JournalStatus   string      `json:"journal_status"`
	RetryCount      int         `json:"retry_count"`
	PRURL           string      `json:"pr_url"`
	IssueURL        string      `json:"issue_url"`
	InitialCommit   string      `json:"initial_commit"`
	Feedback        string      `json:"feedback"`
	LastError       *StageError `json:"last_error,omitempty"`
	LastRealError   *StageError `json:"last_real_error,omitempty"`
	Outcome         Outcome     `json:"outcome,omitempty"`
	Verbose         bool        `json:"verbose,omitempty"`
}

// WithRetriesReset returns a copy of the state with a fresh retry budget.
// The caller must persist the copy explicitly if the reset should stick.
func (s State) WithRetriesReset() State {
	s.RetryCount = 0
	return s
}

// Update is a partial-state record returned by a stage function. Nil fields
// are left untouched by Apply.
type Update struct {
	Prompt          *string
	EngineName      *string
	CodeStatus      *string
	TestOutput      *string
	ArchitectStatus *string
	ReviewStatus    *string
	JournalStatus   *string
	RetryCount      *int
	PRURL           *string
	IssueURL        *string
	InitialCommit   *string
	Feedback        *string
	LastError       *StageError
	ClearLastError  bool
	Outcome         *Outcome
}

// Apply merges an update into a copy of the state and returns it. The
// receiver is never mutated; stage functions always observe an immutable
// snapshot.
func (s State) Apply(u Update) State {
	if u.Prompt != nil {
		s.Prompt = *u.Prompt
	}
	if u.EngineName != nil {
		s.EngineName = *u.EngineName
	}
	if u.CodeStatus != nil {
		s.CodeStatus = *u.CodeStatus
	}
	if u.TestOutput != nil {
		s.TestOutput = *u.TestOutput
	}
	if u.ArchitectStatus != nil {
		s.ArchitectStatus = *u.ArchitectStatus
	}
	if u.ReviewStatus != nil {
		s.ReviewStatus = *u.ReviewStatus
	}
	if u.JournalStatus != nil {
		s.JournalStatus = *u.JournalStatus
	}
	if u.RetryCount != nil {
		s.RetryCount = *u.RetryCount
	}
	if u.PRURL != nil {
		s.PRURL = *u.PRURL
	}
	if u.IssueURL != nil {
		s.IssueURL = *u.IssueURL
	}
	if u.InitialCommit != nil {
		s.InitialCommit = *u.InitialCommit
	}
	if u.Feedback != nil {
		s.Feedback = *u.Feedback
	}
	if u.ClearLastError {
		s.LastError = nil
	} else if u.LastError != nil {
		s.LastError = u.LastError
		if !u.LastError.Infra {
			s.LastRealError = u.LastError
		}
	}
	if u.Outcome != nil {
		s.Outcome = *u.Outcome
	}
	return s
}

// RelevantError returns the error a stage should act on. When the most
// recent error was infrastructure noise, the most recent real error is
// preferred so retries address the actual defect.
func (s State) RelevantError() *StageError {
	if s.LastError != nil && s.LastError.Infra && s.LastRealError != nil {
		return s.LastRealError
	}
	return s.LastError
}

// Ptr returns a pointer to v. Used to populate Update fields.
func Ptr[T any](v T) *T {
	return &v
}

// StageFunc is the contract consumed by the node executor: a stage receives
// an immutable state snapshot and returns a partial update. Returning an
// error signals an unexpected failure that the executor classifies and
// converts to status events; it never aborts the run.
type StageFunc func(ctx context.Context, state State) (Update, error)

// InvokeOptions configures a single external-agent invocation.
type InvokeOptions struct {
	Stage             string
	Args              []string
	Models            []string
	Label             string
	Verbose           bool
	TotalTimeout      int // seconds; 0 means engine default
	InactivityTimeout int // seconds; 0 means engine default
}

// Engine is the capability contract for an external coding agent. Concrete
// engines are selected by name at startup.
type Engine interface {
	// Name identifies the engine ("gemini", "jules", ...).
	Name() string

	// Invoke sends a prompt to the agent and returns its full response
	// text. Long invocations stream incremental output to the event log.
	Invoke(ctx context.Context, prompt string, opts InvokeOptions) (string, error)

	// Sanitize prepares untrusted text for inclusion in a prompt.
	Sanitize(text string, maxLen int) string

	// RequiredTools lists executables that must be present on PATH.
	RequiredTools() []string

	// Verify checks that the engine is configured and usable.
	Verify(ctx context.Context) error
}
