package telemetry

import (
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/cascade"
)

// Resume reasons returned by LastIncompleteStage.
const (
	ReasonNoLog      = "no_log_found"
	ReasonCompleted  = "workflow_completed"
	ReasonIncomplete = "incomplete"
	ReasonUncertain  = "uncertain"
)

// ResumeInfo explains a resume-point decision.
type ResumeInfo struct {
	Reason string
	// Status is the final workflow status when Reason is ReasonCompleted.
	Status string
	// LastStatuses maps each stage to the statuses observed for it, in
	// write order. Populated for incomplete and uncertain decisions.
	LastStatuses map[string][]string
}

// isolateCurrentRun slices events down to the latest run, identified by the
// run-start marker, and extracts the prompt from that marker. System-sourced
// markers win over agent output that happens to contain the same phrase; an
// agent-sourced marker is honored only when no system-sourced one exists.
func isolateCurrentRun(events []Event) ([]Event, string) {
	systemIdx := -1
	anyIdx := -1
	for i := len(events) - 1; i >= 0; i-- {
		data, ok := events[i].Data.(string)
		if !ok || !strings.Contains(data, RunStartMarker) {
			continue
		}
		if events[i].Source == SourceSystem || events[i].EventType == EventInfo {
			systemIdx = i
			break
		}
		if anyIdx == -1 {
			anyIdx = i
		}
	}
	idx := systemIdx
	if idx == -1 {
		idx = anyIdx
	}
	if idx == -1 {
		return events, ""
	}
	data, _ := events[idx].Data.(string)
	_, rest, _ := strings.Cut(data, RunStartMarker)
	return events[idx:], strings.TrimSpace(rest)
}

// stageStatuses collects the status history per stage, in write order,
// ignoring run-level workflow events.
func stageStatuses(events []Event) map[string][]string {
	statuses := make(map[string][]string)
	for _, event := range events {
		if event.EventType != EventStatus {
			continue
		}
		if event.Stage == "" || event.Stage == cascade.WorkflowStage {
			continue
		}
		status, ok := event.Data.(string)
		if !ok {
			continue
		}
		statuses[event.Stage] = append(statuses[event.Stage], status)
	}
	return statuses
}

// ReconstructState replays the current run's events into a partial state.
// Replay is pure: the same log always yields the same result, and events
// before the latest run-start marker never contribute.
func (l *Log) ReconstructState() (cascade.Update, error) {
	events, err := l.Read()
	if err != nil {
		return cascade.Update{}, fmt.Errorf("failed to reconstruct state: %w", err)
	}
	events, prompt := isolateCurrentRun(events)

	var update cascade.Update
	if prompt != "" {
		update.Prompt = cascade.Ptr(prompt)
	}

	// The engine is recovered from its session announcement in the output
	// stream; absent one, the baseline engine is assumed.
	engine := "gemini"
	for _, event := range events {
		if event.EventType != EventOutput {
			continue
		}
		if data, ok := event.Data.(string); ok && strings.Contains(data, "Jules session created") {
			engine = "jules"
			break
		}
	}
	update.EngineName = cascade.Ptr(engine)

	statuses := stageStatuses(events)

	if history := statuses[cascade.StageTester]; len(history) > 0 {
		switch history[len(history)-1] {
		case cascade.StatusSuccess:
			update.TestOutput = cascade.Ptr(cascade.TestOutputPass)
		case cascade.StatusFailed, cascade.StatusError, cascade.StatusTimeout:
			update.TestOutput = cascade.Ptr("FAIL")
		}
	}

	if history := statuses[cascade.StageReviewer]; len(history) > 0 {
		switch history[len(history)-1] {
		case cascade.StatusSuccess, cascade.ReviewApproved:
			update.ReviewStatus = cascade.Ptr(cascade.ReviewApproved)
		case cascade.StatusFailed, cascade.ReviewRejected:
			update.ReviewStatus = cascade.Ptr(cascade.ReviewRejected)
		}
	}

	// A later PR creation overrides the reviewer verdict.
	if history := statuses[cascade.StagePRCreator]; len(history) > 0 {
		switch history[len(history)-1] {
		case cascade.StatusSuccess:
			update.ReviewStatus = cascade.Ptr(cascade.ReviewPRCreated)
		case cascade.StatusFailed, cascade.StatusError, cascade.StatusTimeout:
			update.ReviewStatus = cascade.Ptr(cascade.ReviewPRFailed)
		}
	}

	return update, nil
}

// successStatuses are terminal-success signals: the stage finished and the
// run should resume at the next stage in graph order.
var successStatuses = map[string]bool{
	cascade.StatusSuccess:   true,
	cascade.StatusIdle:      true,
	cascade.ReviewApproved:  true,
	cascade.JournalWritten:  true,
	cascade.JournalNoLesson: true,
}

// failureStatuses mean the stage never finished cleanly and the run should
// resume at that same stage.
var failureStatuses = map[string]bool{
	cascade.StatusActive:   true,
	cascade.StatusFailed:   true,
	cascade.StatusError:    true,
	cascade.StatusTimeout:  true,
	cascade.ReviewRejected: true,
}

// LastIncompleteStage determines the resume point for the current run. It
// returns (cascade.End, info) when there is nothing to resume: either no log
// exists or the run already finished successfully. When no informative stage
// status exists at all, it falls back to the first stage and flags the
// decision as uncertain rather than incomplete.
func (l *Log) LastIncompleteStage() (string, ResumeInfo, error) {
	events, err := l.Read()
	if err != nil {
		return "", ResumeInfo{}, fmt.Errorf("failed to determine resume point: %w", err)
	}
	if len(events) == 0 {
		return cascade.End, ResumeInfo{Reason: ReasonNoLog}, nil
	}
	events, _ = isolateCurrentRun(events)

	var lastWorkflowStatus string
	for _, event := range events {
		if event.Stage == cascade.WorkflowStage && event.EventType == EventWorkflowStatus {
			if status, ok := event.Data.(string); ok {
				lastWorkflowStatus = status
			}
		}
	}
	if lastWorkflowStatus == string(cascade.OutcomeSuccess) {
		return cascade.End, ResumeInfo{Reason: ReasonCompleted, Status: lastWorkflowStatus}, nil
	}

	statuses := stageStatuses(events)

	// Walk the graph backwards and resume at the most advanced stage that
	// left evidence. Success means the stage is done, so the run continues
	// at its successor.
	for i := len(cascade.StageOrder) - 1; i >= 0; i-- {
		stage := cascade.StageOrder[i]
		history := statuses[stage]
		if len(history) == 0 {
			continue
		}
		last := history[len(history)-1]
		if failureStatuses[last] {
			return stage, ResumeInfo{Reason: ReasonIncomplete, LastStatuses: statuses}, nil
		}
		if successStatuses[last] {
			return cascade.NextStage(stage), ResumeInfo{Reason: ReasonIncomplete, LastStatuses: statuses}, nil
		}
	}

	return cascade.StageOrder[0], ResumeInfo{Reason: ReasonUncertain, LastStatuses: statuses}, nil
}
