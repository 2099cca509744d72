// Package telemetry implements the per-session append-only event log and
// the state reconstruction that makes crashed runs resumable. The log file
// is the single durable source of truth: a run killed at an arbitrary point
// is recovered by replaying the log from the latest run-start marker.
package telemetry

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrAppend marks a failed event log write. Callers treat it as fatal to the
// run: without a durable log the run cannot be resumed, so continuing would
// silently lose history.
var ErrAppend = errors.New("event log write failed")

// Log is an append-only, newline-delimited JSON event log for one session.
// Appends never rewrite history. A write failure (e.g. disk exhaustion) is
// fatal to the run and is reported directly rather than swallowed.
type Log struct {
	sessionID string
	path      string
	mu        sync.Mutex
}

// NewLog creates (or reopens) the event log for a session. The session id
// must already be sanitized; see session.SanitizeID.
func NewLog(dir, sessionID string) (*Log, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Log{
		sessionID: sessionID,
		path:      filepath.Join(dir, sessionID+".jsonl"),
	}, nil
}

// SessionID returns the session this log belongs to.
func (l *Log) SessionID() string { return l.sessionID }

// Path returns the on-disk location of the log file. External readers (a
// dashboard) tail this file from a remembered byte offset.
func (l *Log) Path() string { return l.path }

// Append writes one event to the log. It is the only write path; history is
// never modified.
func (l *Log) Append(stage string, eventType EventType, source string, data any) error {
	event := Event{
		ID:        newEventID(),
		Timestamp: time.Now(),
		SessionID: l.sessionID,
		Stage:     stage,
		EventType: eventType,
		Source:    source,
		Data:      data,
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAppend, err)
	}
	defer f.Close()
	if _, err := f.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrAppend, err)
	}
	return nil
}

// Status records a stage status change ("active", "success", "failed", ...).
func (l *Log) Status(stage, status string) error {
	return l.Append(stage, EventStatus, SourceSystem, status)
}

// Output records a chunk of agent or child-process output.
func (l *Log) Output(stage, chunk string) error {
	if chunk == "" {
		return nil
	}
	return l.Append(stage, EventOutput, SourceLLM, chunk)
}

// Info records system-level information about a stage.
func (l *Log) Info(stage, info string) error {
	if info == "" {
		return nil
	}
	return l.Append(stage, EventInfo, SourceSystem, info)
}

// Prompt records the prompt sent to an external agent.
func (l *Log) Prompt(stage, prompt string) error {
	return l.Append(stage, EventPrompt, SourceSystem, prompt)
}

// LogMetric records a named numeric measurement for a stage.
func (l *Log) LogMetric(stage, name string, value float64) error {
	return l.Append(stage, EventMetric, SourceSystem, Metric{Name: name, Value: value})
}

// WorkflowStatus records the run-level state (running/success/failed) for
// external readers.
func (l *Log) WorkflowStatus(status string) error {
	return l.Append("workflow", EventWorkflowStatus, SourceSystem, status)
}

// Read returns all events in write order. Undecodable lines are skipped so
// a torn final write never poisons recovery.
func (l *Log) Read() ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return events, nil
}
