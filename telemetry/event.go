package telemetry

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType classifies an event log record.
type EventType string

const (
	EventStatus         EventType = "status"
	EventOutput         EventType = "output"
	EventInfo           EventType = "info"
	EventMetric         EventType = "metric"
	EventPrompt         EventType = "prompt"
	EventWorkflowStatus EventType = "workflow_status"
)

// Event sources. System events are emitted by cascade itself; llm events
// carry text produced by an external agent and are never trusted for
// control decisions.
const (
	SourceSystem = "system"
	SourceLLM    = "llm"
)

// RunStartMarker is the prefix of the system-emitted info event that opens
// every run. State reconstruction replays forward from the latest marker
// only, so events from earlier runs in the same log never leak into the
// current run.
const RunStartMarker = "INIT: Starting workflow with prompt:"

// Event is one immutable record in a session's event log. Events are
// totally ordered by write order within a session.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Stage     string    `json:"stage"`
	EventType EventType `json:"event_type"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
}

// Metric is the structured payload of a metric event.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// newEventID returns a sortable unique event id.
func newEventID() string {
	return ulid.Make().String()
}
