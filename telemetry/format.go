package telemetry

import (
	"fmt"
	"sort"
	"strings"
)

const (
	defaultFormatMaxLines = 100
	defaultFormatMaxChars = 200
	formatHeadSize        = 20
)

// FormattedLog renders the current run's events as a compact human-readable
// transcript for inclusion in a prompt. Metric events are dropped, long text
// payloads are truncated, and oversized logs keep only the head and tail so
// the result fits a context window.
func (l *Log) FormattedLog() (string, error) {
	events, err := l.Read()
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "No telemetry log found.", nil
	}
	events, _ = isolateCurrentRun(events)
	if len(events) == 0 {
		return "No events found in current run.", nil
	}

	var relevant []Event
	for _, event := range events {
		if event.EventType == EventMetric {
			continue
		}
		relevant = append(relevant, event)
	}

	lines := make([]string, 0, len(relevant))
	if len(relevant) > defaultFormatMaxLines {
		tailSize := defaultFormatMaxLines - formatHeadSize
		removed := relevant[formatHeadSize : len(relevant)-tailSize]
		stageSet := make(map[string]bool)
		for _, event := range removed {
			stageSet[event.Stage] = true
		}
		stages := make([]string, 0, len(stageSet))
		for stage := range stageSet {
			stages = append(stages, stage)
		}
		sort.Strings(stages)
		for _, event := range relevant[:formatHeadSize] {
			lines = append(lines, formatEvent(event))
		}
		lines = append(lines, fmt.Sprintf("system: info: removed middle text of %d lines from %s for brevity",
			len(removed), strings.Join(stages, ", ")))
		for _, event := range relevant[len(relevant)-tailSize:] {
			lines = append(lines, formatEvent(event))
		}
	} else {
		for _, event := range relevant {
			lines = append(lines, formatEvent(event))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func formatEvent(event Event) string {
	data := ""
	switch payload := event.Data.(type) {
	case string:
		data = payload
	default:
		data = fmt.Sprintf("%v", payload)
	}
	switch event.EventType {
	case EventOutput, EventPrompt, EventInfo:
		if len(data) > defaultFormatMaxChars {
			data = data[:defaultFormatMaxChars] + "... (truncated)"
		}
		data = strings.ReplaceAll(data, "\n", "\\n")
	}
	prefix := ""
	if !event.Timestamp.IsZero() {
		prefix = fmt.Sprintf("[%s] ", event.Timestamp.Format("15:04:05"))
	}
	return fmt.Sprintf("%s%s: %s: %s", prefix, event.Stage, event.EventType, data)
}
