package shell

import (
	"regexp"
	"strings"
	"sync"
)

// TruncationMarker is appended exactly once when a capped buffer overflows.
const TruncationMarker = "\n[... Output Truncated ...]"

// LineTruncationMarker is appended to a single logged line that exceeds the
// per-line cap.
const LineTruncationMarker = "... (truncated)"

var (
	ansiEscapes  = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
)

// Clean strips ANSI escape sequences and disruptive control characters from
// child-process output. Tab, newline, and carriage return survive.
func Clean(chunk string) string {
	chunk = ansiEscapes.ReplaceAllString(chunk, "")
	return controlChars.ReplaceAllString(chunk, "")
}

// cappedBuffer accumulates output up to a byte cap. Once the cap is reached
// the truncation marker is appended exactly once and every further write is
// a silent no-op, so a runaway child cannot exhaust memory.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	cap       int
	truncated bool
}

func newCappedBuffer(cap int) *cappedBuffer {
	return &cappedBuffer{cap: cap}
}

func (b *cappedBuffer) WriteString(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return
	}
	room := b.cap - b.buf.Len()
	if len(s) <= room {
		b.buf.WriteString(s)
		return
	}
	b.buf.WriteString(s[:room])
	b.buf.WriteString(TruncationMarker)
	b.truncated = true
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// EventSink receives incremental output events. *telemetry.Log satisfies it.
type EventSink interface {
	Output(stage, chunk string) error
}

// lineWriter buffers output and forwards it to the event sink one completed
// line at a time, capping each line independently of the overall buffer cap.
type lineWriter struct {
	mu      sync.Mutex
	sink    EventSink
	stage   string
	lineCap int
	pending strings.Builder
}

func newLineWriter(sink EventSink, stage string, lineCap int) *lineWriter {
	return &lineWriter{sink: sink, stage: stage, lineCap: lineCap}
}

func (w *lineWriter) WriteString(s string) {
	if w.sink == nil || s == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending.WriteString(s)
	buffered := w.pending.String()
	for {
		idx := strings.IndexByte(buffered, '\n')
		if idx < 0 {
			break
		}
		w.emit(buffered[:idx] + "\n")
		buffered = buffered[idx+1:]
	}
	w.pending.Reset()
	w.pending.WriteString(buffered)
}

// Flush forwards any trailing partial line.
func (w *lineWriter) Flush() {
	if w.sink == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending.Len() > 0 {
		w.emit(w.pending.String())
		w.pending.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	if w.lineCap > 0 && len(line) > w.lineCap {
		line = line[:w.lineCap] + LineTruncationMarker
	}
	// Event log write failures are handled by the run loop; a lost
	// incremental output line must not kill the stream reader.
	_ = w.sink.Output(w.stage, line)
}
