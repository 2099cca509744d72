package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Tailer incrementally reads events from an event log file on behalf of an
// external reader such as a dashboard. It remembers its byte offset between
// calls and tolerates the file being truncated, rotated, or not yet created.
type Tailer struct {
	path      string
	offset    int64
	remainder []byte
}

// NewTailer returns a Tailer positioned at the start of the log file at path.
func NewTailer(path string) *Tailer {
	return &Tailer{path: path}
}

// Next returns the events appended since the previous call. A missing file
// yields no events and no error. If the file shrank since the last read the
// offset is reset and the file is replayed from the beginning.
func (t *Tailer) Next() ([]Event, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.offset = 0
			t.remainder = nil
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log for tailing: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat log: %w", err)
	}
	if info.Size() < t.offset {
		t.offset = 0
		t.remainder = nil
	}
	if info.Size() == t.offset {
		return nil, nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek log: %w", err)
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	t.offset += int64(len(chunk))

	// A write may land mid-line; hold the trailing partial line until the
	// newline that completes it arrives.
	buf := append(t.remainder, chunk...)
	var events []Event
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	t.remainder = append([]byte(nil), buf...)
	return events, nil
}

// Watch streams events to the returned channel until the context is
// canceled. It wakes on filesystem notifications for the log's directory so
// appends are picked up promptly without polling.
func (t *Tailer) Watch(ctx context.Context) (<-chan Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create log watcher: %w", err)
	}
	// Watch the directory, not the file: the log may not exist yet, and
	// rotation replaces the inode.
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch log directory: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer watcher.Close()
		defer close(out)
		drain := func() bool {
			events, err := t.Next()
			if err != nil {
				return false
			}
			for _, event := range events {
				select {
				case out <- event:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}
		if !drain() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(t.path) {
					continue
				}
				if !drain() {
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}
