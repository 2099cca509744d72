// Package memory maintains the project memory file: an append-only list of
// timestamped lessons the journaler stage records so future runs (and the
// coding agent itself) can consult them.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultFileName is the memory file the coding agent reads at startup.
const DefaultFileName = "GEMINI.md"

const fileHeader = "# Project Memory\n\n"

// Manager appends lessons to the project memory file.
type Manager struct {
	path string
}

// NewManager returns a Manager for the project rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{path: filepath.Join(dir, DefaultFileName)}
}

// Path returns the memory file location.
func (m *Manager) Path() string { return m.path }

// LogLearning appends one timestamped lesson. The file is created with a
// header on first use.
func (m *Manager) LogLearning(fact string) error {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return nil
	}
	if _, err := os.Stat(m.path); os.IsNotExist(err) {
		if err := os.WriteFile(m.path, []byte(fileHeader), 0644); err != nil {
			return fmt.Errorf("failed to create memory file: %w", err)
		}
	}
	entry := fmt.Sprintf("- [%s] %s\n", time.Now().Format("2006-01-02 15:04:05"), fact)
	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open memory file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("failed to write memory file: %w", err)
	}
	return nil
}

// Learnings returns the recorded lessons, most recent last.
func (m *Manager) Learnings() ([]string, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read memory file: %w", err)
	}
	var lessons []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			lessons = append(lessons, strings.TrimPrefix(line, "- "))
		}
	}
	return lessons, nil
}
