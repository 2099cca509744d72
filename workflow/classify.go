// Package workflow drives a session to a terminal outcome: it wires the
// stage functions into the fixed stage graph, executes each stage under a
// wall-clock budget, applies the transition rules, and persists progress so
// a killed run can be resumed.
package workflow

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Classifier decides whether an error message describes an infrastructure
// failure (network, quota, capacity) that no code change can fix. Matching
// is substring-based and case-insensitive; patterns may use glob syntax.
// The pattern set is configurable because the heuristic admits both false
// positives and false negatives.
type Classifier struct {
	patterns []glob.Glob
}

// NewClassifier compiles the configured pattern list.
func NewClassifier(patterns []string) (*Classifier, error) {
	c := &Classifier{}
	for _, pattern := range patterns {
		compiled, err := glob.Compile("*" + strings.ToLower(pattern) + "*")
		if err != nil {
			return nil, fmt.Errorf("invalid infra error pattern %q: %w", pattern, err)
		}
		c.patterns = append(c.patterns, compiled)
	}
	return c, nil
}

// IsInfra reports whether the message matches any infrastructure pattern.
func (c *Classifier) IsInfra(message string) bool {
	if message == "" {
		return false
	}
	lower := strings.ToLower(message)
	for _, pattern := range c.patterns {
		if pattern.Match(lower) {
			return true
		}
	}
	return false
}
