// Package engine provides the external coding agents the workflow stages
// drive: gemini (a local CLI subprocess) and jules (a remote session API).
// Engines are selected by name at startup and implement cascade.Engine.
package engine

import (
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/config"
	"github.com/deepnoodle-ai/cascade/git"
	"github.com/deepnoodle-ai/cascade/session"
	"github.com/deepnoodle-ai/cascade/shell"
	"github.com/deepnoodle-ai/cascade/slogger"
	"github.com/deepnoodle-ai/cascade/telemetry"
)

// DefaultMaxPromptLength bounds untrusted text embedded in a prompt.
const DefaultMaxPromptLength = 12000

// Deps carries the shared infrastructure an engine needs.
type Deps struct {
	Config *config.Config
	Runner *shell.Runner
	Events *telemetry.Log
	Store  *session.Store
	Git    *git.Client
	Logger slogger.Logger
}

func (d Deps) logger() slogger.Logger {
	if d.Logger == nil {
		return slogger.DefaultLogger
	}
	return d.Logger
}

// New returns the engine registered under name. An empty name selects the
// baseline gemini engine.
func New(name string, deps Deps) (cascade.Engine, error) {
	switch strings.ToLower(name) {
	case "", "gemini":
		return NewGemini(deps), nil
	case "jules":
		return NewJules(deps), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}

// promptTags are the delimiters stages use to fence untrusted text. They are
// neutralized in embedded content so an agent response cannot break out of
// its fence.
var promptTags = []string{
	"test_output",
	"reviewer_feedback",
	"architect_feedback",
	"git_diff",
	"error",
	"user_request",
}

// SanitizePrompt neutralizes fence delimiters in untrusted text and bounds
// its length. maxLen <= 0 applies the default bound.
func SanitizePrompt(text string, maxLen int) string {
	if text == "" {
		return ""
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxPromptLength
	}
	for _, tag := range promptTags {
		text = strings.ReplaceAll(text, "</"+tag+">", "[/"+tag+"]")
		text = strings.ReplaceAll(text, "<"+tag+">", "["+tag+"]")
	}
	if len(text) > maxLen {
		text = text[:maxLen] + "\n... (truncated for brevity)"
	}
	return text
}
