package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/shell"
)

// Gemini drives the gemini CLI as a sandboxed subprocess. Invocations try a
// list of models in order; any failure falls through to the next model, and
// only exhausting the whole list surfaces an error.
type Gemini struct {
	deps Deps
}

// NewGemini returns the gemini CLI engine.
func NewGemini(deps Deps) *Gemini {
	return &Gemini{deps: deps}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) RequiredTools() []string { return []string{"gemini"} }

// Verify checks the CLI is installed.
func (g *Gemini) Verify(ctx context.Context) error {
	if _, err := exec.LookPath("gemini"); err != nil {
		return fmt.Errorf("gemini CLI not found on PATH: %w", err)
	}
	return nil
}

func (g *Gemini) Sanitize(text string, maxLen int) string {
	return SanitizePrompt(text, maxLen)
}

// Invoke sends the prompt to the CLI, streaming incremental output to the
// event log, and returns the full response text.
func (g *Gemini) Invoke(ctx context.Context, prompt string, opts cascade.InvokeOptions) (string, error) {
	if g.deps.Events != nil && opts.Stage != "" {
		if err := g.deps.Events.Prompt(opts.Stage, prompt); err != nil {
			return "", err
		}
	}

	models := opts.Models
	if len(models) == 0 {
		models = g.deps.Config.Models
	}
	if len(models) == 0 {
		models = []string{""}
	}

	var lastErr error
	for i, model := range models {
		output, err := g.execute(ctx, prompt, model, opts)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < len(models)-1 {
			g.deps.logger().Warn("model failed, falling back",
				"model", displayModel(model),
				"next", displayModel(models[i+1]),
				"error", err)
			continue
		}
	}
	return "", fmt.Errorf("all models exhausted. Last error: %w", lastErr)
}

func (g *Gemini) execute(ctx context.Context, prompt, model string, opts cascade.InvokeOptions) (string, error) {
	args := append([]string{"--sandbox"}, opts.Args...)
	if model != "" {
		args = append(args, "-m", model)
	}
	args = append(args, "-p", prompt)

	result, err := g.deps.Runner.Run(ctx, shell.Command{
		Name:              "gemini",
		Args:              args,
		Stage:             opts.Stage,
		TotalTimeout:      time.Duration(opts.TotalTimeout) * time.Second,
		InactivityTimeout: time.Duration(opts.InactivityTimeout) * time.Second,
	})
	if err != nil {
		return "", err
	}
	if result.TimedOut {
		return "", fmt.Errorf("[TIMEOUT] gemini CLI timed out: %s", strings.TrimSpace(result.TimeoutMessage))
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("gemini CLI exited with code %d\nOutput:\n%s", result.ExitCode, result.Output())
	}
	return strings.TrimSpace(result.Interleaved), nil
}

func displayModel(model string) string {
	if model == "" {
		return "auto"
	}
	return model
}
