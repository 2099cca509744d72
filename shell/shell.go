// Package shell executes external commands under dual timeout policies with
// capped, truncation-safe output buffering. Every child process a stage
// starts goes through the Runner: it cannot hang the workflow (inactivity
// and total timeouts), cannot exhaust memory (capped buffers), and cannot
// corrupt logs (escape-sequence stripping).
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/cascade/config"
	"github.com/deepnoodle-ai/cascade/slogger"
)

// Timeout reasons reported in Result.TimeoutReason.
const (
	TimeoutTotal      = "total"
	TimeoutInactivity = "inactivity"
)

// Command describes one external process invocation.
type Command struct {
	Name string
	Args []string
	// Env entries are appended to the hardened base environment and
	// override it.
	Env []string
	Dir string
	// Stage attributes incremental output events in the event log.
	Stage string

	// Zero values fall back to the Runner defaults.
	TotalTimeout      time.Duration
	InactivityTimeout time.Duration
	OutputCap         int
	LineCap           int

	// DiscardStderr drops stderr instead of capturing it.
	DiscardStderr bool
}

// Result is the outcome of a completed (or killed) process.
type Result struct {
	Stdout      string
	Stderr      string
	Interleaved string
	ExitCode    int
	TimedOut    bool
	// TimeoutReason is TimeoutTotal or TimeoutInactivity when TimedOut.
	TimeoutReason  string
	TimeoutMessage string
}

// Output returns the interleaved stream plus any timeout message, matching
// what an operator watching the process would have seen.
func (r *Result) Output() string {
	if r.TimeoutMessage != "" {
		return r.Interleaved + r.TimeoutMessage
	}
	return r.Interleaved
}

// Err converts a non-zero exit or timeout into an error carrying both
// captured streams. A clean exit returns nil.
func (r *Result) Err(command string) error {
	if r.TimedOut {
		return &ExitError{Command: command, ExitCode: r.ExitCode, Stdout: r.Stdout, Stderr: r.Stderr, TimedOut: true, Reason: r.TimeoutMessage}
	}
	if r.ExitCode != 0 {
		return &ExitError{Command: command, ExitCode: r.ExitCode, Stdout: r.Stdout, Stderr: r.Stderr}
	}
	return nil
}

// ExitError reports a failed command together with its captured output.
type ExitError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Reason   string
}

func (e *ExitError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("command %q timed out: %s", e.Command, e.Reason)
	}
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}

// Runner executes commands with timeout enforcement and bounded capture.
type Runner struct {
	Events EventSink
	Logger slogger.Logger

	DefaultTotalTimeout      time.Duration
	DefaultInactivityTimeout time.Duration
	GracePeriod              time.Duration
	DefaultOutputCap         int
	DefaultLineCap           int
}

// NewRunner builds a Runner from configuration. events may be nil when
// incremental output logging is not wanted.
func NewRunner(cfg *config.Config, events EventSink, logger slogger.Logger) *Runner {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Runner{
		Events:                   events,
		Logger:                   logger,
		DefaultTotalTimeout:      cfg.CommandTimeout(),
		DefaultInactivityTimeout: cfg.InactivityTimeout(),
		GracePeriod:              cfg.GracePeriod(),
		DefaultOutputCap:         cfg.OutputCap,
		DefaultLineCap:           cfg.LineCap,
	}
}

// NonInteractiveEnv returns base extended with settings that prevent child
// processes from blocking on interactive prompts or editors.
func NonInteractiveEnv(base []string) []string {
	return append(append([]string{}, base...),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_EDITOR=true",
		"EDITOR=true",
		"VISUAL=true",
		"GIT_SEQUENCE_EDITOR=true",
		"GH_PROMPT_DISABLED=1",
	)
}

// Run executes the command to completion or timeout. The returned error only
// reports spawn failures; a non-zero exit or timeout is carried in the
// Result so callers can decide what failure means for their stage.
func (r *Runner) Run(ctx context.Context, command Command) (*Result, error) {
	totalTimeout := command.TotalTimeout
	if totalTimeout <= 0 {
		totalTimeout = r.DefaultTotalTimeout
	}
	inactivityTimeout := command.InactivityTimeout
	if inactivityTimeout <= 0 {
		inactivityTimeout = r.DefaultInactivityTimeout
	}
	outputCap := command.OutputCap
	if outputCap <= 0 {
		outputCap = r.DefaultOutputCap
	}
	lineCap := command.LineCap
	if lineCap <= 0 {
		lineCap = r.DefaultLineCap
	}
	grace := r.GracePeriod
	if grace <= 0 {
		grace = time.Duration(config.DefaultGracePeriodSeconds) * time.Second
	}

	cmd := exec.Command(command.Name, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = append(NonInteractiveEnv(os.Environ()), command.Env...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderrPipe io.ReadCloser
	if !command.DiscardStderr {
		stderrPipe, err = cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", command.Name, err)
	}
	start := time.Now()
	r.Logger.Debug("process started", "command", command.Name, "pid", cmd.Process.Pid, "stage", command.Stage)

	var lastActivity atomic.Int64
	lastActivity.Store(start.UnixNano())

	stdout := newCappedBuffer(outputCap)
	stderr := newCappedBuffer(outputCap)
	interleaved := newCappedBuffer(outputCap)
	lines := newLineWriter(r.Events, command.Stage, lineCap)

	var readers sync.WaitGroup
	drain := func(pipe io.Reader, buf *cappedBuffer, logLines bool) {
		defer readers.Done()
		chunk := make([]byte, 1024)
		for {
			n, err := pipe.Read(chunk)
			if n > 0 {
				lastActivity.Store(time.Now().UnixNano())
				cleaned := Clean(string(chunk[:n]))
				if cleaned != "" {
					buf.WriteString(cleaned)
					interleaved.WriteString(cleaned)
					if logLines {
						lines.WriteString(cleaned)
					}
				}
			}
			if err != nil {
				return
			}
		}
	}
	readers.Add(1)
	go drain(stdoutPipe, stdout, true)
	if stderrPipe != nil {
		readers.Add(1)
		go drain(stderrPipe, stderr, false)
	}

	waitDone := make(chan struct{})
	var waitErr error
	go func() {
		readers.Wait()
		waitErr = cmd.Wait()
		close(waitDone)
	}()

	result := &Result{}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

monitor:
	for {
		select {
		case <-waitDone:
			break monitor
		case <-ctx.Done():
			result.TimedOut = true
			result.TimeoutReason = TimeoutTotal
			result.TimeoutMessage = "\n[TIMEOUT] Run canceled. Killing process.\n"
			r.terminate(cmd, grace, waitDone)
			<-waitDone
			break monitor
		case <-ticker.C:
			now := time.Now()
			elapsed := now.Sub(start)
			idle := now.Sub(time.Unix(0, lastActivity.Load()))
			switch {
			case elapsed >= totalTimeout:
				result.TimedOut = true
				result.TimeoutReason = TimeoutTotal
				result.TimeoutMessage = fmt.Sprintf("\n[TIMEOUT] Process exceeded command timeout of %s. Killing process.\n", totalTimeout)
			case idle >= inactivityTimeout:
				result.TimedOut = true
				result.TimeoutReason = TimeoutInactivity
				result.TimeoutMessage = fmt.Sprintf("\n[TIMEOUT] No output for %s. Killing process.\n", inactivityTimeout)
			default:
				continue
			}
			r.Logger.Warn("process timed out", "command", command.Name, "reason", result.TimeoutReason, "stage", command.Stage)
			if r.Events != nil && command.Stage != "" {
				_ = r.Events.Output(command.Stage, result.TimeoutMessage)
			}
			r.terminate(cmd, grace, waitDone)
			<-waitDone
			break monitor
		}
	}

	lines.Flush()

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Interleaved = interleaved.String()
	if result.TimedOut {
		result.ExitCode = -1
	} else if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed waiting for %q: %w", command.Name, waitErr)
		}
	}
	r.Logger.Debug("process finished", "command", command.Name,
		"exit_code", result.ExitCode, "timed_out", result.TimedOut,
		"duration", time.Since(start).Round(time.Millisecond).String())
	return result, nil
}

// terminate asks the process to exit, then force-kills after the grace
// period. Errors from signaling an already-exited process are swallowed.
func (r *Runner) terminate(cmd *exec.Cmd, grace time.Duration, waitDone <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.Logger.Debug("terminate signal failed", "error", err)
	}
	select {
	case <-waitDone:
		return
	case <-time.After(grace):
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.Logger.Debug("kill failed", "error", err)
	}
}
