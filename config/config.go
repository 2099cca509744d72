// Package config loads and validates cascade configuration. Settings come
// from built-in defaults, an optional YAML file, and environment variable
// overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/deepnoodle-ai/cascade"
)

// Default timeout and budget values. All timeouts are expressed in seconds
// in the configuration file.
const (
	DefaultMaxRetries               = 3
	DefaultCommandTimeoutSeconds    = 600
	DefaultInactivityTimeoutSeconds = 180
	DefaultGracePeriodSeconds       = 5
	DefaultOutputCap                = 1 << 20 // 1 MiB per stream
	DefaultLineCap                  = 8 << 10 // 8 KiB per logged line
)

// DefaultModels are tried in order when invoking the baseline engine. A
// quota failure on one model falls through to the next.
var DefaultModels = []string{
	"gemini-3-pro-preview",
	"gemini-3-flash-preview",
	"gemini-2.5-pro",
	"gemini-2.5-flash",
}

// DefaultInfraErrorPatterns identify transient network/quota/capacity
// failures that an agent cannot fix by changing code. Matching is
// case-insensitive; entries may use glob syntax ("*" and "?"). The set is
// configurable because substring heuristics admit both false positives and
// false negatives.
var DefaultInfraErrorPatterns = []string{
	"could not resolve host",
	"fatal: unable to access",
	"connection refused",
	"operation timed out",
	"network is unreachable",
	"all models exhausted",
	"rate limit reached",
	"service unavailable",
	"internal server error",
	"bad gateway",
	"gateway timeout",
	"quota exceeded",
	"resource has been exhausted",
}

// DefaultProtectedBranches may never be force-pushed. A force-push attempt
// against one of these is a hard stop for the run.
var DefaultProtectedBranches = []string{"main", "master"}

// DefaultStageTimeouts are per-stage wall-clock budgets in seconds. A stage
// may run long as long as its own process calls keep producing output; this
// outer budget is the hard ceiling.
var DefaultStageTimeouts = map[string]int{
	cascade.StageCoder:        3600,
	cascade.StageTester:       1800,
	cascade.StageArchitect:    1800,
	cascade.StageReviewer:     1800,
	cascade.StagePRPreChecker: 600,
	cascade.StagePRCreator:    600,
	cascade.StageJournaler:    900,
}

// Config holds all tunable settings for a cascade run.
type Config struct {
	// DataDir is the root for event logs and session stores.
	// Defaults to ~/.cascade.
	DataDir string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`
	Engine   string `yaml:"engine"`

	MaxRetries               int `yaml:"max_retries"`
	CommandTimeoutSeconds    int `yaml:"command_timeout"`
	InactivityTimeoutSeconds int `yaml:"inactivity_timeout"`
	GracePeriodSeconds       int `yaml:"grace_period"`
	OutputCap                int `yaml:"output_cap"`
	LineCap                  int `yaml:"line_cap"`

	StageTimeoutSeconds map[string]int `yaml:"stage_timeouts"`

	Models             []string `yaml:"models"`
	InfraErrorPatterns []string `yaml:"infra_error_patterns"`
	ProtectedBranches  []string `yaml:"protected_branches"`

	// Command overrides; empty means autodetect from the project layout.
	TestCommand  string `yaml:"test_command"`
	LintCommand  string `yaml:"lint_command"`
	BuildCommand string `yaml:"build_command"`

	NtfyChannel string `yaml:"ntfy_channel"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	timeouts := make(map[string]int, len(DefaultStageTimeouts))
	for k, v := range DefaultStageTimeouts {
		timeouts[k] = v
	}
	return &Config{
		DataDir:                  filepath.Join(home, ".cascade"),
		LogLevel:                 "info",
		Engine:                   "gemini",
		MaxRetries:               DefaultMaxRetries,
		CommandTimeoutSeconds:    DefaultCommandTimeoutSeconds,
		InactivityTimeoutSeconds: DefaultInactivityTimeoutSeconds,
		GracePeriodSeconds:       DefaultGracePeriodSeconds,
		OutputCap:                DefaultOutputCap,
		LineCap:                  DefaultLineCap,
		StageTimeoutSeconds:      timeouts,
		Models:                   append([]string{}, DefaultModels...),
		InfraErrorPatterns:       append([]string{}, DefaultInfraErrorPatterns...),
		ProtectedBranches:        append([]string{}, DefaultProtectedBranches...),
	}
}

// Load returns the default configuration merged with the YAML file at path
// (if path is non-empty) and environment overrides.
func Load(path string) (*Config, error) {
	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overlays CASCADE_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("CASCADE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CASCADE_ENGINE"); v != "" {
		c.Engine = v
	}
	if v := os.Getenv("CASCADE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CASCADE_TEST_CMD"); v != "" {
		c.TestCommand = v
	}
	if v := os.Getenv("CASCADE_LINT_CMD"); v != "" {
		c.LintCommand = v
	}
	if v := os.Getenv("CASCADE_BUILD_CMD"); v != "" {
		c.BuildCommand = v
	}
	if v := os.Getenv("NTFY_CHANNEL"); v != "" {
		c.NtfyChannel = v
	}
	if v := os.Getenv("CASCADE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.MaxRetries = n
		}
	}
}

// Validate rejects configurations that cannot drive a run.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.CommandTimeoutSeconds <= 0 {
		return fmt.Errorf("command_timeout must be positive")
	}
	if c.InactivityTimeoutSeconds <= 0 {
		return fmt.Errorf("inactivity_timeout must be positive")
	}
	if c.OutputCap <= 0 {
		return fmt.Errorf("output_cap must be positive")
	}
	for stage := range c.StageTimeoutSeconds {
		if !cascade.IsStage(stage) {
			return fmt.Errorf("stage_timeouts: unknown stage %q", stage)
		}
	}
	return nil
}

// LogsDir returns the directory holding per-session event logs.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// SessionsDir returns the directory holding per-session store files.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// CommandTimeout returns the default total timeout for child processes.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// InactivityTimeout returns the default inactivity timeout for child
// processes.
func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutSeconds) * time.Second
}

// GracePeriod returns the delay between a graceful terminate signal and a
// forcible kill.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// StageTimeout returns the wall-clock budget for a stage.
func (c *Config) StageTimeout(stage string) time.Duration {
	if secs, ok := c.StageTimeoutSeconds[stage]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return c.CommandTimeout()
}

// SplitCommand parses an override like "pytest -q" into an executable and
// argument vector.
func SplitCommand(override string) (string, []string) {
	fields := strings.Fields(override)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
