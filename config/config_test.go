package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/cascade"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, "gemini", cfg.Engine)
	require.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	require.Equal(t, []string{"main", "master"}, cfg.ProtectedBranches)
	require.NotEmpty(t, cfg.Models)
	require.NotEmpty(t, cfg.InfraErrorPatterns)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	content := `
engine: jules
max_retries: 5
test_command: "pytest -q"
stage_timeouts:
  coder: 7200
models:
  - gemini-2.5-pro
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "jules", cfg.Engine)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, "pytest -q", cfg.TestCommand)
	require.Equal(t, 7200*time.Second, cfg.StageTimeout(cascade.StageCoder))
	require.Equal(t, []string{"gemini-2.5-pro"}, cfg.Models)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: jules\n"), 0644))
	t.Setenv("CASCADE_ENGINE", "gemini")
	t.Setenv("CASCADE_MAX_RETRIES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "gemini", cfg.Engine)
	require.Equal(t, 7, cfg.MaxRetries)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_retries: -1\n"), 0644))
	_, err := Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("stage_timeouts:\n  compiler: 60\n"), 0644))
	_, err = Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown stage")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestStageTimeoutFallsBackToCommandTimeout(t *testing.T) {
	cfg := Default()
	cfg.StageTimeoutSeconds = map[string]int{}
	require.Equal(t, cfg.CommandTimeout(), cfg.StageTimeout(cascade.StageCoder))
}

func TestSplitCommand(t *testing.T) {
	name, args := SplitCommand("pytest -q --maxfail 1")
	require.Equal(t, "pytest", name)
	require.Equal(t, []string{"-q", "--maxfail", "1"}, args)

	name, args = SplitCommand("")
	require.Empty(t, name)
	require.Nil(t, args)
}
