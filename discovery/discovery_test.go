package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/cascade/config"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func TestPackageManagerDetection(t *testing.T) {
	dir := t.TempDir()
	p := NewProject(dir, nil)
	require.Equal(t, "npm", p.PackageManager())

	touch(t, dir, "yarn.lock")
	require.Equal(t, "yarn", p.PackageManager())

	touch(t, dir, "pnpm-lock.yaml")
	require.Equal(t, "pnpm", p.PackageManager())
}

func TestGoProjectCommands(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "go.mod")
	p := NewProject(dir, nil)

	name, args := p.TestCommand()
	require.Equal(t, "go", name)
	require.Equal(t, []string{"test", "./..."}, args)

	name, args = p.LintCommand()
	require.Equal(t, "go", name)
	require.Equal(t, []string{"vet", "./..."}, args)

	name, _ = p.BuildCommand()
	require.Equal(t, "go", name)
}

func TestNodeProjectCommands(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "package.json")
	touch(t, dir, "pnpm-lock.yaml")
	p := NewProject(dir, nil)

	name, args := p.TestCommand()
	require.Equal(t, "pnpm", name)
	require.Equal(t, []string{"test"}, args)
}

func TestPythonProjectCommands(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "pyproject.toml")
	p := NewProject(dir, nil)

	name, args := p.TestCommand()
	require.Equal(t, "pytest", name)
	require.Contains(t, args, "--cov-fail-under=80")

	name, _ = p.BuildCommand()
	require.Empty(t, name)
}

func TestPythonDetectionFromLooseFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "script.py")
	p := NewProject(dir, nil)
	require.True(t, p.IsPython())
}

func TestConfigOverridesWin(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "go.mod")
	cfg := config.Default()
	cfg.TestCommand = "make test"
	cfg.LintCommand = "make lint"
	p := NewProject(dir, cfg)

	name, args := p.TestCommand()
	require.Equal(t, "make", name)
	require.Equal(t, []string{"test"}, args)

	name, _ = p.LintCommand()
	require.Equal(t, "make", name)
}

func TestHasTests(t *testing.T) {
	dir := t.TempDir()
	p := NewProject(dir, nil)
	require.False(t, p.HasTests())

	touch(t, dir, "pkg/thing_test.go")
	require.True(t, p.HasTests())
}
