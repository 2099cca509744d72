// Package discovery infers project-appropriate test, lint, and build
// commands from the repository layout. Configuration overrides always win.
package discovery

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/deepnoodle-ai/cascade/config"
)

// DefaultMinCoverage is the coverage floor enforced for python projects.
const DefaultMinCoverage = 80

// Project inspects a working directory once and answers command questions.
type Project struct {
	dir         string
	cfg         *config.Config
	minCoverage int
}

// NewProject returns a Project rooted at dir.
func NewProject(dir string, cfg *config.Config) *Project {
	return &Project{dir: dir, cfg: cfg, minCoverage: DefaultMinCoverage}
}

func (p *Project) exists(name string) bool {
	_, err := os.Stat(filepath.Join(p.dir, name))
	return err == nil
}

// PackageManager picks the node package manager from lock files.
func (p *Project) PackageManager() string {
	if p.exists("pnpm-lock.yaml") {
		return "pnpm"
	}
	if p.exists("yarn.lock") {
		return "yarn"
	}
	return "npm"
}

// IsPython reports whether the directory looks like a python project.
func (p *Project) IsPython() bool {
	if p.exists("pyproject.toml") || p.exists("setup.py") || p.exists("requirements.txt") {
		return true
	}
	matches, err := doublestar.Glob(os.DirFS(p.dir), "*.py")
	return err == nil && len(matches) > 0
}

// IsGo reports whether the directory is a Go module.
func (p *Project) IsGo() bool {
	return p.exists("go.mod")
}

// IsNode reports whether the directory is a node project.
func (p *Project) IsNode() bool {
	return p.exists("package.json")
}

// HasTests reports whether any recognizable test files exist.
func (p *Project) HasTests() bool {
	root := os.DirFS(p.dir)
	for _, pattern := range []string{
		"**/*_test.go",
		"**/test_*.py",
		"**/*_test.py",
		"**/*.test.{js,jsx,ts,tsx}",
		"**/*.spec.{js,jsx,ts,tsx}",
	} {
		matches, err := doublestar.Glob(root, pattern, doublestar.WithFailOnIOErrors())
		if err == nil && hasFile(root, matches) {
			return true
		}
	}
	return false
}

func hasFile(root fs.FS, matches []string) bool {
	for _, match := range matches {
		if info, err := fs.Stat(root, match); err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}

// TestCommand returns the command used to run the project's tests.
func (p *Project) TestCommand() (string, []string) {
	if p.cfg != nil && p.cfg.TestCommand != "" {
		return config.SplitCommand(p.cfg.TestCommand)
	}
	switch {
	case p.IsGo():
		return "go", []string{"test", "./..."}
	case p.IsNode():
		return p.PackageManager(), []string{"test"}
	case p.IsPython():
		return "pytest", []string{
			"--cov=src",
			"--cov-report=term-missing",
			"--cov-fail-under=" + strconv.Itoa(p.minCoverage),
		}
	}
	return "npm", []string{"test"}
}

// LintCommand returns the command used to lint the project, or "" when the
// project has no obvious linter.
func (p *Project) LintCommand() (string, []string) {
	if p.cfg != nil && p.cfg.LintCommand != "" {
		return config.SplitCommand(p.cfg.LintCommand)
	}
	switch {
	case p.IsGo():
		return "go", []string{"vet", "./..."}
	case p.IsNode():
		return p.PackageManager(), []string{"run", "lint"}
	case p.IsPython():
		return "sh", []string{"-c", "ruff check . && ruff format --check ."}
	}
	return "", nil
}

// BuildCommand returns the command used to build the project, or "" when the
// project needs no build step.
func (p *Project) BuildCommand() (string, []string) {
	if p.cfg != nil && p.cfg.BuildCommand != "" {
		return config.SplitCommand(p.cfg.BuildCommand)
	}
	switch {
	case p.IsGo():
		return "go", []string{"build", "./..."}
	case p.IsNode():
		return p.PackageManager(), []string{"run", "build"}
	case p.IsPython():
		return "", nil
	}
	return "", nil
}
