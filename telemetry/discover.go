package telemetry

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// FindLatestSession returns the session id of the most recently written
// event log under dir, or "" when no logs exist. The id is the log path
// relative to dir without the .jsonl extension.
func FindLatestSession(dir string) (string, error) {
	root := os.DirFS(dir)
	matches, err := doublestar.Glob(root, "**/*.jsonl")
	if err != nil {
		return "", fmt.Errorf("failed to scan log directory: %w", err)
	}
	var latest string
	var latestMod time.Time
	for _, match := range matches {
		info, err := fs.Stat(root, match)
		if err != nil || info.IsDir() {
			continue
		}
		if latest == "" || info.ModTime().After(latestMod) {
			latest = match
			latestMod = info.ModTime()
		}
	}
	if latest == "" {
		return "", nil
	}
	return strings.TrimSuffix(filepath.ToSlash(latest), ".jsonl"), nil
}

// ListSessions returns the session ids of all event logs under dir, most
// recently written first.
func ListSessions(dir string) ([]string, error) {
	root := os.DirFS(dir)
	matches, err := doublestar.Glob(root, "**/*.jsonl")
	if err != nil {
		return nil, fmt.Errorf("failed to scan log directory: %w", err)
	}
	type entry struct {
		id  string
		mod time.Time
	}
	var entries []entry
	for _, match := range matches {
		info, err := fs.Stat(root, match)
		if err != nil || info.IsDir() {
			continue
		}
		entries = append(entries, entry{
			id:  strings.TrimSuffix(filepath.ToSlash(match), ".jsonl"),
			mod: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].mod.After(entries[j].mod)
	})
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	return ids, nil
}

// Prune deletes event logs under dir that have not been written to within
// maxAge. It returns the session ids that were removed.
func Prune(dir string, maxAge time.Duration) ([]string, error) {
	root := os.DirFS(dir)
	matches, err := doublestar.Glob(root, "**/*.jsonl")
	if err != nil {
		return nil, fmt.Errorf("failed to scan log directory: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, match := range matches {
		info, err := fs.Stat(root, match)
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, filepath.FromSlash(match))); err != nil {
			return removed, fmt.Errorf("failed to prune log %s: %w", match, err)
		}
		removed = append(removed, strings.TrimSuffix(filepath.ToSlash(match), ".jsonl"))
	}
	return removed, nil
}
