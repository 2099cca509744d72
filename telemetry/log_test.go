package telemetry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/cascade"
)

func TestLogAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLog(dir, "repo_branch")
	require.NoError(t, err)

	require.NoError(t, log.Info(cascade.WorkflowStage, RunStartMarker+" fix the bug"))
	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusActive))
	require.NoError(t, log.Output(cascade.StageCoder, "thinking..."))
	require.NoError(t, log.LogMetric(cascade.StageCoder, "latency", 1.5))
	require.NoError(t, log.WorkflowStatus(string(cascade.OutcomeRunning)))

	events, err := log.Read()
	require.NoError(t, err)
	require.Len(t, events, 5)

	require.Equal(t, EventInfo, events[0].EventType)
	require.Equal(t, SourceSystem, events[0].Source)
	require.Equal(t, "repo_branch", events[0].SessionID)

	require.Equal(t, EventStatus, events[1].EventType)
	require.Equal(t, cascade.StageCoder, events[1].Stage)
	require.Equal(t, cascade.StatusActive, events[1].Data)

	require.Equal(t, SourceLLM, events[2].Source)

	require.Equal(t, EventWorkflowStatus, events[4].EventType)
	require.Equal(t, cascade.WorkflowStage, events[4].Stage)
}

func TestLogEmptyChunksSkipped(t *testing.T) {
	log, err := NewLog(t.TempDir(), "s")
	require.NoError(t, err)
	require.NoError(t, log.Output(cascade.StageCoder, ""))
	require.NoError(t, log.Info(cascade.StageCoder, ""))
	events, err := log.Read()
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestLogReadMissingFile(t *testing.T) {
	log, err := NewLog(t.TempDir(), "nothing-here")
	require.NoError(t, err)
	events, err := log.Read()
	require.NoError(t, err)
	require.Nil(t, events)
}

func TestLogReadSkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLog(dir, "torn")
	require.NoError(t, err)
	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusSuccess))

	// Simulate a crash mid-write: a trailing partial record.
	f, err := os.OpenFile(log.Path(), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"x","stage":"tes`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := log.Read()
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, cascade.StageCoder, events[0].Stage)
}

func TestTailerIncrementalReads(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLog(dir, "tail")
	require.NoError(t, err)
	tailer := NewTailer(log.Path())

	// Nothing written yet, and no file either.
	events, err := tailer.Next()
	require.NoError(t, err)
	require.Empty(t, events)

	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusActive))
	events, err = tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 1)

	// No new writes means no new events.
	events, err = tailer.Next()
	require.NoError(t, err)
	require.Empty(t, events)

	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusSuccess))
	require.NoError(t, log.Status(cascade.StageTester, cascade.StatusActive))
	events, err = tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, cascade.StageTester, events[1].Stage)
}

func TestTailerHandlesTruncation(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLog(dir, "trunc")
	require.NoError(t, err)
	tailer := NewTailer(log.Path())

	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusActive))
	_, err = tailer.Next()
	require.NoError(t, err)

	require.NoError(t, os.Truncate(log.Path(), 0))
	require.NoError(t, log.Status(cascade.StageTester, cascade.StatusActive))

	events, err := tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, cascade.StageTester, events[0].Stage)
}

func TestTailerHoldsPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.jsonl")
	tailer := NewTailer(path)

	require.NoError(t, os.WriteFile(path, []byte(`{"stage":"coder","event_type":"status","data":"active"}`), 0644))
	events, err := tailer.Next()
	require.NoError(t, err)
	require.Empty(t, events)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err = tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, cascade.StageCoder, events[0].Stage)
}

func TestFindLatestSession(t *testing.T) {
	dir := t.TempDir()

	latest, err := FindLatestSession(dir)
	require.NoError(t, err)
	require.Empty(t, latest)

	older, err := NewLog(dir, "older")
	require.NoError(t, err)
	require.NoError(t, older.Status(cascade.StageCoder, cascade.StatusActive))
	oldTime := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(older.Path(), oldTime, oldTime))

	newer, err := NewLog(dir, "newer")
	require.NoError(t, err)
	require.NoError(t, newer.Status(cascade.StageCoder, cascade.StatusActive))

	latest, err = FindLatestSession(dir)
	require.NoError(t, err)
	require.Equal(t, "newer", latest)

	ids, err := ListSessions(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"newer", "older"}, ids)
}

func TestPruneRemovesStaleLogs(t *testing.T) {
	dir := t.TempDir()

	stale, err := NewLog(dir, "stale")
	require.NoError(t, err)
	require.NoError(t, stale.Status(cascade.StageCoder, cascade.StatusActive))
	oldTime := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(stale.Path(), oldTime, oldTime))

	fresh, err := NewLog(dir, "fresh")
	require.NoError(t, err)
	require.NoError(t, fresh.Status(cascade.StageCoder, cascade.StatusActive))

	removed, err := Prune(dir, 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"stale"}, removed)

	_, err = os.Stat(stale.Path())
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh.Path())
	require.NoError(t, err)
}
