package telemetry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/cascade"
)

func TestTailerReadsIncrementally(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLog(dir, "tail-test")
	require.NoError(t, err)
	tailer := NewTailer(log.Path())

	events, err := tailer.Next()
	require.NoError(t, err)
	require.Empty(t, events)

	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusActive))
	require.NoError(t, log.Status(cascade.StageCoder, cascade.StatusSuccess))

	events, err = tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, cascade.StatusActive, events[0].Data)

	// Nothing new since the last read.
	events, err = tailer.Next()
	require.NoError(t, err)
	require.Empty(t, events)

	require.NoError(t, log.Status(cascade.StageTester, cascade.StatusActive))
	events, err = tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, cascade.StageTester, events[0].Stage)
}

func TestTailerHoldsTornLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "torn.jsonl")
	tailer := NewTailer(path)

	full := `{"stage":"coder","event_type":"status","data":"active"}` + "\n"
	half := `{"stage":"tester","event_type":"st`

	require.NoError(t, os.WriteFile(path, []byte(full+half), 0644))
	events, err := tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 1)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`atus","data":"active"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err = tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "tester", events[0].Stage)
}

func TestTailerResetsOnTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rotate.jsonl")
	tailer := NewTailer(path)

	line := `{"stage":"coder","event_type":"status","data":"active"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line+line+line), 0644))
	events, err := tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Rotation replaces the file with a shorter one; the replay starts over.
	require.NoError(t, os.WriteFile(path, []byte(line), 0644))
	events, err = tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestSessionDiscovery(t *testing.T) {
	dir := t.TempDir()

	older, err := NewLog(dir, "older")
	require.NoError(t, err)
	require.NoError(t, older.Status(cascade.StageCoder, cascade.StatusActive))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(older.Path(), past, past))

	newer, err := NewLog(dir, "newer")
	require.NoError(t, err)
	require.NoError(t, newer.Status(cascade.StageCoder, cascade.StatusActive))

	latest, err := FindLatestSession(dir)
	require.NoError(t, err)
	require.Equal(t, "newer", latest)

	ids, err := ListSessions(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"newer", "older"}, ids)

	removed, err := Prune(dir, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"older"}, removed)
	require.NoFileExists(t, older.Path())
	require.FileExists(t, newer.Path())
}
