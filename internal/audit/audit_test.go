package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock returns a clock that advances by step on every call.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	t := start
	return func() time.Time {
		now := t
		t = t.Add(step)
		return now
	}
}

func newTestLog(t *testing.T, now func() time.Time) *Log {
	t.Helper()
	return New(Options{
		Dir:           t.TempDir(),
		RetentionDays: 90,
		Now:           now,
		User:          "tester",
		Hostname:      "ci-host",
	})
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestLog_WritesDailyFile(t *testing.T) {
	start := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	l := newTestLog(t, stepClock(start, time.Second))

	latency := int64(12)
	entry, err := l.Log(Record{
		Result:          Success,
		AgentType:       "backend",
		SpawningAgent:   "planning",
		TaskDescription: "Implement JWT authentication middleware",
		LatencyMS:       &latency,
		TaskID:          "T-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "2026-10-15T09:30:00.000000Z", entry.ISOTime)
	assert.Equal(t, HashTask("Implement JWT authentication middleware"), entry.TaskHash)

	lines := readLines(t, filepath.Join(l.Dir(), "audit_2026-10-15.json"))
	require.Len(t, lines, 1)
	line := lines[0]

	for _, key := range []string{
		"timestamp", "iso_time", "result", "agent_type", "spawning_agent", "task_hash",
		"task_description", "error", "retries", "latency_ms", "task_id", "user", "hostname",
	} {
		assert.Contains(t, line, key)
	}
	assert.Equal(t, "success", line["result"])
	assert.Nil(t, line["error"])
	assert.Equal(t, float64(0), line["retries"])
	assert.Equal(t, float64(12), line["latency_ms"])
	assert.Equal(t, "T-1", line["task_id"])
	assert.Equal(t, "tester", line["user"])
	assert.Equal(t, "ci-host", line["hostname"])
}

func TestLog_RedactsButHashesRaw(t *testing.T) {
	l := newTestLog(t, stepClock(time.Now().UTC(), time.Millisecond))
	raw := "Contact user@example.com; key sk-1234567890abcdef1234567890abcdef"

	entry, err := l.Log(Record{Result: Failure, AgentType: "backend", SpawningAgent: "planning", TaskDescription: raw, Error: "nope"})
	require.NoError(t, err)

	assert.Contains(t, entry.TaskDescription, "<EMAIL>")
	assert.Contains(t, entry.TaskDescription, "<API_KEY>")
	assert.NotContains(t, entry.TaskDescription, "user@example.com")
	assert.Equal(t, HashTask(raw), entry.TaskHash)
	require.NotNil(t, entry.Error)
	assert.Equal(t, "nope", *entry.Error)
	assert.Nil(t, entry.TaskID)
	assert.Nil(t, entry.LatencyMS)
}

func TestLog_TruncatesFailureDescriptions(t *testing.T) {
	l := newTestLog(t, stepClock(time.Now().UTC(), time.Millisecond))
	long := strings.Repeat("word ", 300)

	failed, err := l.Log(Record{Result: Failure, AgentType: "qa", TaskDescription: long, Error: "x"})
	require.NoError(t, err)
	assert.Len(t, failed.TaskDescription, failureDescriptionLimit)

	ok, err := l.Log(Record{Result: Success, AgentType: "qa", TaskDescription: long})
	require.NoError(t, err)
	assert.Len(t, ok.TaskDescription, len(long))
}

func TestLog_RejectsUnknownResult(t *testing.T) {
	l := newTestLog(t, nil)
	_, err := l.Log(Record{Result: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidResult)
}

func TestLog_ReturnsFilesystemErrors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	l := New(Options{Dir: filepath.Join(blocker, "audit")})
	_, err := l.Log(Record{Result: Success, AgentType: "qa", TaskDescription: "anything"})
	assert.Error(t, err)
}

func TestRecentFailures(t *testing.T) {
	start := time.Now().UTC().Add(-time.Hour)
	l := newTestLog(t, stepClock(start, time.Minute))

	for i, res := range []Result{Failure, Success, Failure, Failure} {
		_, err := l.Log(Record{Result: res, AgentType: "backend", TaskDescription: "task", Error: errFor(res, i)})
		require.NoError(t, err)
	}

	failures, err := l.RecentFailures(24, 2)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "error-3", *failures[0].Error)
	assert.Equal(t, "error-2", *failures[1].Error)
	assert.Greater(t, failures[0].Timestamp, failures[1].Timestamp)
}

func TestRecentFailures_WindowExcludesOldEntries(t *testing.T) {
	now := time.Now().UTC()
	clock := now.Add(-3 * time.Hour)
	l := newTestLog(t, func() time.Time { return clock })

	_, err := l.Log(Record{Result: Failure, AgentType: "qa", TaskDescription: "old", Error: "old"})
	require.NoError(t, err)
	clock = now
	_, err = l.Log(Record{Result: Failure, AgentType: "qa", TaskDescription: "new", Error: "new"})
	require.NoError(t, err)

	failures, err := l.RecentFailures(1, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "new", *failures[0].Error)
}

func TestStats(t *testing.T) {
	l := newTestLog(t, stepClock(time.Now().UTC().Add(-time.Hour), time.Second))

	records := []Record{
		{Result: Success, AgentType: "backend"},
		{Result: Success, AgentType: "backend"},
		{Result: Failure, AgentType: "backend", Error: "rate limit"},
		{Result: Failure, AgentType: "qa", Error: "rate limit"},
		{Result: Failure, AgentType: "qa", Error: "capability"},
	}
	for _, r := range records {
		r.TaskDescription = "some task description"
		_, err := l.Log(r)
		require.NoError(t, err)
	}

	st, err := l.Stats(24)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Total)
	assert.Equal(t, 2, st.Successes)
	assert.Equal(t, 3, st.Failures)
	assert.InDelta(t, 40.0, st.SuccessRate, 0.001)
	assert.Equal(t, 0.0, st.AvgRetries)
	assert.Equal(t, AgentCounts{Total: 3, Successes: 2, Failures: 1}, st.ByAgent["backend"])
	assert.Equal(t, AgentCounts{Total: 2, Failures: 2}, st.ByAgent["qa"])
	assert.Equal(t, map[string]int{"rate limit": 2, "capability": 1}, st.ByError)
}

func TestStats_Empty(t *testing.T) {
	l := newTestLog(t, nil)
	st, err := l.Stats(24)
	require.NoError(t, err)
	assert.Zero(t, st.Total)
	assert.Zero(t, st.SuccessRate)
}

func TestCleanup_RemovesExpiredFiles(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	l := New(Options{Dir: t.TempDir(), RetentionDays: 30, Now: func() time.Time { return now }})

	old := filepath.Join(l.Dir(), "audit_2026-08-01.json")
	keep := filepath.Join(l.Dir(), "audit_2026-10-01.json")
	other := filepath.Join(l.Dir(), "notes.txt")
	for _, p := range []string{old, keep, other} {
		require.NoError(t, os.WriteFile(p, []byte("{}\n"), 0o644))
	}

	removed, err := l.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, keep)
	assert.FileExists(t, other)
}

func TestLog_PrunesOnFirstWriteOfDay(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	l := New(Options{Dir: t.TempDir(), RetentionDays: 7, Now: func() time.Time { return now }})
	old := filepath.Join(l.Dir(), "audit_2026-09-01.json")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o644))

	_, err := l.Log(Record{Result: Success, AgentType: "qa", TaskDescription: "task"})
	require.NoError(t, err)
	assert.NoFileExists(t, old)
}

func TestReadSkipsMalformedLines(t *testing.T) {
	now := time.Now().UTC()
	l := newTestLog(t, func() time.Time { return now })
	_, err := l.Log(Record{Result: Failure, AgentType: "qa", TaskDescription: "task", Error: "boom"})
	require.NoError(t, err)

	path := filepath.Join(l.Dir(), "audit_"+now.Format("2006-01-02")+".json")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	failures, err := l.RecentFailures(1, 0)
	require.NoError(t, err)
	assert.Len(t, failures, 1)
}

func errFor(r Result, i int) string {
	if r == Success {
		return ""
	}
	return "error-" + string(rune('0'+i))
}

func TestLog_ScrubsCallerFields(t *testing.T) {
	l := newTestLog(t, time.Now)
	long := strings.Repeat("a", 600*1024)

	entry, err := l.Log(Record{
		Result:          Failure,
		AgentType:       long,
		SpawningAgent:   "user@example.com",
		TaskDescription: "task",
		Error:           `agent_name: unknown agent "user@example.com" ` + long,
	})
	require.NoError(t, err)
	assert.Len(t, entry.AgentType, fieldLimit)
	assert.Equal(t, "<EMAIL>", entry.SpawningAgent)
	require.NotNil(t, entry.Error)
	assert.Len(t, *entry.Error, fieldLimit)
	assert.Contains(t, *entry.Error, `"<EMAIL>"`)
	assert.NotContains(t, *entry.Error, "user@example.com")
}

func TestReadSkipsOversizeLines(t *testing.T) {
	start := time.Now().UTC().Add(-time.Minute)
	l := newTestLog(t, stepClock(start, time.Second))
	_, err := l.Log(Record{Result: Failure, AgentType: "qa", TaskDescription: "task", Error: "first"})
	require.NoError(t, err)

	path := filepath.Join(l.Dir(), "audit_"+start.Format("2006-01-02")+".json")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"result":"failure","agent_type":"` + strings.Repeat("a", maxLineSize+10) + "\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = l.Log(Record{Result: Failure, AgentType: "qa", TaskDescription: "task", Error: "second"})
	require.NoError(t, err)

	st, err := l.Stats(1)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Failures)

	failures, err := l.RecentFailures(1, 10)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "second", *failures[0].Error)
}
