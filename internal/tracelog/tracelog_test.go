package tracelog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tagcheck/internal/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestRecord_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 6, 123456700, time.UTC)
	rec := NewRecord(ts, "session-42", FrontEndRequestReceived, "7:worker-a", "worker-a")

	line := rec.Format()
	assert.Equal(t, "2024-03-09T14:05:06.1234567Z\tsession-42\t2\t10000\t7:worker-a\tworker-a", line)

	parsed, err := ParseRecord(line)
	require.NoError(t, err)
	assert.True(t, parsed.Timestamp.Equal(ts))
	assert.Equal(t, "session-42", parsed.SessionID)
	assert.Equal(t, FrontEndRequestReceived, parsed.Code)
	assert.Equal(t, 10*time.Second, parsed.LatencyBudget)
	assert.Equal(t, []string{"7:worker-a", "worker-a"}, parsed.Args)
}

func TestRecord_NoArgs(t *testing.T) {
	rec := NewRecord(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "s", SessionFinished)
	parsed, err := ParseRecord(rec.Format())
	require.NoError(t, err)
	assert.Empty(t, parsed.Args)
	assert.Equal(t, SessionFinished, parsed.Code)
}

func TestRecord_SanitizesDelimiters(t *testing.T) {
	rec := NewRecord(time.Now(), "a\tb", SessionCreated, "line\nbreak")
	line := rec.Format()
	assert.NotContains(t, line, "\n")

	parsed, err := ParseRecord(line)
	require.NoError(t, err)
	assert.Equal(t, "a b", parsed.SessionID)
	assert.Equal(t, []string{"line break"}, parsed.Args)
}

func TestParseRecord_Errors(t *testing.T) {
	_, err := ParseRecord("StartTest:case1")
	assert.ErrorIs(t, err, ErrMarker)

	for _, line := range []string{
		"",
		"only\tthree\tfields",
		"not-a-time\ts\t1\t10000",
		"2024-03-09T14:05:06.1234567Z\ts\tx\t10000",
		"2024-03-09T14:05:06.1234567Z\ts\t1\tbudget",
	} {
		_, err := ParseRecord(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestEventCode_String(t *testing.T) {
	assert.Equal(t, "SessionCreating", SessionCreating.String())
	assert.Equal(t, "SessionFinishedByTimeout", SessionFinishedByTimeout.String())
	assert.Equal(t, "EventCode(42)", EventCode(42).String())
	assert.False(t, EventCode(-1).Valid())
}

func TestLogger_UninitializedDropsWrites(t *testing.T) {
	l := New()
	l.Record("s", SessionCreated)
	l.StartTest("nothing")
	l.Close()
	assert.Equal(t, "", l.Path())

	var nilLogger *Logger
	nilLogger.Init("ignored")
	nilLogger.Record("s", SessionCreated)
	nilLogger.Close()
}

func TestLogger_LazyOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	l := New()
	l.Init(path)
	l.Close()

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "file must not be created before the first write")

	l.Record("s", SessionCreating)
	l.Close()
	assert.Len(t, readLines(t, path), 1)
}

func TestLogger_ConcurrentRecordsStayWhole(t *testing.T) {
	for _, writers := range []int{1, 8, 64, 256} {
		t.Run(fmt.Sprintf("writers=%d", writers), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "trace.log")
			l := New()
			l.Init(path)

			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					l.Record("session", FrontEndResponseSent, fmt.Sprintf("%d:client", i), strings.Repeat("x", 512))
				}(i)
			}
			wg.Wait()
			l.Close()

			lines := readLines(t, path)
			require.Len(t, lines, writers)
			seen := make(map[string]bool)
			for _, line := range lines {
				rec, err := ParseRecord(line)
				require.NoError(t, err)
				require.Len(t, rec.Args, 2)
				assert.Len(t, rec.Args[1], 512)
				seen[rec.Args[0]] = true
			}
			assert.Len(t, seen, writers)
		})
	}
}

func TestLogger_CloseIsIdempotentAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	l := New()
	l.Init(path)
	l.Record("s", SessionCreated)
	l.Close()
	l.Close()

	l.Record("s", SessionFinished)
	l.Close()

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	rec, err := ParseRecord(lines[1])
	require.NoError(t, err)
	assert.Equal(t, SessionFinished, rec.Code)
}

func TestLogger_InitSwitchesTarget(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	l := New()
	l.Init(first)
	l.Record("s", SessionCreated)
	l.Init(first)
	l.Record("s", SessionCreated)
	l.Init(second)
	l.Record("s", SessionFinished)
	l.Close()

	assert.Len(t, readLines(t, first), 2)
	assert.Len(t, readLines(t, second), 1)
	assert.Equal(t, second, l.Path())
}

func TestLogger_StorageFailureIsAbsorbed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "trace.log")
	l := New()
	l.Init(path)
	assert.NotPanics(t, func() {
		l.Record("s", SessionCreated)
		l.Record("s", SessionCreated)
		l.Close()
	})
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLogger_UsesClockAndMarkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := core.NewFakeClock(start)

	l := New(WithClock(clock))
	l.Init(path)
	l.StartTest("bvt-case-2")
	l.Record("s1", FrontEndRequestReceived, "0:w")
	clock.Advance(250 * time.Millisecond)
	l.Record("s1", FrontEndResponseSent, "0:w")
	l.RecordAt(start.Add(time.Second), "s1", BackendRequestSent, "1:w")
	l.Close()

	log, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"bvt-case-2"}, log.Markers)
	require.Len(t, log.Records, 3)
	assert.True(t, log.Records[0].Timestamp.Equal(start))
	assert.True(t, log.Records[2].Timestamp.Equal(start.Add(time.Second)))
}

func TestAnalyze(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	records := []Record{
		NewRecord(base, "s1", SessionCreated),
		NewRecord(base, "s1", FrontEndRequestReceived, "0:w"),
		NewRecord(base, "s1", FrontEndRequestReceived, "1:w"),
		NewRecord(base.Add(10*time.Millisecond), "s1", FrontEndResponseSent, "0:w"),
		NewRecord(base, "s2", FrontEndRequestReceived, "0:v"),
		NewRecord(base.Add(11*time.Second), "s2", FrontEndResponseSent, "0:v"),
		NewRecord(base, "s2", FrontEndResponseSent, "9:v"),
	}

	a := Analyze(records)
	assert.Equal(t, 7, a.Records)
	assert.Equal(t, 2, a.Sessions)
	assert.Equal(t, 3, a.ByCode[FrontEndRequestReceived])
	require.Len(t, a.Pairs, 2)
	assert.Equal(t, 10*time.Millisecond, a.Pairs[0].Latency)
	assert.False(t, a.Pairs[0].OverBudget)
	assert.True(t, a.Pairs[1].OverBudget)
	assert.Equal(t, 1, a.OverBudget)
	assert.Equal(t, []string{"s1/1:w"}, a.Unmatched)

	var sb strings.Builder
	a.WriteText(&sb)
	assert.Contains(t, sb.String(), "Over budget: 1")
	assert.Contains(t, sb.String(), "over budget: s2/0:v 11s")
}

func TestScan_CountsMalformed(t *testing.T) {
	input := strings.Join([]string{
		"StartTest:one",
		NewRecord(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "s", SessionCreated).Format(),
		"garbage",
		"",
	}, "\n")
	log, err := Scan(strings.NewReader(input))
	require.NoError(t, err)
	assert.Len(t, log.Records, 1)
	assert.Equal(t, 1, log.Malformed)
	assert.Equal(t, []string{"one"}, log.Markers)
}
