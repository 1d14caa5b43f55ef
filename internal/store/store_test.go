package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagcheck/internal/core"
	"tagcheck/internal/harness"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func passing(name string, started time.Time) harness.Verdict {
	v := harness.Judge(name, []harness.WorkerResult{
		{WorkerID: "w1", SessionID: "s1", Expected: 500, Received: 500, Duration: 2 * time.Second, FirstResponse: 1500 * time.Microsecond},
		{WorkerID: "w2", SessionID: "s1", Expected: 500, Received: 500, Duration: 3 * time.Second},
	}, nil)
	v.Started = started
	v.Duration = 3 * time.Second
	return v
}

func TestStore_SaveAndReadRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveVerdict(ctx, "run-1", passing("TwoClients", t0)))

	refused := harness.Judge("Refused", nil, &core.EstablishmentFault{Reason: "maximum units must be positive", MaxUnits: core.IntPtr(0), Capacity: 16})
	refused.Started = t0.Add(5 * time.Second)
	require.NoError(t, s.SaveVerdict(ctx, "run-1", refused))

	rows, err := s.Run(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "TwoClients", rows[0].Scenario)
	assert.True(t, rows[0].Pass)
	assert.Equal(t, 1000, rows[0].Expected)
	assert.Equal(t, 1000, rows[0].Received)
	assert.Equal(t, 3*time.Second, rows[0].Duration)
	assert.True(t, rows[0].Started.Equal(t0))

	assert.Equal(t, "Refused", rows[1].Scenario)
	assert.False(t, rows[1].Pass)
	assert.Contains(t, rows[1].Fault, "maximum units must be positive")

	workers, err := s.Workers(ctx, "run-1", "TwoClients")
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "w1", workers[0].WorkerID)
	assert.Equal(t, 1500*time.Microsecond, workers[0].FirstResponse)
	assert.Equal(t, 2*time.Second, workers[0].Duration)
}

func TestStore_WorkerErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := harness.Judge("Stalled", []harness.WorkerResult{
		{WorkerID: "w1", Expected: 10, Received: 4, Outstanding: 6, Err: errors.New("response drain timed out")},
	}, nil)
	v.Started = t0
	require.NoError(t, s.SaveVerdict(ctx, "run-2", v))

	workers, err := s.Workers(ctx, "run-2", "Stalled")
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, 6, workers[0].Outstanding)
	assert.Equal(t, "response drain timed out", workers[0].Error)
}

func TestStore_RecentNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, run := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveVerdict(ctx, run, passing("S", t0.Add(time.Duration(i)*time.Hour))))
	}

	rows, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0].RunID)
	assert.Equal(t, "b", rows[1].RunID)

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_DuplicateVerdictRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveVerdict(ctx, "run-1", passing("S", t0)))
	require.Error(t, s.SaveVerdict(ctx, "run-1", passing("S", t0)))

	workers, err := s.Workers(ctx, "run-1", "S")
	require.NoError(t, err)
	assert.Len(t, workers, 2)
}

func TestStore_ReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveVerdict(ctx, "run-1", passing("S", t0)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	rows, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
