package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/pkg/logx"
)

func sampleState() SchedulerState {
	at := time.Date(2024, 6, 10, 14, 0, 0, 0, time.UTC)
	return SchedulerState{
		SavedAt: at,
		Jobs: []JobRecord{{
			ID:         "j1",
			Name:       "daily-report",
			Priority:   2,
			Schedule:   "0 17 * * 1-5",
			MaxRetries: 3,
			RetryDelay: time.Minute,
			Timeout:    5 * time.Minute,
			Enabled:    true,
			Status:     "completed",
			LastRun:    at.Add(-time.Hour),
			NextRun:    at.Add(time.Hour),
			LastError:  "",
		}},
		Stats: SchedulerStats{JobsCompleted: 4, JobsFailed: 1, TotalExecutionTime: 3 * time.Second, StartedAt: at.Add(-24 * time.Hour)},
	}
}

func TestOpen_Disabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")
}

func TestStores_SchedulerStateRoundTrip(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })

			_, err = st.LoadSchedulerState(ctx)
			require.ErrorIs(t, err, ErrNoState)

			want := sampleState()
			require.NoError(t, st.SaveSchedulerState(ctx, want))
			want.Stats.JobsCompleted = 5
			require.NoError(t, st.SaveSchedulerState(ctx, want))

			got, err := st.LoadSchedulerState(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(5), got.Stats.JobsCompleted)
			require.Len(t, got.Jobs, 1)
			assert.Equal(t, "daily-report", got.Jobs[0].Name)
			assert.True(t, got.Jobs[0].NextRun.Equal(want.Jobs[0].NextRun))
		})
	}
}

func TestFileStore_AppendEventWritesJSONLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "mp.json")}, logx.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.AppendEvent(ctx, EventRecord{At: time.Now(), Name: "job.completed", Source: "scheduler", Payload: json.RawMessage(`{"id":"a"}`)}))
	require.NoError(t, st.AppendEvent(ctx, EventRecord{At: time.Now(), Name: "workflow.completed"}))
	require.NoError(t, st.Close())

	f, err := os.Open(filepath.Join(dir, "mp.events.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec EventRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		names = append(names, rec.Name)
	}
	assert.Equal(t, []string{"job.completed", "workflow.completed"}, names)

	assert.ErrorIs(t, st.AppendEvent(ctx, EventRecord{Name: "late"}), ErrClosed)
}

func TestSQLiteStore_AppendEvent(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "mp.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendEvent(ctx, EventRecord{Name: "job.started", Source: "scheduler"}))
	}

	var n int
	require.NoError(t, st.(*sqliteStore).db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_audit`).Scan(&n))
	assert.Equal(t, 3, n)
}
