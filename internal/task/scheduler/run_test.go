package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/storage"
	"marketpulse/pkg/logx"
)

func TestScheduler_ConcurrencyLimit(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clk, Config{MaxConcurrent: 2})

	release := map[string]chan struct{}{}
	ids := map[string]string{}
	for _, name := range []string{"a", "b", "c"} {
		ch := make(chan struct{})
		release[name] = ch
		id, err := s.Add(name, func(ctx context.Context) error {
			select {
			case <-ch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, yearly, PriorityNormal)
		require.NoError(t, err)
		require.NoError(t, s.RunNow(id))
		ids[name] = id
	}

	s.Poll()
	assert.Equal(t, 2, s.Statistics().Running)
	assert.Len(t, s.List(StatusRunning), 2)
	c, _ := s.Get(ids["c"])
	assert.Equal(t, StatusPending, c.Status)

	s.Poll()
	assert.Equal(t, 2, s.Statistics().Running)
	c, _ = s.Get(ids["c"])
	assert.Equal(t, StatusPending, c.Status)

	close(release["a"])
	waitResult(t, s, ids["a"], StatusCompleted)
	s.Poll()
	c, _ = s.Get(ids["c"])
	assert.Equal(t, StatusRunning, c.Status)
	assert.Equal(t, 2, s.Statistics().Running)

	close(release["b"])
	close(release["c"])
	waitIdle(t, s)
	assert.Equal(t, uint64(3), s.Statistics().JobsCompleted)
}

func TestScheduler_PriorityOrdering(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clk, Config{MaxConcurrent: 1})

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	body := func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}
	low, _ := s.Add("low", body, yearly, PriorityLow)
	crit, _ := s.Add("crit", body, yearly, PriorityCritical)
	require.NoError(t, s.RunNow(low))
	require.NoError(t, s.RunNow(crit))

	s.Poll()
	j, _ := s.Get(crit)
	assert.Equal(t, StatusRunning, j.Status)
	j, _ = s.Get(low)
	assert.Equal(t, StatusPending, j.Status)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "crit", list[0].Name)
}

func TestScheduler_MarketHoursGate(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// Saturday 09:59 New York
	clk := newFakeClock(time.Date(2024, 6, 8, 9, 59, 0, 0, ny))
	s := newTestScheduler(t, clk, Config{Timezone: "America/New_York"})

	ran := make(chan struct{}, 1)
	id, err := s.Add("open-check", func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}, "0 10 * * *", PriorityHigh, WithMarketHoursOnly(true))
	require.NoError(t, err)

	j, _ := s.Get(id)
	require.True(t, j.NextRun.Equal(time.Date(2024, 6, 8, 10, 0, 0, 0, ny)))

	for i := 0; i < 6; i++ {
		clk.Advance(time.Hour)
		s.Poll()
	}
	assert.Equal(t, 0, s.Statistics().Running)
	j, _ = s.Get(id)
	assert.Equal(t, StatusPending, j.Status)
	assert.True(t, j.LastRun.IsZero())
	assert.Empty(t, ran)

	// Monday 10:30 is inside the session.
	clk.Advance(time.Date(2024, 6, 10, 10, 30, 0, 0, ny).Sub(clk.Now()))
	s.Poll()
	waitResult(t, s, id, StatusCompleted)
	j, _ = s.Get(id)
	assert.Equal(t, StatusPending, j.Status, "a completed run goes back to pending")
	assert.True(t, j.NextRun.Equal(time.Date(2024, 6, 11, 10, 0, 0, 0, ny)))
	assert.Empty(t, j.LastError)
}

func TestScheduler_DisableCancelsRunningJob(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clk, Config{})

	observed := make(chan error, 1)
	id, err := s.Add("long", func(ctx context.Context) error {
		<-ctx.Done()
		observed <- ctx.Err()
		return ctx.Err()
	}, "* * * * *", PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, s.RunNow(id))

	s.Poll()
	j, _ := s.Get(id)
	require.Equal(t, StatusRunning, j.Status)

	require.True(t, s.Disable(id))
	j, _ = s.Get(id)
	assert.Equal(t, StatusCancelled, j.Status)
	assert.False(t, j.Enabled)
	assert.Equal(t, 0, s.Statistics().Running)

	select {
	case err := <-observed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not observe cancellation")
	}

	clk.Advance(10 * time.Minute)
	s.Poll()
	j, _ = s.Get(id)
	assert.Equal(t, StatusCancelled, j.Status)
	assert.Equal(t, 0, s.Statistics().Running)
	assert.Equal(t, uint64(0), s.Statistics().JobsCompleted)
	assert.Equal(t, uint64(0), s.Statistics().JobsFailed)

	assert.False(t, s.Disable("missing"))
	assert.False(t, s.Enable("missing"))
}

func TestScheduler_TimeoutFailsJob(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clk, Config{})

	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	id, err := s.Add("slow", func(ctx context.Context) error {
		<-stuck // ignores ctx
		return nil
	}, yearly, PriorityNormal, WithTimeout(20*time.Millisecond), WithMaxRetries(0))
	require.NoError(t, err)
	require.NoError(t, s.RunNow(id))

	s.Poll()
	waitStatus(t, s, id, StatusFailed)
	j, _ := s.Get(id)
	assert.Contains(t, j.LastError, ErrJobTimeout.Error())
	assert.Equal(t, 0, s.Statistics().Running)
}

func TestScheduler_PanicIsAFailure(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clk, Config{})

	id, _ := s.Add("panics", func(ctx context.Context) error { panic("bad job") }, yearly, PriorityNormal, WithMaxRetries(0))
	require.NoError(t, s.RunNow(id))
	s.Poll()
	waitStatus(t, s, id, StatusFailed)
	j, _ := s.Get(id)
	assert.Contains(t, j.LastError, "bad job")
	assert.Contains(t, j.LastError, ErrJobExecution.Error())
}

func TestScheduler_NoRetrySkipsBackoff(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clk, Config{})

	id, _ := s.Add("permanent", func(ctx context.Context) error {
		return NoRetry(errors.New("bad input"))
	}, yearly, PriorityNormal, WithMaxRetries(5))
	require.NoError(t, s.RunNow(id))
	s.Poll()
	waitStatus(t, s, id, StatusFailed)
	j, _ := s.Get(id)
	assert.Equal(t, 0, j.RetryCount)
}

func TestScheduler_StuckJobIsCancelled(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clk, Config{StuckThreshold: 30 * time.Minute})

	done := make(chan struct{})
	id, _ := s.Add("hung", func(ctx context.Context) error {
		<-ctx.Done()
		close(done)
		return ctx.Err()
	}, "0 * * * *", PriorityNormal, WithTimeout(time.Hour))
	require.NoError(t, s.RunNow(id))
	s.Poll()

	rep, err := s.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Healthy)

	clk.Advance(31 * time.Minute)
	rep, _ = s.HealthCheck(context.Background())
	assert.False(t, rep.Healthy)

	s.Poll()
	j, _ := s.Get(id)
	assert.Equal(t, StatusCancelled, j.Status)
	assert.True(t, j.NextRun.Equal(time.Date(2024, 6, 10, 16, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, s.Statistics().Running)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stuck job was not cancelled")
	}
}

func TestScheduler_RemoveAndSummary(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clk, Config{})
	noop := func(ctx context.Context) error { return nil }

	a, _ := s.Add("hourly", noop, "0 * * * *", PriorityHigh)
	_, _ = s.Add("daily", noop, "0 9 * * *", PriorityLow)
	c, _ := s.Add("off", noop, "*/5 * * * *", PriorityNormal, WithEnabled(false))

	sum := s.Summary(1)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Enabled)
	assert.Equal(t, 3, sum.ByStatus[StatusPending])
	assert.Equal(t, 1, sum.ByPriority["high"])
	require.Len(t, sum.Next, 1)
	assert.Equal(t, a, sum.Next[0].ID)

	assert.True(t, s.Remove(c))
	assert.False(t, s.Remove(c))
	_, ok := s.Get(c)
	assert.False(t, ok)
	assert.ErrorIs(t, s.RunNow(c), ErrJobNotFound)
}

func TestScheduler_PersistsAndRestoresState(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "marketpulse.json")
	clk := newFakeClock(time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC))

	st1, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	s1 := New(Config{Timezone: "UTC", PollInterval: time.Hour}, logx.Nop(), WithClock(clk.Now), WithStore(st1))
	require.NoError(t, s1.Start(context.Background()))
	id, _ := s1.Add("report", func(ctx context.Context) error { return nil }, yearly, PriorityNormal)
	require.NoError(t, s1.RunNow(id))
	s1.Poll()
	waitResult(t, s1, id, StatusCompleted)
	require.True(t, s1.Disable(id))
	require.NoError(t, s1.Stop(context.Background()))
	require.NoError(t, st1.Close())

	st2, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()
	s2 := New(Config{Timezone: "UTC", PollInterval: time.Hour}, logx.Nop(), WithClock(clk.Now), WithStore(st2))
	id2, _ := s2.Add("report", func(ctx context.Context) error { return nil }, yearly, PriorityNormal)
	require.NoError(t, s2.Start(context.Background()))
	defer s2.Stop(context.Background())

	assert.Equal(t, uint64(1), s2.Statistics().JobsCompleted)
	j, _ := s2.Get(id2)
	assert.False(t, j.Enabled)
	assert.True(t, j.LastRun.Equal(clk.Now()))

	// a job added after start merges too
	id3, _ := s2.Add("report", func(ctx context.Context) error { return nil }, yearly, PriorityNormal)
	j, _ = s2.Get(id3)
	assert.False(t, j.Enabled)
}

func TestScheduler_PollBeforeStartIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	id, _ := s.Add("x", func(ctx context.Context) error { return nil }, yearly, PriorityNormal)
	require.NoError(t, s.RunNow(id))
	s.Poll()
	j, _ := s.Get(id)
	assert.Equal(t, StatusPending, j.Status)

	rep, err := s.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Healthy)
}

func TestScheduler_StopFromOwnJob(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clk, Config{})

	stopped := make(chan error, 1)
	id, err := s.Add("halt", func(ctx context.Context) error {
		stopped <- s.Stop(ctx)
		return nil
	}, yearly, PriorityCritical)
	require.NoError(t, err)
	require.NoError(t, s.RunNow(id))
	s.Poll()

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop called from a job did not return")
	}
	assert.False(t, s.Running())
	waitIdle(t, s)
	j, _ := s.Get(id)
	assert.NotEqual(t, StatusRunning, j.Status)
	assert.Equal(t, uint64(0), s.Statistics().JobsFailed)
}
