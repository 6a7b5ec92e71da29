package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/eventbus"
	"marketpulse/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// never fires on its own within a test
const yearly = "0 0 1 1 *"

func newTestScheduler(t *testing.T, clk *fakeClock, cfg Config, opts ...Option) *Service {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	s := New(cfg, logx.Nop(), opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitIdle(t *testing.T, s *Service) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Statistics().Running == 0 }, 2*time.Second, 2*time.Millisecond)
}

func waitStatus(t *testing.T, s *Service, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, ok := s.Get(id)
		return ok && j.Status == want
	}, 2*time.Second, 2*time.Millisecond)
}

// waitResult waits until the latest finished run of id ended with want.
func waitResult(t *testing.T, s *Service, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, ok := s.Get(id)
		return ok && j.LastResult == want && j.Status != StatusRunning
	}, 2*time.Second, 2*time.Millisecond)
}

type eventLog struct {
	mu    sync.Mutex
	names []string
}

func (l *eventLog) record(ctx context.Context, e eventbus.Event) error {
	l.mu.Lock()
	l.names = append(l.names, e.Name)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func waitEvents(t *testing.T, l *eventLog, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(l.get()) >= n }, 2*time.Second, 2*time.Millisecond)
}

func TestNextRun(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	cases := []struct {
		name string
		expr string
		now  time.Time
		loc  *time.Location
		want time.Time
	}{
		{"step", "*/15 * * * *", time.Date(2024, 6, 10, 10, 7, 0, 0, time.UTC), time.UTC, time.Date(2024, 6, 10, 10, 15, 0, 0, time.UTC)},
		{"strictly after", "*/15 * * * *", time.Date(2024, 6, 10, 10, 15, 0, 0, time.UTC), time.UTC, time.Date(2024, 6, 10, 10, 30, 0, 0, time.UTC)},
		{"weekday range", "0 9 * * 1-5", time.Date(2024, 6, 14, 10, 0, 0, 0, time.UTC), time.UTC, time.Date(2024, 6, 17, 9, 0, 0, 0, time.UTC)},
		{"list", "30 14 1,15 * *", time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), time.UTC, time.Date(2024, 6, 15, 14, 30, 0, 0, time.UTC)},
		{"dom and dow", "0 9 1 * 1", time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), time.UTC, time.Date(2027, 2, 1, 9, 0, 0, 0, time.UTC)},
		{"friday the 13th", "0 9 13 * 5", time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), time.UTC, time.Date(2026, 11, 13, 9, 0, 0, 0, time.UTC)},
		{"timezone", "0 9 * * *", time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC), ny, time.Date(2024, 6, 10, 13, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextRun(tc.expr, tc.now, tc.loc)
			require.NoError(t, err)
			assert.True(t, got.After(tc.now))
			assert.True(t, got.Equal(tc.want), "got %s want %s", got, tc.want)
		})
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"", "* * *", "61 * * * *", "* * * * * *", "TZ=UTC * * * * *"} {
		_, err := ParseSchedule(expr)
		assert.ErrorIs(t, err, ErrInvalidSchedule, expr)
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	assert.Equal(t, time.Minute, retryDelay(time.Minute, 1))
	assert.Equal(t, 2*time.Minute, retryDelay(time.Minute, 2))
	assert.Equal(t, 4*time.Minute, retryDelay(time.Minute, 3))
	assert.Equal(t, time.Duration(1<<62), retryDelay(time.Hour, 200))
}

func TestAdd_Validation(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	noop := func(ctx context.Context) error { return nil }

	_, err := s.Add("", noop, yearly, PriorityNormal)
	assert.Error(t, err)
	_, err = s.Add("x", nil, yearly, PriorityNormal)
	assert.Error(t, err)
	_, err = s.Add("x", noop, "bogus", PriorityNormal)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	id, err := s.Add("x", noop, yearly, PriorityHigh)
	require.NoError(t, err)
	j, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusPending, j.Status)
	assert.True(t, j.Enabled)
	assert.Equal(t, 300*time.Second, j.Timeout)
}

func TestScheduler_RetrySequence(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC))
	bus := eventbus.New(logx.Nop())
	events := &eventLog{}
	for _, name := range []string{eventbus.JobStarted, eventbus.JobRetrying, eventbus.JobFailed, eventbus.JobCompleted} {
		bus.Subscribe(name, events.record)
	}
	s := newTestScheduler(t, clk, Config{}, WithBus(bus))

	id, err := s.Add("flaky", func(ctx context.Context) error { return errors.New("boom") }, yearly, PriorityNormal,
		WithMaxRetries(3), WithRetryDelay(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.RunNow(id))

	for n := 1; n <= 3; n++ {
		s.Poll()
		waitEvents(t, events, 2*n)
		j, _ := s.Get(id)
		require.Equal(t, StatusRetrying, j.Status, "retry %d", n)
		assert.Equal(t, n, j.RetryCount)
		wantDelay := time.Minute << (n - 1)
		assert.True(t, j.NextRun.Equal(clk.Now().Add(wantDelay)), "retry %d next run %s", n, j.NextRun)
		assert.Contains(t, j.LastError, "boom")

		s.Poll() // not due yet
		j, _ = s.Get(id)
		assert.Equal(t, StatusRetrying, j.Status)

		clk.Advance(wantDelay)
	}

	s.Poll()
	waitEvents(t, events, 8)
	j, _ := s.Get(id)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Contains(t, j.LastError, ErrRetriesExhausted.Error())

	// terminal until re-enabled
	clk.Advance(366 * 24 * time.Hour)
	s.Poll()
	assert.Equal(t, 0, s.Statistics().Running)
	j, _ = s.Get(id)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, uint64(4), s.Statistics().JobsFailed)

	require.True(t, s.Enable(id))
	j, _ = s.Get(id)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 0, j.RetryCount)
	assert.True(t, j.NextRun.After(clk.Now()))

	assert.Equal(t, []string{
		eventbus.JobStarted, eventbus.JobRetrying,
		eventbus.JobStarted, eventbus.JobRetrying,
		eventbus.JobStarted, eventbus.JobRetrying,
		eventbus.JobStarted, eventbus.JobFailed,
	}, events.get())
}
