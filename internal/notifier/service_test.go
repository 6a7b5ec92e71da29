package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/eventbus"
	"marketpulse/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fails int // fail the first n calls
	calls int
	block chan struct{}
}

func (f *fakeSender) SendText(ctx context.Context, chatID int64, text, parseMode string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("telegram 502")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		ChatIDs:       []int64{42},
		Workers:       1,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func startService(t *testing.T, cfg Config, snd Sender, opts ...Option) *Service {
	t.Helper()
	s := New(cfg, snd, logx.Nop(), opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestService_NotifyDelivers(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := startService(t, testConfig(), snd)

	require.NoError(t, s.Notify(context.Background(), "Market analysis", "all quiet"))
	require.Eventually(t, func() bool { return s.Stats().Sent == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Market analysis\n\nall quiet", snd.texts()[0])

	rep, err := s.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Healthy)
	assert.Equal(t, uint64(1), rep.Details["sent"])
}

func TestService_DedupWithinWindow(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := startService(t, testConfig(), snd)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SendAlert(context.Background(), "disk full"))
	}
	require.Eventually(t, func() bool { return s.Stats().Sent == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), s.Stats().Deduped)
	assert.True(t, strings.HasPrefix(snd.texts()[0], "🚨 "))
}

func TestService_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 2}
	bus := eventbus.New(logx.Nop())
	var mu sync.Mutex
	var attempts int
	bus.Subscribe(EventSent, func(ctx context.Context, e eventbus.Event) error {
		mu.Lock()
		attempts = e.Payload.(NotificationEvent).Attempts
		mu.Unlock()
		return nil
	})
	s := startService(t, testConfig(), snd, WithBus(bus))

	require.NoError(t, s.Notify(context.Background(), "", "hello"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats().Sent)
	assert.Equal(t, uint64(0), s.Stats().Failed)
}

func TestService_RepeatedFailuresTurnUnhealthy(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 1 << 30}
	cfg := testConfig()
	cfg.RetryMax = 0
	cfg.DedupWindow = 0
	s := startService(t, cfg, snd)

	for i := 0; i < unhealthyAfter; i++ {
		require.NoError(t, s.Notify(context.Background(), "", "x"))
	}
	require.Eventually(t, func() bool { return s.Stats().Failed == unhealthyAfter }, time.Second, 5*time.Millisecond)

	rep, err := s.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Healthy)
	assert.Contains(t, rep.Message, "consecutive send failures")
	h := s.History()
	require.Len(t, h, unhealthyAfter)
	assert.Equal(t, "telegram 502", h[0].Error)
}

func TestService_QueueFull(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{block: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.DedupWindow = 0
	s := startService(t, cfg, snd)
	defer close(snd.block)

	var full error
	for i := 0; i < 5 && full == nil; i++ {
		full = s.Notify(context.Background(), "", "msg")
	}
	assert.ErrorIs(t, full, ErrQueueFull)
	assert.NotZero(t, s.Stats().Dropped)
}

func TestService_DisabledAndStopped(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &fakeSender{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Notify(context.Background(), "a", "b"), ErrDisabled)
	rep, _ := s.HealthCheck(context.Background())
	assert.True(t, rep.Healthy)

	s = New(testConfig(), &fakeSender{}, logx.Nop())
	assert.ErrorIs(t, s.Notify(context.Background(), "a", "b"), ErrStopped)
	rep, _ = s.HealthCheck(context.Background())
	assert.False(t, rep.Healthy)

	s = New(testConfig(), nil, logx.Nop())
	assert.ErrorIs(t, s.Start(context.Background()), ErrNoSender)
}

func TestService_StopDrainsQueue(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	cfg := testConfig()
	cfg.DedupWindow = 0
	s := New(cfg, snd, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Notify(context.Background(), "", "m"))
	}
	require.NoError(t, s.Stop(context.Background()))
	assert.Len(t, snd.texts(), 5)
	assert.False(t, s.Stats().Running)
}

func TestFormatMessage_HTML(t *testing.T) {
	t.Parallel()
	got := formatMessage(Message{Subject: "P&L", Text: "<up>", Priority: PriorityWarn}, "HTML")
	assert.Equal(t, "⚠️ <b>P&amp;L</b>\n\n&lt;up&gt;", got)
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, splitText("short", 10, ""))

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, splitText(long, 10, ""))

	chunks := splitText(strings.Repeat("x", 25), 10, "")
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, chunks)

	assert.Equal(t, []string{"abcdef", "<b>bold", "</b>"}, splitText("abcdef<b>bold</b>", 8, "HTML"))
}
