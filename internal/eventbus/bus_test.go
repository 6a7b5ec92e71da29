package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/pkg/logx"
)

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	assert.NotPanics(t, func() { b.Publish(context.Background(), "x", 1, "test") })
	assert.Equal(t, uint64(1), b.Stats().Published)
	assert.Equal(t, uint64(0), b.Stats().Delivered)
}

func TestBus_DeliveryOrderSurvivesFailingHandler(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())

	var got []string
	var payloads []any
	b.Subscribe("x", func(ctx context.Context, e Event) error {
		got = append(got, "first")
		payloads = append(payloads, e.Payload)
		return nil
	})
	b.Subscribe("x", func(ctx context.Context, e Event) error {
		got = append(got, "second")
		payloads = append(payloads, e.Payload)
		return errors.New("handler broke")
	})
	b.Subscribe("x", func(ctx context.Context, e Event) error {
		got = append(got, "third")
		payloads = append(payloads, e.Payload)
		return nil
	})

	b.Publish(context.Background(), "x", "payload", "test")

	assert.Equal(t, []string{"first", "second", "third"}, got)
	assert.Equal(t, []any{"payload", "payload", "payload"}, payloads)
	st := b.Stats()
	assert.Equal(t, uint64(2), st.Delivered)
	assert.Equal(t, uint64(1), st.HandlerFailures)
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	called := false
	b.Subscribe("x", func(ctx context.Context, e Event) error { panic("bad") })
	b.Subscribe("x", func(ctx context.Context, e Event) error {
		called = true
		return nil
	})
	require.NotPanics(t, func() { b.Publish(context.Background(), "x", nil, "") })
	assert.True(t, called)
}

func TestBus_Unsubscribe(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	n := 0
	unsub := b.Subscribe("x", func(ctx context.Context, e Event) error {
		n++
		return nil
	})
	b.Publish(context.Background(), "x", nil, "")
	unsub()
	unsub()
	b.Publish(context.Background(), "x", nil, "")
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, b.Subscribers("x"))
}

func TestBus_EventCarriesMetadata(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	b := New(logx.Nop(), WithClock(func() time.Time { return fixed }))
	var got Event
	b.Subscribe("y", func(ctx context.Context, e Event) error {
		got = e
		return nil
	})
	b.Publish(context.Background(), "y", 42, "scheduler")
	assert.Equal(t, Event{Name: "y", Source: "scheduler", Time: fixed, Payload: 42}, got)
}

func TestBus_StreamDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	ch, cancel := b.Stream(1)
	defer cancel()

	b.Publish(context.Background(), "a", nil, "")
	b.Publish(context.Background(), "b", nil, "")

	e := <-ch
	assert.Equal(t, "a", e.Name)
	assert.Equal(t, uint64(1), b.Stats().TapDropped)
}

func TestBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := b.Subscribe("c", func(ctx context.Context, e Event) error { return nil })
			unsub()
		}()
		go func() {
			defer wg.Done()
			b.Publish(context.Background(), "c", nil, "")
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8), b.Stats().Published)
}
