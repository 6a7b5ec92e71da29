package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketpulse/pkg/logx"
)

// Event names published by the core.
const (
	ComponentUnhealthy = "component.unhealthy"
	ComponentRecovered = "component.recovered"
	WorkflowCompleted  = "workflow.completed"
	AnalysisCompleted  = "analysis.completed"
	JobStarted         = "job.started"
	JobCompleted       = "job.completed"
	JobFailed          = "job.failed"
	JobRetrying        = "job.retrying"
	JobCancelled       = "job.cancelled"
)

type Event struct {
	Name    string    `json:"name"`
	Source  string    `json:"source,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

type Handler func(ctx context.Context, e Event) error

// Publisher is the narrow interface components depend on.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any, source string)
}

type Stats struct {
	Published       uint64 `json:"published"`
	Delivered       uint64 `json:"delivered"`
	HandlerFailures uint64 `json:"handler_failures"`
	TapDropped      uint64 `json:"tap_dropped"`
	Subscriptions   int    `json:"subscriptions"`
}

type subscription struct {
	id uint64
	fn Handler
}

type Bus struct {
	log logx.Logger
	now func() time.Time

	mu   sync.RWMutex
	subs map[string][]subscription
	taps map[uint64]chan Event
	seq  atomic.Uint64

	published  atomic.Uint64
	delivered  atomic.Uint64
	failures   atomic.Uint64
	tapDropped atomic.Uint64
}

type Option func(*Bus)

func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

func New(log logx.Logger, opts ...Option) *Bus {
	b := &Bus{
		log:  log.With(logx.String("comp", "eventbus")),
		now:  time.Now,
		subs: map[string][]subscription{},
		taps: map[uint64]chan Event{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe appends fn to the handler list of name. The returned func removes it.
func (b *Bus) Subscribe(name string, fn Handler) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	id := b.seq.Add(1)
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[name]
			for i, s := range list {
				if s.id == id {
					out := make([]subscription, 0, len(list)-1)
					out = append(out, list[:i]...)
					out = append(out, list[i+1:]...)
					list = out
					break
				}
			}
			if len(list) == 0 {
				delete(b.subs, name)
			} else {
				b.subs[name] = list
			}
		})
	}
}

// Publish delivers an event to every handler of name, in subscription order.
func (b *Bus) Publish(ctx context.Context, name string, payload any, source string) {
	if ctx == nil {
		ctx = context.Background()
	}
	e := Event{Name: name, Source: source, Time: b.now(), Payload: payload}
	b.published.Add(1)

	b.mu.RLock()
	handlers := append([]subscription(nil), b.subs[name]...)
	taps := make([]chan Event, 0, len(b.taps))
	for _, ch := range b.taps {
		taps = append(taps, ch)
	}
	b.mu.RUnlock()

	for _, s := range handlers {
		if err := b.deliver(ctx, s.fn, e); err != nil {
			b.failures.Add(1)
			b.log.Warn("event handler failed", logx.String("event", name), logx.String("source", source), logx.Err(err))
			continue
		}
		b.delivered.Add(1)
	}

	for _, ch := range taps {
		func() {
			// a tap may be closed concurrently by its cancel func
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.tapDropped.Add(1)
			}
		}()
	}
}

func (b *Bus) deliver(ctx context.Context, fn Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, e)
}

// Stream returns a buffered channel receiving every published event.
// Events are dropped when the buffer is full.
func (b *Bus) Stream(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.taps[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.taps, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of handlers registered for name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := 0
	for _, l := range b.subs {
		n += len(l)
	}
	b.mu.RUnlock()
	return Stats{
		Published:       b.published.Load(),
		Delivered:       b.delivered.Load(),
		HandlerFailures: b.failures.Load(),
		TapDropped:      b.tapDropped.Load(),
		Subscriptions:   n,
	}
}
