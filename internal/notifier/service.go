package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"html"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"marketpulse/internal/eventbus"
	"marketpulse/internal/lifecycle"
	"marketpulse/internal/runtime/supervisor"
	"marketpulse/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoSender  = errors.New("notifier has no sender")
)

// unhealthyAfter consecutive failed sends marks the notifier unhealthy.
const unhealthyAfter = 3

type job struct {
	chatID int64
	text   string
	key    string
}

// Service is an async notification pipeline: queue, worker pool, rate
// limit, retry and dedup. It is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender Sender
	bus    eventbus.Publisher
	now    func() time.Time

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	accepting bool
	queue     chan job
	sup       *supervisor.Supervisor
	sendWG    sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	queued, sent, failed, deduped, dropped atomic.Uint64
	consecutiveFails                       atomic.Int64
}

type Option func(*Service)

func WithBus(bus eventbus.Publisher) Option { return func(s *Service) { s.bus = bus } }

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, sender Sender, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log.With(logx.String("comp", "notifier")),
		sender: sender,
		now:    time.Now,
		dedup:  map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// burst = rate so short spikes go out immediately
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Start launches the worker pool. A disabled notifier starts as a no-op.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("notifier disabled")
		return nil
	}
	if s.sender == nil {
		return ErrNoSender
	}

	q := make(chan job, s.cfg.QueueSize)
	sup := supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	for i := 0; i < s.cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			return s.workerLoop(c, q)
		}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}
	s.queue, s.sup, s.accepting = q, sup, true
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("chats", len(s.cfg.ChatIDs)))
	return nil
}

// Stop stops intake and drains the queue until ctx is done; then in-flight
// sends are cancelled.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		s.log.Warn("notifier drain timed out", logx.Int("pending", len(q)))
		sup.Cancel()
		err = nil
	}

	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
	s.log.Info("notifier stopped", logx.Uint64("sent", s.sent.Load()), logx.Uint64("failed", s.failed.Load()))
	return err
}

// Notify queues subject and body for every configured chat.
func (s *Service) Notify(ctx context.Context, subject, body string) error {
	return s.Enqueue(ctx, Message{Subject: subject, Text: body})
}

// SendAlert queues a high-priority text; it is the logger's alert sink.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	return s.Enqueue(ctx, Message{Text: text, Priority: PriorityAlert})
}

// Enqueue queues m for every configured chat without blocking. Duplicates
// within the dedup window are dropped silently.
func (s *Service) Enqueue(ctx context.Context, m Message) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	chats := append([]int64(nil), s.cfg.ChatIDs...)
	parseMode := s.cfg.ParseMode
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if strings.TrimSpace(m.Subject+m.Text) == "" {
		return nil
	}
	text := formatMessage(m, parseMode)
	key := dedupKey(m)
	if window > 0 && !s.dedupAllow(key, window, maxEntries) {
		s.deduped.Add(1)
		return nil
	}

	var errs []error
	for _, chat := range chats {
		select {
		case q <- job{chatID: chat, text: text, key: key}:
			s.queued.Add(1)
		default:
			s.dropped.Add(1)
			s.publish(ctx, EventDropped, NotificationEvent{ChatID: chat, Key: key, At: s.now(), Error: ErrQueueFull.Error()})
			errs = append(errs, fmt.Errorf("chat %d: %w", chat, ErrQueueFull))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.SendText(callCtx, j.chatID, j.text, cfg.ParseMode)
		cancel()
		if err == nil {
			s.appendHistory(HistoryItem{At: s.now(), ChatID: j.chatID, Text: j.text})
			s.consecutiveFails.Store(0)
			s.sent.Add(1)
			s.publish(ctx, EventSent, NotificationEvent{ChatID: j.chatID, Key: j.key, Attempts: attempt, At: s.now()})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(backoff(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.appendHistory(HistoryItem{At: s.now(), ChatID: j.chatID, Text: j.text, Error: lastErr.Error()})
	s.consecutiveFails.Add(1)
	s.failed.Add(1)
	s.log.Warn("notification dropped after retries", logx.Int64("chat_id", j.chatID), logx.Int("attempts", attempts), logx.Err(lastErr))
	s.publish(ctx, EventFailed, NotificationEvent{ChatID: j.chatID, Key: j.key, Attempts: attempts, At: s.now(), Error: lastErr.Error()})
}

func (s *Service) publish(ctx context.Context, name string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.bus.Publish(context.WithoutCancel(ctx), name, ev, "notifier")
}

// HealthCheck reports unhealthy after repeated consecutive send failures.
func (s *Service) HealthCheck(ctx context.Context) (lifecycle.Report, error) {
	st := s.Stats()
	details := map[string]any{
		"sent":      st.Sent,
		"failed":    st.Failed,
		"dropped":   st.Dropped,
		"queue_len": st.QueueLen,
	}
	if !s.Enabled() {
		return lifecycle.Report{Healthy: true, Message: "disabled", Details: details}, nil
	}
	if !st.Running {
		return lifecycle.Report{Healthy: false, Message: "not running", Details: details}, nil
	}
	if n := s.consecutiveFails.Load(); n >= unhealthyAfter {
		return lifecycle.Report{Healthy: false, Message: fmt.Sprintf("%d consecutive send failures", n), Details: details}, nil
	}
	return lifecycle.Report{Healthy: true, Details: details}, nil
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	qlen := 0
	if s.queue != nil {
		qlen = len(s.queue)
	}
	running := s.queue != nil
	s.mu.Unlock()
	return Stats{
		Queued:   s.queued.Load(),
		Sent:     s.sent.Load(),
		Failed:   s.failed.Load(),
		Deduped:  s.deduped.Load(),
		Dropped:  s.dropped.Load(),
		QueueLen: qlen,
		Running:  running,
	}
}

// History returns recent send attempts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) >= maxEntries {
		var oldest string
		var oldestT time.Time
		for k, t := range s.dedup {
			if oldest == "" || t.Before(oldestT) {
				oldest, oldestT = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	s.dedup[key] = now.Add(window)
	return true
}

func dedupKey(m Message) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s|%s", m.Priority, m.Subject, m.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

func formatMessage(m Message, parseMode string) string {
	subject, text := m.Subject, m.Text
	isHTML := strings.EqualFold(parseMode, "HTML")
	if isHTML {
		subject, text = html.EscapeString(subject), html.EscapeString(text)
		if subject != "" {
			subject = "<b>" + subject + "</b>"
		}
	}
	var b strings.Builder
	switch m.Priority {
	case PriorityAlert:
		b.WriteString("🚨 ")
	case PriorityWarn:
		b.WriteString("⚠️ ")
	}
	if subject != "" {
		b.WriteString(subject)
		if text != "" {
			b.WriteString("\n\n")
		}
	}
	b.WriteString(text)
	return b.String()
}

// backoff is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7..1.3 jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
