package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"marketpulse/internal/eventbus"
	"marketpulse/internal/lifecycle"
	"marketpulse/internal/market"
	"marketpulse/internal/runtime/supervisor"
	"marketpulse/internal/storage"
	"marketpulse/pkg/logx"
)

// MarketGate reports whether the market is open at t in timezone tz.
type MarketGate interface {
	IsOpen(t time.Time, tz string) bool
}

// StateStore persists scheduler snapshots. storage.Store satisfies it.
type StateStore interface {
	SaveSchedulerState(ctx context.Context, st storage.SchedulerState) error
	LoadSchedulerState(ctx context.Context) (storage.SchedulerState, error)
}

type Service struct {
	log   logx.Logger
	bus   eventbus.Publisher
	gate  MarketGate
	store StateStore
	now   func() time.Time

	mu        sync.Mutex
	cfg       Config
	loc       *time.Location
	jobs      map[string]*entry
	order     []string // insertion order, for stable listings
	running   int
	persisted map[string]storage.JobRecord
	dirty     bool

	runSeq atomic.Uint64

	completed     uint64
	failed        uint64
	totalExecTime time.Duration
	startedAt     time.Time
	lastHealth    time.Time
	lastPoll      time.Time

	sup      *supervisor.Supervisor
	reconfig chan struct{}
}

type Option func(*Service)

func WithBus(bus eventbus.Publisher) Option { return func(s *Service) { s.bus = bus } }

func WithMarketGate(g MarketGate) Option { return func(s *Service) { s.gate = g } }

func WithStore(st StateStore) Option { return func(s *Service) { s.store = st } }

// WithClock replaces time.Now for scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		log:       log.With(logx.String("comp", "scheduler")),
		now:       time.Now,
		cfg:       cfg,
		jobs:      map[string]*entry{},
		persisted: map[string]storage.JobRecord{},
		reconfig:  make(chan struct{}, 1),
	}
	s.loc = s.loadLocation(cfg.Timezone)
	for _, o := range opts {
		o(s)
	}
	if s.gate == nil {
		s.gate = market.New(cfg.Timezone)
	}
	return s
}

// loadLocation falls back to UTC when tzdata is missing.
func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Apply hot-reloads poll interval, concurrency and thresholds.
// The default timezone is fixed at construction.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	cfg.Timezone = s.cfg.Timezone
	s.cfg = cfg
	s.mu.Unlock()
	select {
	case s.reconfig <- struct{}{}:
	default:
	}
	s.log.Info("config applied", logx.Duration("poll_interval", cfg.PollInterval), logx.Int("max_concurrent", cfg.MaxConcurrent))
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start restores persisted state and launches the poll loop.
// The first poll happens one interval after Start.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.startedAt = s.now()
	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	s.restore(ctx)

	sup.GoRestart("scheduler.loop", s.loop, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	s.mu.Lock()
	n := len(s.jobs)
	interval := s.cfg.PollInterval
	s.mu.Unlock()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", n), logx.Duration("poll_interval", interval))
	return nil
}

// Stop cancels running jobs, waits for them (bounded by ctx) and saves a snapshot.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if owner, _ := ctx.Value(jobOwnerKey{}).(*Service); owner == s {
		// waiting would include the calling job
		sup.Cancel()
		s.persist(ctx, true)
		s.log.Info("service stopped from a running job", logx.Duration("took", time.Since(start)))
		return nil
	}
	err := sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("stop timed out waiting for jobs", logx.Err(err))
	} else {
		err = nil
	}
	s.persist(ctx, true)
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return err
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

func (s *Service) loop(ctx context.Context) error {
	for {
		s.mu.Lock()
		interval := s.cfg.PollInterval
		s.mu.Unlock()

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.reconfig:
			t.Stop()
			continue
		case <-t.C:
		}
		s.Poll()
	}
}

// HealthCheck reports unhealthy when the loop is not running, polls are
// overdue, or a job is stuck.
func (s *Service) HealthCheck(ctx context.Context) (lifecycle.Report, error) {
	_ = ctx
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHealth = now

	stuck := 0
	for _, e := range s.jobs {
		if e.Status == StatusRunning && now.Sub(e.LastRun) > s.cfg.StuckThreshold {
			stuck++
		}
	}
	rep := lifecycle.Report{
		Healthy: s.sup != nil && stuck == 0,
		Details: map[string]any{
			"jobs":      len(s.jobs),
			"running":   s.running,
			"stuck":     stuck,
			"last_poll": s.lastPoll,
		},
	}
	switch {
	case s.sup == nil:
		rep.Message = "scheduler not running"
	case stuck > 0:
		rep.Message = "stuck jobs detected"
	case !s.lastPoll.IsZero() && now.Sub(s.lastPoll) > 3*s.cfg.PollInterval:
		rep.Healthy = false
		rep.Message = "poll loop overdue"
	}
	return rep, nil
}

func (s *Service) publish(events []pendingEvent) {
	if s.bus == nil {
		return
	}
	for _, ev := range events {
		s.bus.Publish(context.Background(), ev.name, ev.payload, "scheduler")
	}
}

type pendingEvent struct {
	name    string
	payload JobEvent
}

func eventOf(name string, e *entry) pendingEvent {
	return pendingEvent{name: name, payload: JobEvent{
		ID:       e.ID,
		Name:     e.Name,
		Status:   e.Status,
		Attempt:  e.RetryCount + 1,
		Duration: e.LastDuration,
		Error:    e.LastError,
		NextRun:  e.NextRun,
	}}
}
