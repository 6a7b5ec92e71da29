package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketpulse/internal/eventbus"
	"marketpulse/internal/runtime/supervisor"
	"marketpulse/pkg/logx"
)

// Manager owns registered components: it starts them in dependency order,
// stops them in reverse, and health-checks them periodically.
type Manager struct {
	log logx.Logger
	bus eventbus.Publisher
	now func() time.Time

	mu       sync.Mutex
	cfg      Config
	comps    map[string]*component
	order    []string // registration order
	warnings []error
	running  bool

	starts       uint64
	stops        uint64
	healthChecks uint64

	sup      *supervisor.Supervisor
	reconfig chan struct{}
}

type Option func(*Manager)

func WithBus(bus eventbus.Publisher) Option { return func(m *Manager) { m.bus = bus } }

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Manager {
	m := &Manager{
		log:      log.With(logx.String("comp", "lifecycle")),
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		comps:    map[string]*component{},
		reconfig: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply updates health timing. A running health loop picks it up on its next tick.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
	select {
	case m.reconfig <- struct{}{}:
	default:
	}
}

// Register adds a component. A duplicate name replaces the previous entry in
// place and is recorded as a warning, not an error.
func (m *Manager) Register(name string, handle any, kind Kind, deps []string, hooks Hooks) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("component name required")
	}
	if handle == nil {
		return fmt.Errorf("component %s: nil handle", name)
	}
	if kind == "" {
		kind = KindOther
	}
	c := &component{
		name:   name,
		kind:   kind,
		handle: handle,
		deps:   append([]string(nil), deps...),
		hooks:  hooksFor(handle, hooks),
		status: StatusInitializing,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.comps[name]; dup {
		w := fmt.Errorf("%w: %s re-registered", ErrDuplicateComponent, name)
		m.warnings = append(m.warnings, w)
		m.log.Warn("component re-registered; replacing previous entry", logx.String("component", name))
	} else {
		m.order = append(m.order, name)
	}
	m.comps[name] = c
	m.log.Debug("component registered",
		logx.String("component", name),
		logx.String("kind", string(kind)),
		logx.Strings("deps", c.deps),
		logx.Bool("start", c.hooks.Start != nil),
		logx.Bool("stop", c.hooks.Stop != nil),
		logx.Bool("health", c.hooks.Health != nil),
	)
	return nil
}

// Warnings returns registration warnings (duplicate names).
func (m *Manager) Warnings() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.warnings...)
}

// Component returns the handle registered under name.
func (m *Manager) Component(name string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comps[name]
	if !ok {
		return nil, false
	}
	return c.handle, true
}

// Handles returns all handles in registration order.
func (m *Manager) Handles() []NamedHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NamedHandle, 0, len(m.order))
	for _, name := range m.order {
		c := m.comps[name]
		out = append(out, NamedHandle{Name: name, Kind: c.kind, Handle: c.handle})
	}
	return out
}

// StartOrder returns the topological start order.
func (m *Manager) StartOrder() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startOrderLocked()
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// StartAll starts every component in dependency order. A cycle fails before
// anything starts; the first failing start hook aborts the sequence without
// rolling back components already running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	order, err := m.startOrderLocked()
	m.mu.Unlock()
	if err != nil {
		m.log.Error("start aborted", logx.Err(err))
		return err
	}

	start := time.Now()
	m.log.Info("starting components", logx.Strings("order", order))
	for _, name := range order {
		m.mu.Lock()
		c := m.comps[name]
		if c == nil || c.status == StatusRunning || c.healthFailed {
			m.mu.Unlock()
			continue
		}
		hook := c.hooks.Start
		m.mu.Unlock()

		t0 := time.Now()
		err := callHook(ctx, hook)

		m.mu.Lock()
		if err != nil {
			c.status = StatusError
			c.errorCount++
			c.lastError = err.Error()
			m.mu.Unlock()
			m.log.Error("component start failed", logx.String("component", name), logx.Err(err))
			return &StartError{Component: name, Err: err}
		}
		c.status = StatusRunning
		m.starts++
		m.mu.Unlock()
		m.log.Info("component started", logx.String("component", name), logx.Duration("took", time.Since(t0)))
	}

	m.mu.Lock()
	m.running = true
	interval := m.cfg.HealthInterval
	if interval > 0 {
		m.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(m.log))
		m.sup.GoRestart("lifecycle.health", m.healthLoop, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	m.mu.Unlock()

	m.log.Info("all components started", logx.Int("count", len(order)), logx.Duration("took", time.Since(start)))
	return nil
}

// StopAll stops components in reverse start order. Stop failures are logged
// and collected; every remaining component is still stopped.
func (m *Manager) StopAll(ctx context.Context) error {
	m.stopHealthLoop(ctx)

	m.mu.Lock()
	order, err := m.startOrderLocked()
	if err != nil {
		m.log.Warn("dependency graph invalid; stopping in reverse registration order", logx.Err(err))
		order = append([]string(nil), m.order...)
	}
	m.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopOne(ctx, order[i]); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	if len(errs) > 0 {
		m.log.Warn("components stopped with errors", logx.Int("errors", len(errs)))
	} else {
		m.log.Info("all components stopped")
	}
	return errors.Join(errs...)
}

// EmergencyStop stops every component in registration order, ignoring
// dependencies. Per-component errors are returned, never propagated.
func (m *Manager) EmergencyStop(ctx context.Context) map[string]error {
	m.log.Warn("emergency stop requested")

	m.mu.Lock()
	m.running = false
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	m.stopHealthLoop(ctx)
	errs := map[string]error{}
	for _, name := range order {
		if err := m.stopOne(ctx, name); err != nil {
			errs[name] = err
		}
	}
	return errs
}

func (m *Manager) stopOne(ctx context.Context, name string) error {
	m.mu.Lock()
	c := m.comps[name]
	if c == nil || c.status == StatusInitializing || c.status == StatusStopped {
		m.mu.Unlock()
		return nil
	}
	c.status = StatusStopping
	hook := c.hooks.Stop
	timeout := m.cfg.StopTimeout
	m.mu.Unlock()

	// Detached: the caller may be a job or request that this hook ends.
	// An earlier caller deadline still applies.
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	t0 := time.Now()
	err := callHook(hctx, hook)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if err != nil {
		c.status = StatusError
		c.errorCount++
		c.lastError = err.Error()
		m.log.Error("component stop failed", logx.String("component", name), logx.Err(err))
		return fmt.Errorf("%w: %s: %w", ErrComponentStop, name, err)
	}
	c.status = StatusStopped
	c.healthFailed = false
	m.log.Info("component stopped", logx.String("component", name), logx.Duration("took", time.Since(t0)))
	return nil
}

func (m *Manager) stopHealthLoop(ctx context.Context) {
	m.mu.Lock()
	sup := m.sup
	m.sup = nil
	m.mu.Unlock()
	if sup != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	}
}

// callHook runs a start/stop hook, converting a panic into an error.
func callHook(ctx context.Context, hook func(ctx context.Context) error) (err error) {
	if hook == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return hook(ctx)
}

// Status returns the integration status: running flag, per-component state
// and aggregate counters.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Running:    m.running,
		Components: make([]ComponentStatus, 0, len(m.order)),
		Counters: Counters{
			Registered:   len(m.order),
			Starts:       m.starts,
			Stops:        m.stops,
			HealthChecks: m.healthChecks,
		},
	}
	for _, name := range m.order {
		c := m.comps[name]
		switch c.status {
		case StatusRunning:
			snap.Counters.Running++
		case StatusError:
			snap.Counters.Errored++
		}
		snap.Components = append(snap.Components, ComponentStatus{
			Name:            c.name,
			Kind:            c.kind,
			Status:          c.status,
			Dependencies:    append([]string(nil), c.deps...),
			ErrorCount:      c.errorCount,
			LastError:       c.lastError,
			LastHealthCheck: c.lastHealth.CheckedAt,
			LastHealth:      c.lastHealth,
		})
	}
	for _, w := range m.warnings {
		snap.Warnings = append(snap.Warnings, w.Error())
	}
	return snap
}
