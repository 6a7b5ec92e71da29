package units

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"marketpulse/internal/eventbus"
	"marketpulse/internal/lifecycle"
	"marketpulse/pkg/logx"
)

const (
	EventUnitDown      = "unit.down"
	EventUnitRestarted = "unit.restarted"
)

var ErrUnsupported = errors.New("units: systemd is only available on linux")

type Config struct {
	Units           []string
	RestartFailed   bool
	RestartCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = 5 * time.Minute
	}
	names := make([]string, 0, len(c.Units))
	seen := map[string]bool{}
	for _, n := range c.Units {
		n = strings.TrimSuffix(strings.TrimSpace(n), ".service")
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	c.Units = names
	return c
}

// State is the observed state of one unit.
type State struct {
	Name      string    `json:"name"`
	Active    string    `json:"active"`
	SubState  string    `json:"sub_state"`
	LoadState string    `json:"load_state"`
	Since     time.Time `json:"since,omitzero"`
}

// Up reports whether the unit is active.
func (s State) Up() bool { return s.Active == "active" }

// Backend is the systemd surface the monitor needs.
type Backend interface {
	State(ctx context.Context, name string) (State, error)
	Restart(ctx context.Context, name string) error
	Close() error
}

type Monitor struct {
	log  logx.Logger
	bus  eventbus.Publisher
	now  func() time.Time
	dial func(ctx context.Context) (Backend, error)

	mu          sync.Mutex
	cfg         Config
	backend     Backend
	last        map[string]State
	lastRestart map[string]time.Time
}

type Option func(*Monitor)

func WithBus(bus eventbus.Publisher) Option { return func(m *Monitor) { m.bus = bus } }

// WithBackend replaces the D-Bus connection.
func WithBackend(dial func(ctx context.Context) (Backend, error)) Option {
	return func(m *Monitor) { m.dial = dial }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		log:         log.With(logx.String("comp", "units")),
		now:         time.Now,
		dial:        dialSystem,
		cfg:         cfg.withDefaults(),
		last:        map[string]State{},
		lastRestart: map[string]time.Time{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply changes the watched units and restart policy.
func (m *Monitor) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// Start connects to systemd.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend != nil {
		return nil
	}
	b, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	m.backend = b
	m.log.Info("watching units", logx.Strings("units", m.cfg.Units), logx.Bool("restart_failed", m.cfg.RestartFailed))
	return nil
}

func (m *Monitor) Stop(context.Context) error {
	m.mu.Lock()
	b := m.backend
	m.backend = nil
	m.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Close()
}

// States returns the states seen by the last health check, sorted by name.
func (m *Monitor) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.last))
	for _, s := range m.last {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Monitor) HealthCheck(ctx context.Context) (lifecycle.Report, error) {
	m.mu.Lock()
	b, cfg := m.backend, m.cfg
	m.mu.Unlock()
	if b == nil {
		return lifecycle.Report{Healthy: false, Message: "not connected"}, nil
	}

	var down []string
	details := make(map[string]any, len(cfg.Units))
	for _, name := range cfg.Units {
		st, err := b.State(ctx, name)
		if err != nil {
			return lifecycle.Report{}, fmt.Errorf("unit %s: %w", name, err)
		}
		if !st.Up() && st.Active == "failed" && cfg.RestartFailed && m.restartDue(name, cfg.RestartCooldown) {
			m.restart(ctx, b, name)
		}
		details[name] = st.Active + "/" + st.SubState
		m.observe(ctx, st)
		if !st.Up() {
			down = append(down, name)
		}
	}

	if len(down) > 0 {
		return lifecycle.Report{
			Healthy: false,
			Message: "units down: " + strings.Join(down, ", "),
			Details: details,
		}, nil
	}
	return lifecycle.Report{Healthy: true, Details: details}, nil
}

// observe records st and publishes a down event on the transition.
func (m *Monitor) observe(ctx context.Context, st State) {
	m.mu.Lock()
	prev, seen := m.last[st.Name]
	m.last[st.Name] = st
	m.mu.Unlock()

	if st.Up() || (seen && !prev.Up()) {
		return
	}
	m.log.Warn("unit down", logx.String("unit", st.Name), logx.String("active", st.Active), logx.String("sub", st.SubState))
	if m.bus != nil {
		m.bus.Publish(ctx, EventUnitDown, st, "units")
	}
}

func (m *Monitor) restartDue(name string, cooldown time.Duration) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastRestart[name]; ok && now.Sub(last) < cooldown {
		return false
	}
	m.lastRestart[name] = now
	return true
}

func (m *Monitor) restart(ctx context.Context, b Backend, name string) {
	if err := b.Restart(ctx, name); err != nil {
		m.log.Error("unit restart failed", logx.String("unit", name), logx.Err(err))
		return
	}
	m.log.Info("unit restarted", logx.String("unit", name))
	if m.bus != nil {
		m.bus.Publish(ctx, EventUnitRestarted, name, "units")
	}
}
