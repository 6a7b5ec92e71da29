package lifecycle

import (
	"context"
	"fmt"
	"maps"
	"time"

	"marketpulse/internal/eventbus"
	"marketpulse/pkg/logx"
)

// HealthCheck runs the health hook of one component under the configured
// timeout. No hook reports Unknown; an error, panic or timeout reports Error.
func (m *Manager) HealthCheck(ctx context.Context, name string) (Health, error) {
	m.mu.Lock()
	c := m.comps[name]
	if c == nil {
		m.mu.Unlock()
		return Health{}, fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	hook := c.hooks.Health
	kind := c.kind
	timeout := m.cfg.HealthTimeout
	m.mu.Unlock()

	h := Health{Component: name, Kind: kind, CheckedAt: m.now()}
	t0 := time.Now()
	if hook == nil {
		h.Status = HealthUnknown
		h.Message = "no health check"
	} else {
		rep, err := runHealth(ctx, hook, timeout)
		switch {
		case err != nil:
			h.Status = HealthError
			h.Message = err.Error()
		case rep.Healthy:
			h.Status = HealthHealthy
		default:
			h.Status = HealthUnhealthy
		}
		if h.Message == "" {
			h.Message = rep.Message
		}
		if len(rep.Details) > 0 {
			h.Details = maps.Clone(rep.Details)
		}
	}
	h.Took = time.Since(t0)

	m.mu.Lock()
	prev := c.lastHealth.Status
	if m.comps[name] == c {
		c.lastHealth = h
		switch {
		case h.Status == HealthError:
			c.errorCount++
			c.lastError = h.Message
			if c.status == StatusRunning {
				c.status = StatusError
				c.healthFailed = true
			}
		case c.healthFailed:
			c.healthFailed = false
			if c.status == StatusError {
				c.status = StatusRunning
			}
		}
	}
	m.healthChecks++
	m.mu.Unlock()

	m.noteTransition(ctx, prev, h)
	return h, nil
}

// HealthCheckAll checks every component in registration order.
func (m *Manager) HealthCheckAll(ctx context.Context) []Health {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	out := make([]Health, 0, len(names))
	for _, name := range names {
		h, err := m.HealthCheck(ctx, name)
		if err != nil {
			continue // removed concurrently
		}
		out = append(out, h)
	}
	return out
}

func (m *Manager) noteTransition(ctx context.Context, prev HealthStatus, h Health) {
	var event string
	switch {
	case h.Status.Bad() && !prev.Bad():
		event = eventbus.ComponentUnhealthy
		m.log.Warn("component unhealthy", logx.String("component", h.Component), logx.String("status", string(h.Status)), logx.String("message", h.Message))
	case prev.Bad() && h.Status == HealthHealthy:
		event = eventbus.ComponentRecovered
		m.log.Info("component recovered", logx.String("component", h.Component))
	default:
		return
	}
	if m.bus != nil {
		m.bus.Publish(ctx, event, h, "lifecycle")
	}
}

func runHealth(ctx context.Context, hook func(ctx context.Context) (Report, error), timeout time.Duration) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		rep Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		rep, err := hook(ctx)
		done <- result{rep: rep, err: err}
	}()

	select {
	case r := <-done:
		return r.rep, r.err
	case <-ctx.Done():
		return Report{}, fmt.Errorf("health check: %w", ctx.Err())
	}
}

func (m *Manager) healthLoop(ctx context.Context) error {
	for {
		m.mu.Lock()
		interval := m.cfg.HealthInterval
		m.mu.Unlock()
		if interval <= 0 {
			<-ctx.Done()
			return ctx.Err()
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-m.reconfig:
			t.Stop()
			continue
		case <-t.C:
		}

		results := m.HealthCheckAll(ctx)
		bad := 0
		for _, h := range results {
			if h.Status.Bad() {
				bad++
			}
		}
		m.log.Debug("health check cycle", logx.Int("components", len(results)), logx.Int("unhealthy", bad))
	}
}
