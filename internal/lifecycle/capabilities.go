package lifecycle

import (
	"context"
)

// A component implements any subset of these. A missing hook is not an error.
type (
	Startable interface {
		Start(ctx context.Context) error
	}
	Stoppable interface {
		Stop(ctx context.Context) error
	}
	// HealthCheckable returns a structured report.
	HealthCheckable interface {
		HealthCheck(ctx context.Context) (Report, error)
	}
	// BoolHealthChecker is the boolean form of a health check.
	BoolHealthChecker interface {
		Healthy(ctx context.Context) bool
	}
)

// Report is the structured result of a component health check.
type Report struct {
	Healthy bool           `json:"healthy"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Hooks are explicit lifecycle closures. Nil fields are derived from the
// handle's capability interfaces at registration.
type Hooks struct {
	Start  func(ctx context.Context) error
	Stop   func(ctx context.Context) error
	Health func(ctx context.Context) (Report, error)
}

func hooksFor(handle any, h Hooks) Hooks {
	if h.Start == nil {
		if s, ok := handle.(Startable); ok {
			h.Start = s.Start
		}
	}
	if h.Stop == nil {
		if s, ok := handle.(Stoppable); ok {
			h.Stop = s.Stop
		}
	}
	if h.Health == nil {
		switch c := handle.(type) {
		case HealthCheckable:
			h.Health = c.HealthCheck
		case BoolHealthChecker:
			h.Health = func(ctx context.Context) (Report, error) {
				return Report{Healthy: c.Healthy(ctx)}, nil
			}
		}
	}
	return h
}
