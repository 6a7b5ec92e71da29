package lifecycle

import (
	"time"
)

// Kind groups components for diagnostics only.
type Kind string

const (
	KindScheduler          Kind = "scheduler"
	KindAnalysisEngine     Kind = "analysis-engine"
	KindReportGenerator    Kind = "report-generator"
	KindNotificationSystem Kind = "notification-system"
	KindAlertSystem        Kind = "alert-system"
	KindMonitoringSystem   Kind = "monitoring-system"
	KindOther              Kind = "other"
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
	HealthError     HealthStatus = "error"
)

// Bad reports whether s counts against overall health. Unknown does not.
func (s HealthStatus) Bad() bool { return s == HealthUnhealthy || s == HealthError }

// Health is the outcome of one component health check.
type Health struct {
	Component string         `json:"component"`
	Kind      Kind           `json:"kind"`
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
	Took      time.Duration  `json:"took"`
}

type Config struct {
	HealthInterval time.Duration // <0 disables the health loop
	HealthTimeout  time.Duration
	StopTimeout    time.Duration // bound on each stop hook
}

func (c Config) withDefaults() Config {
	if c.HealthInterval == 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// ComponentStatus is the read-only view of one registered component.
type ComponentStatus struct {
	Name            string    `json:"name"`
	Kind            Kind      `json:"kind"`
	Status          Status    `json:"status"`
	Dependencies    []string  `json:"dependencies,omitempty"`
	ErrorCount      int       `json:"error_count"`
	LastError       string    `json:"last_error,omitempty"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
	LastHealth      Health    `json:"last_health"`
}

type Counters struct {
	Registered   int    `json:"registered"`
	Running      int    `json:"running"`
	Errored      int    `json:"errored"`
	Starts       uint64 `json:"starts"`
	Stops        uint64 `json:"stops"`
	HealthChecks uint64 `json:"health_checks"`
}

// Snapshot is the manager's integration status.
type Snapshot struct {
	Running    bool              `json:"running"`
	Components []ComponentStatus `json:"components"`
	Counters   Counters          `json:"counters"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// NamedHandle pairs a component handle with its registration name.
type NamedHandle struct {
	Name   string
	Kind   Kind
	Handle any
}

type component struct {
	name   string
	kind   Kind
	handle any
	deps   []string
	hooks  Hooks

	status     Status
	errorCount int
	lastError  string
	lastHealth Health
	// healthFailed marks an Error status caused by the health hook; the next
	// clean check returns the component to Running.
	healthFailed bool
}
