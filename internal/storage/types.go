package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	// ErrNoState is returned by LoadSchedulerState before the first save.
	ErrNoState = errors.New("no scheduler state saved")
)

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver         string
	Path           string
	BusyTimeout    time.Duration // sqlite only
	EventRetention time.Duration // sqlite only; 0 keeps everything
}

// JobRecord is a job without its body.
type JobRecord struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Priority        int           `json:"priority"`
	Schedule        string        `json:"schedule"`
	Timezone        string        `json:"timezone,omitempty"`
	MaxRetries      int           `json:"max_retries"`
	RetryDelay      time.Duration `json:"retry_delay"`
	Timeout         time.Duration `json:"timeout"`
	MarketHoursOnly bool          `json:"market_hours_only"`
	Enabled         bool          `json:"enabled"`
	Status          string        `json:"status"`
	LastRun         time.Time     `json:"last_run,omitempty"`
	NextRun         time.Time     `json:"next_run,omitempty"`
	RetryCount      int           `json:"retry_count"`
	LastError       string        `json:"last_error,omitempty"`
	LastDuration    time.Duration `json:"last_duration"`
}

type SchedulerStats struct {
	JobsCompleted      uint64        `json:"jobs_completed"`
	JobsFailed         uint64        `json:"jobs_failed"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
	StartedAt          time.Time     `json:"started_at,omitempty"`
	LastHealthCheck    time.Time     `json:"last_health_check,omitempty"`
}

type SchedulerState struct {
	SavedAt time.Time      `json:"saved_at"`
	Jobs    []JobRecord    `json:"jobs"`
	Stats   SchedulerStats `json:"stats"`
}

// EventRecord is one audited bus event.
type EventRecord struct {
	At      time.Time       `json:"at"`
	Name    string          `json:"name"`
	Source  string          `json:"source,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
