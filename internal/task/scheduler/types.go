package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Body is the work a job performs. It must observe ctx cancellation.
type Body func(ctx context.Context) error

type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityUrgent:   "urgent",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts a priority name (case-insensitive). Empty means normal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
)

// Config controls the scheduler. Zero values take defaults.
type Config struct {
	PollInterval      time.Duration
	MaxConcurrent     int
	StuckThreshold    time.Duration
	DefaultTimeout    time.Duration
	DefaultRetryDelay time.Duration
	DefaultMaxRetries int
	Timezone          string // IANA; default America/New_York
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 30 * time.Minute
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	if c.DefaultRetryDelay <= 0 {
		c.DefaultRetryDelay = time.Minute
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = "America/New_York"
	}
	return c
}

// Job is a read-only view of a scheduled job.
type Job struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Priority        Priority      `json:"priority"`
	Schedule        string        `json:"schedule"`
	Timezone        string        `json:"timezone"`
	MaxRetries      int           `json:"max_retries"`
	RetryDelay      time.Duration `json:"retry_delay"`
	Timeout         time.Duration `json:"timeout"`
	MarketHoursOnly bool          `json:"market_hours_only"`
	Enabled         bool          `json:"enabled"`
	Status          Status        `json:"status"`
	LastResult      Status        `json:"last_result,omitempty"` // outcome of the latest finished run
	LastRun         time.Time     `json:"last_run,omitempty"`
	NextRun         time.Time     `json:"next_run,omitempty"`
	RetryCount      int           `json:"retry_count"`
	LastError       string        `json:"last_error,omitempty"`
	LastDuration    time.Duration `json:"last_duration"`
}

// JobOption customizes a job at Add time.
type JobOption func(*Job)

func WithTimezone(tz string) JobOption { return func(j *Job) { j.Timezone = strings.TrimSpace(tz) } }

func WithMaxRetries(n int) JobOption {
	return func(j *Job) {
		if n >= 0 {
			j.MaxRetries = n
		}
	}
}

// WithRetryDelay sets the backoff base: retry n waits base * 2^(n-1).
func WithRetryDelay(d time.Duration) JobOption {
	return func(j *Job) {
		if d > 0 {
			j.RetryDelay = d
		}
	}
}

func WithTimeout(d time.Duration) JobOption {
	return func(j *Job) {
		if d > 0 {
			j.Timeout = d
		}
	}
}

func WithMarketHoursOnly(on bool) JobOption { return func(j *Job) { j.MarketHoursOnly = on } }

func WithEnabled(on bool) JobOption { return func(j *Job) { j.Enabled = on } }

// entry is the scheduler-owned state of one job.
type entry struct {
	Job

	body  Body
	sched cron.Schedule
	loc   *time.Location

	runID  uint64 // 0 when idle
	cancel context.CancelFunc
}

// JobEvent is the payload of job.* bus events.
type JobEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	NextRun  time.Time     `json:"next_run,omitempty"`
}

type Stats struct {
	JobsCompleted      uint64        `json:"jobs_completed"`
	JobsFailed         uint64        `json:"jobs_failed"`
	AverageDuration    time.Duration `json:"average_duration"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
	Uptime             time.Duration `json:"uptime"`
	StartedAt          time.Time     `json:"started_at,omitempty"`
	LastHealthCheck    time.Time     `json:"last_health_check,omitempty"`
	LastPoll           time.Time     `json:"last_poll,omitempty"`
	Jobs               int           `json:"jobs"`
	Running            int           `json:"running"`
}

// UpcomingRun is one entry of Summary.Next.
type UpcomingRun struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	NextRun time.Time `json:"next_run"`
}

type Summary struct {
	Total      int            `json:"total"`
	Enabled    int            `json:"enabled"`
	ByStatus   map[Status]int `json:"by_status"`
	ByPriority map[string]int `json:"by_priority"`
	Next       []UpcomingRun  `json:"next"`
	Stats      Stats          `json:"stats"`
}
