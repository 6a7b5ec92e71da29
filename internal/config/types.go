package config

// Config is the on-disk configuration (JSON or YAML). All durations are Go
// duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	Workflow  WorkflowConfig  `json:"workflow"`
	Market    MarketConfig    `json:"market"`
	Telegram  TelegramConfig  `json:"telegram"`

	// Notifier may be omitted; it then runs with defaults when a Telegram
	// token and at least one chat are set.
	Notifier     *NotifierConfig `json:"notifier,omitempty"`
	Storage      *StorageConfig  `json:"storage,omitempty"`
	StatusServer StatusConfig    `json:"status_server"`
	Units        *UnitsConfig    `json:"units,omitempty"`

	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards log lines at or above MinLevel to the notifier.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the job scheduler.
//
// Defaults: poll_interval 10s, max_concurrent 5, stuck_threshold 30m,
// default_timeout 300s, default_retry_delay 1m, default_max_retries 3,
// timezone America/New_York.
type SchedulerConfig struct {
	PollInterval      string `json:"poll_interval,omitempty"`
	MaxConcurrent     int    `json:"max_concurrent,omitempty"`
	StuckThreshold    string `json:"stuck_threshold,omitempty"`
	DefaultTimeout    string `json:"default_timeout,omitempty"`
	DefaultRetryDelay string `json:"default_retry_delay,omitempty"`
	DefaultMaxRetries *int   `json:"default_max_retries,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
}

type LifecycleConfig struct {
	HealthInterval string `json:"health_interval,omitempty"` // default 30s
	HealthTimeout  string `json:"health_timeout,omitempty"`  // default 5s
	StopTimeout    string `json:"stop_timeout,omitempty"`    // per component, default 10s
	// DisableHealthLoop turns off periodic health checks.
	DisableHealthLoop bool `json:"disable_health_loop,omitempty"`
}

type WorkflowConfig struct {
	DefaultSymbols []string `json:"default_symbols,omitempty"`
	Timeout        string   `json:"timeout,omitempty"`
}

// MarketConfig sets the regular trading session ("HH:MM" in Timezone).
type MarketConfig struct {
	Timezone string `json:"timezone,omitempty"`
	Open     string `json:"open,omitempty"`
	Close    string `json:"close,omitempty"`
}

type TelegramConfig struct {
	// Token is usually supplied by MARKETPULSE_TELEGRAM_TOKEN.
	Token     string  `json:"token,omitempty"`
	ChatIDs   []int64 `json:"chat_ids,omitempty"`
	ParseMode string  `json:"parse_mode,omitempty"`
	Timeout   string  `json:"timeout,omitempty"`
}

type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./marketpulse.db", "audit_events": true }
type StorageConfig struct {
	Driver         string `json:"driver"`
	Path           string `json:"path"`
	BusyTimeout    string `json:"busy_timeout,omitempty"`    // sqlite
	EventRetention string `json:"event_retention,omitempty"` // sqlite; empty keeps everything
	AuditEvents    bool   `json:"audit_events,omitempty"`
}

// StatusConfig controls the HTTP status server. A non-loopback addr needs a
// token or allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:8090
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// UnitsConfig watches systemd units (linux only). Toggling enabled needs a
// restart; names and restart policy reload live.
type UnitsConfig struct {
	Enabled         bool     `json:"enabled"`
	Names           []string `json:"names"`
	RestartFailed   bool     `json:"restart_failed,omitempty"`
	RestartCooldown string   `json:"restart_cooldown,omitempty"` // default 5m
}

// JobConfig schedules a workflow. Jobs are read at startup only.
type JobConfig struct {
	Name            string         `json:"name"`
	Workflow        string         `json:"workflow"`
	Args            map[string]any `json:"args,omitempty"`
	Schedule        string         `json:"schedule"`
	Priority        string         `json:"priority,omitempty"` // low..critical, default normal
	Timezone        string         `json:"timezone,omitempty"`
	MaxRetries      *int           `json:"max_retries,omitempty"`
	RetryDelay      string         `json:"retry_delay,omitempty"`
	Timeout         string         `json:"timeout,omitempty"`
	MarketHoursOnly bool           `json:"market_hours_only,omitempty"`
	Enabled         *bool          `json:"enabled,omitempty"`
}
