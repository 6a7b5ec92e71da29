package app

import (
	"fmt"
	"strings"
	"time"

	"marketpulse/internal/config"
	"marketpulse/internal/lifecycle"
	"marketpulse/internal/market"
	"marketpulse/internal/notifier"
	"marketpulse/internal/statusserver"
	"marketpulse/internal/storage"
	"marketpulse/internal/task/scheduler"
	"marketpulse/internal/units"
	"marketpulse/internal/workflow"
	"marketpulse/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		MaxConcurrent: sc.MaxConcurrent,
		Timezone:      strings.TrimSpace(sc.Timezone),
	}
	if sc.MaxConcurrent < 0 {
		return out, fmt.Errorf("scheduler.max_concurrent must be >= 0")
	}
	if sc.DefaultMaxRetries != nil {
		if *sc.DefaultMaxRetries < 0 {
			return out, fmt.Errorf("scheduler.default_max_retries must be >= 0")
		}
		out.DefaultMaxRetries = *sc.DefaultMaxRetries
	} else {
		out.DefaultMaxRetries = 3
	}
	d := config.Durations{Section: "scheduler"}
	out.PollInterval = d.Get("poll_interval", sc.PollInterval, 0)
	out.StuckThreshold = d.Get("stuck_threshold", sc.StuckThreshold, 0)
	out.DefaultTimeout = d.Get("default_timeout", sc.DefaultTimeout, 0)
	out.DefaultRetryDelay = d.Get("default_retry_delay", sc.DefaultRetryDelay, 0)
	if err := d.Err(); err != nil {
		return out, err
	}
	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return out, fmt.Errorf("scheduler.timezone: invalid %q: %w", out.Timezone, err)
		}
	}
	return out, nil
}

func mapLifecycle(cfg *config.Config) (lifecycle.Config, error) {
	lc := cfg.Lifecycle
	d := config.Durations{Section: "lifecycle"}
	out := lifecycle.Config{
		HealthInterval: d.Get("health_interval", lc.HealthInterval, 0),
		HealthTimeout:  d.Get("health_timeout", lc.HealthTimeout, 0),
		StopTimeout:    d.Get("stop_timeout", lc.StopTimeout, 0),
	}
	if err := d.Err(); err != nil {
		return lifecycle.Config{}, err
	}
	if lc.DisableHealthLoop {
		out.HealthInterval = -1
	}
	return out, nil
}

func mapWorkflow(cfg *config.Config) (workflow.Config, error) {
	timeout, err := config.ParseDuration("workflow.timeout", cfg.Workflow.Timeout, 0)
	if err != nil {
		return workflow.Config{}, err
	}
	syms := make([]string, 0, len(cfg.Workflow.DefaultSymbols))
	for _, s := range cfg.Workflow.DefaultSymbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			syms = append(syms, s)
		}
	}
	return workflow.Config{DefaultSymbols: syms, Timeout: timeout}, nil
}

func mapMarket(cfg *config.Config) (*market.Hours, error) {
	mc := cfg.Market
	tz := strings.TrimSpace(mc.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(cfg.Scheduler.Timezone)
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("market.timezone: invalid %q: %w", tz, err)
		}
	}
	var opts []market.Option
	if mc.Open != "" || mc.Close != "" {
		sess := market.RegularSession
		var err error
		if mc.Open != "" {
			if sess.Open, err = market.ParseClock(mc.Open); err != nil {
				return nil, fmt.Errorf("market.open: %w", err)
			}
		}
		if mc.Close != "" {
			if sess.Close, err = market.ParseClock(mc.Close); err != nil {
				return nil, fmt.Errorf("market.close: %w", err)
			}
		}
		if sess.Close <= sess.Open {
			return nil, fmt.Errorf("market: close %s must be after open %s", sess.Close, sess.Open)
		}
		opts = append(opts, market.WithSession(sess))
	}
	return market.New(tz, opts...), nil
}

func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		d := config.Durations{Section: "storage"}
		busy := d.Get("busy_timeout", sc.BusyTimeout, time.Second)
		retention := d.Get("event_retention", sc.EventRetention, 0)
		if err := d.Err(); err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, EventRetention: retention}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapNotifier enables the notifier by default once chats are configured.
func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:   len(cfg.Telegram.ChatIDs) > 0,
		ChatIDs:   append([]int64(nil), cfg.Telegram.ChatIDs...),
		ParseMode: strings.TrimSpace(cfg.Telegram.ParseMode),
		RetryMax:  3,
	}
	if out.ParseMode != "" && !strings.EqualFold(out.ParseMode, "HTML") {
		return out, fmt.Errorf("telegram.parse_mode: unsupported %q (want HTML or empty)", out.ParseMode)
	}
	nc := cfg.Notifier
	if nc == nil {
		out.DedupWindow = time.Minute
		return out, nil
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return out, fmt.Errorf("notifier: counts must be >= 0")
	}
	out.Enabled = nc.Enabled && len(out.ChatIDs) > 0
	out.Workers = nc.Workers
	out.QueueSize = nc.QueueSize
	out.RatePerSec = nc.RatePerSec
	out.RetryMax = nc.RetryMax
	out.DedupMaxEntries = nc.DedupMaxEntries
	d := config.Durations{Section: "notifier"}
	out.RetryBase = d.Get("retry_base", nc.RetryBase, 0)
	out.RetryMaxDelay = d.Get("retry_max_delay", nc.RetryMaxDelay, 0)
	out.DedupWindow = d.Get("dedup_window", nc.DedupWindow, time.Minute)
	return out, d.Err()
}

func mapTelegram(cfg *config.Config) (notifier.TelegramConfig, error) {
	timeout, err := config.ParseDuration("telegram.timeout", cfg.Telegram.Timeout, 0)
	if err != nil {
		return notifier.TelegramConfig{}, err
	}
	return notifier.TelegramConfig{Token: cfg.Telegram.Token, Timeout: timeout}, nil
}

func mapStatus(cfg *config.Config) (statusserver.Config, error) {
	sc := cfg.StatusServer
	out := statusserver.Config{
		Enabled:              sc.Enabled,
		Addr:                 strings.TrimSpace(sc.Addr),
		Token:                strings.TrimSpace(sc.Token),
		AllowInsecure:        sc.AllowInsecure,
		Pprof:                sc.Pprof,
		MutexProfileFraction: sc.MutexProfileFraction,
		BlockProfileRate:     sc.BlockProfileRate,
	}
	d := config.Durations{Section: "status_server"}
	out.ReadTimeout = d.Get("read_timeout", sc.ReadTimeout, 10*time.Second)
	// 0 by default so /debug/pprof/profile can stream for 30s
	out.WriteTimeout = d.Get("write_timeout", sc.WriteTimeout, 0)
	out.IdleTimeout = d.Get("idle_timeout", sc.IdleTimeout, 60*time.Second)
	return out, d.Err()
}

func mapUnits(cfg *config.Config) (units.Config, bool, error) {
	uc := cfg.Units
	if uc == nil || !uc.Enabled {
		return units.Config{}, false, nil
	}
	if len(uc.Names) == 0 {
		return units.Config{}, false, fmt.Errorf("units.names is required when units.enabled is true")
	}
	cooldown, err := config.ParseDuration("units.restart_cooldown", uc.RestartCooldown, 0)
	if err != nil {
		return units.Config{}, false, err
	}
	return units.Config{Units: uc.Names, RestartFailed: uc.RestartFailed, RestartCooldown: cooldown}, true, nil
}

// jobSpec is a validated config job.
type jobSpec struct {
	name     string
	workflow string
	args     workflow.Args
	schedule string
	priority scheduler.Priority
	opts     []scheduler.JobOption
}

func mapJobs(cfg *config.Config) ([]jobSpec, error) {
	out := make([]jobSpec, 0, len(cfg.Jobs))
	seen := map[string]bool{}
	for i, jc := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(jc.Name)
		if name == "" {
			return nil, fmt.Errorf("%s.name is required", path)
		}
		if seen[name] {
			return nil, fmt.Errorf("%s: duplicate job name %q", path, name)
		}
		seen[name] = true
		if strings.TrimSpace(jc.Workflow) == "" {
			return nil, fmt.Errorf("%s.workflow is required", path)
		}
		if _, err := scheduler.ParseSchedule(jc.Schedule); err != nil {
			return nil, fmt.Errorf("%s.schedule: %w", path, err)
		}
		prio, err := scheduler.ParsePriority(jc.Priority)
		if err != nil {
			return nil, fmt.Errorf("%s.priority: %w", path, err)
		}

		var opts []scheduler.JobOption
		if tz := strings.TrimSpace(jc.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return nil, fmt.Errorf("%s.timezone: invalid %q: %w", path, tz, err)
			}
			opts = append(opts, scheduler.WithTimezone(tz))
		}
		if jc.MaxRetries != nil {
			opts = append(opts, scheduler.WithMaxRetries(*jc.MaxRetries))
		}
		d := config.Durations{Section: path}
		retryDelay := d.Get("retry_delay", jc.RetryDelay, 0)
		timeout := d.Get("timeout", jc.Timeout, 0)
		if err := d.Err(); err != nil {
			return nil, err
		}
		if retryDelay > 0 {
			opts = append(opts, scheduler.WithRetryDelay(retryDelay))
		}
		if timeout > 0 {
			opts = append(opts, scheduler.WithTimeout(timeout))
		}
		if jc.MarketHoursOnly {
			opts = append(opts, scheduler.WithMarketHoursOnly(true))
		}
		if jc.Enabled != nil {
			opts = append(opts, scheduler.WithEnabled(*jc.Enabled))
		}
		out = append(out, jobSpec{
			name:     name,
			workflow: strings.TrimSpace(jc.Workflow),
			args:     workflow.Args(jc.Args),
			schedule: jc.Schedule,
			priority: prio,
			opts:     opts,
		})
	}
	return out, nil
}

// Validate checks every section the way New maps it.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: invalid %q", lvl)
	}
	if lvl := strings.TrimSpace(cfg.Logging.Alerts.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.alerts.min_level: invalid %q", lvl)
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapLifecycle(cfg); err != nil {
		return err
	}
	if _, err := mapWorkflow(cfg); err != nil {
		return err
	}
	if _, err := mapMarket(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, err := mapStatus(cfg); err != nil {
		return err
	}
	if _, _, err := mapUnits(cfg); err != nil {
		return err
	}
	_, err := mapJobs(cfg)
	return err
}
