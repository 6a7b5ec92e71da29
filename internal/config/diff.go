package config

import (
	"reflect"
	"sort"
	"strings"

	"marketpulse/pkg/logx"
)

// SummarizeChange lists changed top-level sections and safe fields for
// logging. Tokens are never included, only whether one is set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.Int("scheduler.max_concurrent", newCfg.Scheduler.MaxConcurrent),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Lifecycle != newCfg.Lifecycle {
		changed = append(changed, "lifecycle")
		attrs = append(attrs,
			logx.String("lifecycle.health_interval", newCfg.Lifecycle.HealthInterval),
			logx.Bool("lifecycle.health_loop", !newCfg.Lifecycle.DisableHealthLoop),
			logx.String("lifecycle.stop_timeout", newCfg.Lifecycle.StopTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Workflow, newCfg.Workflow) {
		changed = append(changed, "workflow")
		attrs = append(attrs, logx.Strings("workflow.default_symbols", newCfg.Workflow.DefaultSymbols))
	}

	if oldCfg.Market != newCfg.Market {
		changed = append(changed, "market")
	}

	if oldCfg.Telegram.ParseMode != newCfg.Telegram.ParseMode ||
		oldCfg.Telegram.Timeout != newCfg.Telegram.Timeout ||
		!reflect.DeepEqual(oldCfg.Telegram.ChatIDs, newCfg.Telegram.ChatIDs) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.chats", len(newCfg.Telegram.ChatIDs)),
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if s := newCfg.Storage; s != nil {
			attrs = append(attrs,
				logx.String("storage.driver", strings.TrimSpace(s.Driver)),
				logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
			)
		}
	}

	if oldCfg.StatusServer != newCfg.StatusServer {
		n := newCfg.StatusServer
		changed = append(changed, "status_server")
		attrs = append(attrs,
			logx.Bool("status_server.enabled", n.Enabled),
			logx.String("status_server.addr", n.Addr),
			logx.Bool("status_server.token_set", n.Token != ""),
			logx.Bool("status_server.pprof", n.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Units, newCfg.Units) {
		changed = append(changed, "units")
		if u := newCfg.Units; u != nil {
			attrs = append(attrs,
				logx.Bool("units.enabled", u.Enabled),
				logx.Strings("units.names", u.Names),
				logx.Bool("units.restart_failed", u.RestartFailed),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes only apply after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "telegram", "jobs", "market":
			out = append(out, s)
		}
	}
	return out
}
