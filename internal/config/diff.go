package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tasker/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (token, DSN) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.APIURL != nt.APIURL || ot.RatePerSec != nt.RatePerSec {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick", newCfg.Scheduler.Tick),
			logx.String("scheduler.materialize", newCfg.Scheduler.Materialize),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.String("reminders.day_offset", newCfg.Reminders.DayOffset),
			logx.String("reminders.display_offset", newCfg.Reminders.DisplayOffset),
			logx.String("reminders.language.slot", newCfg.Reminders.Language.Slot),
			logx.Int("reminders.language.labels", len(newCfg.Reminders.Language.Labels)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.concurrency", newCfg.Dispatch.Concurrency),
			logx.Int("dispatch.overview_limit", newCfg.Dispatch.OverviewLimit),
		)
	}

	if oldCfg.Sweep != newCfg.Sweep {
		changed = append(changed, "sweep")
		attrs = append(attrs,
			logx.String("sweep.budget", newCfg.Sweep.Budget),
			logx.String("sweep.pause", newCfg.Sweep.Pause),
			logx.Int("sweep.batch_size", newCfg.Sweep.BatchSize),
		)
	}

	oldS, ns := oldCfg.Storage, newCfg.Storage
	if oldS != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports sections that cannot be fully hot-applied. Telegram
// owners and the log target still apply live.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "telegram", "storage":
			out = append(out, c)
		}
	}
	return out
}
