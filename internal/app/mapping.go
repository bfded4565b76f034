package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tasker/internal/config"
	"tasker/internal/reminder"
	"tasker/internal/storage"
	"tasker/internal/task/scheduler"
	"tasker/internal/transport/telegram/router"
	logx "tasker/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	connect, err := config.ParseDurationOrDefault("storage.connect_timeout", sc.ConnectTimeout, storage.ConnectTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "postgres", "postgresql", "pgx":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: dsn, ConnectTimeout: connect, MaxConns: int32(sc.MaxConns)}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, ConnectTimeout: connect}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %q", sc.Driver)
	}
}

func mapReminderSettings(cfg *config.Config) (reminder.Settings, error) {
	r := cfg.Reminders
	d := reminder.DefaultSettings()

	dayOffset, err := config.ParseOffsetOrDefault("reminders.day_offset", r.DayOffset, d.DayOffset)
	if err != nil {
		return reminder.Settings{}, err
	}
	displayOffset, err := config.ParseOffsetOrDefault("reminders.display_offset", r.DisplayOffset, d.DisplayOffset)
	if err != nil {
		return reminder.Settings{}, err
	}
	lookahead, err := config.ParseDurationOrDefault("reminders.lookahead", r.Lookahead, d.Lookahead)
	if err != nil {
		return reminder.Settings{}, err
	}
	slot := d.LanguageSlot
	if strings.TrimSpace(r.Language.Slot) != "" {
		if slot, err = config.ParseClock("reminders.language.slot", r.Language.Slot); err != nil {
			return reminder.Settings{}, err
		}
	}
	enabled := d.LanguageEnabled
	if r.Language.Enabled != nil {
		enabled = *r.Language.Enabled
	}
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	if err != nil {
		return reminder.Settings{}, err
	}
	budget, err := config.ParseDurationOrDefault("sweep.budget", cfg.Sweep.Budget, d.SweepBudget)
	if err != nil {
		return reminder.Settings{}, err
	}
	pause, err := config.ParseDurationOrDefault("sweep.pause", cfg.Sweep.Pause, d.SweepPause)
	if err != nil {
		return reminder.Settings{}, err
	}

	return reminder.Settings{
		DayOffset:       dayOffset,
		DisplayOffset:   displayOffset,
		Lookahead:       lookahead,
		LanguageEnabled: enabled,
		LanguageSlot:    slot,
		LanguageLabels:  r.Language.Labels,
		Concurrency:     cfg.Dispatch.Concurrency,
		SendTimeout:     sendTimeout,
		OverviewLimit:   cfg.Dispatch.OverviewLimit,
		SweepBudget:     budget,
		SweepPause:      pause,
		SweepBatch:      cfg.Sweep.BatchSize,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapRouterConfig(cfg *config.Config) router.Config {
	return router.Config{Owners: cfg.Telegram.OwnerUserIDs}
}

// groupLogChat parses telegram.group_log; 0 means no log chat.
func groupLogChat(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// validate is the reload gate: a config that fails here is never applied.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReminderSettings(cfg); err != nil {
		return err
	}
	for path, spec := range map[string]string{
		"scheduler.tick":        cfg.Scheduler.Tick,
		"scheduler.materialize": cfg.Scheduler.Materialize,
	} {
		if err := scheduler.ValidateSchedule(spec); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}
