package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultTickSpec        = "0 * * * * *"
	DefaultMaterializeSpec = "0 0 0 * * *"
	DefaultLanguageSlot    = "17:10"
)

// DefaultLanguageLabels is the built-in language-of-the-day table.
func DefaultLanguageLabels() map[string]string {
	return map[string]string{
		"Злоебучий диплом": "Сегодня мы говорим по-русски",
		"Svenska Språk":    "idag talar vi Svenska",
		"Deutsche Sprache": "heute sprechen wir Deutsch",
		"English Language": "we speak English today",
	}
}

// Default returns a config that runs with nothing but BOT_TOKEN and
// CONNECTION_STRING in the environment.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{Tick: DefaultTickSpec, Materialize: DefaultMaterializeSpec},
		Reminders: RemindersConfig{
			DayOffset:     "2h",
			DisplayOffset: "3h",
			Lookahead:     "24h",
			Language:      LanguageConfig{Slot: DefaultLanguageSlot, Labels: DefaultLanguageLabels()},
		},
		Dispatch: DispatchConfig{Concurrency: 10, OverviewLimit: 100},
		Sweep:    SweepConfig{Budget: "1m", Pause: "500ms", BatchSize: 100},
		Storage:  StorageConfig{ConnectTimeout: "5s"},
	}
}

// fillDefaults sets zero-valued fields to their defaults in place.
func fillDefaults(cfg *Config) {
	d := Default()
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if strings.TrimSpace(cfg.Scheduler.Tick) == "" {
		cfg.Scheduler.Tick = d.Scheduler.Tick
	}
	if strings.TrimSpace(cfg.Scheduler.Materialize) == "" {
		cfg.Scheduler.Materialize = d.Scheduler.Materialize
	}
	r := &cfg.Reminders
	if strings.TrimSpace(r.DayOffset) == "" {
		r.DayOffset = d.Reminders.DayOffset
	}
	if strings.TrimSpace(r.DisplayOffset) == "" {
		r.DisplayOffset = d.Reminders.DisplayOffset
	}
	if strings.TrimSpace(r.Lookahead) == "" {
		r.Lookahead = d.Reminders.Lookahead
	}
	if strings.TrimSpace(r.Language.Slot) == "" {
		r.Language.Slot = d.Reminders.Language.Slot
	}
	if r.Language.Labels == nil {
		r.Language.Labels = d.Reminders.Language.Labels
	}
	if cfg.Dispatch.Concurrency <= 0 {
		cfg.Dispatch.Concurrency = d.Dispatch.Concurrency
	}
	if cfg.Dispatch.OverviewLimit <= 0 {
		cfg.Dispatch.OverviewLimit = d.Dispatch.OverviewLimit
	}
	if strings.TrimSpace(cfg.Sweep.Budget) == "" {
		cfg.Sweep.Budget = d.Sweep.Budget
	}
	if strings.TrimSpace(cfg.Sweep.Pause) == "" {
		cfg.Sweep.Pause = d.Sweep.Pause
	}
	if cfg.Sweep.BatchSize <= 0 {
		cfg.Sweep.BatchSize = d.Sweep.BatchSize
	}
	if strings.TrimSpace(cfg.Storage.ConnectTimeout) == "" {
		cfg.Storage.ConnectTimeout = d.Storage.ConnectTimeout
	}
}

// Validate reports the first configuration problem found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required (set %s)", EnvBotToken)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn: required for postgres (set %s)", EnvConnectionString)
		}
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path: required for sqlite")
		}
	case "":
		return fmt.Errorf("storage.driver: required (or set %s)", EnvConnectionString)
	default:
		return fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver)
	}
	for path, raw := range map[string]string{
		"reminders.day_offset":    cfg.Reminders.DayOffset,
		"reminders.lookahead":     cfg.Reminders.Lookahead,
		"dispatch.send_timeout":   cfg.Dispatch.SendTimeout,
		"sweep.budget":            cfg.Sweep.Budget,
		"sweep.pause":             cfg.Sweep.Pause,
		"storage.busy_timeout":    cfg.Storage.BusyTimeout,
		"storage.connect_timeout": cfg.Storage.ConnectTimeout,
		"telegram.poll_timeout":   cfg.Telegram.PollTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if _, err := ParseOffsetOrDefault("reminders.display_offset", cfg.Reminders.DisplayOffset, 0); err != nil {
		return err
	}
	if _, err := ParseClock("reminders.language.slot", cfg.Reminders.Language.Slot); err != nil {
		return err
	}
	return nil
}
