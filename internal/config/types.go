package config

// Config is the whole bot configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "2h").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Reminders RemindersConfig `json:"reminders"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Sweep     SweepConfig     `json:"sweep"`
	Storage   StorageConfig   `json:"storage"`
}

type TelegramConfig struct {
	// Token is usually supplied through BOT_TOKEN instead of the file.
	Token        string  `json:"token,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	GroupLog     string  `json:"group_log,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
	// APIURL overrides https://api.telegram.org (local bot API servers, tests).
	APIURL     string `json:"api_url,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	// Level is trace|debug|info|warn|error|off.
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the two triggers. Specs accept anything
// scheduler.ParseSchedule accepts (cron with optional seconds, "@every 1m", "55m").
type SchedulerConfig struct {
	Timezone    string `json:"timezone,omitempty"`
	Tick        string `json:"tick,omitempty"`
	Materialize string `json:"materialize,omitempty"`
	// MaterializeOnStart runs the materializer once right after startup.
	MaterializeOnStart *bool `json:"materialize_on_start,omitempty"`
}

type RemindersConfig struct {
	// DayOffset moves UTC midnight before the date that counts as today is taken.
	DayOffset string `json:"day_offset,omitempty"`
	// DisplayOffset shifts send times when rendering listings. May be negative.
	DisplayOffset string         `json:"display_offset,omitempty"`
	Lookahead     string         `json:"lookahead,omitempty"`
	Language      LanguageConfig `json:"language"`
}

// LanguageConfig drives the synthetic "language of the day" reminder.
type LanguageConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Slot    string `json:"slot,omitempty"` // HH:MM time-of-day, UTC
	// Labels maps a task name found at Slot to the synthetic reminder title.
	Labels map[string]string `json:"labels,omitempty"`
}

type DispatchConfig struct {
	Concurrency int    `json:"concurrency,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	// OverviewLimit caps the outstanding list sent before a first reminder.
	OverviewLimit int `json:"overview_limit,omitempty"`
}

type SweepConfig struct {
	Budget    string `json:"budget,omitempty"`
	Pause     string `json:"pause,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// StorageConfig selects the store driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tasker.db" }
//	"storage": { "driver": "postgres" }   // DSN from CONNECTION_STRING
type StorageConfig struct {
	Driver         string `json:"driver,omitempty"`
	DSN            string `json:"dsn,omitempty"`
	Path           string `json:"path,omitempty"`
	BusyTimeout    string `json:"busy_timeout,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	MaxConns       int    `json:"max_conns,omitempty"`
}
