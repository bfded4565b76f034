package app

import (
	"strings"
	"testing"
	"time"

	"tasker/internal/config"
)

func validConfig() *config.Config {
	cfg := config.Default()
	cfg.Telegram.Token = "123:abc"
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = "tasker.db"
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*config.Config) {}},
		{name: "no token", mutate: func(c *config.Config) { c.Telegram.Token = "" }, wantErr: "telegram.token"},
		{name: "bad tick", mutate: func(c *config.Config) { c.Scheduler.Tick = "every so often" }, wantErr: "scheduler.tick"},
		{name: "bad timezone", mutate: func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantErr: "scheduler.timezone"},
		{name: "postgres without dsn", mutate: func(c *config.Config) { c.Storage.Driver = "postgres" }, wantErr: "storage.dsn"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			err := validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Storage.BusyTimeout = "3s"
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if sc.Driver != "sqlite" || sc.Path != "tasker.db" || sc.BusyTimeout != 3*time.Second {
		t.Fatalf("unexpected sqlite config: %+v", sc)
	}

	cfg.Storage.Driver = "PostgreSQL"
	cfg.Storage.DSN = " postgres://u@h/db "
	cfg.Storage.MaxConns = 4
	sc, err = mapStorageConfig(cfg)
	if err != nil {
		t.Fatalf("postgres: %v", err)
	}
	if sc.Driver != "postgres" || sc.DSN != "postgres://u@h/db" || sc.MaxConns != 4 {
		t.Fatalf("unexpected postgres config: %+v", sc)
	}

	cfg.Storage.Driver = "mysql"
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestMapReminderSettings(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Reminders.DisplayOffset = "-1h"
	cfg.Reminders.Language.Slot = "06:30"
	off := false
	cfg.Reminders.Language.Enabled = &off
	cfg.Sweep.BatchSize = 25

	s, err := mapReminderSettings(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if s.DayOffset != 2*time.Hour {
		t.Fatalf("DayOffset=%v", s.DayOffset)
	}
	if s.DisplayOffset != -time.Hour {
		t.Fatalf("DisplayOffset=%v", s.DisplayOffset)
	}
	if s.Lookahead != 24*time.Hour {
		t.Fatalf("Lookahead=%v", s.Lookahead)
	}
	if s.LanguageSlot != 6*time.Hour+30*time.Minute || s.LanguageEnabled {
		t.Fatalf("language: slot=%v enabled=%v", s.LanguageSlot, s.LanguageEnabled)
	}
	if s.Concurrency != 10 || s.SweepBatch != 25 || s.SweepPause != 500*time.Millisecond {
		t.Fatalf("dispatch/sweep: %+v", s)
	}

	cfg.Reminders.Lookahead = "soon"
	if _, err := mapReminderSettings(cfg); err == nil {
		t.Fatalf("expected lookahead error")
	}
}

func TestGroupLogChat(t *testing.T) {
	t.Parallel()

	cases := map[string]int64{
		"":               0,
		"-1001234567890": -1001234567890,
		" 42 ":           42,
		"@channel":       0,
	}
	for in, want := range cases {
		cfg := validConfig()
		cfg.Telegram.GroupLog = in
		if got := groupLogChat(cfg); got != want {
			t.Fatalf("groupLogChat(%q)=%d want %d", in, got, want)
		}
	}
}

func TestMapRouterConfigCarriesOwners(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Telegram.OwnerUserIDs = []int64{7, 9}
	rc := mapRouterConfig(cfg)
	if len(rc.Owners) != 2 || rc.Owners[0] != 7 || rc.Owners[1] != 9 {
		t.Fatalf("owners=%v", rc.Owners)
	}
}
