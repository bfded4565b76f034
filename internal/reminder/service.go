// Package reminder is the scheduling engine: it materializes recurring
// definitions into dated instances, re-sends every open instance once per
// tick until it is marked done, and retracts the redundant repeats.
package reminder

import (
	"sync/atomic"
	"time"

	"tasker/internal/eventbus"
	"tasker/internal/storage"
	"tasker/internal/transport"
	logx "tasker/pkg/logx"
)

// Event types published on the bus.
const (
	EventMaterialized  = "reminder.materialized"
	EventClaimed       = "reminder.claimed"
	EventSent          = "reminder.sent"
	EventSendFailed    = "reminder.send_failed"
	EventDone          = "reminder.done"
	EventRetracted     = "reminder.retracted"
	EventRetractFailed = "reminder.retract_failed"
)

// Event is the payload of reminder.* events. Count carries the number of
// rows or messages the event covers.
type Event struct {
	RunID      string
	InstanceID int64
	ChatID     int64
	Count      int
	Error      string
}

// Settings are the tunables of the engine. They can be swapped at runtime.
type Settings struct {
	// DayOffset moves UTC midnight before the date that counts as today is taken.
	DayOffset time.Duration
	// DisplayOffset shifts send times in listings.
	DisplayOffset time.Duration
	Lookahead     time.Duration

	LanguageEnabled bool
	LanguageSlot    time.Duration // UTC time-of-day
	LanguageLabels  map[string]string

	Concurrency   int
	SendTimeout   time.Duration
	OverviewLimit int

	SweepBudget time.Duration
	SweepPause  time.Duration
	SweepBatch  int
}

func DefaultSettings() Settings {
	return Settings{
		DayOffset:       2 * time.Hour,
		DisplayOffset:   3 * time.Hour,
		Lookahead:       24 * time.Hour,
		LanguageEnabled: true,
		LanguageSlot:    17*time.Hour + 10*time.Minute,
		Concurrency:     10,
		OverviewLimit:   100,
		SweepBudget:     time.Minute,
		SweepPause:      500 * time.Millisecond,
		SweepBatch:      100,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Lookahead <= 0 {
		s.Lookahead = d.Lookahead
	}
	if s.Concurrency <= 0 {
		s.Concurrency = d.Concurrency
	}
	if s.OverviewLimit <= 0 {
		s.OverviewLimit = d.OverviewLimit
	}
	if s.SweepBudget <= 0 {
		s.SweepBudget = d.SweepBudget
	}
	if s.SweepPause < 0 {
		s.SweepPause = 0
	}
	if s.SweepBatch <= 0 {
		s.SweepBatch = d.SweepBatch
	}
	return s
}

type Service struct {
	store    storage.Store
	ch       transport.Channel
	log      logx.Logger
	bus      eventbus.Bus
	settings atomic.Pointer[Settings]
}

func New(store storage.Store, ch transport.Channel, settings Settings, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, ch: ch, log: log.With(logx.String("comp", "reminder")), bus: bus}
	s.Apply(settings)
	return s
}

// Apply swaps the settings used by subsequent runs.
func (s *Service) Apply(settings Settings) {
	v := settings.withDefaults()
	s.settings.Store(&v)
}

func (s *Service) Settings() Settings { return *s.settings.Load() }

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
