package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "tasker/pkg/logx"
)

// ErrUnknownSchedule is returned by Trigger for a name that was never added.
var ErrUnknownSchedule = errors.New("scheduler: unknown schedule")

// AddSchedule registers job under name. schedule is anything ParseSchedule
// accepts. Adding an existing name replaces it.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: name required")
	}
	if job == nil {
		return fmt.Errorf("schedule %s: job required", name)
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	e := &entry{name: name, timeout: timeout, job: job}
	switch ps.Kind {
	case SpecCron:
		if e.cron, err = cronParser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		e.spec = ps.Cron
	case SpecInterval:
		e.every = ps.Every
		e.spec = "@every " + ps.Every.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(name)
	s.entries[name] = e
	if s.cron == nil {
		return nil
	}
	s.registerLocked(e)
	s.log.Debug("schedule registered",
		logx.String("name", name),
		logx.String("spec", e.spec),
		logx.Duration("timeout", timeout),
		logx.String("next", strings.Join(s.upcomingLocked(e, 3), ", ")),
	)
	return nil
}

// registerLocked hands e to the running cron. Interval entries first fire
// after one period plus a random spread.
func (s *Service) registerLocked(e *entry) {
	sched := e.cron
	e.spread = 0
	if sched == nil {
		sched, e.spread = withSpread(e.every, time.Now().In(s.loc))
	}
	e.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))
}

func (s *Service) dropLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if s.cron != nil && e.id != 0 {
		s.cron.Remove(e.id)
	}
	delete(s.entries, name)
	return true
}

// Remove unschedules name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	removed := s.dropLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Trigger runs the named job now, outside its schedule. A run already in
// flight makes it a skip, reported as false.
func (s *Service) Trigger(name string) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return false, ErrUnknownSchedule
	}
	return s.fire(e), nil
}

// Schedules lists registered schedules sorted by name.
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := ScheduleInfo{Name: e.name, Spec: e.spec, Timeout: e.timeout, Running: e.running.Load()}
		if s.cron != nil && e.id != 0 {
			ce := s.cron.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// upcomingLocked formats the next n runs of a cron entry for debug logs.
func (s *Service) upcomingLocked(e *entry, n int) []string {
	if e.cron == nil || !s.log.Enabled(logx.LevelDebug) {
		return nil
	}
	out := make([]string, 0, n)
	for t := time.Now().In(s.loc); len(out) < n; {
		if t = e.cron.Next(t); t.IsZero() {
			break
		}
		out = append(out, t.Format(time.DateTime))
	}
	return out
}
