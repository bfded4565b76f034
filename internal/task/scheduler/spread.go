package scheduler

import (
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

const maxSpread = 30 * time.Second

// spreadSchedule fires first at a fixed time, then every period.
type spreadSchedule struct {
	every cron.Schedule
	first time.Time
}

func (s spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

// withSpread builds an interval schedule whose first run lands after one
// period plus a random delay of up to min(period, 30s), so intervals added
// together do not fire together.
func withSpread(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, maxSpread)
	if window <= 0 {
		return base, 0
	}
	jitter := time.Duration(rand.Int63n(int64(window)))
	return spreadSchedule{every: base, first: now.Add(every + jitter)}, jitter
}
