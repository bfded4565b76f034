package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the trigger service.
type Config struct {
	// Timezone is an IANA name cron specs are read in. Empty or invalid means
	// UTC, the zone reminder days are counted in.
	Timezone string
}

// Event types published on the bus.
const (
	EventJobStarted  = "job.started"
	EventJobFinished = "job.finished"
	EventJobFailed   = "job.failed"
	EventJobSkipped  = "job.skipped"
)

// JobEvent is the payload of the job.* events.
type JobEvent struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type Job func(ctx context.Context) error

// ScheduleInfo describes one registered schedule.
type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Running bool
}

// entry is one named schedule. Cron entries keep their parsed schedule;
// interval entries get a fresh spread each time they are registered.
type entry struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job

	cron  cron.Schedule
	every time.Duration

	id      cron.EntryID
	spread  time.Duration
	running atomic.Bool
}
