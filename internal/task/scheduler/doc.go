// Package scheduler fires named jobs on cron or interval schedules.
//
// Each schedule runs at most one job at a time: a trigger that arrives while
// the previous run is still in flight is skipped and reported on the event bus.
package scheduler
