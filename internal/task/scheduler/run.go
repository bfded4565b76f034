package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"tasker/internal/eventbus"
	logx "tasker/pkg/logx"
)

// fire starts one run of e unless one is already in flight.
func (s *Service) fire(e *entry) bool {
	if !e.running.CompareAndSwap(false, true) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", e.name))
		s.publish(EventJobSkipped, JobEvent{Name: e.name, Started: time.Now(), Error: "overlap_skip"})
		return false
	}
	s.mu.Lock()
	root := s.root
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		defer e.running.Store(false)
		s.run(root, e)
	}()
	return true
}

func (s *Service) run(root context.Context, e *entry) {
	ctx := root
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(root, e.timeout)
		defer cancel()
	}

	began := time.Now()
	s.publish(EventJobStarted, JobEvent{Name: e.name, Started: began})
	err := s.call(ctx, e)
	took := time.Since(began)

	ev := JobEvent{Name: e.name, Started: began, Duration: took}
	if err != nil && !errors.Is(err, context.Canceled) {
		ev.Error = err.Error()
		s.log.Warn("job failed", logx.String("schedule", e.name), logx.Duration("took", took), logx.Err(err))
		s.publish(EventJobFailed, ev)
		return
	}
	s.log.Debug("job finished", logx.String("schedule", e.name), logx.Duration("took", took))
	s.publish(EventJobFinished, ev)
}

// call runs the job, turning a panic into an error.
func (s *Service) call(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("schedule", e.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.job(ctx)
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}
