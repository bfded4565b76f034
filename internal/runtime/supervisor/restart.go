package supervisor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	logx "tasker/pkg/logx"
)

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceil  time.Duration
	maxRestarts  int // <=0 means unlimited
	stopOnClean  bool
	recordFailed bool
}

// healthyRun is how long a run must last for the backoff to start over.
const healthyRun = 30 * time.Second

func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if lo > 0 {
			p.floor = lo
		}
		if hi > 0 {
			p.ceil = hi
		}
	}
}

// WithMaxRestarts gives up after n restarts; the first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records the first failure as the supervisor Err while
// still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.recordFailed = enabled }
}

// WithStopOnCleanExit stops instead of restarting when fn returns nil. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnClean = enabled }
}

// wait is the pause before a restart: the current backoff plus up to 20% jitter.
func (p restartPolicy) wait(backoff time.Duration) time.Duration {
	d := min(max(backoff, p.floor), p.ceil)
	if j := d / 5; j > 0 {
		d += time.Duration(rand.Int63n(int64(j + 1)))
	}
	return d
}

var errCleanExit = errors.New("exited")

// GoRestart runs fn and restarts it after errors or panics with jittered
// exponential backoff until the context ends.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{floor: 250 * time.Millisecond, ceil: 30 * time.Second, stopOnClean: true}
	for _, o := range opts {
		o(&p)
	}
	p.ceil = max(p.ceil, p.floor)

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := p.floor
		for restarts := 1; ; restarts++ {
			began := time.Now()
			err := guard(ctx, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if p.stopOnClean {
					return
				}
				err = errCleanExit
			}
			err = s.failure(name, err)
			if p.recordFailed {
				s.record(err)
			}
			if time.Since(began) >= healthyRun {
				backoff = p.floor
			}
			if p.maxRestarts > 0 && restarts > p.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts-1), logx.Err(err))
				s.record(err)
				if s.cancelOnErr {
					s.cancel()
				}
				return
			}

			pause := p.wait(backoff)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", pause), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pause):
			}
			backoff = min(backoff*2, p.ceil)
		}
	})
}
