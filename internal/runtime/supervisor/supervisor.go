// Package supervisor runs named goroutines under one context. Panics become
// errors, the first error is kept, and loops can be restarted with backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "tasker/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg      sync.WaitGroup
	started atomic.Uint64
	active  atomic.Int64

	errMu sync.Mutex
	err   error

	idleOnce sync.Once
	idle     chan struct{}
}

type Option func(*Supervisor)

// Counters are operational signals only.
type Counters struct {
	Active  int64
	Started uint64
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first goroutine error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop(), idle: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded goroutine error.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// panicError carries a recovered panic and the stack it happened on.
type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// guard runs fn, turning a panic into a *panicError.
func guard(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return fn(ctx)
}

// failure names err after the goroutine and logs panics. Cancellation and
// nil are not failures.
func (s *Supervisor) failure(name string, err error) error {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", pe.value), logx.String("stack", pe.stack))
		return fmt.Errorf("panic in %s: %v", name, pe.value)
	case err == nil || errors.Is(err, context.Canceled):
		return nil
	default:
		return fmt.Errorf("%s: %w", name, err)
	}
}

// Go runs fn in a goroutine. A panic or non-cancellation error is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		if err := s.failure(name, guard(s.ctx, fn)); err != nil {
			s.record(err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Stop cancels the context and waits for every goroutine until ctx ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends, and reports the
// first recorded error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.idleOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.idle:
		return s.Err()
	}
}

// record keeps err if it is the first one.
func (s *Supervisor) record(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}
