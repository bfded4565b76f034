// Package eventbus is an in-memory fanout of lifecycle signals between the
// reminder engine and its observers.
//
// Publish never blocks. Each subscriber gets a buffered channel; a subscriber
// that falls behind loses events and the loss is counted.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

// Dropped reports how many deliveries b discarded because a subscriber was full.
// It returns 0 for buses not created by New.
func Dropped(b Bus) uint64 {
	if fb, ok := b.(*fanout); ok {
		return fb.dropped.Load()
	}
	return 0
}

func New() Bus {
	fb := &fanout{}
	fb.subs.Store(&[]*subscriber{})
	return fb
}

// fanout publishes to a copy-on-write subscriber list, so Publish takes no
// bus-wide lock.
type fanout struct {
	writeMu sync.Mutex
	subs    atomic.Pointer[[]*subscriber]
	dropped atomic.Uint64
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// offer hands e over without blocking and reports whether it was taken.
func (s *subscriber) offer(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, s := range *b.subs.Load() {
		if !s.offer(e) {
			b.dropped.Add(1)
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.writeMu.Lock()
	next := append(slices.Clone(*b.subs.Load()), s)
	b.subs.Store(&next)
	b.writeMu.Unlock()

	return s.ch, func() { b.remove(s) }
}

// remove detaches s and closes its channel. Calling it twice is harmless.
func (b *fanout) remove(s *subscriber) {
	b.writeMu.Lock()
	cur := *b.subs.Load()
	if i := slices.Index(cur, s); i >= 0 {
		next := slices.Delete(slices.Clone(cur), i, i+1)
		b.subs.Store(&next)
	}
	b.writeMu.Unlock()
	s.close()
}
