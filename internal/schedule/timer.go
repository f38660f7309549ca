// Package schedule runs callbacks at requested times.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Timer fires callbacks on their own goroutines at the requested time.
// Callbacks may re-arm the Timer and may run concurrently with each other.
type Timer struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*time.Timer
	stopped bool

	running sync.WaitGroup
}

// NewTimer returns a Timer whose callbacks receive a context derived from
// parent and cancelled by Stop.
func NewTimer(parent context.Context) *Timer {
	ctx, cancel := context.WithCancel(parent)
	return &Timer{
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]*time.Timer),
	}
}

// ScheduleAt arranges for fn to run at t. A time in the past fires
// immediately. It is a no-op after Stop.
func (s *Timer) ScheduleAt(t time.Time, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	id := s.nextID
	s.nextID++
	s.running.Add(1)
	s.pending[id] = time.AfterFunc(max(time.Until(t), 0), func() {
		defer s.running.Done()

		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				slog.Error("scheduled callback panicked", "panic", r)
			}
		}()
		fn(s.ctx)
	})
}

// Pending returns the number of callbacks waiting to fire.
func (s *Timer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending callback, cancels the context of running
// ones and waits for them to return.
func (s *Timer) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.pending {
		if t.Stop() {
			s.running.Done()
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.running.Wait()
}
