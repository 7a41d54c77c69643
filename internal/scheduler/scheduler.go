// Package scheduler provides a single sequential event timeline with named,
// cancellable timers.
//
// Every closure posted to a Scheduler runs on one goroutine, in the order it
// was posted. State that is only touched from that goroutine needs no locks.
// Timers post their callback to the timeline when they fire, so a timer
// callback never races with other events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultQueueSize is the event buffer used when Options.QueueSize is zero.
const DefaultQueueSize = 256

// ErrStopped is returned by Do when the scheduler is not running.
var ErrStopped = errors.New("scheduler: stopped")

// Logger is the minimal logging interface used for recovered panics.
type Logger interface {
	Error(msg string, args ...any)
}

// Options configures a Scheduler.
type Options struct {
	// Clock is the time source. Nil means the real clock.
	Clock Clock

	// QueueSize is the event buffer capacity.
	QueueSize int

	// Logger receives recovered panics. Optional.
	Logger Logger
}

// Scheduler is a sequential event loop with named timers.
type Scheduler struct {
	clock  Clock
	events chan func()
	logger Logger

	mu      sync.Mutex
	timers  map[string]*namedTimer
	gen     uint64
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

type namedTimer struct {
	gen   uint64
	timer Timer
}

// New creates a Scheduler. Call Run to start the timeline.
func New(opts Options) *Scheduler {
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Scheduler{
		clock:  clock,
		events: make(chan func(), size),
		logger: opts.Logger,
		timers: make(map[string]*namedTimer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() Clock {
	return s.clock
}

// Now returns the scheduler clock's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Run drains events until ctx is cancelled or Stop is called. It must be
// called exactly once.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-s.stopCh:
			return
		case fn := <-s.events:
			s.execute(fn)
		}
	}
}

// Done is closed when Run returns.
func (s *Scheduler) Done() <-chan struct{} {
	return s.doneCh
}

// Post queues fn on the timeline. It returns false if the scheduler is
// stopped. Post blocks while the queue is full.
func (s *Scheduler) Post(fn func()) bool {
	select {
	case <-s.stopCh:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.stopCh:
		return false
	}
}

// Do runs fn on the timeline and waits for it to finish. It must not be
// called from the timeline itself.
func (s *Scheduler) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !s.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return ErrStopped
	}
}

// After schedules fn on the timeline once d has elapsed, replacing any
// pending timer with the same name.
func (s *Scheduler) After(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, ok := s.timers[name]; ok {
		old.timer.Stop()
	}

	s.gen++
	gen := s.gen
	nt := &namedTimer{gen: gen}
	s.timers[name] = nt
	nt.timer = s.clock.AfterFunc(d, func() {
		if !s.release(name, gen) {
			return
		}
		s.Post(fn)
	})
}

// Every runs fn on the timeline at a fixed interval until cancelled.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) {
	var tick func()
	tick = func() {
		s.After(name, interval, tick)
		fn()
	}
	s.After(name, interval, tick)
}

// Cancel stops the named timer. It returns false if no such timer is pending.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	nt, ok := s.timers[name]
	if !ok {
		return false
	}
	delete(s.timers, name)
	nt.timer.Stop()
	return true
}

// Has reports whether the named timer is pending.
func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// Pending returns the number of pending timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer and ends the timeline. Events still queued are
// dropped. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		for name, nt := range s.timers {
			nt.timer.Stop()
			delete(s.timers, name)
		}
		s.mu.Unlock()
		close(s.stopCh)
	})
}

// release removes the named timer if it is still the given generation.
func (s *Scheduler) release(name string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	nt, ok := s.timers[name]
	if !ok || nt.gen != gen {
		return false
	}
	delete(s.timers, name)
	return true
}

func (s *Scheduler) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Error("panic in scheduled event", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
