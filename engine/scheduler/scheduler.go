// Package scheduler turns a profile's instantaneous RPS into a concrete
// sequence of dispatches, per spec.md §4.S. Two interchangeable
// realizations are provided; both honor the same Scheduler contract:
// cooperative stop, at most one completion signal, and cleanup of any
// background goroutines before that signal fires.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ratelimit-lab/adaptive-limiter/engine/internal/clock"
	"github.com/ratelimit-lab/adaptive-limiter/engine/profile"
)

// Dispatch is called once per scheduled send; the scheduler never waits on
// it directly, it only spawns it — the dispatcher owns its own concurrency
// and timeout handling.
type Dispatch func()

// Scheduler drives a profile over a bounded duration, invoking Dispatch
// asynchronously according to the realization's timing model.
type Scheduler interface {
	// Start begins driving the profile; it spawns its own goroutine(s) and
	// returns immediately.
	Start()
	// Stop requests the scheduler halt; idempotent, safe to call multiple
	// times and from any goroutine. It does not block for completion.
	Stop()
	// Done is closed exactly once, after the scheduler has finished (either
	// by reaching duration or by Stop).
	Done() <-chan struct{}
	// Err returns the error recorded during the run, if the profile raised
	// one; nil on a clean finish. Safe to call only after Done is closed.
	Err() error
}

// Options configures either realization.
type Options struct {
	Profile     profile.Profile
	Duration    time.Duration
	Dispatch    Dispatch
	Clock       clock.Clock   // defaults to clock.New()
	IdleDelay   time.Duration // Interval scheduler only; default 100ms, floor 1ms
	TickPeriod  time.Duration // Tick scheduler only; default 100ms
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.IdleDelay <= 0 {
		o.IdleDelay = 100 * time.Millisecond
	} else if o.IdleDelay < time.Millisecond {
		o.IdleDelay = time.Millisecond
	}
	if o.TickPeriod <= 0 {
		o.TickPeriod = 100 * time.Millisecond
	}
}

// base holds the fields common to both realizations.
type base struct {
	opts Options

	startedAt time.Time
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopped   atomic.Bool

	errMu sync.Mutex
	err   error
}

func newBase(opts Options) *base {
	opts.setDefaults()
	return &base{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (b *base) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.stopCh)
	})
}

func (b *base) Done() <-chan struct{} { return b.doneCh }

func (b *base) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *base) setErr(err error) {
	b.errMu.Lock()
	b.err = err
	b.errMu.Unlock()
}

// finish is deferred by each run loop: a panic raised by the profile or the
// dispatch callback is recorded as the run's error before Done is closed.
func (b *base) finish() {
	if r := recover(); r != nil {
		b.setErr(fmt.Errorf("scheduler: run aborted: %v", r))
	}
	close(b.doneCh)
}

func (b *base) elapsed() time.Duration {
	return b.opts.Clock.Now().Sub(b.startedAt)
}

func (b *base) stopRequested() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}

// Interval is the default realization: a single cooperative worker loop
// that sleeps between individual dispatches (spec.md §4.S).
type Interval struct {
	*base
}

// NewInterval constructs an Interval scheduler. Call Start to begin.
func NewInterval(opts Options) *Interval {
	return &Interval{base: newBase(opts)}
}

func (s *Interval) Start() {
	s.startedAt = s.opts.Clock.Now()
	go s.run()
}

func (s *Interval) run() {
	defer s.finish()
	for {
		if s.stopRequested() {
			return
		}
		elapsed := s.elapsed()
		if elapsed >= s.opts.Duration {
			return
		}
		rps := s.opts.Profile.CurrentRPS(elapsed)
		if rps == 0 {
			if !s.sleep(s.opts.IdleDelay) {
				return
			}
			continue
		}
		delay := s.opts.Profile.NextDelay(elapsed)
		if !s.sleep(delay) {
			return
		}
		if s.stopRequested() {
			return
		}
		if s.elapsed() >= s.opts.Duration {
			return
		}
		s.opts.Dispatch()
	}
}

// sleep waits for d or an early stop signal, reporting whether the sleep
// completed without being interrupted by Stop.
func (s *Interval) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	if mc, ok := s.opts.Clock.(interface{ Advance(time.Duration) }); ok {
		// Deterministic clocks advance synchronously; still watch stopCh so
		// tests calling Stop concurrently observe it promptly.
		mc.Advance(d)
		return !s.stopRequested()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// Tick is the fixed-period realization: each tick computes the expected
// number of dispatches from the instantaneous rate and carries the
// fractional remainder forward (spec.md §4.S).
type Tick struct {
	*base
	carry float64
}

// NewTick constructs a Tick scheduler. Call Start to begin.
func NewTick(opts Options) *Tick {
	return &Tick{base: newBase(opts)}
}

func (s *Tick) Start() {
	s.startedAt = s.opts.Clock.Now()
	go s.run()
}

func (s *Tick) run() {
	defer s.finish()
	ticker := time.NewTicker(s.opts.TickPeriod)
	defer ticker.Stop()
	tickSeconds := s.opts.TickPeriod.Seconds()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			elapsed := s.elapsed()
			if elapsed >= s.opts.Duration {
				return
			}
			rps := s.opts.Profile.CurrentRPS(elapsed)
			expected := rps*tickSeconds + s.carry
			count := int(expected)
			s.carry = expected - float64(count)
			for i := 0; i < count; i++ {
				if s.stopRequested() {
					return
				}
				s.opts.Dispatch()
			}
		}
	}
}

// WithContext wraps ctx so its cancellation also stops the scheduler,
// returning a cleanup func to stop the watcher goroutine.
func WithContext(ctx context.Context, s Scheduler) (cleanup func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()
	return func() { close(done) }
}
