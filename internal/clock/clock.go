// Package clock abstracts wall time and timer scheduling so protocol
// timeouts can be driven by a simulated clock in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
// Stop is idempotent: stopping an already-fired or already-stopped
// timer is a no-op.
type Timer interface {
	Stop() bool
}

// Clock provides the current time and one-shot timer scheduling.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// realClock delegates to the time package.
type realClock struct{}

// New returns a Clock backed by real wall time.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct {
	t *time.Timer
}

func (rt realTimer) Stop() bool {
	return rt.t.Stop()
}

// Fake is a manually advanced clock for tests. Callbacks scheduled
// with AfterFunc fire synchronously during Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake returns a Fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake clock's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc schedules fn to run when the clock is advanced past d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	ft := &fakeTimer{
		clock:    f,
		deadline: f.now.Add(d),
		fn:       fn,
	}
	f.timers = append(f.timers, ft)
	return ft
}

// Advance moves the clock forward and fires every due timer in
// deadline order. Callbacks run on the caller's goroutine and may
// schedule further timers, which also fire if they fall within the
// advanced window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		ft := f.popDue(target)
		if ft == nil {
			break
		}
		ft.fn()
	}

	f.mu.Lock()
	f.now = target
	f.mu.Unlock()
}

// popDue removes and returns the earliest unfired timer with a
// deadline at or before target, advancing now to its deadline.
func (f *Fake) popDue(target time.Time) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	sort.SliceStable(f.timers, func(i, j int) bool {
		return f.timers[i].deadline.Before(f.timers[j].deadline)
	})

	for i, ft := range f.timers {
		if ft.deadline.After(target) {
			break
		}
		if ft.stopped {
			continue
		}
		ft.stopped = true
		f.timers = append(f.timers[:i], f.timers[i+1:]...)
		if ft.deadline.After(f.now) {
			f.now = ft.deadline
		}
		return ft
	}
	return nil
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	fn       func()
	stopped  bool
}

func (ft *fakeTimer) Stop() bool {
	ft.clock.mu.Lock()
	defer ft.clock.mu.Unlock()

	if ft.stopped {
		return false
	}
	ft.stopped = true
	return true
}
