// Package clock abstracts the time source so schedules (polling, heartbeats,
// discovery timeouts) can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a one-shot callback that can be stopped or rescheduled.
type Timer interface {
	// Stop cancels the timer. Reports whether it was still pending.
	Stop() bool
	// Reset reschedules the callback d from now. Reports whether the timer
	// was still pending.
	Reset(d time.Duration) bool
}

// Clock is the time source used by everything that schedules work.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f on its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall-clock implementation over the time package.
type Real struct{}

// New returns the wall-clock time source.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually advanced clock for tests. Timers fire synchronously
// inside Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake returns a fake clock starting at now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, fn: fn, deadline: f.now.Add(d), pending: true, inList: true}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward, firing due timers in order. Callbacks run
// without the clock lock held so they may schedule new timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range f.timers {
			if !t.pending || t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.pending = false
		if next.deadline.After(f.now) {
			f.now = next.deadline
		}
		fn := next.fn
		f.mu.Unlock()
		fn()
		f.mu.Lock()
	}
	f.now = target
	f.compact()
	f.mu.Unlock()
}

// Pending reports how many timers are armed.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if t.pending {
			n++
		}
	}
	return n
}

// NextDeadline returns the earliest armed deadline and whether one exists.
func (f *Fake) NextDeadline() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pending := f.timers[:0:0]
	for _, t := range f.timers {
		if t.pending {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return time.Time{}, false
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].deadline.Before(pending[j].deadline) })
	return pending[0].deadline, true
}

func (f *Fake) compact() {
	kept := f.timers[:0]
	for _, t := range f.timers {
		if t.pending {
			kept = append(kept, t)
		} else {
			t.inList = false
		}
	}
	f.timers = kept
}

type fakeTimer struct {
	clock    *Fake
	fn       func()
	deadline time.Time
	pending  bool
	inList   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.pending
	t.pending = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.pending
	t.deadline = t.clock.now.Add(d)
	t.pending = true
	if !t.inList {
		t.clock.timers = append(t.clock.timers, t)
		t.inList = true
	}
	return was
}
