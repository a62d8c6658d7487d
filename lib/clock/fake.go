// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only through
// Advance; pending After, Sleep, and Ticker waiters fire when the clock
// passes their deadline, in deadline order.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	f := &FakeClock{now: initial}
	f.registered = sync.NewCond(&f.mu)
	return f
}

// FakeClock is a deterministic Clock for tests.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*waiter
	registered *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time

	// period is non-zero for ticker waiters; after firing the waiter is
	// rescheduled at deadline + period.
	period  time.Duration
	stopped bool
}

// Now returns the current fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that receives once the clock has been
// advanced past d from now. If d <= 0 the channel receives immediately.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.pending = append(f.pending, &waiter{deadline: f.now.Add(d), ch: ch})
	f.registered.Broadcast()
	return ch
}

// NewTicker returns a Ticker driven by Advance. Panics if d <= 0.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	w := &waiter{deadline: f.now.Add(d), ch: make(chan time.Time, 1), period: d}
	f.pending = append(f.pending, w)
	f.registered.Broadcast()

	return &Ticker{
		C: w.ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.stopped = true
		},
		reset: func(d time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.period = d
			w.deadline = f.now.Add(d)
			w.stopped = false
		},
	}
}

// Sleep blocks until the clock advances past d. Returns immediately if
// d <= 0.
func (f *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time, in deadline order. Channel sends
// never block; a ticker whose consumer is behind drops the tick. If the
// advance spans several ticker periods the ticker fires once per
// period, buffer permitting.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
		for _, w := range due {
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// takeDue removes due waiters from the pending list and reschedules
// tickers for their next period.
func (f *FakeClock) takeDue(target time.Time) []*waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, rest []*waiter
	for _, w := range f.pending {
		switch {
		case w.stopped:
		case !w.deadline.After(target):
			due = append(due, w)
		default:
			rest = append(rest, w)
		}
	}
	for _, w := range due {
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
			rest = append(rest, w)
		}
	}
	f.pending = rest
	return due
}

// AwaitWaiters blocks until at least n waiters are registered and not
// yet fired. It closes the race between a goroutine setting up a timer
// and the test advancing the clock:
//
//	go func() { fake.Sleep(time.Minute) }()
//	fake.AwaitWaiters(1)
//	fake.Advance(time.Minute)
func (f *FakeClock) AwaitWaiters(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.activeLocked() < n {
		f.registered.Wait()
	}
}

// WaiterCount reports the number of active pending waiters.
func (f *FakeClock) WaiterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeLocked()
}

func (f *FakeClock) activeLocked() int {
	n := 0
	for _, w := range f.pending {
		if !w.stopped {
			n++
		}
	}
	return n
}
