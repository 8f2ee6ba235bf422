package loop

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a one-shot timer whose callback runs on the loop.
// Stop must be called from the loop.
type Timer struct {
	clockTimer clockwork.Timer
	stopped    bool
	fired      bool
}

// AfterFunc runs fn on the loop once d has elapsed. A non-positive d
// schedules fn for the next turn of the loop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	run := func() {
		if t.stopped || t.fired {
			return
		}
		t.fired = true
		fn()
	}

	if d <= 0 {
		l.Post(run)
		return t
	}

	t.clockTimer = l.clock.AfterFunc(d, func() {
		l.Post(run)
	})
	return t
}

// Stop cancels the timer. It reports whether the callback was prevented
// from running. Stopping a nil timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil || t.stopped || t.fired {
		return false
	}
	t.stopped = true
	if t.clockTimer != nil {
		t.clockTimer.Stop()
	}
	return true
}

// Active reports whether the timer is still waiting to fire
func (t *Timer) Active() bool {
	return t != nil && !t.stopped && !t.fired
}

// Timeouts is a set of named timers. Arming a name that is already armed
// keeps the existing timer. Use it only from the loop.
type Timeouts struct {
	loop   *Loop
	timers map[string]*Timer
}

// NewTimeouts creates an empty timer set bound to l
func NewTimeouts(l *Loop) *Timeouts {
	return &Timeouts{loop: l, timers: make(map[string]*Timer)}
}

// Add arms the named timer unless it is already armed
func (ts *Timeouts) Add(name string, d time.Duration, fn func()) {
	if ts.Has(name) {
		return
	}

	var timer *Timer
	timer = ts.loop.AfterFunc(d, func() {
		if ts.timers[name] == timer {
			delete(ts.timers, name)
		}
		fn()
	})
	ts.timers[name] = timer
}

// Remove cancels the named timer
func (ts *Timeouts) Remove(name string) {
	if timer, ok := ts.timers[name]; ok {
		timer.Stop()
		delete(ts.timers, name)
	}
}

// RemoveAll cancels every timer in the set
func (ts *Timeouts) RemoveAll() {
	for name, timer := range ts.timers {
		timer.Stop()
		delete(ts.timers, name)
	}
}

// Has reports whether the named timer is armed
func (ts *Timeouts) Has(name string) bool {
	timer, ok := ts.timers[name]
	return ok && timer.Active()
}
