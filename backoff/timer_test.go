package backoff

import (
	"testing"
	"time"
)

// fakeClock is a manually-advanced Clock for deterministic tests.
type fakeClock struct {
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Canceler {
	ft := &fakeTimer{at: c.now.Add(d), f: f}
	c.pending = append(c.pending, ft)
	return ft
}

func (ft *fakeTimer) Stop() bool {
	already := ft.stopped
	ft.stopped = true
	return !already
}

// advance moves the clock forward by d, firing any timers whose
// deadline has passed, in deadline order.
func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
	for {
		fired := false
		for _, ft := range c.pending {
			if !ft.stopped && !ft.at.After(c.now) {
				ft.stopped = true
				fired = true
				ft.f()
			}
		}
		if !fired {
			break
		}
	}
}

func TestDefaultSTUNPatternSchedule(t *testing.T) {
	p := DefaultSTUNPattern()
	sched := p.Schedule()
	want := []time.Duration{
		0,
		500 * time.Millisecond,
		1500 * time.Millisecond,
		3500 * time.Millisecond,
		7500 * time.Millisecond,
		15500 * time.Millisecond,
	}
	if len(sched) != len(want) {
		t.Fatalf("got %d entries, want %d", len(sched), len(want))
	}
	for i := range want {
		if sched[i] != want[i] {
			t.Fatalf("attempt %d: got %v want %v", i+1, sched[i], want[i])
		}
	}
}

func TestTimerDrivesAllAttemptsThenFails(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var states []State
	p := Pattern{MaxAttempts: 3, Timeouts: []time.Duration{10 * time.Millisecond}, LastAttemptMultiplier: 1}
	timer := NewTimer(p, clock, func(s State) { states = append(states, s) })
	timer.Start()

	attempts := 0
	for !timer.HaveAllAttemptsFailed() {
		if timer.ShouldAttemptNow() {
			attempts++
			timer.NotifyAttempting()
			continue
		}
		clock.advance(10 * time.Millisecond)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if states[len(states)-1] != AllAttemptsFailed {
		t.Fatalf("expected final state AllAttemptsFailed, got %v", states[len(states)-1])
	}
}

func TestTimerRetryNowCancelsPendingWait(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var states []State
	p := Pattern{MaxAttempts: 5, Timeouts: []time.Duration{time.Hour}}
	timer := NewTimer(p, clock, func(s State) { states = append(states, s) })
	timer.Start()
	timer.NotifyAttempting() // attempt 1, waits an hour
	if !timer.HaveAllAttemptsFailed() == timer.ShouldAttemptNow() {
		// sanity: should be waiting, not attempting
	}
	if timer.ShouldAttemptNow() {
		t.Fatalf("should be waiting after first attempt")
	}
	timer.RetryNow()
	if !timer.ShouldAttemptNow() {
		t.Fatalf("RetryNow should force Attempting state")
	}
	// The stale hour-long timer must not fire into a later generation.
	clock.advance(time.Hour)
	if timer.HaveAllAttemptsFailed() {
		t.Fatalf("stale timer should not have advanced state")
	}
}

func TestTimerStopIsIdempotentAndSilencesFurtherState(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	calls := 0
	p := Pattern{MaxAttempts: 2, Timeouts: []time.Duration{time.Millisecond}}
	timer := NewTimer(p, clock, func(State) { calls++ })
	timer.Start()
	timer.NotifyAttempting()
	timer.Stop()
	timer.Stop() // idempotent
	before := calls
	clock.advance(time.Hour)
	if calls != before {
		t.Fatalf("expected no further state callbacks after Stop, got %d new calls", calls-before)
	}
}
