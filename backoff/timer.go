package backoff

import (
	"sync"
	"time"
)

// State is the back-off timer's current phase.
type State int

// Timer states.
const (
	// Attempting means an attempt should be sent now.
	Attempting State = iota
	// WaitingAfterAttempt means an attempt was sent and the timer is
	// waiting for its per-attempt timeout to elapse.
	WaitingAfterAttempt
	// AllAttemptsFailed means MaxAttempts were exhausted with no
	// success reported to the timer.
	AllAttemptsFailed
)

func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case WaitingAfterAttempt:
		return "waiting-after-attempt"
	case AllAttemptsFailed:
		return "all-attempts-failed"
	default:
		return "unknown"
	}
}

// Clock abstracts time so tests can drive a Timer without sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Canceler
}

// Canceler stops a scheduled callback. Stop is idempotent and safe to
// call after the callback has already fired.
type Canceler interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Canceler {
	return time.AfterFunc(d, f)
}

// RealClock is the production Clock backed by the time package.
var RealClock Clock = realClock{}

// Timer drives a Pattern's schedule of attempts. It does not send
// anything itself: callers call NotifyAttempting immediately after
// performing the attempt's side effect (e.g. transmitting a packet),
// and the Timer arms the next timeout or declares failure.
type Timer struct {
	pattern Pattern
	clock   Clock
	onState func(State)

	mu         sync.Mutex
	state      State
	attempt    int
	generation int
	pending    Canceler
}

// NewTimer creates a Timer for pattern. onState is invoked (outside any
// internal lock) whenever the timer's state changes; it may be nil.
func NewTimer(pattern Pattern, clock Clock, onState func(State)) *Timer {
	if clock == nil {
		clock = RealClock
	}
	return &Timer{pattern: pattern, clock: clock, onState: onState, state: Attempting}
}

func (t *Timer) emit(s State) {
	t.mu.Lock()
	t.state = s
	cb := t.onState
	t.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Start transitions the timer into its first Attempting state. The
// caller should immediately perform attempt 1 and call
// NotifyAttempting. Idempotent if called more than once before any
// attempt is notified.
func (t *Timer) Start() {
	t.mu.Lock()
	t.attempt = 0
	t.state = Attempting
	t.mu.Unlock()
}

// ShouldAttemptNow reports whether the timer is currently in the
// Attempting state (i.e. a send should happen now).
func (t *Timer) ShouldAttemptNow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Attempting
}

// HaveAllAttemptsFailed reports whether the schedule is exhausted.
func (t *Timer) HaveAllAttemptsFailed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == AllAttemptsFailed
}

// NotifyAttempting records that an attempt was just sent and arms the
// per-attempt timeout. If the schedule is already exhausted this is a
// no-op.
func (t *Timer) NotifyAttempting() {
	t.mu.Lock()
	if t.state == AllAttemptsFailed {
		t.mu.Unlock()
		return
	}
	t.attempt++
	attempt := t.attempt
	t.generation++
	gen := t.generation
	timeout := t.pattern.TimeoutForAttempt(attempt)
	maxAttempts := t.pattern.MaxAttempts
	if t.pending != nil {
		t.pending.Stop()
	}
	t.state = WaitingAfterAttempt
	t.pending = t.clock.AfterFunc(timeout, func() { t.onTimeout(gen, attempt, maxAttempts) })
	t.mu.Unlock()

	t.emit(WaitingAfterAttempt)
}

func (t *Timer) onTimeout(gen, attempt, maxAttempts int) {
	t.mu.Lock()
	if gen != t.generation {
		// Stale timer fired after cancellation/retry; discard.
		t.mu.Unlock()
		return
	}
	if attempt >= maxAttempts {
		t.state = AllAttemptsFailed
		t.mu.Unlock()
		t.emit(AllAttemptsFailed)
		return
	}
	t.state = Attempting
	t.mu.Unlock()
	t.emit(Attempting)
}

// RetryNow cancels any pending per-attempt timeout and forces the
// timer back into the Attempting state immediately, e.g. to retry a
// request right away after the network path changes.
func (t *Timer) RetryNow() {
	t.mu.Lock()
	t.generation++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.state = Attempting
	t.mu.Unlock()
	t.emit(Attempting)
}

// Stop cancels any pending timeout. Idempotent. After Stop, the timer
// emits no further state changes.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.generation++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.onState = nil
	t.mu.Unlock()
}

// Attempt returns the number of attempts sent so far.
func (t *Timer) Attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}
