// Package backoff implements the reusable retry-schedule abstraction
// consumed by the STUN Requester: a declarative Pattern of per-attempt
// timeouts plus a Timer that drives attempts against a clock.
package backoff

import "time"

// Pattern holds a declarative retry schedule: a maximum attempt count,
// an ordered list of per-attempt timeouts with an optional multiplier
// applied to the last explicit entry for any further attempt, and an
// ordered list of post-failure delays.
type Pattern struct {
	MaxAttempts int
	// Timeouts lists the wait-for-response duration before each
	// attempt is considered failed, in attempt order (1-indexed).
	Timeouts []time.Duration
	// LastAttemptMultiplier, if non-zero, is applied repeatedly to the
	// final entry of Timeouts for every attempt beyond len(Timeouts).
	LastAttemptMultiplier float64
	// PostFailureDelays lists the delay observed after "all attempts
	// failed" before a caller may try again (only consulted by callers
	// that reuse a Pattern across independent failure cycles; the STUN
	// Requester itself does not loop this — it surfaces the failure).
	PostFailureDelays []time.Duration
}

// DefaultSTUNPattern is the Requester's default pattern: 6 attempts,
// first timeout 500ms, doubling, one post-failure delay of 1ms.
func DefaultSTUNPattern() Pattern {
	return Pattern{
		MaxAttempts:           6,
		Timeouts:              []time.Duration{500 * time.Millisecond},
		LastAttemptMultiplier: 2.0,
		PostFailureDelays:     []time.Duration{time.Millisecond},
	}
}

// TimeoutForAttempt returns the timeout to apply before the given
// 1-indexed attempt is considered failed. Attempts beyond the explicit
// Timeouts list extrapolate by repeatedly applying
// LastAttemptMultiplier to the final explicit entry.
func (p Pattern) TimeoutForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if len(p.Timeouts) == 0 {
		return 0
	}
	if attempt <= len(p.Timeouts) {
		return p.Timeouts[attempt-1]
	}
	last := p.Timeouts[len(p.Timeouts)-1]
	mult := p.LastAttemptMultiplier
	if mult <= 0 {
		mult = 1
	}
	extra := attempt - len(p.Timeouts)
	d := float64(last)
	for i := 0; i < extra; i++ {
		d *= mult
	}
	return time.Duration(d)
}

// PostFailureDelay returns the delay to observe after the given
// 1-indexed failure cycle. Index beyond the explicit list repeats the
// final entry; an empty list yields zero.
func (p Pattern) PostFailureDelay(cycle int) time.Duration {
	if len(p.PostFailureDelays) == 0 {
		return 0
	}
	if cycle < 1 {
		cycle = 1
	}
	if cycle <= len(p.PostFailureDelays) {
		return p.PostFailureDelays[cycle-1]
	}
	return p.PostFailureDelays[len(p.PostFailureDelays)-1]
}

// Schedule returns the full sequence of send-timestamps (as offsets
// from t0) at which attempts 1..MaxAttempts are sent, useful for tests
// asserting the back-off timing.
func (p Pattern) Schedule() []time.Duration {
	offsets := make([]time.Duration, 0, p.MaxAttempts)
	var cursor time.Duration
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		offsets = append(offsets, cursor)
		cursor += p.TimeoutForAttempt(attempt)
	}
	return offsets
}
