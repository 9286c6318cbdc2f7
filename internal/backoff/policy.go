package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBaseDelay = time.Second
	// Attempts past this exponent already exceed any sane ceiling; clamping
	// keeps the shift from overflowing.
	maxExponent = 30
)

// Policy maps a 1-based reconnect attempt to the wait before that attempt.
// The zero value of Rand selects math/rand; tests pass a fixed source or a
// zero Jitter to get deterministic delays.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	MaxAttempts int
	Rand        func(n int64) int64
}

// ChatDefaults mirrors the chat socket's retry envelope.
func ChatDefaults() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    15 * time.Second,
		Jitter:      500 * time.Millisecond,
		MaxAttempts: 5,
	}
}

// StreamDefaults is the notification stream's retry envelope.
func StreamDefaults() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      time.Second,
		MaxAttempts: 8,
	}
}

// Delay returns min(MaxDelay, BaseDelay*2^(attempt-1)) plus a jitter in [0, Jitter).
func (p Policy) Delay(attempt int) time.Duration {
	return p.BaseDelayFor(attempt) + p.jitter()
}

// BaseDelayFor returns the un-jittered delay for attempt.
func (p Policy) BaseDelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	exponent := attempt - 1
	if exponent > maxExponent {
		exponent = maxExponent
	}
	delay := base << uint(exponent)
	if p.MaxDelay > 0 && (delay <= 0 || delay > p.MaxDelay) {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether failures consecutive failures hit the ceiling.
// A non-positive MaxAttempts never exhausts.
func (p Policy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}

func (p Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	source := p.Rand
	if source == nil {
		source = rand.Int64N
	}
	return time.Duration(source(int64(p.Jitter)))
}
