package domain

import (
	"math/rand"
	"time"
)

// jitterFn produces a value in [0,1) used to spread retries. Package-level
// seam so tests can pin it.
var jitterFn = rand.Float64

// RetryPolicy computes when a failed due cycle may be retried. Backoff state
// lives on the agreement itself (FailureStreak, NextRetryAt) rather than in
// an in-process timer, so it survives restarts and works across multiple
// sweep workers.
type RetryPolicy struct {
	// BaseDelay is the delay after the first failure; each further failure
	// doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// MaxRetries is the number of retries allowed after the initial failure.
	// The streak that exceeds it parks the agreement in failed.
	MaxRetries int
	// MaxJitter bounds the random spread added to each delay. Zero disables
	// jitter entirely.
	MaxJitter time.Duration
}

// NextDelay returns the backoff before retrying after the given failure
// streak (streak >= 1): BaseDelay * 2^(streak-1), capped at MaxDelay, plus
// bounded jitter so many agreements failing together do not retry in
// lockstep.
func (p RetryPolicy) NextDelay(failureStreak int) time.Duration {
	if failureStreak < 1 {
		failureStreak = 1
	}
	d := p.BaseDelay
	for i := 1; i < failureStreak; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.MaxJitter > 0 {
		d += time.Duration(jitterFn() * float64(p.MaxJitter))
	}
	return d
}

// Exhausted reports whether the given failure streak has used up the retry
// budget: the initial attempt plus MaxRetries retries.
func (p RetryPolicy) Exhausted(failureStreak int) bool {
	return failureStreak > p.MaxRetries
}
