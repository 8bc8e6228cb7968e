package engine

import (
	"math"
	"time"
)

// RetryPolicy defines the transient-failure retry schedule for a single
// queued update.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy yields inter-attempt delays of 0s, 3s and 9s before
// the update is moved to the failed list on its fourth failure.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 3 * time.Second, BackoffFactor: 3}
}

// NextDelay returns the wait before retry number attempt (1-based). The
// first retry is immediate; subsequent waits grow geometrically.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = 3 * time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 3
	}

	delay := float64(r.BaseDelay) * math.Pow(r.BackoffFactor, float64(attempt-2))
	return time.Duration(delay)
}
