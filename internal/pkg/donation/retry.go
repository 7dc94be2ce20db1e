package donation

import "time"

// RetryPolicy bounds how often a failed billing cycle is retried. MaxAttempts
// counts every attempt in the cycle including the first; the interval doubles
// with each retry.
type RetryPolicy struct {
	MaxAttempts  int
	BaseInterval time.Duration
}

// DefaultRetryPolicy mirrors the production configuration: three attempts per
// cycle, 72 hours before the first retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseInterval: 72 * time.Hour}
}

// Exhausted reports whether a cycle with the given number of attempts already
// made is out of retries.
func (p RetryPolicy) Exhausted(attemptsMade int) bool {
	return attemptsMade >= p.MaxAttempts
}

// NextRetryAt returns when the next retry should run, given the number of
// attempts already made in the cycle.
func (p RetryPolicy) NextRetryAt(attemptsMade int, now time.Time) time.Time {
	backoff := p.BaseInterval
	for i := 1; i < attemptsMade; i++ {
		backoff *= 2
	}
	return now.Add(backoff)
}
