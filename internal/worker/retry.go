package worker

import "time"

// RetryPolicy governs the delay between queue-level retries of one logical
// message. This is distinct from the in-call HTTP retries the external
// clients perform inside a single attempt.
type RetryPolicy struct {
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultRetryPolicy spaces the (few) queue retries far enough apart that a
// brief collaborator outage usually clears between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:     30 * time.Second,
		BackoffFactor: 4,
		MaxDelay:      10 * time.Minute,
	}
}

// CalculateNextRetry returns the republish delay after the given 1-based
// attempt number: BaseDelay * BackoffFactor^(attempt-1), clamped to
// MaxDelay. The producer further clamps to the queue's own delay ceiling.
func CalculateNextRetry(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= policy.BackoffFactor
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	if d < 0 {
		// Guard against overflow
		d = policy.MaxDelay
	}

	return d
}
