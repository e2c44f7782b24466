package queue

import "time"

// Decision is the outcome of classifying a failed attempt.
type Decision struct {
	WillRetry     bool
	Unrecoverable bool
}

// MaxAttempts resolves the attempt budget for a job: the larger of the
// job-specific and queue-default attempts, never below zero.
func MaxAttempts(jobAttempts, queueDefault int) int {
	return max(jobAttempts, queueDefault, 0)
}

// Classify decides whether a failed job is retried. attemptsMade counts the
// attempt that just failed. It has no hidden state.
func Classify(err error, attemptsMade, maxAttempts int) Decision {
	if IsUnrecoverable(err) {
		return Decision{WillRetry: false, Unrecoverable: true}
	}
	return Decision{WillRetry: attemptsMade < maxAttempts}
}

// maxRetryBackoff caps the exponential retry delay.
const maxRetryBackoff = 30 * time.Second

// RetryBackoff returns the delay before the next attempt:
// base * 2^(attemptsMade-1), capped at 30s.
func RetryBackoff(base time.Duration, attemptsMade int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	d := base
	for i := 1; i < attemptsMade; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return min(d, maxRetryBackoff)
}
