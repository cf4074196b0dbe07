package scheduler

import "time"

// maxRetryBackoff caps the exponential backoff so a job with a deep retry
// history still reenters the queue within minutes.
const maxRetryBackoff = 10 * time.Minute

// RetryBackoff returns the delay gate before a job's next attempt:
// base * 2^retryCount, capped at maxRetryBackoff.
func RetryBackoff(baseSeconds, retryCount int) time.Duration {
	// Shifting past 30 would overflow long before the cap applies.
	if retryCount > 30 {
		return maxRetryBackoff
	}
	backoff := time.Duration(baseSeconds) * time.Second << uint(retryCount)
	if backoff <= 0 || backoff > maxRetryBackoff {
		return maxRetryBackoff
	}
	return backoff
}
