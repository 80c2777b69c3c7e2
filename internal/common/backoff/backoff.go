// Package backoff computes retry delays for invoke-path retries.
package backoff

import "time"

// BaseDelay is the delay before the first retry.
const BaseDelay = time.Second

// Delay returns the sleep duration before retry number attempt (0-based):
// 1s, 2s, 4s, 8s, ...
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return BaseDelay * time.Duration(1<<uint(attempt))
}
