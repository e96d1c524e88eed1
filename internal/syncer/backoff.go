package syncer

import (
	"math/rand/v2"
	"time"
)

const (
	minRetryDelay = time.Second
	maxRetryDelay = 60 * time.Second
	maxJitter     = time.Second

	// MaxFailures is the consecutive failure count at which the engine stops
	// scheduling its own retries.
	MaxFailures = 10
)

// BackoffDelay returns min(1s*2^failCount, 60s) plus jitter. Negative
// counts are treated as zero.
func BackoffDelay(failCount int, jitter time.Duration) time.Duration {
	if failCount < 0 {
		failCount = 0
	}
	delay := maxRetryDelay
	if failCount < 16 {
		if d := minRetryDelay << uint(failCount); d < maxRetryDelay {
			delay = d
		}
	}
	return delay + jitter
}

func defaultJitter() time.Duration {
	return rand.N(maxJitter)
}
