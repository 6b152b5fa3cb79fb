package forge

import (
	"math/rand"
	"time"
)

// RetryConfig tunes the retry behavior of forge calls, such as the amount of
// attempts or the backoff between them.
type RetryConfig struct {
	Attempts int // How many times a call is tried before it is considered to have failed

	Backoff time.Duration // How long to wait after the first failed attempt

	BackoffIncrement time.Duration // By how much to increment the backoff on each failed attempt
	MaxBackoff       time.Duration // The maximum duration the backoff may reach after incrementing
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:         3,
		Backoff:          500 * time.Millisecond,
		BackoffIncrement: 500 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
	}
}

// next returns the jittered wait before the given retry (1-based) and whether
// another attempt is allowed.
func (c RetryConfig) next(attempt int) (time.Duration, bool) {
	if attempt >= c.Attempts {
		return 0, false
	}
	backoff := c.Backoff + time.Duration(attempt-1)*c.BackoffIncrement
	if backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}
	// Full jitter keeps concurrent executors from hammering the API in sync.
	return time.Duration(rand.Int63n(int64(backoff) + 1)), true
}
