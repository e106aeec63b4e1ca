package queue

import "time"

// RetryPolicy controls redelivery pacing for failed jobs.
type RetryPolicy struct {
	// MaxAttempts is the total delivery budget per job.
	MaxAttempts int
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration
	// BackoffMultiplier scales the delay per subsequent attempt.
	BackoffMultiplier float64
	// MaxBackoff caps the delay.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy matches the queue defaults: five attempts with
// exponential backoff starting at ten seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		BackoffBase:       10 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Minute,
	}
}

// Delay returns the backoff before the retry following the given
// delivery attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BackoffBase
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.BackoffMultiplier)
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}
