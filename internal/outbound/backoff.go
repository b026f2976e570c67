package outbound

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls delivery retry pacing for transient failures.
type RetryPolicy struct {
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// DefaultRetryPolicy returns the delivery retry schedule: 5s, 10s, 20s,
// doubling up to a 5 minute ceiling, giving up after 8 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 5 * time.Second,
		Multiplier:     2.0,
		MaxBackoff:     5 * time.Minute,
		MaxAttempts:    8,
	}
}

// NextDelay returns the delay before the attempt after failedAttempt, with
// up to ±25% jitter to avoid retry stampedes when many messages fail at
// once.
func (p RetryPolicy) NextDelay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}

	multiplier := math.Pow(p.Multiplier, float64(failedAttempt-1))
	delay := time.Duration(float64(p.InitialBackoff) * multiplier)
	if delay <= 0 || delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}

	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}
