package retry

import (
	"math/rand"
	"time"
)

// Policy is the connection-wide backoff used when no Spec applies: a flat
// interval multiplied by the attempt count.
type Policy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Jitter      float64
}

func DefaultPolicy() Policy {
	return Policy{
		Interval:    10 * time.Millisecond,
		MaxInterval: 2500 * time.Millisecond,
		Jitter:      0,
	}
}

func (p Policy) CalculateDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Interval) * float64(attempt)

	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		jitterOffset := (rand.Float64()*2 - 1) * jitterRange
		delay += jitterOffset
	}

	return time.Duration(delay)
}

func (p Policy) NextAttemptTime(now time.Time, attempt int) time.Time {
	return now.Add(p.CalculateDelay(attempt))
}
