package queue

import "time"

// BackoffPolicy decides when a failed row becomes eligible for re-claiming.
// It is an injected strategy so operators can tune retry pacing without
// touching the state machine
type BackoffPolicy interface {
	NextAttempt(attempts int, lastProcessed time.Time) time.Time
}

// ExponentialBackoff doubles the delay per attempt, capped at Max.
// attempts is the value after incrementing for the failure being resolved,
// so the first retry waits Base
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) NextAttempt(attempts int, lastProcessed time.Time) time.Time {
	delay := b.Base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= b.Max {
			delay = b.Max
			break
		}
	}
	if delay > b.Max {
		delay = b.Max
	}
	return lastProcessed.Add(delay)
}
