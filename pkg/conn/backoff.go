package conn

import (
	"errors"
	"time"
)

var ErrConnectionExhausted = errors.New("reconnect attempts exhausted")

// Backoff is an exponential reconnect schedule: Base, doubled for each consecutive failure, capped at Max, for at
// most MaxAttempts retries. MaxAttempts of zero retries forever.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Next returns the delay before the retry that follows the given number of consecutive failures, or
// ErrConnectionExhausted once the retry budget is spent.
func (b Backoff) Next(failures int) (time.Duration, error) {
	if failures < 1 {
		failures = 1
	}
	if b.MaxAttempts > 0 && failures > b.MaxAttempts {
		return 0, ErrConnectionExhausted
	}
	delay := b.Base
	for i := 1; i < failures; i++ {
		if b.Max > 0 && delay >= b.Max {
			break
		}
		delay *= 2
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay, nil
}
