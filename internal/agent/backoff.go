package agent

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MinBackoff is the backoff floor.
const MinBackoff = time.Second

// Backoff produces the delays between consecutive failed attempts:
// 1s, 2s, 4s, ... capped at the ceiling, with no jitter.
type Backoff struct {
	ceiling time.Duration
	current time.Duration
	exp     *backoff.ExponentialBackOff
}

// NewBackoff creates a Backoff capped at ceiling. A ceiling below the
// floor is raised to the floor.
func NewBackoff(ceiling time.Duration) *Backoff {
	if ceiling < MinBackoff {
		ceiling = MinBackoff
	}
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     MinBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         ceiling,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return &Backoff{ceiling: ceiling, current: MinBackoff, exp: exp}
}

// Current returns the delay the next call to Next will return.
func (b *Backoff) Current() time.Duration {
	return b.current
}

// Next returns the current delay and doubles it for the following call.
func (b *Backoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if d == backoff.Stop || d > b.ceiling {
		d = b.ceiling
	}
	b.current = min(2*d, b.ceiling)
	return d
}

// Reset returns the delay to the floor.
func (b *Backoff) Reset() {
	b.exp.Reset()
	b.current = MinBackoff
}

// Ceiling returns the configured maximum delay.
func (b *Backoff) Ceiling() time.Duration {
	return b.ceiling
}
