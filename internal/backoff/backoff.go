// Package backoff implements the reconnect delay policy of the stream worker:
// start at a minimum delay, double on every failed attempt, cap at a maximum,
// and return to the minimum once a stream delivers a message.
package backoff

import (
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// DefaultMin is the first delay after a failure.
	DefaultMin = time.Second
	// DefaultMax caps the delay.
	DefaultMax = 120 * time.Second
)

// Backoff is a resettable capped exponential delay sequence.
type Backoff struct {
	min time.Duration
	max time.Duration

	mu      sync.Mutex
	seq     retry.Backoff
	current time.Duration
}

// New creates a Backoff. Non-positive bounds fall back to the defaults and a
// max below min is raised to min.
func New(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = DefaultMin
	}
	if max <= 0 {
		max = DefaultMax
	}
	if max < min {
		max = min
	}
	b := &Backoff{min: min, max: max}
	b.Reset()
	return b
}

// Next returns the delay to wait before the next attempt and advances the
// sequence: min, 2*min, 4*min, ... capped at max.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	next, _ := b.seq.Next()
	if next <= 0 || next > b.max {
		next = b.max
	}
	b.current = next
	return next
}

// Current returns the delay most recently handed out by Next, or min if the
// sequence was just reset.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Reset restarts the sequence at min.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq = retry.WithCappedDuration(b.max, retry.NewExponential(b.min))
	b.current = b.min
}

// Min returns the configured minimum delay.
func (b *Backoff) Min() time.Duration { return b.min }

// Max returns the configured maximum delay.
func (b *Backoff) Max() time.Duration { return b.max }
