package dispatch

import "time"

// Backoff widens the dispatcher's idle interval exponentially up to a cap.
// A successful dispatch resets it to the initial interval, keeping
// interactive command types responsive while limiting store polling
// pressure when the fleet is quiet.
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	current    time.Duration
}

// NewBackoff returns a Backoff starting at initial and capped at max.
func NewBackoff(initial, max time.Duration, multiplier float64) *Backoff {
	if multiplier <= 1 {
		multiplier = 1.5
	}
	return &Backoff{initial: initial, max: max, multiplier: multiplier}
}

// Next returns the next idle interval.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
	} else {
		b.current = time.Duration(float64(b.current) * b.multiplier)
		if b.current > b.max {
			b.current = b.max
		}
	}
	return b.current
}

// Reset returns the backoff to its initial state.
func (b *Backoff) Reset() {
	b.current = 0
}
