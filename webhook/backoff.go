package webhook

import "time"

// Backoff computes the wait before the next attempt.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	// Max caps a single delay. Zero means uncapped.
	Max time.Duration
}

// DefaultBackoff returns 60s doubling.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Minute, Multiplier: 2}
}

// Delay returns Initial * Multiplier^(attempts-1) for attempts >= 1.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(b.Initial)
	for i := 1; i < attempts; i++ {
		d *= b.Multiplier
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
