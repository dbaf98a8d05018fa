package adoit

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays with symmetric jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction of the delay, 0..1
}

// DefaultBackoff starts at 250ms and caps at 10s.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   250 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: 0.2,
	}
}

// Next returns the wait before retry number attempt (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.Base)
	for i := 0; i < attempt && delay < float64(b.Max); i++ {
		delay *= b.Factor
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		delay += delay * (rand.Float64()*2 - 1) * b.Jitter
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}
