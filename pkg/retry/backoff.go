package retry

import (
	"context"
	"math/rand"
	"time"
)

// Backoff defines retry backoff behavior.
type Backoff struct {
	// Min is the minimum backoff duration.
	Min time.Duration `yaml:"min" json:"min"`
	// Max is the maximum backoff duration.
	Max time.Duration `yaml:"max" json:"max"`
	// Factor multiplies the delay for each retry attempt.
	Factor float64 `yaml:"factor" json:"factor"`
	// Jitter adds randomization as a fraction of the delay (0-1).
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// DefaultBackoff provides conservative retry defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    250 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// IsZero reports whether no field is set.
func (b Backoff) IsZero() bool {
	return b.Min == 0 && b.Max == 0 && b.Factor == 0 && b.Jitter == 0
}

// Next returns the next backoff duration for the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Second
	}
	if max < min {
		max = min
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Sleep waits for the backoff of attempt. It returns false when ctx ends
// first.
func (b Backoff) Sleep(ctx context.Context, attempt int) bool {
	wait := b.Next(attempt)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
