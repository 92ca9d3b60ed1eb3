// Package backoff computes capped exponential retry delays.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Exponential describes a capped exponential backoff policy.
// Delay(n) = min(Max, Base * 2^(n-1)), optionally with full jitter.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
	// Floor is the minimum delay returned when Jitter is set.
	Floor time.Duration
}

// Delay returns the wait before retry attempt n (n >= 1).
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if !e.Jitter {
		return time.Duration(d)
	}

	jittered := time.Duration(rand.Float64() * d)
	if jittered < e.Floor {
		jittered = e.Floor
	}
	return jittered
}
