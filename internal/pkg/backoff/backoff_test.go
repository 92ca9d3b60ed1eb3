package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential_Delay(t *testing.T) {
	b := Exponential{Base: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{30, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponential_JitterBounds(t *testing.T) {
	b := Exponential{Base: time.Second, Max: 4 * time.Second, Jitter: true, Floor: 100 * time.Millisecond}
	for i := 0; i < 200; i++ {
		d := b.Delay(5)
		if d < 100*time.Millisecond || d > 4*time.Second {
			t.Fatalf("delay %v outside [100ms, 4s]", d)
		}
	}
}
