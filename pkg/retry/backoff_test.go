package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffNext(t *testing.T) {
	b := Backoff{Min: 10 * time.Millisecond, Max: 80 * time.Millisecond, Factor: 2}

	testCases := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 80 * time.Millisecond},
		{10, 80 * time.Millisecond},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, b.Next(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := b.Next(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestBackoffSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := Backoff{Min: time.Hour, Max: time.Hour}
	assert.False(t, b.Sleep(ctx, 1))
	assert.True(t, Backoff{Min: time.Millisecond, Max: time.Millisecond}.Sleep(context.Background(), 1))
	assert.True(t, DefaultBackoff().Next(1) > 0)
	assert.True(t, Backoff{}.IsZero())
}
