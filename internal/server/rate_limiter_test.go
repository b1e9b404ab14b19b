package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	req := require.New(t)
	rl := newRateLimiter(RateLimitConfig{Burst: 3, RefillInterval: time.Second})
	now := rl.lastCheck
	rl.now = func() time.Time { return now }

	req.True(rl.allow())
	req.True(rl.allow())
	req.True(rl.allow())
	req.False(rl.allow())

	now = now.Add(400 * time.Millisecond)
	req.True(rl.allow())
	req.False(rl.allow())

	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		req.True(rl.allow())
	}
	req.False(rl.allow())
}

func TestRateLimiterDefaultsInvalidConfig(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	require.Equal(t, float64(1), rl.capacity)
	require.Equal(t, float64(1), rl.rate)
}
