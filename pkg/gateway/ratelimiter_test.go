package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(3, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("a"), "request %d", i)
	}
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "keys are independent")
	assert.Equal(t, 3, rl.Count("a"))

	now = now.Add(30 * time.Second)
	assert.False(t, rl.Allow("a"), "rejections are not recorded but the window still holds")

	now = now.Add(31 * time.Second)
	assert.True(t, rl.Allow("a"))
	assert.Equal(t, 1, rl.Count("a"))
}

func TestRateLimiter_RecordAndReset(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	assert.False(t, rl.Exceeded("ip"))
	rl.Record("ip")
	rl.Record("ip")
	assert.True(t, rl.Exceeded("ip"))
	assert.Equal(t, 2, rl.Count("ip"), "Exceeded does not record")

	rl.Reset("ip")
	assert.False(t, rl.Exceeded("ip"))
	assert.Zero(t, rl.Count("ip"))
}

func TestMessageLimiter_AllowsBurstThenThrottles(t *testing.T) {
	l := newMessageLimiter(3)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(), "message %d", i)
	}
	assert.False(t, l.Allow())
}
