package limits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	sw := NewSlidingWindow(3, time.Second)

	assert.True(t, sw.Allow())
	assert.True(t, sw.Allow())
	assert.True(t, sw.Allow())
	assert.False(t, sw.Allow(), "fourth event inside the window must be rejected")
	assert.Equal(t, 3, sw.CurrentRate())
}

func TestSlidingWindowSlidesForward(t *testing.T) {
	sw := NewSlidingWindow(2, 50*time.Millisecond)

	require.True(t, sw.Allow())
	require.True(t, sw.Allow())
	require.False(t, sw.Allow())

	// Once the oldest admission leaves the window, capacity returns.
	time.Sleep(60 * time.Millisecond)
	assert.True(t, sw.Allow())
	assert.Equal(t, 1, sw.CurrentRate())
}

func TestSlidingWindowRejectionDoesNotConsume(t *testing.T) {
	sw := NewSlidingWindow(1, time.Second)

	require.True(t, sw.Allow())
	for i := 0; i < 10; i++ {
		require.False(t, sw.Allow())
	}
	// Rejected calls must not extend the window's occupancy.
	assert.Equal(t, 1, sw.CurrentRate())
}

func TestRecipientLimitersAreIndependent(t *testing.T) {
	rl := NewRecipientLimiters(1, time.Second, time.Hour)

	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"), "bob's window is separate from alice's")

	assert.Equal(t, 1, rl.CurrentRate("alice"))
	assert.Equal(t, 0, rl.CurrentRate("carol"), "untracked recipient has rate 0")
	assert.Equal(t, 2, rl.Count())
}

func TestRecipientLimitersRemove(t *testing.T) {
	rl := NewRecipientLimiters(1, time.Second, time.Hour)

	require.True(t, rl.Allow("alice"))
	require.False(t, rl.Allow("alice"))

	rl.Remove("alice")
	assert.Equal(t, 0, rl.Count())
	// A fresh limiter is created on the next admission.
	assert.True(t, rl.Allow("alice"))
}

func TestRecipientLimitersReapIdle(t *testing.T) {
	rl := NewRecipientLimiters(10, time.Second, 30*time.Millisecond)

	require.True(t, rl.Allow("alice"))
	require.True(t, rl.Allow("bob"))
	require.Equal(t, 2, rl.Count())

	time.Sleep(50 * time.Millisecond)
	require.True(t, rl.Allow("bob")) // bob stays active

	reaped := rl.ReapIdle()
	assert.Equal(t, 1, reaped)
	assert.Equal(t, 1, rl.Count())
	assert.Equal(t, 1, rl.CurrentRate("bob"))
}
