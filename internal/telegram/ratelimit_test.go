package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_MinSpacing(t *testing.T) {
	rl := NewRateLimiter(1000, 1000, 20*time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Wait(context.Background()))
	}
	// two gaps of >= 20ms after the first free pass
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRateLimiter_FloodWaitHoldsGate(t *testing.T) {
	rl := NewRateLimiter(1000, 1000, 0)
	rl.SetFloodWait(50 * time.Millisecond)

	remaining := rl.FloodWaitRemaining()
	assert.Greater(t, remaining, time.Duration(0))

	start := time.Now()
	require.NoError(t, rl.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimiter_FloodWaitCancellable(t *testing.T) {
	rl := NewRateLimiter(1000, 1000, 0)
	rl.SetFloodWait(10 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiter_FloodWaitNeverShrinks(t *testing.T) {
	rl := NewRateLimiter(1000, 1000, 0)
	rl.SetFloodWait(10 * time.Second)
	long := rl.FloodWaitRemaining()

	rl.SetFloodWait(1 * time.Millisecond)
	assert.GreaterOrEqual(t, rl.FloodWaitRemaining(), long-time.Second)
}
