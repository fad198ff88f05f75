package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, rl.Wait(ctx, "a.example.org"))
	require.NoError(t, rl.Wait(ctx, "b.example.org"), "a fresh key has its own burst")
	assert.Error(t, rl.Wait(ctx, "a.example.org"), "the exhausted key waits past the deadline")
}

func TestRateLimiter_Unlimited(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	for range 100 {
		require.NoError(t, rl.Wait(ctx, "host"))
	}
}

func TestRateLimiter_UpdateLimits(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, rl.Wait(ctx, "host"))
	rl.UpdateLimits(0, 1)
	assert.NoError(t, rl.Wait(ctx, "host"))
}
