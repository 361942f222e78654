package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindowLimit(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	sw := NewSlidingWindow(10, time.Minute, WithWindowClock(clock.now))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := sw.Allow(ctx, "k", 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
	}

	res, err := sw.Allow(ctx, "k", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestSlidingWindowNoBoundaryBurst(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	sw := NewSlidingWindow(10, time.Minute, WithWindowClock(clock.now))
	ctx := context.Background()

	// Exhaust the window right at its start.
	for i := 0; i < 10; i++ {
		res, _ := sw.Allow(ctx, "k", 1)
		require.True(t, res.Allowed)
	}

	// Just past the boundary most of the previous window still weighs in,
	// so a fresh full burst must not be admitted.
	clock.advance(65 * time.Second)
	admitted := 0
	for i := 0; i < 10; i++ {
		res, _ := sw.Allow(ctx, "k", 1)
		if res.Allowed {
			admitted++
		}
	}
	assert.Less(t, admitted, 10)
}

func TestSlidingWindowRecovers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	sw := NewSlidingWindow(5, time.Minute, WithWindowClock(clock.now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, _ := sw.Allow(ctx, "k", 1)
		require.True(t, res.Allowed)
	}
	res, _ := sw.Allow(ctx, "k", 1)
	require.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// Two full windows later everything has slid out.
	clock.advance(2 * time.Minute)
	res, _ = sw.Allow(ctx, "k", 1)
	assert.True(t, res.Allowed)
}

func TestSlidingWindowCost(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	sw := NewSlidingWindow(10, time.Minute, WithWindowClock(clock.now))
	ctx := context.Background()

	res, err := sw.Allow(ctx, "k", 8)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = sw.Allow(ctx, "k", 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = sw.Allow(ctx, "k", 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
