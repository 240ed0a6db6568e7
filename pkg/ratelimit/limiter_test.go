package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	tb := NewTokenBucket(5, time.Second)

	for i := 0; i < 5; i++ {
		assert.True(t, tb.Allow(), "expected token %d to be available", i+1)
	}
	assert.False(t, tb.Allow(), "expected bucket to be empty")

	// One token refills every 200ms
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tb.Wait(ctx))

	tb.Reset()
	for i := 0; i < 5; i++ {
		assert.True(t, tb.Allow(), "expected token %d after reset", i+1)
	}
}

func TestFixedWindow(t *testing.T) {
	fw := NewFixedWindow(2, 200*time.Millisecond)

	assert.True(t, fw.Allow())
	assert.True(t, fw.Allow())
	assert.False(t, fw.Allow())

	start := time.Now()
	require.NoError(t, fw.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	fw.tokens = 0
	fw.Reset()
	assert.Equal(t, fw.capacity, fw.tokens)
}

func TestSlidingWindow(t *testing.T) {
	sw := NewSlidingWindow(3, 300*time.Millisecond)

	for i := 0; i < 3; i++ {
		assert.True(t, sw.Allow(), "expected request %d to be allowed", i+1)
	}
	assert.False(t, sw.Allow(), "expected request to be denied when limit is reached")

	time.Sleep(350 * time.Millisecond)
	assert.True(t, sw.Allow(), "expected request to be allowed after window slides")

	sw.Reset()
	assert.Empty(t, sw.requests)
}

func TestWaitHonoursCancellation(t *testing.T) {
	limiters := map[string]Limiter{
		"token_bucket":   NewTokenBucket(1, time.Hour),
		"fixed_window":   NewFixedWindow(1, time.Hour),
		"sliding_window": NewSlidingWindow(1, time.Hour),
	}

	for name, l := range limiters {
		t.Run(name, func(t *testing.T) {
			require.True(t, l.Allow())

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			assert.Error(t, l.Wait(ctx))
		})
	}
}

func TestNew(t *testing.T) {
	l, err := New("", 5, time.Second)
	require.NoError(t, err)
	assert.IsType(t, &TokenBucket{}, l)

	l, err = New(StrategySlidingWindow, 5, time.Second)
	require.NoError(t, err)
	assert.IsType(t, &SlidingWindow{}, l)

	_, err = New("leaky", 5, time.Second)
	assert.Error(t, err)

	_, err = New(StrategyFixedWindow, 0, time.Second)
	assert.Error(t, err)
}
