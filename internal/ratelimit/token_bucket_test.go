package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketBurstThenRefill(t *testing.T) {
	start := time.Unix(0, 0)
	tb := newTokenBucket(start, 2, 3) // 2/s, burst 3 => 5 tokens to start

	for i := 0; i < 5; i++ {
		assert.True(t, tb.tryAcquire(start), "token %d should be available from burst", i)
	}
	assert.False(t, tb.tryAcquire(start), "bucket should be empty after burst drained")

	later := start.Add(500 * time.Millisecond) // 2/s * 0.5s = 1 token
	assert.True(t, tb.tryAcquire(later))
	assert.False(t, tb.tryAcquire(later))
}

func TestTokenBucketClampsAtMax(t *testing.T) {
	start := time.Unix(0, 0)
	tb := newTokenBucket(start, 1, 2) // max 3 tokens

	later := start.Add(time.Hour) // far more than enough to overflow
	for i := 0; i < 3; i++ {
		assert.True(t, tb.tryAcquire(later))
	}
	assert.False(t, tb.tryAcquire(later))
}

func TestTokenBucketReconfigureAppliesToFutureRefills(t *testing.T) {
	start := time.Unix(0, 0)
	tb := newTokenBucket(start, 1, 1) // max 2 tokens
	assert.True(t, tb.tryAcquire(start))
	assert.True(t, tb.tryAcquire(start))
	assert.False(t, tb.tryAcquire(start))

	tb.reconfigure(10, 1) // faster rate, same burst
	later := start.Add(100 * time.Millisecond)
	assert.True(t, tb.tryAcquire(later), "higher rate should refill within 100ms")
}

func TestTokenBucketIdleSince(t *testing.T) {
	start := time.Unix(0, 0)
	tb := newTokenBucket(start, 1, 1)
	later := start.Add(2 * time.Minute)
	assert.Equal(t, 2*time.Minute, tb.idleSince(later))

	tb.tryAcquire(later)
	assert.Equal(t, time.Duration(0), tb.idleSince(later))
}

func TestTokenBucketZeroRateNeverRefills(t *testing.T) {
	start := time.Unix(0, 0)
	tb := newTokenBucket(start, 0, 1)
	assert.True(t, tb.tryAcquire(start))
	assert.False(t, tb.tryAcquire(start.Add(time.Hour)))
}
