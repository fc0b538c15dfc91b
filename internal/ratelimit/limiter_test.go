package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllow_ConsumesWithinBurst(t *testing.T) {
	l := New(1.0, 3.0)
	for i := 0; i < 3; i++ {
		res := l.Allow("fp1", 1.0)
		assert.True(t, res.Allowed, "call %d should be allowed within burst", i)
	}
}

func TestAllow_RejectsOnceBurstExhausted(t *testing.T) {
	l := New(1.0, 2.0)
	require := assert.New(t)
	require.True(l.Allow("fp1", 1.0).Allowed)
	require.True(l.Allow("fp1", 1.0).Allowed)

	res := l.Allow("fp1", 1.0)
	require.False(res.Allowed)
	require.Greater(res.RetryAfterMs, int64(0))
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := New(1000.0, 1.0)
	res := l.Allow("fp1", 1.0)
	assert.True(t, res.Allowed)

	// Capacity is exhausted immediately after the first call.
	res = l.Allow("fp1", 1.0)
	assert.False(t, res.Allowed)

	time.Sleep(5 * time.Millisecond)
	res = l.Allow("fp1", 1.0)
	assert.True(t, res.Allowed, "bucket should have refilled at 1000 tokens/sec after 5ms")
}

func TestAllow_BucketsAreIndependentPerKey(t *testing.T) {
	l := New(1.0, 1.0)
	assert.True(t, l.Allow("fp1", 1.0).Allowed)
	assert.False(t, l.Allow("fp1", 1.0).Allowed)

	// A different credential fingerprint has its own untouched bucket.
	assert.True(t, l.Allow("fp2", 1.0).Allowed)
}

func TestAllow_ZeroRateNeverRefillsAndReportsNoRetryHint(t *testing.T) {
	l := New(0, 1.0)
	assert.True(t, l.Allow("fp1", 1.0).Allowed)

	res := l.Allow("fp1", 1.0)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.RetryAfterMs)
}
