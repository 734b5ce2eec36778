package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshbridge-go/internal/ratelimit"
	"github.com/aminovpavel/meshbridge-go/internal/testutil"
)

func TestLimiterWindow(t *testing.T) {
	clock := testutil.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	l := ratelimit.New(5, time.Minute, ratelimit.WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		ok, reason := l.Allow("!aabbccdd")
		require.Truef(t, ok, "call %d should pass", i+1)
		assert.Empty(t, reason)
		clock.Advance(time.Second)
	}

	ok, reason := l.Allow("!aabbccdd")
	assert.False(t, ok)
	assert.Equal(t, "Rate limited: max 5 messages per 60s", reason)

	ok, _ = l.Allow("!11112222")
	assert.True(t, ok, "other senders are independent")

	clock.Advance(61 * time.Second)
	ok, reason = l.Allow("!aabbccdd")
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestLimiterRejectionsDoNotExtendWindow(t *testing.T) {
	clock := testutil.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	l := ratelimit.New(1, 10*time.Second, ratelimit.WithClock(clock.Now))

	ok, _ := l.Allow("a")
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		clock.Advance(3 * time.Second)
		ok, _ = l.Allow("a")
		require.False(t, ok)
	}
	clock.Advance(2 * time.Second)
	ok, _ = l.Allow("a")
	assert.True(t, ok, "window counts only admitted messages")
}

func TestLimiterReset(t *testing.T) {
	l := ratelimit.New(1, time.Hour)
	ok, _ := l.Allow("a")
	require.True(t, ok)
	ok, _ = l.Allow("b")
	require.True(t, ok)
	assert.Equal(t, 2, l.Tracked())

	l.Reset("a")
	ok, _ = l.Allow("a")
	assert.True(t, ok)
	ok, _ = l.Allow("b")
	assert.False(t, ok)

	l.ResetAll()
	assert.Zero(t, l.Tracked())
	ok, _ = l.Allow("b")
	assert.True(t, ok)
}

func TestLimiterDefaults(t *testing.T) {
	l := ratelimit.New(0, 0)
	for i := 0; i < 10; i++ {
		ok, _ := l.Allow("x")
		require.True(t, ok)
	}
	ok, reason := l.Allow("x")
	assert.False(t, ok)
	assert.Equal(t, "Rate limited: max 10 messages per 60s", reason)
}
