package adapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives a limiter without real sleeping: sleeps advance the clock
type fakeClock struct {
	mu  sync.Mutex
	t   time.Time
	log []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)} // a Monday morning
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	c.log = append(c.log, d)
	return ctx.Err()
}

func newTestLimiter(policy RatePolicy) (*Limiter, *fakeClock) {
	l := NewLimiter(policy)
	clock := newFakeClock()
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l, clock
}

func TestLimiterRespectsTokensPerMinute(t *testing.T) {
	// 5 tokens/minute: 20 acquires must span at least 3 simulated minutes
	l, clock := newTestLimiter(RatePolicy{MinInterval: time.Second, TokensPerMinute: 5, MaxInFlight: 1})
	ctx := context.Background()
	start := clock.Now()

	var stamps []time.Time
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Acquire(ctx))
		stamps = append(stamps, clock.Now())
		l.Release(CallOK, nil)
	}

	elapsed := clock.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, 3*time.Minute, "20 calls at 5/min must take >= 3 minutes")

	// No 60s window may contain more than 5 permits
	for i := range stamps {
		inWindow := 0
		for j := i; j < len(stamps); j++ {
			if stamps[j].Sub(stamps[i]) < time.Minute {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, 5, "window starting at call %d", i)
	}
}

func TestLimiterMinInterval(t *testing.T) {
	l, clock := newTestLimiter(RatePolicy{MinInterval: 10 * time.Second, TokensPerMinute: 60, MaxInFlight: 1})
	ctx := context.Background()

	var stamps []time.Time
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Acquire(ctx))
		stamps = append(stamps, clock.Now())
		l.Release(CallOK, nil)
	}
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 10*time.Second)
	}
}

func TestCooldownDoublingAndRestore(t *testing.T) {
	l, _ := newTestLimiter(RatePolicy{MinInterval: 10 * time.Second, TokensPerMinute: 60, MaxInFlight: 1})
	ctx := context.Background()
	base := 10 * time.Second

	assert.Equal(t, base, l.EffectiveInterval())

	// Each rate-limit event doubles the interval, capped at 5x baseline
	expected := []time.Duration{2 * base, 4 * base, 5 * base, 5 * base}
	for i, want := range expected {
		require.NoError(t, l.Acquire(ctx))
		l.Release(CallRateLimited, rateLimitedErr(0, nil))
		assert.Equal(t, want, l.EffectiveInterval(), "after rate-limit event %d", i+1)
	}
	assert.True(t, l.throttled())

	// 10 consecutive successes restore baseline
	for i := 0; i < 9; i++ {
		require.NoError(t, l.Acquire(ctx))
		l.Release(CallOK, nil)
		assert.True(t, l.throttled(), "still throttled after %d successes", i+1)
	}
	require.NoError(t, l.Acquire(ctx))
	l.Release(CallOK, nil)
	assert.False(t, l.throttled())
	assert.Equal(t, base, l.EffectiveInterval())
}

func TestDegradedAfterBadWindow(t *testing.T) {
	l, _ := newTestLimiter(RatePolicy{MinInterval: time.Second, TokensPerMinute: 60, MaxInFlight: 1})
	ctx := context.Background()

	// 20-call window with 15 failures: success rate 0.25 < 0.5
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Acquire(ctx))
		if i%4 == 0 {
			l.Release(CallOK, nil)
		} else {
			l.Release(CallFailed, transientErr(nil))
		}
	}
	assert.True(t, l.degraded())

	var h Health
	l.snapshot(&h)
	assert.InDelta(t, 0.25, h.SuccessRate, 0.01)
}

func TestMaxInFlightSemaphore(t *testing.T) {
	l, _ := newTestLimiter(RatePolicy{MinInterval: 0, TokensPerMinute: 600, MaxInFlight: 2})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))

	// Third acquire must block until a release
	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(blocked)
	assert.Error(t, err, "third acquire should block with 2 in flight")

	l.Release(CallOK, nil)
	require.NoError(t, l.Acquire(ctx))
	l.Release(CallOK, nil)
	l.Release(CallOK, nil)
}
