package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientLimiterSlidingWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := newClientLimiter(3)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := l.allow("10.0.0.1")
		require.True(t, ok, "request %d within the budget", i)
	}

	ok, retryAfter := l.allow("10.0.0.1")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)

	// Budgets are per client
	ok, _ = l.allow("10.0.0.2")
	assert.True(t, ok)

	// The oldest grant ages out and frees a slot
	now = now.Add(61 * time.Second)
	ok, _ = l.allow("10.0.0.1")
	assert.True(t, ok)
}

func TestClientLimiterPrunesIdleClients(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := newClientLimiter(5)
	l.now = func() time.Time { return now }

	for i := 0; i < 20; i++ {
		ok, _ := l.allow("10.0.0.1")
		require.True(t, ok)
		now = now.Add(2 * time.Minute)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.grants, 1)
	assert.Len(t, l.grants["10.0.0.1"], 1, "aged-out grants must not accumulate")
}
