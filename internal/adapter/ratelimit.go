package adapter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// RatePolicy declares a platform's pacing constraints
type RatePolicy struct {
	MinInterval     time.Duration
	TokensPerMinute int
	MaxInFlight     int64
}

const (
	// Cooldown penalty cap: effective interval never exceeds 5x baseline
	maxPenalty = 5
	// Consecutive successes needed to restore baseline pacing
	restoreAfter = 10
	// Health window length
	healthWindow = 20
)

// CallOutcome classifies a finished call for pacing purposes
type CallOutcome int

const (
	CallOK CallOutcome = iota
	CallFailed
	CallRateLimited
)

// Limiter enforces one platform's rate policy: a sliding one-minute window
// for sustained rate, a minimum spacing between calls, and a counting
// semaphore for in-flight concurrency. It also tracks the cooldown penalty
// and the rolling health window.
type Limiter struct {
	policy RatePolicy
	sem    *semaphore.Weighted

	mu            sync.Mutex
	grants        []time.Time // reserved dispatch times, ascending
	nextAt        time.Time
	penalty       int // multiplier on MinInterval, 1..maxPenalty
	consecutiveOK int
	window        []bool
	inFlight      int64
	lastError     string

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter builds a limiter for the given policy
func NewLimiter(policy RatePolicy) *Limiter {
	if policy.MaxInFlight <= 0 {
		policy.MaxInFlight = 1
	}
	if policy.TokensPerMinute <= 0 {
		policy.TokensPerMinute = 1
	}
	return &Limiter{
		policy:  policy,
		sem:     semaphore.NewWeighted(policy.MaxInFlight),
		penalty: 1,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EffectiveInterval is the current spacing between calls, cooldown included
func (l *Limiter) EffectiveInterval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.effectiveIntervalLocked()
}

func (l *Limiter) effectiveIntervalLocked() time.Duration {
	return l.policy.MinInterval * time.Duration(l.penalty)
}

// Acquire blocks until a permit is available: an in-flight slot, a free
// rate-window position, and the minimum spacing since the previous call.
// The permit is reserved before sleeping, so concurrent acquirers queue
// deterministically, and no 60-second window ever holds more grants than
// tokens_per_minute.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	l.mu.Lock()
	now := l.now()

	at := now
	if l.nextAt.After(at) {
		at = l.nextAt
	}

	// Drop grants that can no longer crowd any future window
	cutoff := at.Add(-time.Minute)
	for len(l.grants) > 0 && !l.grants[0].After(cutoff) {
		l.grants = l.grants[1:]
	}
	// If the window at the candidate time is full, wait for its oldest
	// relevant grant to age out
	if n := l.policy.TokensPerMinute; len(l.grants) >= n {
		if aged := l.grants[len(l.grants)-n].Add(time.Minute); aged.After(at) {
			at = aged
		}
	}

	l.grants = append(l.grants, at)
	l.nextAt = at.Add(l.effectiveIntervalLocked())
	l.inFlight++
	wait := at.Sub(now)
	sleep := l.sleep
	l.mu.Unlock()

	if wait > 0 {
		if err := sleep(ctx, wait); err != nil {
			l.mu.Lock()
			for i := len(l.grants) - 1; i >= 0; i-- {
				if l.grants[i].Equal(at) {
					l.grants = append(l.grants[:i], l.grants[i+1:]...)
					break
				}
			}
			l.inFlight--
			l.mu.Unlock()
			l.sem.Release(1)
			return err
		}
	}
	return nil
}

// Release returns the permit and folds the call outcome into pacing state.
// A rate-limited response doubles the effective interval (capped at 5x
// baseline); 10 consecutive successes restore it.
func (l *Limiter) Release(outcome CallOutcome, callErr error) {
	l.mu.Lock()
	l.inFlight--

	l.window = append(l.window, outcome == CallOK)
	if len(l.window) > healthWindow {
		l.window = l.window[len(l.window)-healthWindow:]
	}

	switch outcome {
	case CallOK:
		l.consecutiveOK++
		if l.consecutiveOK >= restoreAfter {
			l.penalty = 1
		}
		l.lastError = ""
	case CallRateLimited:
		l.consecutiveOK = 0
		l.penalty *= 2
		if l.penalty > maxPenalty {
			l.penalty = maxPenalty
		}
		if callErr != nil {
			l.lastError = callErr.Error()
		}
	case CallFailed:
		l.consecutiveOK = 0
		if callErr != nil {
			l.lastError = callErr.Error()
		}
	}
	l.mu.Unlock()
	l.sem.Release(1)
}

// successRateLocked computes the rolling success rate. Callers hold mu.
func (l *Limiter) successRateLocked() float64 {
	if len(l.window) == 0 {
		return 1.0
	}
	ok := 0
	for _, s := range l.window {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(l.window))
}

// snapshot fills the pacing-derived portion of a Health report
func (l *Limiter) snapshot(h *Health) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h.SuccessRate = l.successRateLocked()
	h.Saturation = float64(l.inFlight) / float64(l.policy.MaxInFlight)
	h.EffectiveInterval = l.effectiveIntervalLocked()
	h.TokensPerMinute = l.policy.TokensPerMinute
	h.ConsecutiveOK = l.consecutiveOK
	h.LastError = l.lastError
}

// degradedLocked: success rate below 0.5 over a full window. Callers hold mu.
func (l *Limiter) degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.window) >= healthWindow && l.successRateLocked() < 0.5
}

// throttled reports whether a cooldown penalty is active
func (l *Limiter) throttled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.penalty > 1
}
