package api

import (
	"sync"
	"time"
)

// clientLimiter enforces a per-client request budget over a sliding
// one-minute window. Clients are keyed by remote host, so every process
// on one machine shares a budget.
type clientLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	grants    map[string][]time.Time
	lastPrune time.Time
}

func newClientLimiter(limit int) *clientLimiter {
	return &clientLimiter{
		limit:  limit,
		window: time.Minute,
		now:    time.Now,
		grants: map[string][]time.Time{},
	}
}

// allow records one request for the client and reports whether it fits the
// window. On refusal, retryAfter is how long until the oldest grant expires.
func (l *clientLimiter) allow(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	recent := l.grants[client][:0]
	for _, g := range l.grants[client] {
		if g.After(cutoff) {
			recent = append(recent, g)
		}
	}
	if len(recent) >= l.limit {
		l.grants[client] = recent
		return false, recent[0].Sub(cutoff)
	}
	l.grants[client] = append(recent, now)
	l.pruneLocked(now)
	return true, 0
}

// pruneLocked drops clients idle for a full window so the map stays bounded
func (l *clientLimiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.window {
		return
	}
	l.lastPrune = now
	cutoff := now.Add(-l.window)
	for client, grants := range l.grants {
		if len(grants) == 0 || !grants[len(grants)-1].After(cutoff) {
			delete(l.grants, client)
		}
	}
}
