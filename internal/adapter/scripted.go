package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"applyd/pkg/models"
)

// Scripted is an in-memory adapter that plays a programmed sequence of
// submit results and poll snapshots. Tests and the --dry-run serve mode
// use it in place of the real boards. It honors the same permit discipline
// as production adapters so pacing behavior is observable.
type Scripted struct {
	platform models.Platform
	limiter  *Limiter

	mu          sync.Mutex
	state       State
	submits     []error // nil entry = success; consumed in order, last repeats
	polls       map[string][]*StatusSnapshot
	submitCalls []ScriptedCall
	pollCalls   []ScriptedCall
	refCounter  int
	recentRefs  map[string]string
}

// ScriptedCall records one adapter invocation for assertions
type ScriptedCall struct {
	At    time.Time
	JobID string
	Ref   string
}

// NewScripted builds a scripted adapter with the given pacing policy
func NewScripted(platform models.Platform, rate RatePolicy) *Scripted {
	return &Scripted{
		platform:   platform,
		limiter:    NewLimiter(rate),
		state:      StateClosed,
		polls:      map[string][]*StatusSnapshot{},
		recentRefs: map[string]string{},
	}
}

// SetClock injects a fake clock and sleeper into the pacing limiter
func (s *Scripted) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	s.limiter.now = now
	s.limiter.sleep = sleep
}

// ScriptSubmits programs the submit result sequence: nil means success.
// After the sequence is exhausted the last entry repeats.
func (s *Scripted) ScriptSubmits(results ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = results
}

// ScriptPolls programs poll snapshots for a platform ref, consumed in order
// with the last repeating.
func (s *Scripted) ScriptPolls(ref string, snaps ...*StatusSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[ref] = snaps
}

// SubmitCalls returns a copy of the recorded submit invocations
func (s *Scripted) SubmitCalls() []ScriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScriptedCall(nil), s.submitCalls...)
}

// PollCalls returns a copy of the recorded poll invocations
func (s *Scripted) PollCalls() []ScriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScriptedCall(nil), s.pollCalls...)
}

func (s *Scripted) Platform() models.Platform { return s.platform }

func (s *Scripted) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateOpen
	return nil
}

func (s *Scripted) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	return nil
}

func (s *Scripted) Submit(ctx context.Context, req SubmitRequest) (*SubmissionResult, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, transientErr(err)
	}

	s.mu.Lock()
	var scripted error
	if len(s.submits) > 0 {
		scripted = s.submits[0]
		if len(s.submits) > 1 {
			s.submits = s.submits[1:]
		}
	}

	call := ScriptedCall{At: s.limiter.now(), JobID: req.Job.JobID}
	if scripted == nil {
		s.refCounter++
		call.Ref = fmt.Sprintf("%s-ref-%d", s.platform, s.refCounter)
		s.recentRefs[req.Job.JobID] = call.Ref
	}
	s.submitCalls = append(s.submitCalls, call)
	s.mu.Unlock()

	if scripted != nil {
		outcome := CallFailed
		if AsError(scripted).Kind == KindRateLimited {
			outcome = CallRateLimited
		}
		s.limiter.Release(outcome, scripted)
		return nil, scripted
	}

	s.limiter.Release(CallOK, nil)
	return &SubmissionResult{PlatformRef: call.Ref, Latency: time.Millisecond}, nil
}

func (s *Scripted) Poll(ctx context.Context, platformRef string) (*StatusSnapshot, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, transientErr(err)
	}

	s.mu.Lock()
	s.pollCalls = append(s.pollCalls, ScriptedCall{At: s.limiter.now(), Ref: platformRef})
	snaps := s.polls[platformRef]
	var snap *StatusSnapshot
	if len(snaps) > 0 {
		snap = snaps[0]
		if len(snaps) > 1 {
			s.polls[platformRef] = snaps[1:]
		}
	}
	s.mu.Unlock()

	s.limiter.Release(CallOK, nil)
	if snap == nil {
		return &StatusSnapshot{Outcome: models.OutcomeNoResponse}, nil
	}
	return snap, nil
}

func (s *Scripted) Health() Health {
	s.mu.Lock()
	h := Health{Platform: s.platform, State: s.state}
	s.mu.Unlock()
	s.limiter.snapshot(&h)
	if h.State == StateOpen {
		switch {
		case s.limiter.degraded():
			h.State = StateDegraded
		case s.limiter.throttled():
			h.State = StateThrottled
		}
	}
	return h
}

func (s *Scripted) SupportsRecovery() bool { return true }

func (s *Scripted) RecentSubmission(ctx context.Context, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentRefs[jobID], nil
}
