// Package adapter presents a uniform capability set over each supported
// job board and isolates every platform-specific detail: URL paths, headers,
// session handling, and pacing. Nothing above this package sees HTTP.
package adapter

import (
	"context"
	"fmt"
	"time"

	"applyd/pkg/models"
)

// ErrorKind is the taxonomy surfaced to the orchestrator
type ErrorKind string

const (
	KindTransientNetwork ErrorKind = "transient_network"
	KindRateLimited      ErrorKind = "rate_limited"
	KindAuthExpired      ErrorKind = "auth_expired"
	KindFormRejected     ErrorKind = "form_rejected"
	KindUnknown          ErrorKind = "unknown"
)

// Error is a classified adapter failure. Underlying HTTP specifics stay here.
type Error struct {
	Kind       ErrorKind
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts an adapter *Error, classifying unknown errors conservatively
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return &Error{Kind: KindUnknown, Retryable: false, Err: err}
}

func transientErr(err error) *Error {
	return &Error{Kind: KindTransientNetwork, Retryable: true, Err: err}
}

func rateLimitedErr(retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, Retryable: true, RetryAfter: retryAfter, Err: err}
}

func authExpiredErr(err error) *Error {
	return &Error{Kind: KindAuthExpired, Retryable: false, Err: err}
}

func formRejectedErr(err error) *Error {
	return &Error{Kind: KindFormRejected, Retryable: false, Err: err}
}

// State is the adapter lifecycle state
type State string

const (
	StateClosed    State = "closed"
	StateOpening   State = "opening"
	StateOpen      State = "open"
	StateThrottled State = "throttled"
	StateDegraded  State = "degraded"
)

// SubmitRequest carries everything needed to submit one application
type SubmitRequest struct {
	Job        *models.JobPosting
	Profile    *models.CandidateProfile
	VariantID  string
	CVArtifact []byte
	CVFileName string
}

// SubmissionResult is the uniform outcome of a successful submit
type SubmissionResult struct {
	PlatformRef string
	Latency     time.Duration
}

// StatusSnapshot is the platform-side status of a prior submission
type StatusSnapshot struct {
	Outcome      models.OutcomeState
	LastActivity time.Time
}

// Health summarizes an adapter's recent behavior
type Health struct {
	Platform models.Platform `json:"platform"`
	State    State           `json:"state"`
	// SuccessRate over the last 20 calls; 1.0 when no calls were made yet
	SuccessRate float64 `json:"success_rate"`
	// Saturation of the in-flight semaphore, 0..1
	Saturation float64 `json:"saturation"`
	// EffectiveInterval is the current pacing, including any cooldown penalty.
	// The scheduler uses it as the backoff hint for retries.
	EffectiveInterval time.Duration `json:"effective_interval"`
	TokensPerMinute   int           `json:"tokens_per_minute"`
	ConsecutiveOK     int           `json:"consecutive_ok"`
	LastError         string        `json:"last_error,omitempty"`
}

// Adapter is the uniform per-platform surface. Submit and Poll acquire a
// rate permit internally before touching the network; callers never pace.
type Adapter interface {
	Platform() models.Platform
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Submit(ctx context.Context, req SubmitRequest) (*SubmissionResult, error)
	Poll(ctx context.Context, platformRef string) (*StatusSnapshot, error)
	Health() Health

	// SupportsRecovery reports whether RecentSubmission can be used to
	// reconcile a crash between submit and persist. Adapters without it
	// accept a disclosed duplicate-submission risk.
	SupportsRecovery() bool
	RecentSubmission(ctx context.Context, jobID string) (string, error)
}
