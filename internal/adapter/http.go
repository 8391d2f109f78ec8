package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"applyd/pkg/models"
)

// boardProfile captures everything platform-specific about one job board's
// HTTP API. It is the only place those details live.
type boardProfile struct {
	platform   models.Platform
	baseURL    string
	submitPath string
	pollPath   string // "%s" is replaced with the platform ref
	recentPath string // optional: lookup of a recent submission by job id
	headers    map[string]string
	// csrfPath, when set, is fetched on Open; the returned token is sent
	// with every submit
	csrfPath string
	tokenEnv string
	// statusMap translates board status strings to the uniform outcome
	statusMap map[string]models.OutcomeState
	rate      RatePolicy
}

// HTTPAdapter implements Adapter over one board's HTTP API
type HTTPAdapter struct {
	profile boardProfile
	client  *http.Client
	limiter *Limiter
	logger  *zap.Logger

	mu        sync.Mutex
	state     State
	authToken string
	csrfToken string
}

// NewHTTPAdapter builds an adapter for the given board profile
func NewHTTPAdapter(profile boardProfile, client *http.Client, logger *zap.Logger) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAdapter{
		profile: profile,
		client:  client,
		limiter: NewLimiter(profile.rate),
		logger:  logger.Named(string(profile.platform)),
		state:   StateClosed,
	}
}

func (a *HTTPAdapter) Platform() models.Platform { return a.profile.platform }

// Open establishes the session: credentials from the environment, plus the
// board's CSRF token when it requires one.
func (a *HTTPAdapter) Open(ctx context.Context) error {
	a.mu.Lock()
	a.state = StateOpening
	a.mu.Unlock()

	token := os.Getenv(a.profile.tokenEnv)
	if token == "" {
		a.setState(StateClosed)
		return authExpiredErr(fmt.Errorf("missing credential %s", a.profile.tokenEnv))
	}

	csrf := ""
	if a.profile.csrfPath != "" {
		var err error
		csrf, err = a.fetchCSRF(ctx, token)
		if err != nil {
			a.setState(StateClosed)
			return err
		}
	}

	a.mu.Lock()
	a.authToken = token
	a.csrfToken = csrf
	a.state = StateOpen
	a.mu.Unlock()

	a.logger.Info("session opened")
	return nil
}

// Close drops the session
func (a *HTTPAdapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.authToken = ""
	a.csrfToken = ""
	a.state = StateClosed
	a.mu.Unlock()
	return nil
}

func (a *HTTPAdapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *HTTPAdapter) fetchCSRF(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.profile.baseURL+a.profile.csrfPath, nil)
	if err != nil {
		return "", transientErr(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", transientErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", a.classifyStatus(resp)
	}

	var body struct {
		Token string `json:"csrf_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", transientErr(err)
	}
	return body.Token, nil
}

// Submit sends one application. A rate permit is acquired before any
// network activity and the call outcome feeds the pacing state.
func (a *HTTPAdapter) Submit(ctx context.Context, sub SubmitRequest) (*SubmissionResult, error) {
	a.mu.Lock()
	if a.state == StateClosed || a.state == StateOpening {
		a.mu.Unlock()
		return nil, authExpiredErr(fmt.Errorf("session not open"))
	}
	token, csrf := a.authToken, a.csrfToken
	a.mu.Unlock()

	if err := a.limiter.Acquire(ctx); err != nil {
		return nil, transientErr(err)
	}

	start := time.Now()
	result, err := a.doSubmit(ctx, sub, token, csrf)
	a.settle(err)
	if err != nil {
		return nil, err
	}
	result.Latency = time.Since(start)
	return result, nil
}

func (a *HTTPAdapter) doSubmit(ctx context.Context, sub SubmitRequest, token, csrf string) (*SubmissionResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"job_id":       sub.Job.JobID,
		"name":         sub.Profile.Name,
		"email":        sub.Profile.Email,
		"phone":        sub.Profile.Phone,
		"location":     sub.Profile.Location,
		"linkedin_url": sub.Profile.LinkedInURL,
		"github_url":   sub.Profile.GitHubURL,
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, &Error{Kind: KindUnknown, Err: err}
		}
	}
	if len(sub.CVArtifact) > 0 {
		part, err := w.CreateFormFile("resume", sub.CVFileName)
		if err != nil {
			return nil, &Error{Kind: KindUnknown, Err: err}
		}
		if _, err := part.Write(sub.CVArtifact); err != nil {
			return nil, &Error{Kind: KindUnknown, Err: err}
		}
	}
	if err := w.Close(); err != nil {
		return nil, &Error{Kind: KindUnknown, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.profile.baseURL+a.profile.submitPath, &buf)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	for k, v := range a.profile.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transientErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, a.classifyStatus(resp)
	}

	var body struct {
		Ref string `json:"application_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, transientErr(err)
	}
	if body.Ref == "" {
		return nil, &Error{Kind: KindUnknown, Err: fmt.Errorf("board returned no application ref")}
	}
	return &SubmissionResult{PlatformRef: body.Ref}, nil
}

// Poll fetches the current status of a prior submission
func (a *HTTPAdapter) Poll(ctx context.Context, platformRef string) (*StatusSnapshot, error) {
	a.mu.Lock()
	token := a.authToken
	open := a.state != StateClosed && a.state != StateOpening
	a.mu.Unlock()
	if !open {
		return nil, authExpiredErr(fmt.Errorf("session not open"))
	}

	if err := a.limiter.Acquire(ctx); err != nil {
		return nil, transientErr(err)
	}

	snap, err := a.doPoll(ctx, platformRef, token)
	a.settle(err)
	return snap, err
}

func (a *HTTPAdapter) doPoll(ctx context.Context, platformRef, token string) (*StatusSnapshot, error) {
	url := a.profile.baseURL + fmt.Sprintf(a.profile.pollPath, platformRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range a.profile.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transientErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.classifyStatus(resp)
	}

	var body struct {
		Status       string    `json:"status"`
		LastActivity time.Time `json:"last_activity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, transientErr(err)
	}

	outcome, ok := a.profile.statusMap[body.Status]
	if !ok {
		// Unrecognized board statuses read as still-in-review rather
		// than failing the poll
		outcome = models.OutcomeUnderReview
	}
	return &StatusSnapshot{Outcome: outcome, LastActivity: body.LastActivity}, nil
}

// settle feeds the finished call into the limiter and lifecycle state
func (a *HTTPAdapter) settle(err error) {
	switch {
	case err == nil:
		a.limiter.Release(CallOK, nil)
	case AsError(err).Kind == KindRateLimited:
		a.limiter.Release(CallRateLimited, err)
		a.logger.Warn("platform rate limited",
			zap.Duration("retry_after", AsError(err).RetryAfter),
			zap.Duration("effective_interval", a.limiter.EffectiveInterval()))
	default:
		a.limiter.Release(CallFailed, err)
	}

	if ae := AsError(err); ae != nil && ae.Kind == KindAuthExpired {
		a.setState(StateClosed)
		return
	}

	switch {
	case a.limiter.degraded():
		a.setState(StateDegraded)
	case a.limiter.throttled():
		a.setState(StateThrottled)
	default:
		a.mu.Lock()
		if a.state == StateThrottled || a.state == StateDegraded {
			a.state = StateOpen
		}
		a.mu.Unlock()
	}
}

// classifyStatus maps an HTTP response to the error taxonomy
func (a *HTTPAdapter) classifyStatus(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	base := fmt.Errorf("%s returned %d: %s", a.profile.platform, resp.StatusCode, bytes.TrimSpace(body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := a.limiter.EffectiveInterval()
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return rateLimitedErr(retryAfter, base)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return authExpiredErr(base)
	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusUnprocessableEntity ||
		resp.StatusCode == http.StatusGone:
		// Missing field, closed job: the platform refused the application
		return formRejectedErr(base)
	case resp.StatusCode >= 500:
		return transientErr(base)
	default:
		return &Error{Kind: KindUnknown, Err: base}
	}
}

// Health reports recent success rate, permit saturation, and pacing
func (a *HTTPAdapter) Health() Health {
	a.mu.Lock()
	h := Health{Platform: a.profile.platform, State: a.state}
	a.mu.Unlock()
	a.limiter.snapshot(&h)
	return h
}

// SupportsRecovery reports whether this board exposes a recent-submission lookup
func (a *HTTPAdapter) SupportsRecovery() bool { return a.profile.recentPath != "" }

// RecentSubmission looks up the platform ref of a recent submission for a job,
// used to reconcile a crash between submit and persist.
func (a *HTTPAdapter) RecentSubmission(ctx context.Context, jobID string) (string, error) {
	if a.profile.recentPath == "" {
		return "", &Error{Kind: KindUnknown, Err: fmt.Errorf("%s does not support submission lookup", a.profile.platform)}
	}
	a.mu.Lock()
	token := a.authToken
	a.mu.Unlock()

	if err := a.limiter.Acquire(ctx); err != nil {
		return "", transientErr(err)
	}

	ref, err := a.doRecent(ctx, jobID, token)
	a.settle(err)
	return ref, err
}

func (a *HTTPAdapter) doRecent(ctx context.Context, jobID, token string) (string, error) {
	url := a.profile.baseURL + fmt.Sprintf(a.profile.recentPath, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &Error{Kind: KindUnknown, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", transientErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil // no recent submission: safe to resubmit
	}
	if resp.StatusCode != http.StatusOK {
		return "", a.classifyStatus(resp)
	}

	var body struct {
		Ref string `json:"application_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", transientErr(err)
	}
	return body.Ref, nil
}
