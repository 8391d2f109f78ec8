package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"applyd/pkg/models"
)

// BrowserAdapter drives the "generic" platform: job postings that only offer
// a web application form. It fills and submits the form with a headless
// browser. There is no status API to poll against and no recovery lookup,
// so polled records stay in no_response until the ghosting deadline, and a
// crash mid-submit carries a disclosed duplicate risk.
type BrowserAdapter struct {
	limiter *Limiter
	logger  *zap.Logger

	mu         sync.Mutex
	state      State
	allocCtx   context.Context
	cancelFunc context.CancelFunc
}

// NewBrowserAdapter builds the chromedp-backed generic adapter
func NewBrowserAdapter(logger *zap.Logger) *BrowserAdapter {
	return &BrowserAdapter{
		limiter: NewLimiter(genericRate()),
		logger:  logger.Named("generic"),
		state:   StateClosed,
	}
}

func (a *BrowserAdapter) Platform() models.Platform { return models.PlatformGeneric }

// Open starts the headless browser allocator
func (a *BrowserAdapter) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateOpen {
		return nil
	}
	a.state = StateOpening

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	a.allocCtx = allocCtx
	a.cancelFunc = cancel
	a.state = StateOpen
	a.logger.Info("browser allocator started")
	return nil
}

// Close tears down the browser
func (a *BrowserAdapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelFunc != nil {
		a.cancelFunc()
		a.cancelFunc = nil
	}
	a.state = StateClosed
	return nil
}

// Submit navigates to the job's apply URL, fills the application form,
// attaches the CV, and submits.
func (a *BrowserAdapter) Submit(ctx context.Context, sub SubmitRequest) (*SubmissionResult, error) {
	a.mu.Lock()
	if a.state != StateOpen && a.state != StateThrottled && a.state != StateDegraded {
		a.mu.Unlock()
		return nil, authExpiredErr(fmt.Errorf("browser not open"))
	}
	allocCtx := a.allocCtx
	a.mu.Unlock()

	if sub.Job.ApplyURL == "" {
		return nil, formRejectedErr(fmt.Errorf("job %s has no apply URL", sub.Job.JobID))
	}

	if err := a.limiter.Acquire(ctx); err != nil {
		return nil, transientErr(err)
	}

	start := time.Now()
	err := a.doSubmit(ctx, allocCtx, sub)
	a.settle(err)
	if err != nil {
		return nil, err
	}

	// Web forms issue no tracking id; the ref marks the submission as
	// browser-delivered and untrackable.
	ref := "web:" + uuid.NewString()
	return &SubmissionResult{PlatformRef: ref, Latency: time.Since(start)}, nil
}

func (a *BrowserAdapter) doSubmit(ctx context.Context, allocCtx context.Context, sub SubmitRequest) error {
	// The CV artifact has to exist on disk for the file input
	tmp, err := os.CreateTemp("", "applyd-cv-*"+filepath.Ext(sub.CVFileName))
	if err != nil {
		return &Error{Kind: KindUnknown, Err: err}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(sub.CVArtifact); err != nil {
		tmp.Close()
		return &Error{Kind: KindUnknown, Err: err}
	}
	tmp.Close()

	browserCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, v ...interface{}) {
		msg := fmt.Sprintf(format, v...)
		if strings.Contains(msg, "could not unmarshal event") {
			return
		}
		a.logger.Debug(msg)
	}))
	defer cancel()

	runCtx, cancelRun := context.WithTimeout(browserCtx, 90*time.Second)
	defer cancelRun()

	tasks := chromedp.Tasks{
		chromedp.Navigate(sub.Job.ApplyURL),
		chromedp.WaitVisible(`form`, chromedp.ByQuery),
		fillIfPresent(`input[name*="name" i]`, sub.Profile.Name),
		fillIfPresent(`input[type="email"], input[name*="email" i]`, sub.Profile.Email),
		fillIfPresent(`input[type="tel"], input[name*="phone" i]`, sub.Profile.Phone),
		fillIfPresent(`input[name*="location" i]`, sub.Profile.Location),
		fillIfPresent(`input[name*="linkedin" i]`, sub.Profile.LinkedInURL),
		fillIfPresent(`input[name*="github" i]`, sub.Profile.GitHubURL),
		chromedp.SetUploadFiles(`input[type="file"]`, []string{tmp.Name()}, chromedp.ByQuery),
		chromedp.Click(`button[type="submit"], input[type="submit"]`, chromedp.ByQuery),
		chromedp.WaitNotPresent(`form`, chromedp.ByQuery),
	}

	if err := chromedp.Run(runCtx, tasks); err != nil {
		if runCtx.Err() != nil || ctx.Err() != nil {
			return transientErr(err)
		}
		// The form stayed up or a selector never matched: the page
		// refused the application
		return formRejectedErr(err)
	}
	return nil
}

// fillIfPresent fills a field when the page has it; absent fields are skipped
// rather than failing the whole form.
func fillIfPresent(selector, value string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if value == "" {
			return nil
		}
		var nodes int
		script := fmt.Sprintf(`document.querySelectorAll(%q).length`, selector)
		if err := chromedp.Evaluate(script, &nodes).Do(ctx); err != nil || nodes == 0 {
			return nil
		}
		return chromedp.SendKeys(selector, value, chromedp.ByQuery).Do(ctx)
	})
}

// Poll has nothing to ask: web forms expose no status surface. The snapshot
// reports no_response so the tracker ages the record toward ghosting.
func (a *BrowserAdapter) Poll(ctx context.Context, platformRef string) (*StatusSnapshot, error) {
	return &StatusSnapshot{Outcome: models.OutcomeNoResponse}, nil
}

func (a *BrowserAdapter) settle(err error) {
	if err == nil {
		a.limiter.Release(CallOK, nil)
	} else {
		a.limiter.Release(CallFailed, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limiter.degraded() {
		a.state = StateDegraded
	} else if a.state == StateDegraded {
		a.state = StateOpen
	}
}

// Health reports recent success rate and pacing
func (a *BrowserAdapter) Health() Health {
	a.mu.Lock()
	h := Health{Platform: models.PlatformGeneric, State: a.state}
	a.mu.Unlock()
	a.limiter.snapshot(&h)
	return h
}

func (a *BrowserAdapter) SupportsRecovery() bool { return false }

func (a *BrowserAdapter) RecentSubmission(ctx context.Context, jobID string) (string, error) {
	return "", &Error{Kind: KindUnknown, Err: fmt.Errorf("generic adapter cannot look up submissions")}
}
