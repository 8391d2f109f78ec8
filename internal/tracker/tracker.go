// Package tracker drives submitted applications to a terminal outcome by
// periodically polling the platforms. It is the only writer of application
// outcome states and owns the per-record poll backoff and ghosting deadline.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"applyd/internal/adapter"
	"applyd/internal/database"
	"applyd/internal/predictor"
	"applyd/pkg/models"
)

const (
	// firstPollDelay matches the dispatcher's initial next_poll_at
	firstPollDelay = 24 * time.Hour
	// backoffFactor stretches the poll interval after an unchanged poll
	backoffFactor = 1.5
	// maxPollInterval caps the backoff
	maxPollInterval = 7 * 24 * time.Hour
	// batchLimit bounds how many due records one pass picks up
	batchLimit = 200
)

// Config bounds the tracker's resource usage
type Config struct {
	// PollWorkers caps concurrent platform poll goroutines; kept smaller
	// than the submit pool so polling never starves new submissions
	PollWorkers int
	// PollTimeout is the hard deadline for one adapter poll call
	PollTimeout time.Duration
	// Tick is the pause between poll passes
	Tick time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollWorkers <= 0 {
		out.PollWorkers = 3
	}
	if out.PollTimeout <= 0 {
		out.PollTimeout = 10 * time.Second
	}
	if out.Tick <= 0 {
		out.Tick = time.Minute
	}
	return out
}

// EventSink receives the tracker's events; the orchestrator implements it.
// CampaignSettled is notified after every terminal outcome so the campaign
// can complete once nothing in it needs work anymore.
type EventSink interface {
	Emit(campaignID, applicationID string, kind models.EventKind, payload []byte)
	CampaignSettled(campaignID string)
}

// Tracker polls platform-side outcomes and folds terminal ones back into
// the predictor's priors.
type Tracker struct {
	cfg       Config
	store     *database.Store
	registry  *adapter.Registry
	predictor *predictor.Predictor
	sink      EventSink
	logger    *zap.Logger

	// campaign configs change rarely; cached per process lifetime
	mu        sync.Mutex
	deadlines map[string]time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a tracker over its collaborators
func New(store *database.Store, registry *adapter.Registry, pred *predictor.Predictor, sink EventSink, cfg Config, logger *zap.Logger) *Tracker {
	return &Tracker{
		cfg:       cfg.withDefaults(),
		store:     store,
		registry:  registry,
		predictor: pred,
		sink:      sink,
		logger:    logger.Named("tracker"),
		deadlines: map[string]time.Duration{},
		now:       time.Now,
		sleep:     sleepCtx,
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

// SetClock injects a fake clock and sleeper
func (t *Tracker) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	t.now = now
	t.sleep = sleep
}

// Run polls in passes until the context is canceled. In-flight polls at
// cancellation complete and persist; the pass boundary is the cancel point.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		if err := t.Pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Error("poll pass failed", zap.Error(err))
		}
		if err := t.sleep(ctx, t.cfg.Tick); err != nil {
			return err
		}
	}
}

// Pass polls every record whose next poll is due, batched by platform so
// records on one platform share that platform's permit queue.
func (t *Tracker) Pass(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	due, err := t.store.DuePolls(t.now(), batchLimit)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	byPlatform := map[models.Platform][]*models.ApplicationRecord{}
	for _, rec := range due {
		byPlatform[rec.Platform] = append(byPlatform[rec.Platform], rec)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.PollWorkers)
	for platform, records := range byPlatform {
		platform, records := platform, records
		g.Go(func() error {
			for _, rec := range records {
				if err := gctx.Err(); err != nil {
					return err
				}
				t.pollOne(gctx, platform, rec)
			}
			return nil
		})
	}
	return g.Wait()
}

// pollOne advances one record: ghosting first, then a platform poll.
// Poll failures only reschedule; they never regress a record.
func (t *Tracker) pollOne(ctx context.Context, platform models.Platform, rec *models.ApplicationRecord) {
	now := t.now()

	if rec.SubmittedAt != nil && now.Sub(*rec.SubmittedAt) >= t.ghostingDeadline(rec.CampaignID) {
		t.settleOutcome(rec, models.OutcomeGhosted, "ghosting deadline reached")
		return
	}

	ad, err := t.registry.Get(platform)
	if err != nil {
		t.logger.Error("no adapter for platform", zap.String("platform", string(platform)))
		t.reschedule(rec, now)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, t.cfg.PollTimeout)
	snap, err := ad.Poll(pctx, rec.PlatformRef)
	cancel()
	if err != nil {
		t.logger.Warn("poll failed",
			zap.String("application_id", rec.ApplicationID),
			zap.String("platform", string(platform)),
			zap.Error(err))
		t.reschedule(rec, now)
		return
	}

	switch {
	case snap.Outcome == rec.OutcomeState:
		t.reschedule(rec, now)
	case rec.OutcomeState.Advances(snap.Outcome):
		if snap.Outcome.Terminal() {
			t.settleOutcome(rec, snap.Outcome, "")
			return
		}
		prevOut := rec.OutcomeState
		rec.OutcomeState = snap.Outcome
		rec.LastPolledAt = &now
		next := now.Add(firstPollDelay)
		rec.NextPollAt = &next
		if err := t.update(rec, prevOut); err != nil {
			return
		}
		t.logger.Info("outcome advanced",
			zap.String("application_id", rec.ApplicationID),
			zap.String("from", string(prevOut)), zap.String("to", string(snap.Outcome)))
		t.sink.Emit(rec.CampaignID, rec.ApplicationID, models.EventOutcomeAdvanced, models.MustPayload(map[string]any{
			"from": prevOut, "to": snap.Outcome,
		}))
	default:
		// Regressive platform state: ignore, keep ours
		t.logger.Warn("platform reported regressive outcome, ignoring",
			zap.String("application_id", rec.ApplicationID),
			zap.String("ours", string(rec.OutcomeState)),
			zap.String("theirs", string(snap.Outcome)))
		t.reschedule(rec, now)
	}
}

// settleOutcome moves a record to a terminal outcome, stops its polling,
// and feeds the result back into the predictor.
func (t *Tracker) settleOutcome(rec *models.ApplicationRecord, outcome models.OutcomeState, reason string) {
	now := t.now()
	prevOut := rec.OutcomeState
	rec.OutcomeState = outcome
	rec.LastPolledAt = &now
	rec.NextPollAt = nil
	rec.TerminalAt = &now
	if err := t.update(rec, prevOut); err != nil {
		return
	}

	t.logger.Info("outcome settled",
		zap.String("application_id", rec.ApplicationID),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason))
	t.sink.Emit(rec.CampaignID, rec.ApplicationID, models.EventOutcomeAdvanced, models.MustPayload(map[string]any{
		"from": prevOut, "to": outcome, "terminal": true, "reason": reason,
	}))

	if err := t.predictor.Observe(rec.Platform, outcome, t.densityBucket(rec), now); err != nil {
		t.logger.Error("could not record outcome in predictor", zap.Error(err))
	} else {
		t.sink.Emit(rec.CampaignID, rec.ApplicationID, models.EventPredictorUpdated, models.MustPayload(map[string]any{
			"platform": rec.Platform, "outcome": outcome,
		}))
	}

	t.sink.CampaignSettled(rec.CampaignID)
}

// reschedule stretches the record's poll interval by the backoff factor
func (t *Tracker) reschedule(rec *models.ApplicationRecord, now time.Time) {
	interval := firstPollDelay
	if rec.LastPolledAt != nil && rec.NextPollAt != nil {
		if prev := rec.NextPollAt.Sub(*rec.LastPolledAt); prev > 0 {
			interval = time.Duration(float64(prev) * backoffFactor)
		}
	}
	if interval > maxPollInterval {
		interval = maxPollInterval
	}

	next := now.Add(interval)
	// Never overshoot the ghosting deadline: the record comes due exactly
	// when it is old enough to ghost
	if rec.SubmittedAt != nil {
		if deadline := rec.SubmittedAt.Add(t.ghostingDeadline(rec.CampaignID)); next.After(deadline) {
			next = deadline
		}
	}

	prevOut := rec.OutcomeState
	rec.LastPolledAt = &now
	rec.NextPollAt = &next
	_ = t.update(rec, prevOut)
}

// update writes the record back, expecting no concurrent outcome writer
func (t *Tracker) update(rec *models.ApplicationRecord, prevOut models.OutcomeState) error {
	err := t.store.UpdateApplication(rec, models.SubmissionSubmitted, prevOut)
	if errors.Is(err, database.ErrConflict) {
		t.logger.Error("concurrent write on application record",
			zap.String("application_id", rec.ApplicationID))
		t.sink.Emit(rec.CampaignID, rec.ApplicationID, models.EventIntegrityViolation, models.MustPayload(map[string]any{
			"reason": "concurrent_write", "expected_outcome": prevOut,
		}))
		return err
	}
	if err != nil {
		t.logger.Error("could not persist poll result",
			zap.String("application_id", rec.ApplicationID), zap.Error(err))
	}
	return err
}

// ghostingDeadline resolves a campaign's deadline, cached after first use
func (t *Tracker) ghostingDeadline(campaignID string) time.Duration {
	t.mu.Lock()
	if d, ok := t.deadlines[campaignID]; ok {
		t.mu.Unlock()
		return d
	}
	t.mu.Unlock()

	d := 60 * 24 * time.Hour
	if c, err := t.store.GetCampaign(campaignID); err == nil {
		d = c.Config.GhostingDeadline()
	}
	t.mu.Lock()
	t.deadlines[campaignID] = d
	t.mu.Unlock()
	return d
}

// densityBucket recovers the keyword-density bucket the application was
// planned under, so terminal outcomes refine per-bucket priors too.
func (t *Tracker) densityBucket(rec *models.ApplicationRecord) string {
	if rec.VariantID == "" {
		return ""
	}
	variant, err := t.store.GetVariant(rec.VariantID)
	if err != nil {
		return ""
	}
	job, err := t.store.GetJob(rec.CampaignID, rec.JobID)
	if err != nil {
		return ""
	}
	return predictor.DensityBucket(job, variant)
}
