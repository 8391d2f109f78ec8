// Package orchestrator owns the campaign lifecycle: planning approved
// applications, dispatching them through platform adapters on the scheduler's
// plan, and reconciling interrupted work after a restart. It is the only
// writer of campaign states and application submission states.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"applyd/internal/adapter"
	"applyd/internal/database"
	"applyd/internal/predictor"
	"applyd/pkg/models"
)

// Config bounds the orchestrator's resource usage
type Config struct {
	// SubmitWorkers caps concurrent platform dispatch goroutines
	SubmitWorkers int
	// SubmitTimeout is the hard deadline for one adapter submit call
	SubmitTimeout time.Duration
	// EventBuffer is the per-subscriber channel depth
	EventBuffer int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SubmitWorkers <= 0 {
		out.SubmitWorkers = 8
	}
	if out.SubmitTimeout <= 0 {
		out.SubmitTimeout = 30 * time.Second
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = 64
	}
	return out
}

// Status is a campaign's observable state plus its aggregates
type Status struct {
	Campaign        *models.Campaign                   `json:"campaign"`
	Counters        *models.CampaignCounters           `json:"counters"`
	Adapters        map[models.Platform]adapter.Health `json:"adapters"`
	PausedPlatforms []models.Platform                  `json:"paused_platforms,omitempty"`
}

// run tracks one campaign's live dispatch goroutine
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator drives campaigns. One instance serves the whole process;
// per-campaign work runs in its own goroutine under the orchestrator's
// root context.
type Orchestrator struct {
	cfg       Config
	store     *database.Store
	predictor *predictor.Predictor
	registry  *adapter.Registry
	cvs       CVService
	logger    *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*run
	paused map[models.Platform]bool // platforms halted by expired credentials
	subs   map[string]map[int]chan *models.Event
	subSeq int

	// injectable for deterministic tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an orchestrator over its collaborators
func New(store *database.Store, pred *predictor.Predictor, registry *adapter.Registry, cvs CVService, cfg Config, logger *zap.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		store:      store,
		predictor:  pred,
		registry:   registry,
		cvs:        cvs,
		logger:     logger.Named("orchestrator"),
		baseCtx:    ctx,
		baseCancel: cancel,
		runs:       map[string]*run{},
		paused:     map[models.Platform]bool{},
		subs:       map[string]map[int]chan *models.Event{},
		now:        time.Now,
		sleep:      sleepCtx,
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
func (o *Orchestrator) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	o.now = now
	o.sleep = sleep
}

// Close cancels all campaign goroutines and waits for them to drain
func (o *Orchestrator) Close() {
	o.baseCancel()
	o.mu.Lock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()
	for _, r := range runs {
		<-r.done
	}
}

// CreateCampaign validates the config and persists a new campaign in created
func (o *Orchestrator) CreateCampaign(profileID string, cfg models.CampaignConfig) (*models.Campaign, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := o.store.GetProfile(profileID); err != nil {
		return nil, fmt.Errorf("unknown profile %s: %w", profileID, err)
	}

	now := o.now()
	c := &models.Campaign{
		CampaignID: uuid.NewString(),
		ProfileID:  profileID,
		Config:     cfg,
		State:      models.CampaignCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.store.CreateCampaign(c); err != nil {
		return nil, err
	}

	o.logger.Info("campaign created",
		zap.String("campaign_id", c.CampaignID),
		zap.String("profile_id", profileID),
		zap.Int("daily_cap", cfg.DailyCap))
	o.emit(c.CampaignID, "", models.EventCampaignStateChanged, models.MustPayload(map[string]any{
		"from": "", "to": models.CampaignCreated,
	}))
	return c, nil
}

// EnqueueJobs adds postings to a campaign's queue. Idempotent per job_id;
// returns the number actually added.
func (o *Orchestrator) EnqueueJobs(campaignID string, jobs []*models.JobPosting) (int, error) {
	c, err := o.store.GetCampaign(campaignID)
	if err != nil {
		return 0, err
	}
	if c.State.Terminal() {
		return 0, fmt.Errorf("%w: cannot enqueue into %s campaign", database.ErrInvalidTransition, c.State)
	}

	added := 0
	for _, job := range jobs {
		if job.JobID == "" {
			return added, fmt.Errorf("job posting missing job_id")
		}
		if _, err := models.ParsePlatform(string(job.Platform)); err != nil {
			return added, err
		}
		inserted, err := o.store.EnqueueJob(campaignID, job)
		if err != nil {
			return added, err
		}
		if inserted {
			added++
		}
	}
	o.logger.Info("jobs enqueued", zap.String("campaign_id", campaignID),
		zap.Int("offered", len(jobs)), zap.Int("added", added))
	return added, nil
}

// Run takes a created campaign through planning and starts dispatch
func (o *Orchestrator) Run(campaignID string) error {
	c, err := o.store.GetCampaign(campaignID)
	if err != nil {
		return err
	}
	if err := o.transition(campaignID, c.State, models.CampaignPlanning); err != nil {
		return err
	}

	if err := o.plan(o.baseCtx, c); err != nil {
		o.failCampaign(campaignID, models.CampaignPlanning, err)
		return fmt.Errorf("planning failed: %w", err)
	}

	if err := o.transition(campaignID, models.CampaignPlanning, models.CampaignRunning); err != nil {
		return err
	}
	o.startDispatch(campaignID)
	return nil
}

// Pause signals the campaign's dispatch loop to stop at the next boundary;
// in-flight submits complete.
func (o *Orchestrator) Pause(campaignID string) error {
	if err := o.transition(campaignID, models.CampaignRunning, models.CampaignPaused); err != nil {
		return err
	}
	o.stopRun(campaignID)
	return nil
}

// Resume restarts dispatch for a paused campaign
func (o *Orchestrator) Resume(campaignID string) error {
	if err := o.transition(campaignID, models.CampaignPaused, models.CampaignRunning); err != nil {
		return err
	}
	o.startDispatch(campaignID)
	return nil
}

// Stop ends a campaign. Planned work that never dispatched is withdrawn.
func (o *Orchestrator) Stop(campaignID string) error {
	c, err := o.store.GetCampaign(campaignID)
	if err != nil {
		return err
	}
	if err := o.transition(campaignID, c.State, models.CampaignCompleted); err != nil {
		return err
	}
	o.stopRun(campaignID)
	o.withdrawPending(campaignID)
	return nil
}

// Status reports a campaign with its counters and adapter health
func (o *Orchestrator) Status(campaignID string) (*Status, error) {
	c, err := o.store.GetCampaign(campaignID)
	if err != nil {
		return nil, err
	}
	counters, err := o.store.Counters(campaignID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	var paused []models.Platform
	for _, p := range models.Platforms {
		if o.paused[p] {
			paused = append(paused, p)
		}
	}
	o.mu.Unlock()

	return &Status{
		Campaign:        c,
		Counters:        counters,
		Adapters:        o.registry.Health(),
		PausedPlatforms: paused,
	}, nil
}

// Recover reconciles records a crash left mid-submit and restarts dispatch
// for campaigns that were running. Called once at startup before serving.
func (o *Orchestrator) Recover(ctx context.Context) error {
	stuck, err := o.store.StuckSubmitting()
	if err != nil {
		return err
	}
	for _, rec := range stuck {
		o.recoverRecord(ctx, rec)
	}

	campaigns, err := o.store.ListCampaigns()
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		if c.State == models.CampaignRunning {
			o.logger.Info("resuming campaign after restart", zap.String("campaign_id", c.CampaignID))
			o.startDispatch(c.CampaignID)
		}
	}
	return nil
}

// recoverRecord decides the fate of one record stuck in submitting. Adapters
// that can report recent submissions reconcile exactly; the rest retry with a
// disclosed duplicate risk.
func (o *Orchestrator) recoverRecord(ctx context.Context, rec *models.ApplicationRecord) {
	now := o.now()
	ad, err := o.registry.Get(rec.Platform)
	if err == nil && ad.SupportsRecovery() {
		ref, rerr := ad.RecentSubmission(ctx, rec.JobID)
		if rerr == nil && ref != "" {
			next := now.Add(firstPollDelay)
			rec.SubmissionState = models.SubmissionSubmitted
			rec.PlatformRef = ref
			rec.SubmittedAt = &now
			rec.NextPollAt = &next
			if err := o.casUpdate(rec, models.SubmissionSubmitting, rec.OutcomeState); err == nil {
				o.logger.Info("recovered in-flight submission",
					zap.String("application_id", rec.ApplicationID), zap.String("platform_ref", ref))
				o.emit(rec.CampaignID, rec.ApplicationID, models.EventApplicationSubmitted, models.MustPayload(map[string]any{
					"platform": rec.Platform, "platform_ref": ref, "recovered": true,
				}))
			}
			return
		}
	}

	duplicateRisk := err != nil || !ad.SupportsRecovery()
	rec.SubmissionState = models.SubmissionFailedRetryable
	if cerr := o.casUpdate(rec, models.SubmissionSubmitting, rec.OutcomeState); cerr != nil {
		return
	}
	o.logger.Warn("submission interrupted by restart, will retry",
		zap.String("application_id", rec.ApplicationID),
		zap.Bool("duplicate_risk", duplicateRisk))
	o.emit(rec.CampaignID, rec.ApplicationID, models.EventApplicationFailed, models.MustPayload(map[string]any{
		"reason": "interrupted_by_restart", "retryable": true, "duplicate_risk": duplicateRisk,
	}))
}

// CampaignSettled completes a running campaign once every record is terminal.
// Dispatch calls it when its queue drains and the tracker calls it after each
// terminal outcome; whichever observes the last record settle wins. Submitted
// records with an open outcome keep the campaign running.
func (o *Orchestrator) CampaignSettled(campaignID string) {
	n, err := o.store.CountNonTerminal(campaignID)
	if err != nil {
		o.logger.Error("could not count open records",
			zap.String("campaign_id", campaignID), zap.Error(err))
		return
	}
	if n > 0 {
		return
	}
	err = o.transition(campaignID, models.CampaignRunning, models.CampaignCompleted)
	if err != nil && !errors.Is(err, database.ErrConflict) {
		o.logger.Error("could not complete campaign",
			zap.String("campaign_id", campaignID), zap.Error(err))
	}
}

// transition moves a campaign between states and emits the change event
func (o *Orchestrator) transition(campaignID string, from, to models.CampaignState) error {
	if err := o.store.TransitionCampaign(campaignID, from, to, o.now()); err != nil {
		return err
	}
	o.logger.Info("campaign state changed", zap.String("campaign_id", campaignID),
		zap.String("from", string(from)), zap.String("to", string(to)))
	o.emit(campaignID, "", models.EventCampaignStateChanged, models.MustPayload(map[string]any{
		"from": from, "to": to,
	}))
	return nil
}

func (o *Orchestrator) failCampaign(campaignID string, from models.CampaignState, cause error) {
	o.logger.Error("campaign failed", zap.String("campaign_id", campaignID), zap.Error(cause))
	if err := o.store.TransitionCampaign(campaignID, from, models.CampaignFailed, o.now()); err != nil {
		o.logger.Error("could not record campaign failure", zap.String("campaign_id", campaignID), zap.Error(err))
		return
	}
	o.emit(campaignID, "", models.EventCampaignStateChanged, models.MustPayload(map[string]any{
		"from": from, "to": models.CampaignFailed, "cause": cause.Error(),
	}))
}

// withdrawPending withdraws records that never reached a platform
func (o *Orchestrator) withdrawPending(campaignID string) {
	for _, state := range []models.SubmissionState{models.SubmissionPlanned, models.SubmissionFailedRetryable} {
		records, err := o.store.ApplicationsInState(campaignID, state)
		if err != nil {
			o.logger.Error("could not list pending records", zap.Error(err))
			return
		}
		for _, rec := range records {
			now := o.now()
			rec.SubmissionState = models.SubmissionWithdrawn
			rec.TerminalAt = &now
			if err := o.casUpdate(rec, state, rec.OutcomeState); err != nil {
				continue
			}
		}
	}
}

// casUpdate writes a record back, translating a lost compare-and-set race
// into an integrity event. Conflicts indicate a bug: records have exactly
// one writer for each state family.
func (o *Orchestrator) casUpdate(rec *models.ApplicationRecord, prevSub models.SubmissionState, prevOut models.OutcomeState) error {
	err := o.store.UpdateApplication(rec, prevSub, prevOut)
	if errors.Is(err, database.ErrConflict) {
		o.logger.Error("concurrent write on application record",
			zap.String("application_id", rec.ApplicationID),
			zap.String("expected_submission", string(prevSub)),
			zap.String("expected_outcome", string(prevOut)))
		o.emit(rec.CampaignID, rec.ApplicationID, models.EventIntegrityViolation, models.MustPayload(map[string]any{
			"reason": "concurrent_write", "expected_submission": prevSub, "expected_outcome": prevOut,
		}))
	}
	return err
}

// pausePlatform halts dispatch to one platform after an expired session.
// The campaign keeps running on the others.
func (o *Orchestrator) pausePlatform(campaignID string, platform models.Platform, cause error) {
	o.mu.Lock()
	already := o.paused[platform]
	o.paused[platform] = true
	o.mu.Unlock()
	if already {
		return
	}
	o.logger.Warn("platform paused, credentials need refresh",
		zap.String("platform", string(platform)), zap.Error(cause))
	o.emit(campaignID, "", models.EventAdapterDegraded, models.MustPayload(map[string]any{
		"platform": platform, "reason": "auth_expired",
	}))
}

// ResumePlatform clears a credential pause after the operator refreshed the
// session; the next planning pass picks the platform back up.
func (o *Orchestrator) ResumePlatform(platform models.Platform) {
	o.mu.Lock()
	o.paused[platform] = false
	o.mu.Unlock()
}

func (o *Orchestrator) platformPaused(platform models.Platform) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused[platform]
}

// Events returns a campaign's persisted events after seq
func (o *Orchestrator) Events(campaignID string, since int64, limit int) ([]*models.Event, error) {
	if _, err := o.store.GetCampaign(campaignID); err != nil {
		return nil, err
	}
	return o.store.EventsSince(campaignID, since, limit)
}

// Subscribe returns a live event feed for a campaign. Slow consumers drop
// events from the feed; the persisted log remains complete.
func (o *Orchestrator) Subscribe(campaignID string) (<-chan *models.Event, func()) {
	ch := make(chan *models.Event, o.cfg.EventBuffer)
	o.mu.Lock()
	o.subSeq++
	id := o.subSeq
	if o.subs[campaignID] == nil {
		o.subs[campaignID] = map[int]chan *models.Event{}
	}
	o.subs[campaignID][id] = ch
	o.mu.Unlock()

	return ch, func() {
		o.mu.Lock()
		if subs, ok := o.subs[campaignID]; ok {
			delete(subs, id)
		}
		o.mu.Unlock()
	}
}

// Emit appends an event on behalf of a collaborating component (the outcome
// tracker) so its events reach the same log and live subscribers.
func (o *Orchestrator) Emit(campaignID, applicationID string, kind models.EventKind, payload []byte) {
	o.emit(campaignID, applicationID, kind, payload)
}

// emit appends an event to the campaign log and fans it out to subscribers
func (o *Orchestrator) emit(campaignID, applicationID string, kind models.EventKind, payload []byte) {
	ev, err := o.store.AppendEvent(campaignID, applicationID, kind, o.now(), payload)
	if err != nil {
		o.logger.Error("could not append event", zap.String("campaign_id", campaignID),
			zap.String("kind", string(kind)), zap.Error(err))
		return
	}

	o.mu.Lock()
	for _, ch := range o.subs[campaignID] {
		select {
		case ch <- ev:
		default:
		}
	}
	o.mu.Unlock()
}

// startDispatch launches (or replaces) a campaign's dispatch goroutine
func (o *Orchestrator) startDispatch(campaignID string) {
	ctx, cancel := context.WithCancel(o.baseCtx)
	r := &run{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if prev, ok := o.runs[campaignID]; ok {
		prev.cancel()
	}
	o.runs[campaignID] = r
	o.mu.Unlock()

	go func() {
		defer close(r.done)
		defer func() {
			o.mu.Lock()
			if o.runs[campaignID] == r {
				delete(o.runs, campaignID)
			}
			o.mu.Unlock()
		}()
		o.runCampaign(ctx, campaignID)
	}()
}

// stopRun cancels a campaign's dispatch goroutine and waits for the boundary
func (o *Orchestrator) stopRun(campaignID string) {
	o.mu.Lock()
	r, ok := o.runs[campaignID]
	o.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

// Wait blocks until a campaign's dispatch goroutine exits; test hook
func (o *Orchestrator) Wait(campaignID string) {
	o.mu.Lock()
	r, ok := o.runs[campaignID]
	o.mu.Unlock()
	if ok {
		<-r.done
	}
}
