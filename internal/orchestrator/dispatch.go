package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"applyd/internal/adapter"
	"applyd/internal/database"
	"applyd/internal/scheduler"
	"applyd/pkg/models"
)

const (
	// firstPollDelay schedules the initial outcome poll after a submit
	firstPollDelay = 24 * time.Hour
	// pausedRecheck is how long dispatch idles when only credential-paused
	// platforms have pending work
	pausedRecheck = time.Minute
	// dispatchHour restarts dispatch the morning after the daily cap is hit
	dispatchHour = 9
)

// runCampaign drives one campaign's dispatch to its end state
func (o *Orchestrator) runCampaign(ctx context.Context, campaignID string) {
	err := o.dispatch(ctx, campaignID)
	switch {
	case err == nil:
		// Dispatch owes nothing more. The campaign completes only once the
		// tracker settles every outstanding outcome.
		o.logger.Info("dispatch drained", zap.String("campaign_id", campaignID))
		o.CampaignSettled(campaignID)
	case errors.Is(err, context.Canceled):
		// paused or stopped; the caller already moved the campaign state
	default:
		o.failCampaign(campaignID, models.CampaignRunning, err)
	}
}

// dispatch submits a campaign's pending records in planned passes until
// nothing remains. Each pass builds a fresh plan so adapter health and the
// daily cap are re-evaluated; within a pass, platforms proceed in parallel
// and records on one platform stay in the scheduler's order.
func (o *Orchestrator) dispatch(ctx context.Context, campaignID string) error {
	c, err := o.store.GetCampaign(campaignID)
	if err != nil {
		return err
	}
	profile, err := o.store.GetProfile(c.ProfileID)
	if err != nil {
		return err
	}
	jobs, err := o.jobIndex(campaignID)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pending, err := o.pendingRecords(campaignID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		items := make([]scheduler.Item, 0, len(pending))
		records := make(map[string]*models.ApplicationRecord, len(pending))
		for _, rec := range pending {
			if o.platformPaused(rec.Platform) {
				continue
			}
			records[rec.ApplicationID] = rec
			item := scheduler.Item{
				ApplicationID: rec.ApplicationID,
				JobID:         rec.JobID,
				Platform:      rec.Platform,
				Score:         rec.PredictedSuccess,
			}
			if job, ok := jobs[rec.JobID]; ok {
				item.PostedAt = job.PostedAt
			}
			items = append(items, item)
		}
		if len(items) == 0 {
			// only credential-paused platforms have work left
			if err := o.sleep(ctx, pausedRecheck); err != nil {
				return err
			}
			continue
		}

		plan := scheduler.Build(items, &c.Config, o.schedulerPolicies(), o.now())
		if len(plan.Entries) == 0 {
			// every eligible platform is degraded; wait for recovery
			if err := o.sleep(ctx, pausedRecheck); err != nil {
				return err
			}
			continue
		}
		o.logger.Info("dispatch pass planned", zap.String("campaign_id", campaignID),
			zap.Int("entries", plan.Summary.Total), zap.Int("deferred", plan.Summary.Skipped),
			zap.Time("expected_completion", plan.Summary.ExpectedCompletion))

		byPlatform := map[models.Platform][]scheduler.Entry{}
		for _, e := range plan.Entries {
			byPlatform[e.Platform] = append(byPlatform[e.Platform], e)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.SubmitWorkers)
		for platform, entries := range byPlatform {
			platform, entries := platform, entries
			g.Go(func() error {
				return o.dispatchPlatform(gctx, c, profile, platform, entries, records, jobs)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		// Deferred items wait for the next day's budget
		if plan.Summary.Skipped > 0 {
			if err := o.sleep(ctx, o.untilNextDispatchDay()); err != nil {
				return err
			}
		}

		// A pass that settled nothing (adapter refused to open, every
		// record skipped) must not spin the planner
		remaining, err := o.pendingRecords(campaignID)
		if err != nil {
			return err
		}
		if len(remaining) == len(pending) && plan.Summary.Skipped == 0 {
			if err := o.sleep(ctx, pausedRecheck); err != nil {
				return err
			}
		}
	}
}

// pendingRecords returns the records dispatch still owes a submission
func (o *Orchestrator) pendingRecords(campaignID string) ([]*models.ApplicationRecord, error) {
	planned, err := o.store.ApplicationsInState(campaignID, models.SubmissionPlanned)
	if err != nil {
		return nil, err
	}
	retryable, err := o.store.ApplicationsInState(campaignID, models.SubmissionFailedRetryable)
	if err != nil {
		return nil, err
	}
	return append(planned, retryable...), nil
}

// jobIndex loads the campaign's queued postings keyed by job id
func (o *Orchestrator) jobIndex(campaignID string) (map[string]*models.JobPosting, error) {
	jobs, err := o.store.QueuedJobs(campaignID)
	if err != nil {
		return nil, err
	}
	index := make(map[string]*models.JobPosting, len(jobs))
	for _, job := range jobs {
		index[job.JobID] = job
	}
	return index, nil
}

// schedulerPolicies projects current adapter health into planner policies
func (o *Orchestrator) schedulerPolicies() map[models.Platform]scheduler.Policy {
	policies := map[models.Platform]scheduler.Policy{}
	for platform, h := range o.registry.Health() {
		policies[platform] = scheduler.Policy{
			MinInterval:     h.EffectiveInterval,
			TokensPerMinute: h.TokensPerMinute,
			Degraded:        h.State == adapter.StateDegraded || o.platformPaused(platform),
		}
	}
	return policies
}

func (o *Orchestrator) untilNextDispatchDay() time.Duration {
	now := o.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), dispatchHour, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}

// waitUntil sleeps until the planned dispatch time through the injectable
// sleeper; the scheduler's ordering stays advisory under a canceled context.
func (o *Orchestrator) waitUntil(ctx context.Context, at time.Time) error {
	if d := at.Sub(o.now()); d > 0 {
		return o.sleep(ctx, d)
	}
	return ctx.Err()
}

// dispatchPlatform walks one platform's plan entries in order. Pacing is
// doubly enforced: the plan spaces dispatch times and the adapter's permit
// has the final say.
func (o *Orchestrator) dispatchPlatform(ctx context.Context, c *models.Campaign, profile *models.CandidateProfile,
	platform models.Platform, entries []scheduler.Entry, records map[string]*models.ApplicationRecord,
	jobs map[string]*models.JobPosting) error {

	ad, err := o.registry.Get(platform)
	if err != nil {
		return err
	}
	if h := ad.Health(); h.State == adapter.StateClosed {
		if err := ad.Open(ctx); err != nil {
			ae := adapter.AsError(err)
			if ae.Kind == adapter.KindAuthExpired {
				o.pausePlatform(c.CampaignID, platform, err)
				return nil
			}
			o.logger.Warn("could not open adapter session",
				zap.String("platform", string(platform)), zap.Error(err))
			return nil
		}
	}

	for _, e := range entries {
		if o.platformPaused(platform) {
			return nil
		}
		rec, ok := records[e.ApplicationID]
		if !ok {
			continue
		}
		if err := o.waitUntil(ctx, e.DispatchAt); err != nil {
			return err
		}
		if err := o.submitOne(ctx, c, ad, rec, jobs[rec.JobID], profile); err != nil {
			return err
		}
	}
	return nil
}

// submitOne takes one record from planned (or failed_retryable) to its
// settled submission state, retrying transient failures inline up to the
// campaign's retry budget. Only store failures propagate; adapter failures
// settle into record states.
func (o *Orchestrator) submitOne(ctx context.Context, c *models.Campaign, ad adapter.Adapter,
	rec *models.ApplicationRecord, job *models.JobPosting, profile *models.CandidateProfile) error {

	if job == nil {
		return o.settlePermanent(rec, rec.SubmissionState, "job posting missing from queue")
	}

	for {
		prevSub := rec.SubmissionState
		rec.SubmissionState = models.SubmissionSubmitting
		rec.Attempts++
		if err := o.casUpdate(rec, prevSub, rec.OutcomeState); err != nil {
			if errors.Is(err, database.ErrConflict) {
				return nil // another writer settled this record; skip it
			}
			return err
		}

		artifact, meta, err := o.cvs.Render(ctx, rec.VariantID, rec.JobID)
		if err != nil {
			o.logger.Error("cv render failed", zap.String("application_id", rec.ApplicationID), zap.Error(err))
			return o.settlePermanent(rec, models.SubmissionSubmitting, "cv artifact unavailable")
		}

		sctx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
		res, err := ad.Submit(sctx, adapter.SubmitRequest{
			Job:        job,
			Profile:    profile,
			VariantID:  rec.VariantID,
			CVArtifact: artifact,
			CVFileName: meta.FileName,
		})
		cancel()
		now := o.now()

		if err == nil {
			next := now.Add(firstPollDelay)
			rec.SubmissionState = models.SubmissionSubmitted
			rec.PlatformRef = res.PlatformRef
			rec.SubmittedAt = &now
			rec.NextPollAt = &next
			if uerr := o.casUpdate(rec, models.SubmissionSubmitting, rec.OutcomeState); uerr != nil {
				if errors.Is(uerr, database.ErrConflict) {
					return nil
				}
				return uerr
			}
			o.logger.Info("application submitted",
				zap.String("application_id", rec.ApplicationID),
				zap.String("platform", string(rec.Platform)),
				zap.String("platform_ref", res.PlatformRef),
				zap.Int("attempts", rec.Attempts),
				zap.Duration("latency", res.Latency))
			o.emit(c.CampaignID, rec.ApplicationID, models.EventApplicationSubmitted, models.MustPayload(map[string]any{
				"platform": rec.Platform, "platform_ref": res.PlatformRef, "attempts": rec.Attempts,
			}))
			return nil
		}

		if ctx.Err() != nil {
			// shutdown mid-submit: the record stays in submitting and is
			// reconciled by recovery on the next start
			return ctx.Err()
		}

		ae := adapter.AsError(err)
		o.logger.Warn("submit failed",
			zap.String("application_id", rec.ApplicationID),
			zap.String("platform", string(rec.Platform)),
			zap.String("kind", string(ae.Kind)),
			zap.Int("attempt", rec.Attempts),
			zap.Error(err))

		if ae.Kind == adapter.KindAuthExpired {
			rec.SubmissionState = models.SubmissionFailedRetryable
			if uerr := o.casUpdate(rec, models.SubmissionSubmitting, rec.OutcomeState); uerr != nil && !errors.Is(uerr, database.ErrConflict) {
				return uerr
			}
			o.pausePlatform(c.CampaignID, rec.Platform, err)
			return nil
		}

		if ae.Retryable {
			hint := ae.RetryAfter
			if hint <= 0 {
				hint = ad.Health().EffectiveInterval
			}
			if at, ok := scheduler.NextRetry(o.now(), rec.Attempts, hint, c.Config.MaxRetries); ok {
				rec.SubmissionState = models.SubmissionFailedRetryable
				if uerr := o.casUpdate(rec, models.SubmissionSubmitting, rec.OutcomeState); uerr != nil {
					if errors.Is(uerr, database.ErrConflict) {
						return nil
					}
					return uerr
				}
				if werr := o.waitUntil(ctx, at); werr != nil {
					return werr
				}
				continue
			}
		}

		reason := string(ae.Kind)
		if ae.Retryable {
			reason = "retry budget exhausted: " + reason
		}
		return o.settlePermanent(rec, models.SubmissionSubmitting, reason)
	}
}

// settlePermanent moves a record to failed_permanent and emits the failure
func (o *Orchestrator) settlePermanent(rec *models.ApplicationRecord, prev models.SubmissionState, reason string) error {
	now := o.now()
	rec.SubmissionState = models.SubmissionFailedPermanent
	rec.TerminalAt = &now
	if err := o.casUpdate(rec, prev, rec.OutcomeState); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil
		}
		return err
	}
	o.logger.Warn("application permanently failed",
		zap.String("application_id", rec.ApplicationID), zap.String("reason", reason))
	o.emit(rec.CampaignID, rec.ApplicationID, models.EventApplicationFailed, models.MustPayload(map[string]any{
		"platform": rec.Platform, "reason": reason, "attempts": rec.Attempts,
	}))
	return nil
}
