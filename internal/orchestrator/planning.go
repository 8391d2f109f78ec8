package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"applyd/internal/database"
	"applyd/pkg/models"
)

// plan scores every queued job and persists an ApplicationRecord for each
// one that clears the campaign's predictor threshold. Already-planned jobs
// are skipped, so replanning after a crash is idempotent.
func (o *Orchestrator) plan(ctx context.Context, c *models.Campaign) error {
	profile, err := o.store.GetProfile(c.ProfileID)
	if err != nil {
		return err
	}
	jobs, err := o.store.QueuedJobs(c.CampaignID)
	if err != nil {
		return err
	}
	planned, err := o.plannedJobIDs(c.CampaignID)
	if err != nil {
		return err
	}
	variants := o.loadVariants(c.Config.CVRotation)

	accepted, degradedEmitted := 0, false
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if planned[job.JobID] {
			continue
		}
		if _, err := o.registry.Get(job.Platform); err != nil {
			o.logger.Warn("skipping job on unsupported platform",
				zap.String("job_id", job.JobID), zap.String("platform", string(job.Platform)))
			continue
		}

		variant := bestVariant(job, variants)
		var variantID string
		if variant != nil {
			variantID = variant.VariantID
		}

		now := o.now()
		pred := o.predictor.Score(job, profile, variant, now, c.Config.TimeWindows)
		if pred.Degraded && !degradedEmitted {
			degradedEmitted = true
			o.logger.Warn("predictor degraded, planning with neutral scores",
				zap.String("campaign_id", c.CampaignID))
			o.emit(c.CampaignID, "", models.EventPredictorDegraded, models.MustPayload(map[string]any{
				"fallback_score": pred.Score,
			}))
		}
		if pred.Score < c.Config.PredictorThreshold {
			continue
		}

		rec := &models.ApplicationRecord{
			ApplicationID:       uuid.NewString(),
			CampaignID:          c.CampaignID,
			JobID:               job.JobID,
			Platform:            job.Platform,
			VariantID:           variantID,
			SubmissionState:     models.SubmissionPlanned,
			OutcomeState:        models.OutcomeNoResponse,
			PredictedSuccess:    pred.Score,
			PredictedConfidence: pred.Confidence,
			PlannedAt:           now,
		}
		if err := o.store.InsertApplication(rec); err != nil {
			if errors.Is(err, database.ErrDuplicateApplication) {
				o.logger.Error("duplicate application refused",
					zap.String("campaign_id", c.CampaignID), zap.String("job_id", job.JobID))
				o.emit(c.CampaignID, "", models.EventIntegrityViolation, models.MustPayload(map[string]any{
					"reason": "duplicate_application", "job_id": job.JobID,
				}))
				continue
			}
			return err
		}
		accepted++
		o.emit(c.CampaignID, rec.ApplicationID, models.EventApplicationPlanned, models.MustPayload(map[string]any{
			"job_id":     job.JobID,
			"platform":   job.Platform,
			"variant_id": variantID,
			"score":      pred.Score,
			"confidence": pred.Confidence,
		}))
	}

	o.logger.Info("planning complete", zap.String("campaign_id", c.CampaignID),
		zap.Int("queued", len(jobs)), zap.Int("accepted", accepted))
	return nil
}

// plannedJobIDs collects the job ids that already have a record
func (o *Orchestrator) plannedJobIDs(campaignID string) (map[string]bool, error) {
	seen := map[string]bool{}
	for offset := 0; ; offset += 500 {
		page, err := o.store.ListApplications(campaignID, 500, offset)
		if err != nil {
			return nil, err
		}
		for _, rec := range page {
			if rec.SubmissionState != models.SubmissionWithdrawn {
				seen[rec.JobID] = true
			}
		}
		if len(page) < 500 {
			return seen, nil
		}
	}
}

// loadVariants resolves the campaign's CV rotation; unknown variants are
// logged and skipped rather than failing the whole plan.
func (o *Orchestrator) loadVariants(rotation []string) []*models.CVVariant {
	variants := make([]*models.CVVariant, 0, len(rotation))
	for _, id := range rotation {
		v, err := o.store.GetVariant(id)
		if err != nil {
			o.logger.Warn("cv variant not found, skipping", zap.String("variant_id", id), zap.Error(err))
			continue
		}
		variants = append(variants, v)
	}
	return variants
}

// bestVariant picks the rotation variant whose keywords overlap the job
// most; ties keep rotation order. Nil when the rotation is empty.
func bestVariant(job *models.JobPosting, variants []*models.CVVariant) *models.CVVariant {
	if len(variants) == 0 {
		return nil
	}

	haystack := strings.ToLower(job.Title + " " + job.Description + " " + strings.Join(job.Skills, " "))
	best, bestHits := variants[0], -1
	for _, v := range variants {
		hits := 0
		for _, kw := range v.Keywords {
			if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = v, hits
		}
	}
	return best
}
