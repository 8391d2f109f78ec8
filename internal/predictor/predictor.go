// Package predictor estimates P(response | job, cv, profile, time, platform)
// with a deterministic, explainable scorer, and learns per-platform priors
// from terminal outcomes. Scoring never blocks a campaign: when the prior
// store is unavailable it falls back to a conservative 0.5.
package predictor

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"applyd/internal/database"
	"applyd/pkg/models"
)

// Confidence levels exposed alongside every score
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// Rolling-mean horizon for prior updates
const priorHorizon = 500

// platformBucket is the bucket key for a platform's overall prior
const platformBucket = "platform"

// PriorStore is the persistence surface the predictor needs
type PriorStore interface {
	GetPrior(platform models.Platform, bucketKey string) (*database.Prior, error)
	RecordOutcome(platform models.Platform, bucketKey string, success bool, horizon int, now time.Time) (*database.Prior, error)
}

// Prediction is a scored recommendation. Score is clamped to [0.02, 0.98]:
// never certain in either direction.
type Prediction struct {
	Score      float64            `json:"score"`
	Confidence string             `json:"confidence"`
	Features   map[string]float64 `json:"features"`
	TimeFactor float64            `json:"time_factor"`
	Prior      float64            `json:"platform_prior"`
	// Degraded marks a fallback score produced without the prior store
	Degraded bool `json:"degraded,omitempty"`
}

// featureWeights are fixed per platform at construction. Learning never
// touches them: updates adjust bucket means only, which keeps the scorer
// monotone in skill alignment across refits.
type featureWeights struct {
	skills, experience, keywords, location, prior float64
}

var defaultWeights = featureWeights{skills: 0.35, experience: 0.20, keywords: 0.15, location: 0.15, prior: 0.15}

var platformWeights = map[models.Platform]featureWeights{
	// LinkedIn recruiters filter hard on skills and seniority
	models.PlatformLinkedIn: {skills: 0.40, experience: 0.25, keywords: 0.10, location: 0.10, prior: 0.15},
	// Indeed's matching is keyword-driven
	models.PlatformIndeed: {skills: 0.30, experience: 0.15, keywords: 0.25, location: 0.15, prior: 0.15},
}

// timeFactors is the default weekday x half-day table; campaign config
// may override entries.
var timeFactors = map[string]float64{
	"monday_am": 1.0, "monday_pm": 0.92,
	"tuesday_am": 1.0, "tuesday_pm": 0.92,
	"wednesday_am": 1.0, "wednesday_pm": 0.92,
	"thursday_am": 1.0, "thursday_pm": 0.92,
	"friday_am": 0.95, "friday_pm": 0.85,
	"saturday_am": 0.75, "saturday_pm": 0.75,
	"sunday_am": 0.75, "sunday_pm": 0.75,
}

// TimeWindowKey formats a timestamp into the table key
func TimeWindowKey(t time.Time) string {
	half := "am"
	if t.Hour() >= 12 {
		half = "pm"
	}
	return fmt.Sprintf("%s_%s", strings.ToLower(t.Weekday().String()), half)
}

func timeFactor(t time.Time, overrides map[string]float64) float64 {
	key := TimeWindowKey(t)
	if overrides != nil {
		if f, ok := overrides[key]; ok {
			return f
		}
	}
	if f, ok := timeFactors[key]; ok {
		return f
	}
	return 1.0
}

// Predictor scores applications and folds outcomes back into priors
type Predictor struct {
	store  PriorStore
	logger *zap.Logger
}

// New builds a predictor over the given prior store
func New(store PriorStore, logger *zap.Logger) *Predictor {
	return &Predictor{store: store, logger: logger.Named("predictor")}
}

// Score estimates the response probability for submitting cv to job at
// the given time. It is deterministic in its inputs plus the stored priors.
func (p *Predictor) Score(job *models.JobPosting, profile *models.CandidateProfile, cv *models.CVVariant, when time.Time, windowOverrides map[string]float64) *Prediction {
	weights, ok := platformWeights[job.Platform]
	if !ok {
		weights = defaultWeights
	}

	prior, priorErr := p.store.GetPrior(job.Platform, platformBucket)
	if priorErr != nil {
		p.logger.Warn("prior store unavailable, using conservative score",
			zap.String("platform", string(job.Platform)), zap.Error(priorErr))
		return &Prediction{Score: 0.5, Confidence: ConfidenceLow, Degraded: true}
	}

	features := map[string]float64{
		"skill_alignment": skillAlignment(job, profile),
		"experience_fit":  experienceFit(job, profile.YearsOfExperience(when)),
		"keyword_density": keywordDensity(job, cv),
		"location":        locationScore(job, profile),
		"prior":           priorFeature(prior, companyTier(job.Company)),
	}

	base := features["skill_alignment"]*weights.skills +
		features["experience_fit"]*weights.experience +
		features["keyword_density"]*weights.keywords +
		features["location"]*weights.location +
		features["prior"]*weights.prior

	tf := timeFactor(when, windowOverrides)
	pf := priorFactor(prior)
	score := clamp(base*tf*pf, 0.02, 0.98)

	return &Prediction{
		Score:      score,
		Confidence: confidence(features, prior.SampleCount),
		Features:   features,
		TimeFactor: tf,
		Prior:      pf,
	}
}

// priorFeature blends the platform's rolling success rate with the
// company-tier prior; zero samples read as neutral.
func priorFeature(prior *database.Prior, tier float64) float64 {
	if prior.SampleCount == 0 {
		return (0.5 + tier) / 2
	}
	return (prior.SuccessRate + tier) / 2
}

// priorFactor is the historical multiplier: neutral with no history,
// 0.5..1.5 once samples accumulate.
func priorFactor(prior *database.Prior) float64 {
	if prior.SampleCount == 0 {
		return 1.0
	}
	return 0.5 + prior.SuccessRate
}

// confidence derives from feature-score dispersion and prior sample size:
// tight features over a deep prior score high.
func confidence(features map[string]float64, samples int) string {
	mean := 0.0
	for _, v := range features {
		mean += v
	}
	mean /= float64(len(features))

	variance := 0.0
	for _, v := range features {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(features))

	switch {
	case variance < 0.03 && samples >= 50:
		return ConfidenceHigh
	case variance < 0.08 || samples >= 10:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// DensityBucket names the keyword-density bucket an application falls in,
// used for per-(platform, bucket) learning.
func DensityBucket(job *models.JobPosting, cv *models.CVVariant) string {
	score := keywordDensity(job, cv)
	switch {
	case score >= 1.0:
		return "kw:band"
	case score >= 0.5:
		return "kw:near"
	default:
		return "kw:off"
	}
}

// Observe folds one terminal outcome into the priors. Success means the
// application drew a positive response (interview or offer). The platform
// prior always updates; the density bucket updates when known.
func (p *Predictor) Observe(platform models.Platform, outcome models.OutcomeState, densityBucket string, now time.Time) error {
	success := outcome == models.OutcomeInterview || outcome == models.OutcomeOffer

	prior, err := p.store.RecordOutcome(platform, platformBucket, success, priorHorizon, now)
	if err != nil {
		return fmt.Errorf("failed to update platform prior: %w", err)
	}
	p.logger.Debug("platform prior updated",
		zap.String("platform", string(platform)),
		zap.Float64("success_rate", prior.SuccessRate),
		zap.Int("samples", prior.SampleCount))

	if densityBucket != "" {
		if _, err := p.store.RecordOutcome(platform, densityBucket, success, priorHorizon, now); err != nil {
			return fmt.Errorf("failed to update density bucket: %w", err)
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
