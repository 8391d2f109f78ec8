package models

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies a supported job board
type Platform string

const (
	PlatformLinkedIn  Platform = "linkedin"
	PlatformIndeed    Platform = "indeed"
	PlatformGlassdoor Platform = "glassdoor"
	PlatformMonster   Platform = "monster"
	PlatformGeneric   Platform = "generic"
)

// Platforms lists every supported platform in a fixed order
var Platforms = []Platform{
	PlatformLinkedIn,
	PlatformIndeed,
	PlatformGlassdoor,
	PlatformMonster,
	PlatformGeneric,
}

// ParsePlatform validates a platform string
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Platforms {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform: %q", s)
}

// JobPosting represents an ingested job posting. Immutable once enqueued.
type JobPosting struct {
	JobID       string    `json:"job_id"`
	Platform    Platform  `json:"platform"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location"`
	Skills      []string  `json:"skills"`
	Description string    `json:"description"`
	SalaryMin   int       `json:"salary_min,omitempty"`
	SalaryMax   int       `json:"salary_max,omitempty"`
	ApplyURL    string    `json:"apply_url,omitempty"`
	PostedAt    time.Time `json:"posted_at"`
}

// Experience represents one work experience entry on a profile
type Experience struct {
	Company   string     `json:"company"`
	Title     string     `json:"title"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date"` // nil for current positions
}

// CandidateProfile is the read-only candidate record the core applies on behalf of
type CandidateProfile struct {
	ProfileID   string       `json:"profile_id"`
	Name        string       `json:"name"`
	Email       string       `json:"email"`
	Phone       string       `json:"phone"`
	Location    string       `json:"location"`
	RemoteOK    bool         `json:"remote_ok"`
	Skills      []string     `json:"skills"`
	Experience  []Experience `json:"experience"`
	Education   []string     `json:"education"`
	LinkedInURL string       `json:"linkedin_url"`
	GitHubURL   string       `json:"github_url"`
}

// YearsOfExperience sums the spans of all experience entries
func (p *CandidateProfile) YearsOfExperience(now time.Time) float64 {
	var total time.Duration
	for _, exp := range p.Experience {
		end := now
		if exp.EndDate != nil {
			end = *exp.EndDate
		}
		if end.After(exp.StartDate) {
			total += end.Sub(exp.StartDate)
		}
	}
	return total.Hours() / (24 * 365)
}

// CVVariant references a rendered CV owned by the CV service.
// The core only holds the identifier and metadata used for alignment scoring.
type CVVariant struct {
	VariantID string   `json:"variant_id"`
	Language  string   `json:"language"`
	Emphasis  []string `json:"emphasis"`
	Keywords  []string `json:"keywords"`
}

// CampaignConfig holds per-campaign tunables
type CampaignConfig struct {
	DailyCap             int                  `json:"daily_application_cap"`
	PlatformWeights      map[Platform]float64 `json:"platform_weights"`
	PredictorThreshold   float64              `json:"predictor_threshold"`
	CVRotation           []string             `json:"cv_rotation"`
	GhostingDeadlineDays int                  `json:"ghosting_deadline_days"`
	MaxRetries           int                  `json:"max_retries"`
	FollowUpDays         int                  `json:"follow_up_days,omitempty"`
	// TimeWindows optionally overrides the weekday x half-day dispatch factors,
	// keyed "<weekday>_<am|pm>" (e.g. "monday_am").
	TimeWindows map[string]float64 `json:"time_window_table,omitempty"`
}

// Validate checks a campaign config, applying defaults for zero values
func (c *CampaignConfig) Validate() error {
	if c.DailyCap <= 0 {
		c.DailyCap = 50
	}
	if c.PredictorThreshold < 0 || c.PredictorThreshold > 1 {
		return fmt.Errorf("predictor_threshold must be in [0,1], got %v", c.PredictorThreshold)
	}
	if c.PredictorThreshold == 0 {
		c.PredictorThreshold = 0.6
	}
	if c.GhostingDeadlineDays <= 0 {
		c.GhostingDeadlineDays = 60
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	for p, w := range c.PlatformWeights {
		if _, err := ParsePlatform(string(p)); err != nil {
			return err
		}
		if w < 0 {
			return fmt.Errorf("platform weight for %s must be >= 0, got %v", p, w)
		}
	}
	return nil
}

// GhostingDeadline returns the configured ghosting deadline as a duration
func (c *CampaignConfig) GhostingDeadline() time.Duration {
	return time.Duration(c.GhostingDeadlineDays) * 24 * time.Hour
}

// CampaignCounters aggregates a campaign's record states
type CampaignCounters struct {
	Planned    int `json:"planned"`
	Submitted  int `json:"submitted"`
	Failed     int `json:"failed"`
	Interviews int `json:"interviews"`
	Offers     int `json:"offers"`
	Rejected   int `json:"rejected"`
	Ghosted    int `json:"ghosted"`
}

// Campaign is a bounded application program for one candidate profile
type Campaign struct {
	CampaignID string         `json:"campaign_id"`
	ProfileID  string         `json:"profile_id"`
	Config     CampaignConfig `json:"config"`
	State      CampaignState  `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
}

// ApplicationRecord is the persisted record of one submission attempt
// for one (campaign, job) pair.
type ApplicationRecord struct {
	ApplicationID   string          `json:"application_id"`
	CampaignID      string          `json:"campaign_id"`
	JobID           string          `json:"job_id"`
	Platform        Platform        `json:"platform"`
	VariantID       string          `json:"variant_id"`
	SubmissionState SubmissionState `json:"submission_state"`
	OutcomeState    OutcomeState    `json:"outcome_state"`
	// PredictedSuccess is fixed at decision time and never mutated.
	PredictedSuccess    float64    `json:"predicted_success"`
	PredictedConfidence string     `json:"predicted_confidence"`
	PlatformRef         string     `json:"platform_ref,omitempty"`
	Attempts            int        `json:"attempts"`
	PlannedAt           time.Time  `json:"planned_at"`
	SubmittedAt         *time.Time `json:"submitted_at,omitempty"`
	LastPolledAt        *time.Time `json:"last_polled_at,omitempty"`
	NextPollAt          *time.Time `json:"next_poll_at,omitempty"`
	TerminalAt          *time.Time `json:"terminal_at,omitempty"`
}

// Terminal reports whether the record needs no further work
func (r *ApplicationRecord) Terminal() bool {
	switch r.SubmissionState {
	case SubmissionFailedPermanent, SubmissionWithdrawn:
		return true
	}
	return r.SubmissionState == SubmissionSubmitted && r.OutcomeState.Terminal()
}
