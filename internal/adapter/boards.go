package adapter

import (
	"time"

	"applyd/pkg/models"
)

// Per-board profiles. Pacing defaults reflect each board's observed
// tolerance; config rate_overrides can replace them.

func linkedinProfile() boardProfile {
	return boardProfile{
		platform:   models.PlatformLinkedIn,
		baseURL:    "https://api.linkedin.com/v2",
		submitPath: "/simple-applications",
		pollPath:   "/simple-applications/%s",
		recentPath: "/simple-applications/recent?job=%s",
		csrfPath:   "/csrf",
		tokenEnv:   "APPLYD_LINKEDIN_TOKEN",
		headers: map[string]string{
			"X-Restli-Protocol-Version": "2.0.0",
		},
		statusMap: map[string]models.OutcomeState{
			"APPLIED":      models.OutcomeNoResponse,
			"VIEWED":       models.OutcomeUnderReview,
			"IN_REVIEW":    models.OutcomeUnderReview,
			"INTERVIEWING": models.OutcomeInterview,
			"OFFERED":      models.OutcomeOffer,
			"REJECTED":     models.OutcomeRejected,
		},
		rate: RatePolicy{MinInterval: 60 * time.Second, TokensPerMinute: 2, MaxInFlight: 1},
	}
}

func indeedProfile() boardProfile {
	return boardProfile{
		platform:   models.PlatformIndeed,
		baseURL:    "https://apis.indeed.com/v1",
		submitPath: "/applications",
		pollPath:   "/applications/%s/status",
		recentPath: "/applications/lookup?job_key=%s",
		tokenEnv:   "APPLYD_INDEED_TOKEN",
		statusMap: map[string]models.OutcomeState{
			"submitted":    models.OutcomeNoResponse,
			"under_review": models.OutcomeUnderReview,
			"employer_viewed": models.OutcomeUnderReview,
			"interview":    models.OutcomeInterview,
			"offer":        models.OutcomeOffer,
			"not_selected": models.OutcomeRejected,
		},
		rate: RatePolicy{MinInterval: 20 * time.Second, TokensPerMinute: 5, MaxInFlight: 2},
	}
}

func glassdoorProfile() boardProfile {
	return boardProfile{
		platform:   models.PlatformGlassdoor,
		baseURL:    "https://api.glassdoor.com/partner/v1",
		submitPath: "/apply",
		pollPath:   "/apply/%s",
		csrfPath:   "/session/csrf",
		tokenEnv:   "APPLYD_GLASSDOOR_TOKEN",
		statusMap: map[string]models.OutcomeState{
			"received":  models.OutcomeNoResponse,
			"reviewing": models.OutcomeUnderReview,
			"interview": models.OutcomeInterview,
			"hired":     models.OutcomeOffer,
			"declined":  models.OutcomeRejected,
		},
		rate: RatePolicy{MinInterval: 30 * time.Second, TokensPerMinute: 3, MaxInFlight: 1},
	}
}

func monsterProfile() boardProfile {
	return boardProfile{
		platform:   models.PlatformMonster,
		baseURL:    "https://api.monster.com/v2",
		submitPath: "/candidate/applications",
		pollPath:   "/candidate/applications/%s",
		recentPath: "/candidate/applications/by-job/%s",
		tokenEnv:   "APPLYD_MONSTER_TOKEN",
		statusMap: map[string]models.OutcomeState{
			"ACTIVE":    models.OutcomeNoResponse,
			"SCREENED":  models.OutcomeUnderReview,
			"INTERVIEW": models.OutcomeInterview,
			"OFFER":     models.OutcomeOffer,
			"CLOSED":    models.OutcomeRejected,
		},
		rate: RatePolicy{MinInterval: 15 * time.Second, TokensPerMinute: 6, MaxInFlight: 2},
	}
}

// genericRate paces the browser-driven generic adapter conservatively
func genericRate() RatePolicy {
	return RatePolicy{MinInterval: 45 * time.Second, TokensPerMinute: 2, MaxInFlight: 1}
}
