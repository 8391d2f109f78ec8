package predictor

import (
	"strings"

	"applyd/pkg/models"
)

// relatedSkills groups skills that count as semantic-related matches.
// Membership in the same group scores half an exact match.
var relatedSkills = map[string][]string{
	"python":     {"django", "flask", "fastapi", "numpy", "pandas"},
	"go":         {"golang", "grpc", "protobuf"},
	"javascript": {"typescript", "node", "nodejs", "react", "vue", "angular"},
	"java":       {"kotlin", "spring", "jvm", "scala"},
	"sql":        {"postgresql", "postgres", "mysql", "sqlite", "mariadb"},
	"aws":        {"gcp", "azure", "cloud", "terraform"},
	"docker":     {"kubernetes", "k8s", "containers", "podman"},
	"ml":         {"machine learning", "pytorch", "tensorflow", "scikit-learn"},
}

func related(a, b string) bool {
	for root, group := range relatedSkills {
		inGroup := func(s string) bool {
			if s == root {
				return true
			}
			for _, g := range group {
				if s == g {
					return true
				}
			}
			return false
		}
		if inGroup(a) && inGroup(b) {
			return true
		}
	}
	return false
}

// skillAlignment scores exact + partial + semantic-related skill matches,
// normalized by the number of required skills. No required skills reads
// as neutral.
func skillAlignment(job *models.JobPosting, profile *models.CandidateProfile) float64 {
	if len(job.Skills) == 0 {
		return 0.5
	}

	have := make([]string, 0, len(profile.Skills))
	for _, s := range profile.Skills {
		have = append(have, strings.ToLower(strings.TrimSpace(s)))
	}

	total := 0.0
	for _, required := range job.Skills {
		req := strings.ToLower(strings.TrimSpace(required))
		best := 0.0
		for _, h := range have {
			switch {
			case h == req:
				best = 1.0
			case best < 0.6 && (strings.Contains(h, req) || strings.Contains(req, h)):
				best = 0.6
			case best < 0.5 && related(h, req):
				best = 0.5
			}
			if best == 1.0 {
				break
			}
		}
		total += best
	}
	return total / float64(len(job.Skills))
}

// seniorityYears maps title keywords to expected years of experience
func seniorityYears(title string) (min, max float64) {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "principal") || strings.Contains(t, "staff") || strings.Contains(t, "architect"):
		return 8, 30
	case strings.Contains(t, "lead") || strings.Contains(t, "manager"):
		return 6, 30
	case strings.Contains(t, "senior") || strings.Contains(t, "sr."):
		return 5, 15
	case strings.Contains(t, "junior") || strings.Contains(t, "entry") || strings.Contains(t, "intern"):
		return 0, 3
	default:
		return 2, 8
	}
}

// experienceFit is a piecewise function of inferred years against the
// role's seniority band: inside the band is a full match, below decays
// linearly, far above tapers mildly.
func experienceFit(job *models.JobPosting, years float64) float64 {
	min, max := seniorityYears(job.Title)
	switch {
	case years >= min && years <= max:
		return 1.0
	case years < min:
		if min == 0 {
			return 1.0
		}
		return 0.3 + 0.7*(years/min)
	default: // overqualified
		over := years - max
		if over > 10 {
			over = 10
		}
		return 1.0 - 0.02*over
	}
}

// keywordDensity scores the fraction of description tokens covered by CV
// keywords. The healthy band is 1%-3%: lower reads as a weak match, higher
// as keyword stuffing.
func keywordDensity(job *models.JobPosting, cv *models.CVVariant) float64 {
	if cv == nil || len(cv.Keywords) == 0 || job.Description == "" {
		return 0.5
	}

	tokens := strings.Fields(strings.ToLower(job.Description))
	if len(tokens) == 0 {
		return 0.5
	}

	keywords := map[string]bool{}
	for _, k := range cv.Keywords {
		keywords[strings.ToLower(strings.TrimSpace(k))] = true
	}

	hits := 0
	for _, tok := range tokens {
		if keywords[strings.Trim(tok, ".,!?;:()")] {
			hits++
		}
	}
	density := float64(hits) / float64(len(tokens))

	const lo, hi = 0.01, 0.03
	switch {
	case density >= lo && density <= hi:
		return 1.0
	case density < lo:
		return 0.3 + 0.7*(density/lo)
	default:
		score := 1.0 - (density-hi)*20
		if score < 0.2 {
			score = 0.2
		}
		return score
	}
}

// locationScore buckets location compatibility: exact, remote, partial, none
func locationScore(job *models.JobPosting, profile *models.CandidateProfile) float64 {
	jobLoc := strings.ToLower(job.Location)
	userLoc := strings.ToLower(profile.Location)

	if jobLoc == "" {
		return 0.7
	}
	if userLoc != "" && (strings.Contains(jobLoc, userLoc) || strings.Contains(userLoc, jobLoc)) {
		return 1.0
	}
	if strings.Contains(jobLoc, "remote") && (profile.RemoteOK || userLoc == "") {
		return 0.95
	}

	// Partial: any shared token longer than 3 chars (same city or state)
	for _, jp := range strings.Fields(jobLoc) {
		for _, up := range strings.Fields(userLoc) {
			if len(jp) > 3 && jp == up {
				return 0.7
			}
		}
	}
	return 0.3
}

// companyTiers holds known company prior adjustments; unknown companies
// read as neutral.
var companyTiers = map[string]float64{}

func companyTier(company string) float64 {
	if tier, ok := companyTiers[strings.ToLower(company)]; ok {
		return tier
	}
	return 0.5
}
