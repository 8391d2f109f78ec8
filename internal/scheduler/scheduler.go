// Package scheduler turns approved (job, score) pairs into a timed dispatch
// plan. Build is a pure function of its inputs: same items, config, policies
// and clock always produce the identical plan.
package scheduler

import (
	"sort"
	"time"

	"applyd/pkg/models"
)

// Item is one approved application awaiting a dispatch slot
type Item struct {
	ApplicationID string
	JobID         string
	Platform      models.Platform
	Score         float64
	PostedAt      time.Time
}

// Policy is the slice of an adapter's rate policy the planner needs.
// Degraded platforms get a zero share until the adapter recovers.
type Policy struct {
	MinInterval     time.Duration
	TokensPerMinute int
	Degraded        bool
}

// Entry is one planned dispatch
type Entry struct {
	ApplicationID string
	Platform      models.Platform
	DispatchAt    time.Time
}

// Summary aggregates a plan for observability
type Summary struct {
	Total              int                     `json:"total"`
	PerPlatform        map[models.Platform]int `json:"per_platform"`
	Skipped            int                     `json:"skipped"`
	ExpectedCompletion time.Time               `json:"expected_completion"`
}

// Plan is an ordered dispatch schedule
type Plan struct {
	Entries []Entry
	Summary Summary
}

// windowFactors ranks weekday x half-day slots for dispatch. Anything at or
// above favorableFactor is an acceptable window; weekends are not.
var windowFactors = map[string]float64{
	"monday_am": 1.0, "monday_pm": 0.8,
	"tuesday_am": 1.0, "tuesday_pm": 0.8,
	"wednesday_am": 1.0, "wednesday_pm": 0.8,
	"thursday_am": 1.0, "thursday_pm": 0.8,
	"friday_am": 1.0, "friday_pm": 0.5,
	"saturday_am": 0.3, "saturday_pm": 0.3,
	"sunday_am": 0.3, "sunday_pm": 0.3,
}

const favorableFactor = 0.5

// Half-day window bounds, local to the timestamp's location
const (
	morningStart   = 9
	morningEnd     = 12
	afternoonStart = 13
	afternoonEnd   = 18
)

func windowKey(t time.Time) string {
	day := map[time.Weekday]string{
		time.Monday: "monday", time.Tuesday: "tuesday", time.Wednesday: "wednesday",
		time.Thursday: "thursday", time.Friday: "friday",
		time.Saturday: "saturday", time.Sunday: "sunday",
	}[t.Weekday()]
	if t.Hour() < 12 {
		return day + "_am"
	}
	return day + "_pm"
}

func factorAt(t time.Time, overrides map[string]float64) float64 {
	key := windowKey(t)
	if overrides != nil {
		if f, ok := overrides[key]; ok {
			return f
		}
	}
	return windowFactors[key]
}

// inDispatchHours reports whether t falls inside a half-day dispatch window
func inDispatchHours(t time.Time) bool {
	h := t.Hour()
	return (h >= morningStart && h < morningEnd) || (h >= afternoonStart && h < afternoonEnd)
}

// nextFavorable advances t to the start of the next acceptable window, or
// returns t unchanged when it already sits inside one.
func nextFavorable(t time.Time, overrides map[string]float64) time.Time {
	for i := 0; i < 14*2+2; i++ { // two weeks of half-day slots is always enough
		if inDispatchHours(t) && factorAt(t, overrides) >= favorableFactor {
			return t
		}
		h := t.Hour()
		var next time.Time
		switch {
		case h < morningStart:
			next = time.Date(t.Year(), t.Month(), t.Day(), morningStart, 0, 0, 0, t.Location())
		case h < afternoonStart:
			next = time.Date(t.Year(), t.Month(), t.Day(), afternoonStart, 0, 0, 0, t.Location())
		default:
			next = time.Date(t.Year(), t.Month(), t.Day(), morningStart, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
		}
		t = next
	}
	return t
}

// spacing is the enforced gap between successive dispatches on one platform
func (p Policy) spacing() time.Duration {
	s := p.MinInterval
	if p.TokensPerMinute > 0 {
		if bucket := time.Minute / time.Duration(p.TokensPerMinute); bucket > s {
			s = bucket
		}
	}
	return s
}

// tokensPerDay bounds a platform's daily throughput from its rate policy
func (p Policy) tokensPerDay() int {
	if p.Degraded {
		return 0
	}
	perDay := 1 << 30
	if p.TokensPerMinute > 0 {
		perDay = p.TokensPerMinute * 60 * 24
	}
	if p.MinInterval > 0 {
		if byInterval := int(24 * time.Hour / p.MinInterval); byInterval < perDay {
			perDay = byInterval
		}
	}
	return perDay
}

// Build produces the dispatch plan for one planning pass.
//
// Items are partitioned by platform, each platform takes up to
// min(weight x daily_cap, tokens_per_day) of its highest-scored items, and
// the per-platform queues are merged by weighted round-robin. Dispatch
// times respect platform spacing and land in favorable windows.
func Build(items []Item, cfg *models.CampaignConfig, policies map[models.Platform]Policy, now time.Time) *Plan {
	byPlatform := map[models.Platform][]Item{}
	for _, it := range items {
		byPlatform[it.Platform] = append(byPlatform[it.Platform], it)
	}

	shares := map[models.Platform]int{}
	skipped := 0
	for platform, queue := range byPlatform {
		sort.Slice(queue, func(i, j int) bool {
			a, b := queue[i], queue[j]
			if a.Score != b.Score {
				return a.Score > b.Score
			}
			if !a.PostedAt.Equal(b.PostedAt) {
				return a.PostedAt.Before(b.PostedAt)
			}
			return a.JobID < b.JobID
		})

		weight := platformWeight(cfg, platform)
		share := int(weight * float64(cfg.DailyCap))
		if weight > 0 && share == 0 {
			share = 1
		}
		policy := policies[platform]
		if perDay := policy.tokensPerDay(); perDay < share {
			share = perDay
		}
		if share > len(queue) {
			share = len(queue)
		}
		skipped += len(queue) - share
		shares[platform] = share
		byPlatform[platform] = queue
	}

	// Global cap across platforms: allocate the budget in descending weight
	// order so the lowest-weight platforms are the first trimmed when it
	// runs out. Equal weights keep the fixed platform order.
	order := append([]models.Platform(nil), models.Platforms...)
	sort.SliceStable(order, func(i, j int) bool {
		return platformWeight(cfg, order[i]) > platformWeight(cfg, order[j])
	})
	budget := cfg.DailyCap
	for _, platform := range order {
		share := shares[platform]
		if share > budget {
			skipped += share - budget
			share = budget
			shares[platform] = share
		}
		budget -= share
	}

	// Weighted round-robin merge: always pick the platform with the most
	// remaining share; ties resolve by the fixed platform order.
	nextAt := map[models.Platform]time.Time{}
	taken := map[models.Platform]int{}
	var entries []Entry
	for {
		var pick models.Platform
		best := 0
		for _, platform := range models.Platforms {
			if remaining := shares[platform] - taken[platform]; remaining > best {
				best = remaining
				pick = platform
			}
		}
		if best == 0 {
			break
		}

		item := byPlatform[pick][taken[pick]]
		taken[pick]++

		at := now
		if prev, ok := nextAt[pick]; ok && prev.After(at) {
			at = prev
		}
		at = nextFavorable(at, cfg.TimeWindows)
		nextAt[pick] = at.Add(policies[pick].spacing())

		entries = append(entries, Entry{ApplicationID: item.ApplicationID, Platform: pick, DispatchAt: at})
	}

	summary := Summary{Total: len(entries), PerPlatform: map[models.Platform]int{}, Skipped: skipped}
	for _, e := range entries {
		summary.PerPlatform[e.Platform]++
		if e.DispatchAt.After(summary.ExpectedCompletion) {
			summary.ExpectedCompletion = e.DispatchAt
		}
	}
	return &Plan{Entries: entries, Summary: summary}
}

// platformWeight resolves a platform's configured weight; platforms without
// one share the cap evenly.
func platformWeight(cfg *models.CampaignConfig, p models.Platform) float64 {
	if w, ok := cfg.PlatformWeights[p]; ok {
		return w
	}
	return 1.0 / float64(len(models.Platforms))
}

// Retry backoff bounds when the adapter gives no hint
const (
	retryBase = time.Minute
	retryCap  = 15 * time.Minute
)

// NextRetry decides the redispatch time after a transient failure.
// attempt is the number of submit attempts already made. A false return
// means the retry budget is spent and the record is terminally failed.
func NextRetry(now time.Time, attempt int, hint time.Duration, maxRetries int) (time.Time, bool) {
	if attempt > maxRetries {
		return time.Time{}, false
	}
	delay := hint
	if delay <= 0 {
		delay = retryBase << uint(attempt-1)
		if delay > retryCap {
			delay = retryCap
		}
	}
	return now.Add(delay), true
}
