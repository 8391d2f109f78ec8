package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"applyd/pkg/models"
)

var mondayMorning = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testConfig() *models.CampaignConfig {
	cfg := &models.CampaignConfig{
		DailyCap: 10,
		PlatformWeights: map[models.Platform]float64{
			models.PlatformIndeed:   0.6,
			models.PlatformLinkedIn: 0.4,
		},
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func testPolicies() map[models.Platform]Policy {
	return map[models.Platform]Policy{
		models.PlatformIndeed:   {MinInterval: 20 * time.Second, TokensPerMinute: 5},
		models.PlatformLinkedIn: {MinInterval: 60 * time.Second, TokensPerMinute: 2},
	}
}

func makeItems(platform models.Platform, n int) []Item {
	items := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, Item{
			ApplicationID: fmt.Sprintf("%s-app-%02d", platform, i),
			JobID:         fmt.Sprintf("%s-job-%02d", platform, i),
			Platform:      platform,
			Score:         0.9 - float64(i)*0.01,
			PostedAt:      mondayMorning.AddDate(0, 0, -i),
		})
	}
	return items
}

func TestBuildIsDeterministic(t *testing.T) {
	items := append(makeItems(models.PlatformIndeed, 8), makeItems(models.PlatformLinkedIn, 8)...)

	a := Build(items, testConfig(), testPolicies(), mondayMorning)
	b := Build(items, testConfig(), testPolicies(), mondayMorning)
	assert.Equal(t, a.Entries, b.Entries)
	assert.Equal(t, a.Summary, b.Summary)

	// Input order must not matter
	reversed := make([]Item, len(items))
	for i, it := range items {
		reversed[len(items)-1-i] = it
	}
	c := Build(reversed, testConfig(), testPolicies(), mondayMorning)
	assert.Equal(t, a.Entries, c.Entries)
}

func TestBuildOrdersByScoreThenAgeThenID(t *testing.T) {
	older := mondayMorning.AddDate(0, 0, -10)
	items := []Item{
		{ApplicationID: "low", JobID: "j-low", Platform: models.PlatformIndeed, Score: 0.6, PostedAt: mondayMorning},
		{ApplicationID: "tie-b", JobID: "j-b", Platform: models.PlatformIndeed, Score: 0.8, PostedAt: mondayMorning},
		{ApplicationID: "tie-a", JobID: "j-a", Platform: models.PlatformIndeed, Score: 0.8, PostedAt: mondayMorning},
		{ApplicationID: "tie-old", JobID: "j-z", Platform: models.PlatformIndeed, Score: 0.8, PostedAt: older},
		{ApplicationID: "high", JobID: "j-high", Platform: models.PlatformIndeed, Score: 0.9, PostedAt: mondayMorning},
	}

	plan := Build(items, testConfig(), testPolicies(), mondayMorning)
	got := make([]string, 0, len(plan.Entries))
	for _, e := range plan.Entries {
		got = append(got, e.ApplicationID)
	}
	assert.Equal(t, []string{"high", "tie-old", "tie-a", "tie-b", "low"}, got)
}

func TestBuildRespectsPlatformShares(t *testing.T) {
	// cap=10 with weights 0.6/0.4: at most 6 indeed and 4 linkedin
	items := append(makeItems(models.PlatformIndeed, 20), makeItems(models.PlatformLinkedIn, 20)...)

	plan := Build(items, testConfig(), testPolicies(), mondayMorning)
	assert.Equal(t, 6, plan.Summary.PerPlatform[models.PlatformIndeed])
	assert.Equal(t, 4, plan.Summary.PerPlatform[models.PlatformLinkedIn])
	assert.Equal(t, 10, plan.Summary.Total)
	assert.Equal(t, 30, plan.Summary.Skipped)
}

func TestBuildTrimsLowestWeightFirstUnderGlobalCap(t *testing.T) {
	// Weights over-subscribe the cap: 0.9 + 0.3 of 10 asks for 12 slots.
	// The heavier platform keeps its full share; linkedin absorbs the trim
	// even though it comes first in the fixed platform order.
	cfg := &models.CampaignConfig{
		DailyCap: 10,
		PlatformWeights: map[models.Platform]float64{
			models.PlatformLinkedIn: 0.3,
			models.PlatformIndeed:   0.9,
		},
	}
	require.NoError(t, cfg.Validate())
	items := append(makeItems(models.PlatformIndeed, 20), makeItems(models.PlatformLinkedIn, 20)...)

	plan := Build(items, cfg, testPolicies(), mondayMorning)
	assert.Equal(t, 9, plan.Summary.PerPlatform[models.PlatformIndeed])
	assert.Equal(t, 1, plan.Summary.PerPlatform[models.PlatformLinkedIn])
	assert.Equal(t, 10, plan.Summary.Total)
	assert.Equal(t, 30, plan.Summary.Skipped)
}

func TestBuildDegradedPlatformGetsNothing(t *testing.T) {
	items := append(makeItems(models.PlatformIndeed, 5), makeItems(models.PlatformLinkedIn, 5)...)
	policies := testPolicies()
	policies[models.PlatformLinkedIn] = Policy{MinInterval: time.Minute, TokensPerMinute: 2, Degraded: true}

	plan := Build(items, testConfig(), policies, mondayMorning)
	assert.Zero(t, plan.Summary.PerPlatform[models.PlatformLinkedIn])
	assert.Equal(t, 5, plan.Summary.PerPlatform[models.PlatformIndeed])
}

func TestBuildSpacingWithinPlatform(t *testing.T) {
	items := makeItems(models.PlatformIndeed, 6)
	plan := Build(items, testConfig(), testPolicies(), mondayMorning)

	var last time.Time
	for _, e := range plan.Entries {
		if !last.IsZero() {
			assert.GreaterOrEqual(t, e.DispatchAt.Sub(last), 20*time.Second)
		}
		last = e.DispatchAt
	}
	assert.Equal(t, plan.Summary.ExpectedCompletion, last)
}

func TestBuildAvoidsWeekends(t *testing.T) {
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	items := makeItems(models.PlatformIndeed, 3)

	plan := Build(items, testConfig(), testPolicies(), saturday)
	require.NotEmpty(t, plan.Entries)
	for _, e := range plan.Entries {
		assert.Equal(t, time.Monday, e.DispatchAt.Weekday())
		assert.Equal(t, 9, e.DispatchAt.Hour())
	}
}

func TestBuildWindowOverrides(t *testing.T) {
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.TimeWindows = map[string]float64{"saturday_am": 1.0}
	items := makeItems(models.PlatformIndeed, 1)

	plan := Build(items, cfg, testPolicies(), saturday)
	require.Len(t, plan.Entries, 1)
	assert.Equal(t, saturday, plan.Entries[0].DispatchAt)
}

func TestBuildDefersEveningToNextMorning(t *testing.T) {
	tuesdayNight := time.Date(2026, 3, 3, 20, 0, 0, 0, time.UTC)
	items := makeItems(models.PlatformIndeed, 1)

	plan := Build(items, testConfig(), testPolicies(), tuesdayNight)
	require.Len(t, plan.Entries, 1)
	assert.Equal(t, time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC), plan.Entries[0].DispatchAt)
}

func TestBuildEmptyInput(t *testing.T) {
	plan := Build(nil, testConfig(), testPolicies(), mondayMorning)
	assert.Empty(t, plan.Entries)
	assert.Zero(t, plan.Summary.Total)
}

func TestNextRetry(t *testing.T) {
	now := mondayMorning

	at, ok := NextRetry(now, 1, 0, 3)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), at)

	at, ok = NextRetry(now, 2, 0, 3)
	require.True(t, ok)
	assert.Equal(t, now.Add(2*time.Minute), at)

	// Adapter hint wins over the default backoff
	at, ok = NextRetry(now, 2, 45*time.Second, 3)
	require.True(t, ok)
	assert.Equal(t, now.Add(45*time.Second), at)

	// Budget exhausted
	_, ok = NextRetry(now, 4, 0, 3)
	assert.False(t, ok)

	// Backoff cap
	at, ok = NextRetry(now, 10, 0, 20)
	require.True(t, ok)
	assert.Equal(t, now.Add(15*time.Minute), at)
}
