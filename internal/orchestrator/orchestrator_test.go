package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"applyd/internal/adapter"
	"applyd/internal/database"
	"applyd/internal/predictor"
	"applyd/internal/tracker"
	"applyd/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock advances simulated time on every sleep
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)} // a Monday morning
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

type harness struct {
	store    *database.Store
	clock    *fakeClock
	scripted map[models.Platform]*adapter.Scripted
	registry *adapter.Registry
	orch     *Orchestrator
}

func newHarness(t *testing.T, rate adapter.RatePolicy) *harness {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := database.New(db)

	clock := newFakeClock()
	scripted := map[models.Platform]*adapter.Scripted{}
	registry := adapter.NewScriptedRegistry(func(p models.Platform) *adapter.Scripted {
		s := adapter.NewScripted(p, rate)
		s.SetClock(clock.Now, clock.Sleep)
		scripted[p] = s
		return s
	})

	pred := predictor.New(store, zap.NewNop())
	orch := New(store, pred, registry, &StaticCVService{}, Config{SubmitWorkers: 4, SubmitTimeout: time.Second}, zap.NewNop())
	orch.SetClock(clock.Now, clock.Sleep)
	t.Cleanup(orch.Close)

	require.NoError(t, store.UpsertProfile(&models.CandidateProfile{
		ProfileID: "prof-1",
		Name:      "A. Candidate",
		Email:     "a@example.com",
		Location:  "Berlin",
		Skills:    []string{"python", "sql", "go"},
		Experience: []models.Experience{{
			Company: "Prev", Title: "Engineer",
			StartDate: clock.Now().AddDate(-4, 0, 0),
		}},
	}))

	return &harness{store: store, clock: clock, scripted: scripted, registry: registry, orch: orch}
}

func (h *harness) campaign(t *testing.T, cfg models.CampaignConfig) *models.Campaign {
	t.Helper()
	c, err := h.orch.CreateCampaign("prof-1", cfg)
	require.NoError(t, err)
	return c
}

func job(platform models.Platform, id string) *models.JobPosting {
	return &models.JobPosting{
		JobID:    id,
		Platform: platform,
		Title:    "Software Engineer",
		Company:  "Acme",
		Location: "Berlin",
		Skills:   []string{"python", "sql"},
		Description: "We build data pipelines in python and sql on a cloud platform. " +
			"The team ships weekly and values testing discipline and code review.",
		PostedAt: time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
	}
}

func defaultRate() adapter.RatePolicy {
	return adapter.RatePolicy{MinInterval: 0, TokensPerMinute: 600, MaxInFlight: 4}
}

func TestSingleJobHappyPath(t *testing.T) {
	h := newHarness(t, defaultRate())
	c := h.campaign(t, models.CampaignConfig{
		DailyCap:           1,
		PlatformWeights:    map[models.Platform]float64{models.PlatformIndeed: 1.0},
		PredictorThreshold: 0.5,
	})

	added, err := h.orch.EnqueueJobs(c.CampaignID, []*models.JobPosting{job(models.PlatformIndeed, "job-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	require.NoError(t, h.orch.Run(c.CampaignID))
	h.orch.Wait(c.CampaignID)

	// Dispatch is drained but the outcome is still open, so the campaign
	// keeps running for the tracker
	got, err := h.store.GetCampaign(c.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignRunning, got.State)

	records, err := h.store.ListApplications(c.CampaignID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, models.SubmissionSubmitted, rec.SubmissionState)
	assert.GreaterOrEqual(t, rec.PredictedSuccess, 0.5)
	assert.NotEmpty(t, rec.PlatformRef)
	require.NotNil(t, rec.SubmittedAt)
	require.NotNil(t, rec.NextPollAt)
	assert.Equal(t, rec.SubmittedAt.Add(24*time.Hour), *rec.NextPollAt)

	assert.Len(t, h.scripted[models.PlatformIndeed].SubmitCalls(), 1)
}

func TestCampaignCompletesAfterOutcomesSettle(t *testing.T) {
	h := newHarness(t, defaultRate())
	c := h.campaign(t, models.CampaignConfig{
		PlatformWeights:    map[models.Platform]float64{models.PlatformIndeed: 1.0},
		PredictorThreshold: 0.5,
	})
	_, err := h.orch.EnqueueJobs(c.CampaignID, []*models.JobPosting{job(models.PlatformIndeed, "job-1")})
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(c.CampaignID))
	h.orch.Wait(c.CampaignID)

	records, err := h.store.ListApplications(c.CampaignID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, models.SubmissionSubmitted, records[0].SubmissionState)

	// A completion check with an open outcome is a no-op
	h.orch.CampaignSettled(c.CampaignID)
	got, err := h.store.GetCampaign(c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, models.CampaignRunning, got.State)

	// The tracker settling the last outcome completes the campaign
	tr := tracker.New(h.store, h.registry, predictor.New(h.store, zap.NewNop()), h.orch,
		tracker.Config{PollWorkers: 2, PollTimeout: time.Second}, zap.NewNop())
	tr.SetClock(h.clock.Now, h.clock.Sleep)
	h.scripted[models.PlatformIndeed].ScriptPolls(records[0].PlatformRef,
		&adapter.StatusSnapshot{Outcome: models.OutcomeRejected})
	h.clock.Advance(25 * time.Hour)
	require.NoError(t, tr.Pass(context.Background()))

	got, err = h.store.GetCampaign(c.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, got.State)

	events, err := h.store.EventsSince(c.CampaignID, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventCampaignStateChanged, events[len(events)-1].Kind)
}

func TestRateLimitEnforcement(t *testing.T) {
	h := newHarness(t, adapter.RatePolicy{MinInterval: 0, TokensPerMinute: 5, MaxInFlight: 2})
	c := h.campaign(t, models.CampaignConfig{
		DailyCap:           50,
		PlatformWeights:    map[models.Platform]float64{models.PlatformIndeed: 1.0},
		PredictorThreshold: 0.5,
	})

	jobs := make([]*models.JobPosting, 0, 20)
	for i := 0; i < 20; i++ {
		jobs = append(jobs, job(models.PlatformIndeed, fmt.Sprintf("job-%02d", i)))
	}
	_, err := h.orch.EnqueueJobs(c.CampaignID, jobs)
	require.NoError(t, err)

	start := h.clock.Now()
	require.NoError(t, h.orch.Run(c.CampaignID))
	h.orch.Wait(c.CampaignID)

	calls := h.scripted[models.PlatformIndeed].SubmitCalls()
	require.Len(t, calls, 20)

	// No 60-second window may see more than 5 submits
	for i := range calls {
		inWindow := 0
		for j := i; j < len(calls); j++ {
			if calls[j].At.Sub(calls[i].At) < time.Minute {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, 5, "window starting at call %d", i)
	}
	assert.GreaterOrEqual(t, h.clock.Now().Sub(start), 3*time.Minute)

	counters, err := h.store.Counters(c.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, 20, counters.Submitted)
}

func TestTransientFailureThenSuccess(t *testing.T) {
	h := newHarness(t, defaultRate())
	h.scripted[models.PlatformIndeed].ScriptSubmits(
		&adapter.Error{Kind: adapter.KindTransientNetwork, Retryable: true},
		nil,
	)

	c := h.campaign(t, models.CampaignConfig{
		PlatformWeights:    map[models.Platform]float64{models.PlatformIndeed: 1.0},
		PredictorThreshold: 0.5,
	})
	_, err := h.orch.EnqueueJobs(c.CampaignID, []*models.JobPosting{job(models.PlatformIndeed, "job-1")})
	require.NoError(t, err)

	require.NoError(t, h.orch.Run(c.CampaignID))
	h.orch.Wait(c.CampaignID)

	records, err := h.store.ListApplications(c.CampaignID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.SubmissionSubmitted, records[0].SubmissionState)
	assert.Equal(t, 2, records[0].Attempts)
	assert.Len(t, h.scripted[models.PlatformIndeed].SubmitCalls(), 2)

	// The score fixed at planning time survives the retry untouched
	events, err := h.store.EventsSince(c.CampaignID, 0, 100)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Kind == models.EventApplicationPlanned {
			assert.Contains(t, string(ev.Payload), fmt.Sprintf("%q:%v", "score", records[0].PredictedSuccess))
		}
	}
}

func TestPermanentFailure(t *testing.T) {
	h := newHarness(t, defaultRate())
	h.scripted[models.PlatformIndeed].ScriptSubmits(
		&adapter.Error{Kind: adapter.KindFormRejected, Retryable: false},
	)

	c := h.campaign(t, models.CampaignConfig{
		PlatformWeights:    map[models.Platform]float64{models.PlatformIndeed: 1.0},
		PredictorThreshold: 0.5,
	})
	_, err := h.orch.EnqueueJobs(c.CampaignID, []*models.JobPosting{job(models.PlatformIndeed, "job-1")})
	require.NoError(t, err)

	require.NoError(t, h.orch.Run(c.CampaignID))
	h.orch.Wait(c.CampaignID)

	got, err := h.store.GetCampaign(c.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, got.State)

	records, err := h.store.ListApplications(c.CampaignID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.SubmissionFailedPermanent, records[0].SubmissionState)
	assert.NotNil(t, records[0].TerminalAt)
	assert.Len(t, h.scripted[models.PlatformIndeed].SubmitCalls(), 1)

	events, err := h.store.EventsSince(c.CampaignID, 0, 100)
	require.NoError(t, err)
	failed := 0
	for _, ev := range events {
		if ev.Kind == models.EventApplicationFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestAuthExpiredPausesPlatformOnly(t *testing.T) {
	h := newHarness(t, defaultRate())
	h.scripted[models.PlatformLinkedIn].ScriptSubmits(
		&adapter.Error{Kind: adapter.KindAuthExpired, Retryable: false},
	)

	c := h.campaign(t, models.CampaignConfig{
		PlatformWeights: map[models.Platform]float64{
			models.PlatformLinkedIn: 0.5,
			models.PlatformIndeed:   0.5,
		},
		PredictorThreshold: 0.5,
	})
	_, err := h.orch.EnqueueJobs(c.CampaignID, []*models.JobPosting{
		job(models.PlatformLinkedIn, "li-1"),
		job(models.PlatformIndeed, "in-1"),
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.Run(c.CampaignID))

	// The indeed submission lands and linkedin pauses while the campaign
	// keeps running, waiting on a credential refresh
	require.Eventually(t, func() bool {
		status, err := h.orch.Status(c.CampaignID)
		if err != nil {
			return false
		}
		return status.Counters.Submitted == 1 && len(status.PausedPlatforms) == 1
	}, 5*time.Second, 10*time.Millisecond)

	status, err := h.orch.Status(c.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignRunning, status.Campaign.State)
	assert.Equal(t, []models.Platform{models.PlatformLinkedIn}, status.PausedPlatforms)

	require.NoError(t, h.orch.Stop(c.CampaignID))

	events, err := h.store.EventsSince(c.CampaignID, 0, 100)
	require.NoError(t, err)
	degraded := false
	for _, ev := range events {
		if ev.Kind == models.EventAdapterDegraded {
			degraded = true
		}
	}
	assert.True(t, degraded, "adapter_degraded event expected")

	// Stop withdraws the linkedin record that never reached the platform
	records, err := h.store.ApplicationsInState(c.CampaignID, models.SubmissionWithdrawn)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestEnqueueIdempotent(t *testing.T) {
	h := newHarness(t, defaultRate())
	c := h.campaign(t, models.CampaignConfig{PredictorThreshold: 0.5})

	added, err := h.orch.EnqueueJobs(c.CampaignID, []*models.JobPosting{job(models.PlatformIndeed, "job-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	added, err = h.orch.EnqueueJobs(c.CampaignID, []*models.JobPosting{job(models.PlatformIndeed, "job-1")})
	require.NoError(t, err)
	assert.Zero(t, added)

	require.NoError(t, h.orch.Run(c.CampaignID))
	h.orch.Wait(c.CampaignID)

	records, err := h.store.ListApplications(c.CampaignID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestZeroJobsCompletesImmediately(t *testing.T) {
	h := newHarness(t, defaultRate())
	c := h.campaign(t, models.CampaignConfig{PredictorThreshold: 0.5})

	require.NoError(t, h.orch.Run(c.CampaignID))
	h.orch.Wait(c.CampaignID)

	got, err := h.store.GetCampaign(c.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, got.State)
}

func TestAllJobsBelowThreshold(t *testing.T) {
	h := newHarness(t, defaultRate())
	c := h.campaign(t, models.CampaignConfig{PredictorThreshold: 0.99})

	_, err := h.orch.EnqueueJobs(c.CampaignID, []*models.JobPosting{
		job(models.PlatformIndeed, "job-1"),
		job(models.PlatformIndeed, "job-2"),
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.Run(c.CampaignID))
	h.orch.Wait(c.CampaignID)

	got, err := h.store.GetCampaign(c.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, got.State)

	records, err := h.store.ListApplications(c.CampaignID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, h.scripted[models.PlatformIndeed].SubmitCalls())
}

func TestPauseResumeStop(t *testing.T) {
	h := newHarness(t, defaultRate())
	// Every submit fails with an expired session, so the campaign idles
	// and can be paused deterministically
	h.scripted[models.PlatformIndeed].ScriptSubmits(
		&adapter.Error{Kind: adapter.KindAuthExpired, Retryable: false},
	)

	c := h.campaign(t, models.CampaignConfig{
		PlatformWeights:    map[models.Platform]float64{models.PlatformIndeed: 1.0},
		PredictorThreshold: 0.5,
	})
	_, err := h.orch.EnqueueJobs(c.CampaignID, []*models.JobPosting{job(models.PlatformIndeed, "job-1")})
	require.NoError(t, err)

	require.NoError(t, h.orch.Run(c.CampaignID))

	require.NoError(t, h.orch.Pause(c.CampaignID))
	got, err := h.store.GetCampaign(c.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignPaused, got.State)

	// Pausing twice is an invalid transition
	assert.Error(t, h.orch.Pause(c.CampaignID))

	require.NoError(t, h.orch.Resume(c.CampaignID))
	got, err = h.store.GetCampaign(c.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignRunning, got.State)

	require.NoError(t, h.orch.Stop(c.CampaignID))
	got, err = h.store.GetCampaign(c.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, got.State)
}

func TestRecoveryReconcilesStuckRecords(t *testing.T) {
	h := newHarness(t, defaultRate())
	c := h.campaign(t, models.CampaignConfig{
		PlatformWeights:    map[models.Platform]float64{models.PlatformIndeed: 1.0},
		PredictorThreshold: 0.5,
	})

	recovered := job(models.PlatformIndeed, "job-recovered")
	lost := job(models.PlatformIndeed, "job-lost")
	_, err := h.orch.EnqueueJobs(c.CampaignID, []*models.JobPosting{recovered, lost})
	require.NoError(t, err)

	// Simulate a crash between submit and persist: both records stuck in
	// submitting, but only one submission actually reached the platform
	ad := h.scripted[models.PlatformIndeed]
	require.NoError(t, ad.Open(context.Background()))
	res, err := ad.Submit(context.Background(), adapter.SubmitRequest{Job: recovered})
	require.NoError(t, err)

	for _, j := range []*models.JobPosting{recovered, lost} {
		rec := &models.ApplicationRecord{
			ApplicationID:       "app-" + j.JobID,
			CampaignID:          c.CampaignID,
			JobID:               j.JobID,
			Platform:            j.Platform,
			SubmissionState:     models.SubmissionPlanned,
			OutcomeState:        models.OutcomeNoResponse,
			PredictedSuccess:    0.7,
			PredictedConfidence: "medium",
			PlannedAt:           h.clock.Now(),
		}
		require.NoError(t, h.store.InsertApplication(rec))
		rec.SubmissionState = models.SubmissionSubmitting
		rec.Attempts = 1
		require.NoError(t, h.store.UpdateApplication(rec, models.SubmissionPlanned, models.OutcomeNoResponse))
	}

	require.NoError(t, h.orch.Recover(context.Background()))

	got, err := h.store.GetApplication("app-job-recovered")
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionSubmitted, got.SubmissionState)
	assert.Equal(t, res.PlatformRef, got.PlatformRef)
	assert.NotNil(t, got.NextPollAt)

	got, err = h.store.GetApplication("app-job-lost")
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionFailedRetryable, got.SubmissionState)
}

func TestEventsAreSequencedAndObservable(t *testing.T) {
	h := newHarness(t, defaultRate())
	c := h.campaign(t, models.CampaignConfig{
		PlatformWeights:    map[models.Platform]float64{models.PlatformIndeed: 1.0},
		PredictorThreshold: 0.5,
	})

	ch, cancel := h.orch.Subscribe(c.CampaignID)
	defer cancel()

	_, err := h.orch.EnqueueJobs(c.CampaignID, []*models.JobPosting{job(models.PlatformIndeed, "job-1")})
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(c.CampaignID))
	h.orch.Wait(c.CampaignID)

	events, err := h.orch.Events(c.CampaignID, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	var prev int64
	kinds := map[models.EventKind]bool{}
	for _, ev := range events {
		assert.Equal(t, prev+1, ev.Seq, "seq must be gap-free")
		prev = ev.Seq
		kinds[ev.Kind] = true
	}
	assert.True(t, kinds[models.EventApplicationPlanned])
	assert.True(t, kinds[models.EventApplicationSubmitted])
	assert.True(t, kinds[models.EventCampaignStateChanged])

	// The live feed saw at least the planned event
	select {
	case ev := <-ch:
		assert.NotZero(t, ev.Seq)
	default:
		t.Fatal("expected at least one live event")
	}
}
